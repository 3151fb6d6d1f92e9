package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/dynamo"
	"github.com/felipealfah/leasepool/internal/leasepool/app"
	"github.com/felipealfah/leasepool/internal/observability"
)

var _ app.LeaseStore = (*DynamoStore)(nil)

const (
	kindLease      = "lease"
	kindActivation = "activation"

	activationKeyPrefix = "activation#"

	conditionalCheckFailed = "ConditionalCheckFailed"
)

// leaseDynamoDB is the subset of the DynamoDB API the lease store calls.
// *dynamodb.Client satisfies it.
type leaseDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// leaseItem is the item shape of a lease. The table has a single string hash
// key "pk": the phone number for leases, activation#<id> for the guard item
// that keeps an activation bound to one number.
type leaseItem struct {
	PK              string   `dynamodbav:"pk"`
	Kind            string   `dynamodbav:"kind"`
	CountryCode     string   `dynamodbav:"country_code"`
	ActivationID    string   `dynamodbav:"activation_id"`
	FirstAcquiredAt string   `dynamodbav:"first_acquired_at"`
	LastUsedAt      string   `dynamodbav:"last_used_at"`
	TimesUsed       int      `dynamodbav:"times_used"`
	ServicesUsed    []string `dynamodbav:"services_used,omitempty"`
	WebhookURL      string   `dynamodbav:"webhook_url,omitempty"`
	SavingsPerReuse float64  `dynamodbav:"savings_per_reuse,omitempty"`
	TTL             int64    `dynamodbav:"ttl"`
}

type activationItem struct {
	PK    string `dynamodbav:"pk"`
	Kind  string `dynamodbav:"kind"`
	Owner string `dynamodbav:"owner"`
	TTL   int64  `dynamodbav:"ttl"`
}

func toLeaseItem(l domain.NumberLease, ttl int64) leaseItem {
	return leaseItem{
		PK:              l.PhoneNumber,
		Kind:            kindLease,
		CountryCode:     l.CountryCode,
		ActivationID:    l.ActivationID,
		FirstAcquiredAt: l.FirstAcquiredAt.UTC().Format(time.RFC3339Nano),
		LastUsedAt:      l.LastUsedAt.UTC().Format(time.RFC3339Nano),
		TimesUsed:       l.TimesUsed,
		ServicesUsed:    l.ServicesUsed,
		WebhookURL:      l.WebhookURL,
		SavingsPerReuse: l.SavingsPerReuse,
		TTL:             ttl,
	}
}

func fromLeaseItem(item leaseItem) (domain.NumberLease, error) {
	first, err := time.Parse(time.RFC3339Nano, item.FirstAcquiredAt)
	if err != nil {
		return domain.NumberLease{}, fmt.Errorf("parse first_acquired_at: %w", err)
	}
	last, err := time.Parse(time.RFC3339Nano, item.LastUsedAt)
	if err != nil {
		return domain.NumberLease{}, fmt.Errorf("parse last_used_at: %w", err)
	}
	return domain.NumberLease{
		PhoneNumber:     item.PK,
		CountryCode:     item.CountryCode,
		ActivationID:    item.ActivationID,
		FirstAcquiredAt: first,
		LastUsedAt:      last,
		TimesUsed:       item.TimesUsed,
		ServicesUsed:    item.ServicesUsed,
		WebhookURL:      item.WebhookURL,
		SavingsPerReuse: item.SavingsPerReuse,
	}, nil
}

func activationKey(id string) string { return activationKeyPrefix + id }

// DynamoStore keeps the lease pool in a DynamoDB table shared by every
// instance of the service. Items carry a ttl attribute at the end of the
// reuse window so the table's TTL sweeper removes what pruning misses.
type DynamoStore struct {
	db        leaseDynamoDB
	tableName string
	window    time.Duration
}

// NewDynamoStore creates a DynamoStore on tableName. window is the reuse
// window used to compute item expiry.
func NewDynamoStore(db leaseDynamoDB, tableName string, window time.Duration) *DynamoStore {
	return &DynamoStore{db: db, tableName: tableName, window: window}
}

func (s *DynamoStore) expiry(l domain.NumberLease) int64 {
	return l.FirstAcquiredAt.Add(s.window).Unix()
}

// All scans every lease item.
func (s *DynamoStore) All(ctx context.Context) ([]domain.NumberLease, error) {
	ctx, span := tracer.Start(ctx, "dynamo.leases.all")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Scan"),
	)

	filter := "#kind = :lease"
	input := &dynamo.ScanInput{
		TableName:                &s.tableName,
		FilterExpression:         &filter,
		ExpressionAttributeNames: map[string]string{"#kind": "kind"},
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":lease": &dynamo.AttributeValueMemberS{Value: kindLease},
		},
		ConsistentRead: dynamo.Bool(true),
	}

	var leases []domain.NumberLease
	for {
		out, err := s.db.Scan(ctx, input)
		if err != nil {
			observability.FailSpan(span, err, "scan leases")
			return nil, fmt.Errorf("lease store: scan: %w", err)
		}
		for _, raw := range out.Items {
			var item leaseItem
			if err := dynamo.UnmarshalMap(raw, &item); err != nil {
				observability.FailSpan(span, err, "unmarshal lease")
				return nil, fmt.Errorf("lease store: unmarshal lease: %w", err)
			}
			l, err := fromLeaseItem(item)
			if err != nil {
				observability.FailSpan(span, err, "decode lease")
				return nil, fmt.Errorf("lease store: lease %s: %w", domain.MaskPhone(item.PK), err)
			}
			leases = append(leases, l)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	span.SetAttributes(attribute.Int("leases", len(leases)))
	return leases, nil
}

// Get reads the lease for phone with a strongly consistent read.
// Returns domain.ErrNotFound when there is none.
func (s *DynamoStore) Get(ctx context.Context, phone string) (domain.NumberLease, error) {
	ctx, span := tracer.Start(ctx, "dynamo.leases.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	l, found, err := s.get(ctx, phone)
	if err != nil {
		observability.FailSpan(span, err, "get lease")
		return domain.NumberLease{}, err
	}
	if !found {
		return domain.NumberLease{}, fmt.Errorf("lease %s: %w", domain.MaskPhone(phone), domain.ErrNotFound)
	}
	return l, nil
}

func (s *DynamoStore) get(ctx context.Context, phone string) (domain.NumberLease, bool, error) {
	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"pk": &dynamo.AttributeValueMemberS{Value: phone},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		return domain.NumberLease{}, false, fmt.Errorf("lease store: get: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.NumberLease{}, false, nil
	}
	var item leaseItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return domain.NumberLease{}, false, fmt.Errorf("lease store: unmarshal lease: %w", err)
	}
	if item.Kind != kindLease {
		return domain.NumberLease{}, false, nil
	}
	l, err := fromLeaseItem(item)
	if err != nil {
		return domain.NumberLease{}, false, fmt.Errorf("lease store: lease %s: %w", domain.MaskPhone(phone), err)
	}
	return l, true, nil
}

// Upsert writes the lease and its activation guard in one transaction.
// The guard fails with domain.ErrDuplicateActivation when the activation id
// already belongs to another number.
func (s *DynamoStore) Upsert(ctx context.Context, lease domain.NumberLease) error {
	if lease.PhoneNumber == "" {
		return fmt.Errorf("upsert lease: phone number is required: %w", domain.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "dynamo.leases.upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	prev, found, err := s.get(ctx, lease.PhoneNumber)
	if err != nil {
		observability.FailSpan(span, err, "read previous lease")
		return err
	}

	ttl := s.expiry(lease)
	leaseAV, err := dynamo.MarshalMap(toLeaseItem(lease, ttl))
	if err != nil {
		observability.FailSpan(span, err, "marshal lease")
		return fmt.Errorf("lease store: marshal lease: %w", err)
	}
	items := []dynamo.TransactWriteItem{{
		Put: &dynamo.Put{TableName: &s.tableName, Item: leaseAV},
	}}

	if lease.ActivationID != "" {
		guardAV, err := dynamo.MarshalMap(activationItem{
			PK:    activationKey(lease.ActivationID),
			Kind:  kindActivation,
			Owner: lease.PhoneNumber,
			TTL:   ttl,
		})
		if err != nil {
			observability.FailSpan(span, err, "marshal activation guard")
			return fmt.Errorf("lease store: marshal activation guard: %w", err)
		}
		cond := "attribute_not_exists(pk) OR #owner = :phone"
		items = append(items, dynamo.TransactWriteItem{
			Put: &dynamo.Put{
				TableName:                &s.tableName,
				Item:                     guardAV,
				ConditionExpression:      &cond,
				ExpressionAttributeNames: map[string]string{"#owner": "owner"},
				ExpressionAttributeValues: map[string]dynamo.AttributeValue{
					":phone": &dynamo.AttributeValueMemberS{Value: lease.PhoneNumber},
				},
			},
		})
	}
	if found && prev.ActivationID != "" && prev.ActivationID != lease.ActivationID {
		items = append(items, s.deleteGuard(prev.ActivationID))
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if reasons, ok := dynamo.IsTransactionCanceledException(err); ok &&
			lease.ActivationID != "" && len(reasons) > 1 && reasons[1] == conditionalCheckFailed {
			return fmt.Errorf("activation %s already leased: %w", lease.ActivationID, domain.ErrDuplicateActivation)
		}
		observability.FailSpan(span, err, "upsert lease")
		return fmt.Errorf("lease store: upsert: %w", err)
	}
	return nil
}

// Remove deletes the lease for phone and its activation guard. It reports
// whether a lease existed.
func (s *DynamoStore) Remove(ctx context.Context, phone string) (bool, error) {
	ctx, span := tracer.Start(ctx, "dynamo.leases.remove")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	removed, err := s.remove(ctx, phone)
	if err != nil {
		observability.FailSpan(span, err, "remove lease")
	}
	return removed, err
}

func (s *DynamoStore) remove(ctx context.Context, phone string) (bool, error) {
	prev, found, err := s.get(ctx, phone)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	cond := "attribute_exists(pk)"
	items := []dynamo.TransactWriteItem{{
		Delete: &dynamo.Delete{
			TableName: &s.tableName,
			Key: map[string]dynamo.AttributeValue{
				"pk": &dynamo.AttributeValueMemberS{Value: phone},
			},
			ConditionExpression: &cond,
		},
	}}
	if prev.ActivationID != "" {
		items = append(items, s.deleteGuard(prev.ActivationID))
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if reasons, ok := dynamo.IsTransactionCanceledException(err); ok &&
			len(reasons) > 0 && reasons[0] == conditionalCheckFailed {
			// Removed concurrently.
			return false, nil
		}
		return false, fmt.Errorf("lease store: remove: %w", err)
	}
	return true, nil
}

// Replace makes the table hold exactly leases. Leases missing from the new
// set are removed one by one and the rest are upserted; the swap is not
// atomic across items.
func (s *DynamoStore) Replace(ctx context.Context, leases []domain.NumberLease) error {
	ctx, span := tracer.Start(ctx, "dynamo.leases.replace")
	defer span.End()
	span.SetAttributes(attribute.Int("leases", len(leases)))

	current, err := s.All(ctx)
	if err != nil {
		observability.FailSpan(span, err, "read pool")
		return err
	}
	keep := make(map[string]bool, len(leases))
	for _, l := range leases {
		keep[l.PhoneNumber] = true
	}
	for _, l := range current {
		if keep[l.PhoneNumber] {
			continue
		}
		if _, err := s.remove(ctx, l.PhoneNumber); err != nil {
			observability.FailSpan(span, err, "remove stale lease")
			return err
		}
	}
	for _, l := range leases {
		if err := s.Upsert(ctx, l); err != nil {
			observability.FailSpan(span, err, "write lease")
			return err
		}
	}
	return nil
}

func (s *DynamoStore) deleteGuard(activationID string) dynamo.TransactWriteItem {
	return dynamo.TransactWriteItem{
		Delete: &dynamo.Delete{
			TableName: &s.tableName,
			Key: map[string]dynamo.AttributeValue{
				"pk": &dynamo.AttributeValueMemberS{Value: activationKey(activationID)},
			},
		},
	}
}
