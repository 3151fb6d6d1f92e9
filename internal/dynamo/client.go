// Package dynamo builds the DynamoDB client used by the lease store backend.
// Only this package imports the DynamoDB SDK; adapters use the aliases and
// helpers re-exported here.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Config holds DynamoDB connection parameters.
type Config struct {
	// Endpoint overrides the AWS endpoint, e.g. a LocalStack URL. Static
	// test credentials are used when it is set.
	Endpoint string
	Region   string
	Timeout  time.Duration
}

// Client wraps the SDK client. DB satisfies the narrow interfaces adapters
// declare.
type Client struct {
	DB *dynamodb.Client
}

// NewClient creates a DynamoDB client configured from cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Timeout > 0 {
		awsCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	var dbOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		dbOpts = append(dbOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	return &Client{DB: dynamodb.NewFromConfig(awsCfg, dbOpts...)}, nil
}

type (
	GetItemInput  = dynamodb.GetItemInput
	GetItemOutput = dynamodb.GetItemOutput
	ScanInput     = dynamodb.ScanInput
	ScanOutput    = dynamodb.ScanOutput

	TransactWriteItemsInput  = dynamodb.TransactWriteItemsInput
	TransactWriteItemsOutput = dynamodb.TransactWriteItemsOutput
	TransactWriteItem        = types.TransactWriteItem
	Put                      = types.Put
	Delete                   = types.Delete

	AttributeValue        = types.AttributeValue
	AttributeValueMemberS = types.AttributeValueMemberS
)

// Options is re-exported so adapter interfaces can declare optFns.
type Options = dynamodb.Options

var (
	Bool         = aws.Bool
	String       = aws.String
	MarshalMap   = attributevalue.MarshalMap
	UnmarshalMap = attributevalue.UnmarshalMap
)

// ErrTransactionCanceled builds a TransactionCanceledException carrying one
// reason code per transaction item. Tests use it; DynamoDB produces the real
// one.
func ErrTransactionCanceled(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, code := range codes {
		if code != "" {
			c := code
			reasons[i] = types.CancellationReason{Code: &c}
		}
	}
	msg := "Transaction cancelled"
	return &types.TransactionCanceledException{
		Message:             &msg,
		CancellationReasons: reasons,
	}
}

// IsTransactionCanceledException reports whether err is a canceled
// transaction and returns its reason codes, "" or "None" for items that
// passed.
func IsTransactionCanceledException(err error) ([]string, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	reasons := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		if r.Code != nil {
			reasons[i] = *r.Code
		}
	}
	return reasons, true
}
