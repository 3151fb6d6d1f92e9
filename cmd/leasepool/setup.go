package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipealfah/leasepool/internal/awssecrets"
	"github.com/felipealfah/leasepool/internal/config"
	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/dynamo"
	"github.com/felipealfah/leasepool/internal/leasepool/adapter"
	"github.com/felipealfah/leasepool/internal/leasepool/app"
	"github.com/felipealfah/leasepool/internal/leasepool/port"
	"github.com/felipealfah/leasepool/internal/provider"
	"github.com/felipealfah/leasepool/internal/redis"
	"github.com/felipealfah/leasepool/internal/retry"
	"github.com/felipealfah/leasepool/internal/server"
)

// pruneInterval is how often expired leases are dropped in the background.
const pruneInterval = time.Minute

// setup is the leasepool composition root. It creates the credential source,
// provider client, lease store, code inbox and orchestrator, and mounts the
// webhook routes.
func setup(ctx context.Context, deps server.SetupDeps) (func(context.Context) error, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// 1. Credential source.
	creds, err := createCredentialSource(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("leasepool setup: create credential source: %w", err)
	}

	// 2. Provider client behind the retry executor.
	exec := retry.NewExecutor(cfg.Retry.MaxRetries, cfg.Retry.Delay, retry.WithLogger(logger))
	providerClient := provider.NewClient(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout,
	}, creds, exec, provider.WithLogger(logger))

	// 3. Lease store.
	store, err := createLeaseStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("leasepool setup: open lease store: %w", err)
	}

	// 4. Code inbox (backend-dependent).
	inbox, closeInbox, err := createInbox(ctx, cfg, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("leasepool setup: create inbox: %w", err)
	}

	// 5. Orchestrator.
	countries, err := cfg.CountryTable()
	if err != nil {
		_ = closeInbox()
		return nil, fmt.Errorf("leasepool setup: country table: %w", err)
	}
	orch := app.NewOrchestrator(app.Config{
		Store:           store,
		Provider:        providerClient,
		Inbox:           inbox,
		Clock:           clock,
		Logger:          logger,
		Countries:       countries,
		TieBreak:        domain.TieBreak(cfg.Pool.TieBreak),
		ForcedServices:  cfg.Pool.ForcedServices,
		ForcedAttempts:  cfg.Pool.ForcedAttempts,
		ForcedDelay:     cfg.Pool.ForcedDelay,
		SavingsPerReuse: cfg.Pool.SavingsPerReuse,
		WebhookURL:      cfg.Pool.WebhookURL,
		PollAttempts:    cfg.Poll.Attempts,
		PollInterval:    cfg.Poll.Interval,
	})

	// 6. Routes.
	port.NewWebhookHandler(inbox, orch, logger).Routes(deps.Router)

	// 7. Background pruning.
	pruneCtx, stopPrune := context.WithCancel(context.WithoutCancel(ctx))
	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		runPruner(pruneCtx, orch.Policy(), logger)
	}()

	logger.InfoContext(ctx, "leasepool service initialized",
		slog.String("credential_backend", cfg.Provider.Credential.Backend),
		slog.String("store_backend", cfg.Pool.StoreBackend),
		slog.String("inbox_backend", cfg.Inbox.Backend),
		slog.String("tie_break", cfg.Pool.TieBreak),
		slog.String("preferred_country", countries.Preferred),
	)

	cleanup := func(ctx context.Context) error {
		stopPrune()
		<-pruneDone
		var errs []error
		if s, ok := store.(saver); ok {
			if err := s.Save(ctx); err != nil {
				errs = append(errs, fmt.Errorf("final lease save: %w", err))
			}
		}
		if err := closeInbox(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return cleanup, nil
}

// createCredentialSource returns the provider API key source for the
// configured backend.
func createCredentialSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.CredentialSource, error) {
	cred := cfg.Provider.Credential
	switch cred.Backend {
	case config.CredentialBackendSecretsManager:
		client, err := awssecrets.NewClient(ctx, awssecrets.Config{
			Endpoint: cfg.AWS.Endpoint,
			Region:   cfg.AWS.Region,
			Timeout:  cfg.AWS.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create secrets manager client: %w", err)
		}
		logger.Info("reading provider key from secrets manager", slog.String("secret_id", cred.SecretID))
		return provider.NewSecretsManagerCredentials(client.SM, cred.SecretID, cred.Key), nil
	default:
		logger.Info("reading provider key from file", slog.String("path", cred.Path))
		return provider.NewFileCredentials(cred.Path, cred.Key), nil
	}
}

// createLeaseStore returns the lease pool store for the configured backend.
// File: one JSON document, single process. DynamoDB: shared by every
// instance, with item expiry at the end of the reuse window.
func createLeaseStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app.LeaseStore, error) {
	if cfg.Pool.StoreBackend != config.StoreBackendDynamoDB {
		store, err := adapter.OpenFileStore(ctx, cfg.Pool.StorePath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	client, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: cfg.AWS.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.AWS.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create dynamodb client: %w", err)
	}
	logger.Info("using dynamodb lease store", slog.String("table", cfg.Pool.StoreTable))
	return adapter.NewDynamoStore(client.DB, cfg.Pool.StoreTable, domain.ReuseWindow), nil
}

// createInbox returns the code inbox and its close function.
// Memory: codes live in this process only.
// Redis: the webhook receiver and the waiting worker may be separate processes.
func createInbox(ctx context.Context, cfg *config.Config, clock domain.Clock, logger *slog.Logger) (app.CodeInbox, func() error, error) {
	if cfg.Inbox.Backend != config.InboxBackendRedis {
		logger.Info("using in-memory code inbox")
		return adapter.NewMemoryInbox(clock, cfg.Inbox.TTL), func() error { return nil }, nil
	}

	client := redis.NewClient(redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.Redis.Timeout,
	})
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("using redis code inbox", slog.String("addr", cfg.Redis.Addr))
	return adapter.NewRedisInbox(client.RDB, clock, cfg.Inbox.TTL), client.Close, nil
}

// saver is satisfied by stores that keep the pool in memory between writes.
type saver interface {
	Save(ctx context.Context) error
}

// pruner is satisfied by *app.Policy.
type pruner interface {
	Prune(ctx context.Context) (int, error)
}

// runPruner drops expired leases every pruneInterval until ctx ends.
func runPruner(ctx context.Context, p pruner, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Prune(ctx); err != nil {
				logger.WarnContext(ctx, "background prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
