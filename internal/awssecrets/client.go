// Package awssecrets provides the shared Secrets Manager client factory.
// Only this package imports aws-sdk-go-v2/service/secretsmanager; adapters use
// the re-exported types and helpers defined here.
package awssecrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// Config holds Secrets Manager connection parameters.
type Config struct {
	// Endpoint overrides the default AWS endpoint, e.g. a LocalStack URL
	// ("http://localhost:4566"). Static test credentials are used when set.
	Endpoint string

	Region string

	// Timeout is the HTTP client timeout for Secrets Manager requests.
	Timeout time.Duration
}

// Client wraps the AWS Secrets Manager SDK client.
type Client struct {
	SM *secretsmanager.Client
}

// NewClient creates a Secrets Manager client configured from cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.Endpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("test", "test", ""),
			),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.Timeout > 0 {
		awsCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	var smOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		smOpts = append(smOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	return &Client{
		SM: secretsmanager.NewFromConfig(awsCfg, smOpts...),
	}, nil
}

// Re-exported SDK types so adapter-defined interfaces avoid the SDK import.
type (
	GetSecretValueInput  = secretsmanager.GetSecretValueInput
	GetSecretValueOutput = secretsmanager.GetSecretValueOutput
	Options              = secretsmanager.Options
)

// String returns a pointer to a string value.
var String = aws.String

// IsResourceNotFound reports whether err is a ResourceNotFoundException.
func IsResourceNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf)
}

// ErrResourceNotFound returns a ResourceNotFoundException for tests.
// Production code never constructs it; Secrets Manager returns it.
func ErrResourceNotFound() error {
	return &types.ResourceNotFoundException{
		Message: aws.String("Secrets Manager can't find the specified secret."),
	}
}
