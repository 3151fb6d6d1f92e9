package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/felipealfah/leasepool/internal/awssecrets"
	"github.com/felipealfah/leasepool/internal/domain"
)

// DefaultCredentialKey is the field holding the provider API key.
const DefaultCredentialKey = "SMS_ACTIVATE_API_KEY"

// CredentialSource yields the current provider API key. Implementations read
// their backing store on every call so rotated keys take effect immediately.
type CredentialSource interface {
	APIKey(ctx context.Context) (domain.SecretString, error)
}

// StaticCredential is a fixed key, mainly for tests and local runs.
type StaticCredential string

// APIKey implements CredentialSource.
func (s StaticCredential) APIKey(context.Context) (domain.SecretString, error) {
	if s == "" {
		return "", fmt.Errorf("static credential: %w", domain.ErrCredentialMissing)
	}
	return domain.SecretString(s), nil
}

// FileCredentials reads the key from a JSON or TOML document. The format is
// chosen by extension: .toml is TOML, anything else JSON.
type FileCredentials struct {
	path string
	key  string
}

// NewFileCredentials creates a file-backed source. An empty key selects
// DefaultCredentialKey.
func NewFileCredentials(path, key string) *FileCredentials {
	if key == "" {
		key = DefaultCredentialKey
	}
	return &FileCredentials{path: path, key: key}
}

// APIKey implements CredentialSource.
func (f *FileCredentials) APIKey(_ context.Context) (domain.SecretString, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read credentials %s: %w: %w", f.path, domain.ErrCredentialMissing, err)
	}
	if err != nil {
		return "", fmt.Errorf("read credentials %s: %w", f.path, err)
	}

	doc := make(map[string]any)
	if strings.EqualFold(filepath.Ext(f.path), ".toml") {
		err = toml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return "", fmt.Errorf("parse credentials %s: %w: %w", f.path, domain.ErrCredentialMalformed, err)
	}

	return lookupKey(doc, f.key)
}

// smClient is the narrow consumer-defined interface for Secrets Manager.
type smClient interface {
	GetSecretValue(ctx context.Context, params *awssecrets.GetSecretValueInput, optFns ...func(*awssecrets.Options)) (*awssecrets.GetSecretValueOutput, error)
}

// SecretsManagerCredentials reads the key from an AWS Secrets Manager
// secret. The secret string is either a JSON object holding key or the bare
// API key itself.
type SecretsManagerCredentials struct {
	sm       smClient
	secretID string
	key      string
}

// NewSecretsManagerCredentials creates a Secrets Manager backed source.
func NewSecretsManagerCredentials(sm smClient, secretID, key string) *SecretsManagerCredentials {
	if key == "" {
		key = DefaultCredentialKey
	}
	return &SecretsManagerCredentials{sm: sm, secretID: secretID, key: key}
}

// APIKey implements CredentialSource.
func (s *SecretsManagerCredentials) APIKey(ctx context.Context) (domain.SecretString, error) {
	out, err := s.sm.GetSecretValue(ctx, &awssecrets.GetSecretValueInput{
		SecretId: awssecrets.String(s.secretID),
	})
	if err != nil {
		if awssecrets.IsResourceNotFound(err) {
			return "", fmt.Errorf("secret %q: %w", s.secretID, domain.ErrCredentialMissing)
		}
		return "", fmt.Errorf("get secret %q: %w", s.secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no secret string: %w", s.secretID, domain.ErrCredentialMissing)
	}

	raw := strings.TrimSpace(*out.SecretString)
	if strings.HasPrefix(raw, "{") {
		doc := make(map[string]any)
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return "", fmt.Errorf("parse secret %q: %w: %w", s.secretID, domain.ErrCredentialMalformed, err)
		}
		return lookupKey(doc, s.key)
	}
	if raw == "" {
		return "", fmt.Errorf("secret %q is empty: %w", s.secretID, domain.ErrCredentialMissing)
	}
	return domain.SecretString(raw), nil
}

func lookupKey(doc map[string]any, key string) (domain.SecretString, error) {
	v, ok := doc[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("key %s: %w", key, domain.ErrCredentialMissing)
	}
	return domain.SecretString(strings.TrimSpace(v)), nil
}

var (
	_ CredentialSource = StaticCredential("")
	_ CredentialSource = (*FileCredentials)(nil)
	_ CredentialSource = (*SecretsManagerCredentials)(nil)
)
