package observability_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/felipealfah/leasepool/internal/observability"
	"github.com/stretchr/testify/assert"
)

func TestRedactingHandler(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		shouldRedact bool
	}{
		{"api_key is redacted", "api_key", "a1b2c3d4", true},
		{"SMS_ACTIVATE_API_KEY is redacted", "SMS_ACTIVATE_API_KEY", "a1b2c3d4", true},
		{"credential is redacted", "credential", "a1b2c3d4", true},
		{"aws secret is redacted", "aws_secret_access_key", "wJalrXUtnFEMI", true},
		{"verification_code is redacted", "verification_code", "482913", true},
		{"activation_id not redacted", "activation_id", "1234567", false},
		{"service not redacted", "service", "gmail", false},
		{"country not redacted", "country", "73", false},
		{"error not redacted", "error", "something failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(observability.NewRedactingHandler(&buf, nil))

			logger.Info("test", tt.key, tt.value)
			output := buf.String()

			if tt.shouldRedact {
				assert.Contains(t, output, "[REDACTED]", "expected %s to be redacted", tt.key)
				assert.NotContains(t, output, tt.value, "expected actual value to not appear for %s", tt.key)
			} else {
				assert.Contains(t, output, tt.value, "expected %s value to appear", tt.key)
				assert.NotContains(t, output, "[REDACTED]", "expected %s to not be redacted", tt.key)
			}
		})
	}
}

func TestRedactingHandler_MasksPhone(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(observability.NewRedactingHandler(&buf, nil))

	logger.Info("lease acquired", "phone_number", "+5511987654321")

	assert.Contains(t, buf.String(), "***4321")
	assert.NotContains(t, buf.String(), "+5511987654321")
}

func TestInitLogger(t *testing.T) {
	t.Run("adds service context", func(t *testing.T) {
		var buf bytes.Buffer
		logger := observability.InitLogger(observability.LogConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "leasepool",
			Environment: "test",
			Output:      &buf,
		})

		logger.Info("hello")

		assert.Contains(t, buf.String(), `"service":"leasepool"`)
		assert.Contains(t, buf.String(), `"environment":"test"`)
	})

	t.Run("respects log level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := observability.InitLogger(observability.LogConfig{
			Level:  "error",
			Format: "text",
			Output: &buf,
		})

		logger.Info("dropped")
		logger.Error("kept")

		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})
}
