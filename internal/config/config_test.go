package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"META_DB_PATH", "LISTEN_ADDR", "ENV", "JWT_SECRET", "AUTH_ISSUER_URL",
		"BROKER_URL", "BROKER_PREFETCH", "WORKER_ISOLATION", "WORKER_SMOKE_BASE_PORT",
		"WORKER_PUSH_RETRY_DELAY", "BUILDER_CONFIG", "LOAD_BALANCER_ARN",
		"AWS_ACCOUNT_ID", "ECR_REPOSITORY", "LOG_BUCKET", "LAMBDA_ROLE_ARN",
		"CORS_ALLOWED_ORIGINS", "TLS_CERT_FILE", "TLS_KEY_FILE", "ALLOW_INSECURE_HTTP",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "builds.sqlite", cfg.MetaDBPath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, defaultJWTSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "start", cfg.Broker.StartQueue)
	assert.Equal(t, "cancel", cfg.Broker.CancelQueue)
	assert.Equal(t, "cancel", cfg.Broker.CancelExchange)
	assert.Equal(t, 4, cfg.Broker.Prefetch)
	assert.Equal(t, IsolationProcess, cfg.Worker.Isolation)
	assert.Equal(t, 9000, cfg.Worker.SmokeBasePort)
	assert.Equal(t, int64(10_000_000_000), cfg.Worker.MaxImageBytes)
	assert.Equal(t, 20, cfg.Worker.PushRetries)
	assert.Equal(t, time.Minute, cfg.Worker.PushRetryDelay)
	assert.Equal(t, 300, cfg.Worker.ActivationAttempts)
	assert.Equal(t, 5*time.Second, cfg.Worker.DrainInterval)
	assert.Equal(t, int32(900), cfg.AWS.LambdaTimeout)
	assert.NotEmpty(t, cfg.Worker.NodeID)
	assert.Len(t, cfg.Warnings, 2)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_PREFETCH", "8")
	t.Setenv("WORKER_ISOLATION", "Goroutine")
	t.Setenv("WORKER_SMOKE_BASE_PORT", "19000")
	t.Setenv("WORKER_PUSH_RETRY_DELAY", "5s")
	t.Setenv("LOAD_BALANCER_ARN", "arn:aws:elasticloadbalancing:lb")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Broker.Prefetch)
	assert.Equal(t, IsolationGoroutine, cfg.Worker.Isolation)
	assert.Equal(t, 19000, cfg.Worker.SmokeBasePort)
	assert.Equal(t, 5*time.Second, cfg.Worker.PushRetryDelay)
	assert.Len(t, cfg.Warnings, 1)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad prefetch", map[string]string{"BROKER_PREFETCH": "four"}, "BROKER_PREFETCH"},
		{"negative prefetch", map[string]string{"BROKER_PREFETCH": "-1"}, "at least 1"},
		{"bad isolation", map[string]string{"WORKER_ISOLATION": "thread"}, "WORKER_ISOLATION"},
		{"bad duration", map[string]string{"WORKER_PUSH_RETRY_DELAY": "soon"}, "WORKER_PUSH_RETRY_DELAY"},
		{"tls half set", map[string]string{"TLS_CERT_FILE": "/c.pem"}, "TLS_KEY_FILE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromEnv_Production(t *testing.T) {
	t.Run("default secret rejected", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENV", "production")
		_, err := LoadFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_SECRET")
	})

	t.Run("wildcard cors rejected", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENV", "production")
		t.Setenv("JWT_SECRET", "s3cr3t")
		_, err := LoadFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CORS")
	})

	t.Run("valid", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENV", "production")
		t.Setenv("JWT_SECRET", "s3cr3t")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
		t.Setenv("ALLOW_INSECURE_HTTP", "true")
		cfg, err := LoadFromEnv()
		require.NoError(t, err)
		assert.True(t, cfg.IsProduction())
	})
}

func TestLoadFromEnv_YAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "builder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  prefetch: 2
  start_queue: builds-start
worker:
  smoke_base_port: 7000
  push_retry_delay: 30s
lambda:
  memory_mb: 1024
`), 0o644))
	t.Setenv("BUILDER_CONFIG", path)
	t.Setenv("WORKER_SMOKE_BASE_PORT", "9100")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Broker.Prefetch)
	assert.Equal(t, "builds-start", cfg.Broker.StartQueue)
	assert.Equal(t, 9100, cfg.Worker.SmokeBasePort, "environment wins over file")
	assert.Equal(t, 30*time.Second, cfg.Worker.PushRetryDelay)
	assert.Equal(t, int32(1024), cfg.AWS.LambdaMemoryMB)
}

func TestValidateWorker(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	err = cfg.ValidateWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AWS_ACCOUNT_ID, ECR_REPOSITORY, LAMBDA_ROLE_ARN, LOG_BUCKET")

	cfg.AWS.AccountID = "123456789012"
	cfg.AWS.ECRRepository = "models"
	cfg.AWS.LogBucket = "logs"
	cfg.AWS.LambdaRoleARN = "arn:aws:iam::123456789012:role/fn"
	assert.NoError(t, cfg.ValidateWorker())
	assert.NoError(t, cfg.ValidateDispatcher())
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO"} {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel().String(), in)
	}
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	assert.NoError(t, LoadDotEnv("/nonexistent/.env"))
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("# comment\nTEST_BUILDER_KEY=\"quoted value\"\n"), 0o644))
	t.Setenv("TEST_BUILDER_KEY", "")

	require.NoError(t, LoadDotEnv(envFile))
	assert.Equal(t, "quoted value", os.Getenv("TEST_BUILDER_KEY"))
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("TEST_PRECEDENCE_KEY", "from_env")
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TEST_PRECEDENCE_KEY=from_file\n"), 0o644))

	require.NoError(t, LoadDotEnv(envFile))
	assert.Equal(t, "from_env", os.Getenv("TEST_PRECEDENCE_KEY"))
}
