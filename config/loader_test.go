// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/abflow/experiment"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 200.0, cfg.Server.RateLimitRPS)

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.True(t, cfg.Store.AutoMigrate)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "abflow", cfg.Redis.KeyPrefix)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)

	assert.Equal(t, "abflow", cfg.Mongo.Database)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.Auth.Enabled())

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
  enable_h2c: true

store:
  type: sqlite

database:
  driver: sqlite
  name: /tmp/abflow.db

auth:
  api_keys: ["k1", "k2"]
  jwt:
    secret: "s3cret"

log:
  level: "debug"
  format: "console"

experiments:
  - name: trial_length
    description: 14 vs 30 day trial
    variants: [control, variant_a]
    weights:
      control: 50
      variant_a: 50
  - name: banner
    status: PAUSED
    variants: [control, bold]
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Server.EnableH2C)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/abflow.db", cfg.Database.DSN())
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.True(t, cfg.Auth.Enabled())
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Experiments, 2)
	trial := cfg.Experiments[0]
	assert.Equal(t, "trial_length", trial.Name)
	assert.Equal(t, []string{"control", "variant_a"}, trial.VariantNames)
	assert.Equal(t, 50.0, trial.VariantWeights["variant_a"])
	assert.Equal(t, experiment.StatusPaused, cfg.Experiments[1].Status)

	require.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "none.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("ABFLOW_SERVER_HTTP_PORT", "9000")
	t.Setenv("ABFLOW_SERVER_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("ABFLOW_SERVER_RATE_LIMIT_RPS", "12.5")
	t.Setenv("ABFLOW_STORE_TYPE", "redis")
	t.Setenv("ABFLOW_REDIS_ADDR", "cache:6379")
	t.Setenv("ABFLOW_AUTH_API_KEYS", "a, b,,c")
	t.Setenv("ABFLOW_AUTH_JWT_SECRET", "jwt")
	t.Setenv("ABFLOW_TELEMETRY_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 12.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Auth.APIKeys)
	assert.Equal(t, "jwt", cfg.Auth.JWT.Secret)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "7070")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("ABFLOW_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_Validator(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return c.Validate()
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"unknown store", func(c *Config) { c.Store.Type = "cassandra" }, "unsupported store type"},
		{"relational without name", func(c *Config) { c.Store.Type = "mysql"; c.Database.Name = "" }, "database.name"},
		{"redis without addr", func(c *Config) { c.Store.Type = "redis"; c.Redis.Addr = "" }, "redis.addr"},
		{"mongo without uri", func(c *Config) { c.Store.Type = "mongo"; c.Mongo.URI = "" }, "mongo.uri"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "sample_rate"},
		{"negative cache ttl", func(c *Config) { c.Store.DefinitionCacheTTL = -time.Second }, "definition_cache_ttl"},
		{"cache without redis", func(c *Config) { c.Store.DefinitionCacheTTL = time.Second; c.Redis.Addr = "" }, "redis.addr is required"},
		{"invalid experiment", func(c *Config) {
			c.Experiments = []*experiment.Experiment{{Name: "x"}}
		}, "experiments[0]"},
		{"duplicate experiment", func(c *Config) {
			c.Experiments = []*experiment.Experiment{
				{Name: "x", VariantNames: []string{"control"}},
				{Name: "x", VariantNames: []string{"control"}},
			}
		}, "duplicate name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "u:p@tcp(db:3306)/n?parseTime=true", my.DSN())

	assert.Empty(t, (&DatabaseConfig{Driver: "oracle"}).DSN())
}
