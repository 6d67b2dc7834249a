package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)

	t.Setenv("TEST_INT_BAD", "abc")
	_, err = envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "2.5")
	v, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	t.Setenv("TEST_FLOAT_BAD", "lots")
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	assert.EqualError(t, err, `TEST_FLOAT_BAD="lots" is not a valid number`)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, ArtifactsFS, cfg.ArtifactsBackend)
	assert.Equal(t, "data/artifacts", cfg.ArtifactsRoot)
	assert.Equal(t, time.Hour, cfg.JWTExpiration)
	assert.Equal(t, "demo", cfg.DemoUser)
	assert.Empty(t, cfg.DeepSeekAPIKey)
	assert.Equal(t, "https://api.deepseek.com", cfg.DeepSeekBaseURL)
	assert.Equal(t, "deepseek-chat", cfg.DeepSeekModel)
	assert.Equal(t, 120*time.Second, cfg.DeepSeekTimeout)
	assert.Equal(t, 1, cfg.DeepSeekMaxRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.DeepSeekRetryBackoff)
	assert.Equal(t, 800*time.Millisecond, cfg.StepDelay)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, int64(1<<20), cfg.MaxRequestBodyBytes)
	assert.Equal(t, 15*time.Second, cfg.StreamKeepalive)
	assert.Equal(t, "kenkyu", cfg.ServiceName)

	driver, target, err := cfg.Storage()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, driver)
	assert.Equal(t, "./data.db", target)
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("KENKYU_PORT", "abc")
	t.Setenv("KENKYU_STEP_DELAY", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `KENKYU_PORT="abc"`)
	assert.Contains(t, err.Error(), `KENKYU_STEP_DELAY="soon"`)
}

func TestLoadClampsProviderTimeout(t *testing.T) {
	t.Setenv("DEEPSEEK_TIMEOUT", "10ms")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, MinProviderTimeout, cfg.DeepSeekTimeout)
}

func TestLoadTrimsBaseURL(t *testing.T) {
	t.Setenv("DEEPSEEK_BASE_URL", "https://llm.example.com/")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://llm.example.com", cfg.DeepSeekBaseURL)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"s3 without bucket":   func(c *Config) { c.ArtifactsBackend = ArtifactsS3 },
		"unknown backend":     func(c *Config) { c.ArtifactsBackend = "ftp" },
		"short secret":        func(c *Config) { c.JWTSecret = "short" },
		"bad database url":    func(c *Config) { c.DatabaseURL = "mysql://x" },
		"negative retries":    func(c *Config) { c.DeepSeekMaxRetries = -1 },
		"zero burst":          func(c *Config) { c.RateLimitBurst = 0 },
		"bad log level":       func(c *Config) { c.LogLevel = "loud" },
		"port out of range":   func(c *Config) { c.Port = 70000 },
		"negative concurrent": func(c *Config) { c.MaxConcurrentRuns = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	c := base
	c.RateLimitEnabled = false
	c.RateLimitBurst = 0
	assert.NoError(t, c.Validate())
}

func TestStorage(t *testing.T) {
	for url, want := range map[string][2]string{
		"postgres://u:p@db:5432/kenkyu":   {DriverPostgres, "postgres://u:p@db:5432/kenkyu"},
		"postgresql://db/kenkyu":          {DriverPostgres, "postgresql://db/kenkyu"},
		"sqlite:///./data.db":             {DriverSQLite, "./data.db"},
		"sqlite:////var/lib/kenkyu.db":    {DriverSQLite, "/var/lib/kenkyu.db"},
		"sqlite://:memory:":               {DriverSQLite, ":memory:"},
	} {
		driver, target, err := Config{DatabaseURL: url}.Storage()
		require.NoError(t, err, url)
		assert.Equal(t, want[0], driver, url)
		assert.Equal(t, want[1], target, url)
	}
	_, _, err := Config{DatabaseURL: "sqlite:///"}.Storage()
	assert.Error(t, err)
}

func TestLoadRejectsZeroKeepalive(t *testing.T) {
	t.Setenv("KENKYU_STREAM_KEEPALIVE", "0s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KENKYU_STREAM_KEEPALIVE must be positive")
}
