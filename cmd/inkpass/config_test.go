package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, storageMemory, cfg.Storage)
	assert.Equal(t, authJWT, cfg.AuthMode)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 100, cfg.WebhookRateLimit)
	assert.Equal(t, int32(10), cfg.Postgres.MaxConns)
	assert.Equal(t, "inkpass:lock:", cfg.Redis.KeyPrefix)
	assert.Equal(t, uint32(5), cfg.Stripe.BreakerFailures)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte(
		"STORAGE=Postgres\n"+
			"DATABASE_URL=postgres://inkpass@localhost/inkpass\n"+
			"CLIENT_URL=https://inkpass.example.com/\n"+
			"STRIPE_PRO_PRICE_ID=price_from_file\n",
	), 0o600))
	t.Setenv("STRIPE_PRO_PRICE_ID", "price_from_env")
	t.Setenv("GATEWAY_TIMEOUT", "3s")

	cfg, err := loadConfig(file)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, k := range []string{"STORAGE", "DATABASE_URL", "CLIENT_URL"} {
			os.Unsetenv(k)
		}
	})

	assert.Equal(t, storagePostgres, cfg.Storage)
	assert.Equal(t, "postgres://inkpass@localhost/inkpass", cfg.Postgres.ConnectionString)
	assert.Equal(t, "price_from_env", cfg.ProPriceID, "the environment wins over the file")
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "https://inkpass.example.com/payment/success?session_id={CHECKOUT_SESSION_ID}", cfg.SuccessURL())
	assert.Equal(t, "https://inkpass.example.com/payment/cancel", cfg.CancelURL())
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Storage:   storageMemory,
			AuthMode:  authJWT,
			JWTSecret: "0123456789abcdef0123456789abcdef",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		serve  bool
		ok     bool
	}{
		{"memory", func(*Config) {}, false, true},
		{"unknown storage", func(c *Config) { c.Storage = "sqlite" }, false, false},
		{"postgres without dsn", func(c *Config) { c.Storage = storagePostgres }, false, false},
		{"negative rate limit", func(c *Config) { c.WebhookRateLimit = -1 }, false, false},
		{"serve needs stripe keys", func(*Config) {}, true, false},
		{"serve", func(c *Config) {
			c.Stripe.APIKey, c.Stripe.WebhookSecret = "sk_test_x", "whsec_x"
		}, true, true},
		{"short jwt secret", func(c *Config) {
			c.Stripe.APIKey, c.Stripe.WebhookSecret = "sk_test_x", "whsec_x"
			c.JWTSecret = "short"
		}, true, false},
		{"header auth needs no secret", func(c *Config) {
			c.Stripe.APIKey, c.Stripe.WebhookSecret = "sk_test_x", "whsec_x"
			c.AuthMode, c.JWTSecret = authHeaders, ""
		}, true, true},
		{"unknown auth mode", func(c *Config) {
			c.Stripe.APIKey, c.Stripe.WebhookSecret = "sk_test_x", "whsec_x"
			c.AuthMode = "basic"
		}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.serve {
				err = cfg.ValidateServe()
			}
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&Config{LogLevel: "WARN", LogFormat: "json"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Contains(t, buf.String(), `"service":"inkpass"`)

	_, err = newLogger(&Config{LogLevel: "loud"}, &buf)
	assert.Error(t, err)
}

func TestPlansCommand(t *testing.T) {
	t.Setenv("STRIPE_PREMIUM_PRICE_ID", "price_premium")
	t.Setenv("STRIPE_PRO_PRICE_ID", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"plans", "--env-file", filepath.Join(t.TempDir(), "none.env")})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), `"id": "premium"`)
	assert.Contains(t, out.String(), `"summaryLimit": 5`)

	cat := newCatalog(&Config{PremiumPriceID: "price_premium"})
	pro, err := cat.Resolve(billing.PlanPro)
	require.NoError(t, err)
	assert.Empty(t, pro.PriceRef, "pro is listed but not purchasable without a price")
}
