// Package config loads the license server configuration from defaults, an
// optional TOML file and LICENSOR_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "LICENSOR_"

type Config struct {
	Port    string `koanf:"port"`
	DBPath  string `koanf:"db_path"`
	BaseURL string `koanf:"base_url"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	// Gateway selects the payment provider: "razorpay" or "stripe".
	Gateway        string        `koanf:"gateway"`
	GatewayTimeout time.Duration `koanf:"gateway_timeout"`

	Razorpay struct {
		KeyID     string `koanf:"key_id"`
		KeySecret string `koanf:"key_secret"`
		BaseURL   string `koanf:"base_url"`
	} `koanf:"razorpay"`

	Stripe struct {
		SecretKey      string `koanf:"secret_key"`
		PublishableKey string `koanf:"publishable_key"`
		WebhookSecret  string `koanf:"webhook_secret"`
	} `koanf:"stripe"`

	Pricing struct {
		Amount   int64         `koanf:"amount"`
		Currency string        `koanf:"currency"`
		Plan     string        `koanf:"plan"`
		Duration time.Duration `koanf:"duration"`
	} `koanf:"pricing"`

	// RequireOrderMatch rejects payments for an order other than the
	// identity's pending order.
	RequireOrderMatch bool `koanf:"require_order_match"`

	Postmark struct {
		Token string `koanf:"token"`
		From  string `koanf:"from"`
	} `koanf:"postmark"`

	RateLimit struct {
		Requests int           `koanf:"requests"`
		Window   time.Duration `koanf:"window"`
	} `koanf:"rate_limit"`

	// TrustProxyHeaders keys rate limits on CF-Connecting-IP and
	// X-Forwarded-For instead of the connection address.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`
}

func defaults() map[string]any {
	return map[string]any{
		"port":                "8090",
		"db_path":             "licenses.db",
		"log.level":           "info",
		"log.format":          "text",
		"gateway":             "razorpay",
		"gateway_timeout":     "10s",
		"razorpay.base_url":   "https://api.razorpay.com/v1",
		"pricing.amount":      99900,
		"pricing.currency":    "INR",
		"pricing.plan":        "pro",
		"pricing.duration":    "720h",
		"require_order_match": false,
		"rate_limit.requests": 10,
		"rate_limit.window":   "1m",
		"trust_proxy_headers": false,
	}
}

// Load reads configuration. path may be empty, in which case ./licensor.toml
// is used when present.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat("licensor.toml"); err == nil {
			path = "licensor.toml"
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Razorpay's conventional variable names.
	if err := k.Load(env.Provider("RZP_", ".", func(s string) string {
		switch s {
		case "RZP_KEY_ID":
			return "razorpay.key_id"
		case "RZP_KEY_SECRET":
			return "razorpay.key_secret"
		}
		return ""
	}), nil); err != nil {
		return nil, fmt.Errorf("load razorpay env: %w", err)
	}

	// LICENSOR_RAZORPAY__KEY_ID -> razorpay.key_id
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Gateway = strings.ToLower(strings.TrimSpace(cfg.Gateway))
	cfg.Pricing.Currency = strings.ToUpper(strings.TrimSpace(cfg.Pricing.Currency))
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	return &cfg, nil
}

// Validate reports every problem that should stop the server from starting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Gateway {
	case "razorpay":
		if c.Razorpay.KeyID == "" || c.Razorpay.KeySecret == "" {
			errs = append(errs, errors.New("razorpay key_id and key_secret are required"))
		}
	case "stripe":
		if c.Stripe.SecretKey == "" || c.Stripe.PublishableKey == "" || c.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("stripe secret_key, publishable_key and webhook_secret are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown gateway %q", c.Gateway))
	}

	if c.Pricing.Amount <= 0 {
		errs = append(errs, errors.New("pricing amount must be positive"))
	}
	if c.Pricing.Currency == "" {
		errs = append(errs, errors.New("pricing currency is required"))
	}
	if c.Pricing.Plan != "pro" {
		errs = append(errs, fmt.Errorf("pricing plan must be \"pro\", got %q", c.Pricing.Plan))
	}
	if c.Pricing.Duration <= 0 {
		errs = append(errs, errors.New("pricing duration must be positive"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("gateway_timeout must be positive"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit requests and window must be positive"))
	}

	return errors.Join(errs...)
}
