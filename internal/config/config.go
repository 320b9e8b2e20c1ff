// Package config loads and validates the server configuration from YAML,
// with environment overrides for secrets and deploy-time knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/knockknock/internal/token"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
		ReadTimeout        string   `yaml:"read_timeout"`
		WriteTimeout       string   `yaml:"write_timeout"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL string `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	Sessions struct {
		// memory | redis (shared cache) | postgres
		Store string `yaml:"store"`
		TTL   string `yaml:"ttl"`
		DSN   string `yaml:"dsn"`
	} `yaml:"sessions"`

	Validator struct {
		// Tolerance applied to exp/iat/nbf checks. Capped at 1h.
		ClockSkew string `yaml:"clock_skew"`
	} `yaml:"validator"`

	Flow struct {
		StateTTL string `yaml:"state_ttl"`
	} `yaml:"flow"`

	CSRF struct {
		TTL string `yaml:"ttl"`
	} `yaml:"csrf"`

	Rate struct {
		Enabled     bool   `yaml:"enabled"`
		Window      string `yaml:"window"`
		MaxRequests int64  `yaml:"max_requests"`
		GlobalMax   int64  `yaml:"global_max"`
		// memory | redis
		Backend string `yaml:"backend"`
	} `yaml:"rate"`

	Providers struct {
		// Name of the provider used when the caller does not choose one.
		// Empty means first enabled in registration order.
		Default string `yaml:"default"`

		Google struct {
			Enabled      bool     `yaml:"enabled"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			RedirectURI  string   `yaml:"redirect_uri"`
			Scopes       []string `yaml:"scopes"`
			DisplayName  string   `yaml:"display_name"`
			Prompt       string   `yaml:"prompt"`
		} `yaml:"google"`

		Facebook struct {
			Enabled               bool     `yaml:"enabled"`
			AppID                 string   `yaml:"app_id"`
			AppSecret             string   `yaml:"app_secret"`
			RedirectURI           string   `yaml:"redirect_uri"`
			Scopes                []string `yaml:"scopes"`
			DisplayName           string   `yaml:"display_name"`
			GraphVersion          string   `yaml:"graph_version"`
			ExchangeLongLivedToken bool    `yaml:"exchange_long_lived_token"`
			Business              struct {
				Enabled           bool   `yaml:"enabled"`
				RequiredRole      string `yaml:"required_role"`
				MaxPages          int    `yaml:"max_pages"`
				IncludeAdAccounts bool   `yaml:"include_ad_accounts"`
			} `yaml:"business"`
		} `yaml:"facebook"`

		Apple struct {
			Enabled         bool     `yaml:"enabled"`
			ClientID        string   `yaml:"client_id"`
			TeamID          string   `yaml:"team_id"`
			KeyID           string   `yaml:"key_id"`
			PrivateKey      string   `yaml:"private_key"` // PEM; prefer APPLE_PRIVATE_KEY env
			RedirectURI     string   `yaml:"redirect_uri"`
			Scopes          []string `yaml:"scopes"`
			DisplayName     string   `yaml:"display_name"`
			StoreRelayEmail bool     `yaml:"store_relay_email"`
		} `yaml:"apple"`

		AzureB2C struct {
			Enabled        bool     `yaml:"enabled"`
			ClientID       string   `yaml:"client_id"`
			KeyID          string   `yaml:"key_id"`
			PrivateKey     string   `yaml:"private_key"`
			TenantName     string   `yaml:"tenant_name"`
			TenantDomain   string   `yaml:"tenant_domain"`
			ExpectedIssuer string   `yaml:"expected_issuer"`
			RedirectURI    string   `yaml:"redirect_uri"`
			Scopes         []string `yaml:"scopes"`
			DisplayName    string   `yaml:"display_name"`
			UILocale       string   `yaml:"ui_locale"`
			Policies       struct {
				SignIn        string `yaml:"sign_in"`
				PasswordReset string `yaml:"password_reset"`
				ProfileEdit   string `yaml:"profile_edit"`
			} `yaml:"policies"`
		} `yaml:"azure_b2c"`
	} `yaml:"providers"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "10s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "15s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Memory.DefaultTTL == "" {
		c.Cache.Memory.DefaultTTL = "10m"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "kk:"
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = "memory"
	}
	if c.Sessions.TTL == "" {
		c.Sessions.TTL = "24h"
	}
	if c.Validator.ClockSkew == "" {
		c.Validator.ClockSkew = "2m"
	}
	if c.Flow.StateTTL == "" {
		c.Flow.StateTTL = "10m"
	}
	if c.CSRF.TTL == "" {
		c.CSRF.TTL = "2h"
	}
	if c.Rate.Window == "" {
		c.Rate.Window = "1m"
	}
	if c.Rate.MaxRequests == 0 {
		c.Rate.MaxRequests = 60
	}
	if c.Rate.Backend == "" {
		c.Rate.Backend = "memory"
	}

	// provider defaults
	if len(c.Providers.Google.Scopes) == 0 {
		c.Providers.Google.Scopes = []string{"openid", "email", "profile"}
	}
	if len(c.Providers.Facebook.Scopes) == 0 {
		c.Providers.Facebook.Scopes = []string{"email", "public_profile"}
	}
	if c.Providers.Facebook.Business.MaxPages == 0 {
		c.Providers.Facebook.Business.MaxPages = 25
	}
	if len(c.Providers.Apple.Scopes) == 0 {
		c.Providers.Apple.Scopes = []string{"name", "email"}
	}
	if len(c.Providers.AzureB2C.Scopes) == 0 {
		c.Providers.AzureB2C.Scopes = []string{"openid", "offline_access"}
	}

	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnvOverrides covers deploy-time knobs. Provider secrets resolve
// separately through the secrets.Resolver chain in cmd.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v := os.Getenv("SESSIONS_DSN"); v != "" {
		c.Sessions.DSN = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.Providers.Google.ClientID = v
	}
	if v := os.Getenv("FACEBOOK_APP_ID"); v != "" {
		c.Providers.Facebook.AppID = v
	}
}

// Validate aggregates every configuration defect instead of stopping at the
// first one.
func (c *Config) Validate() error {
	var errs []error

	durs := map[string]string{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"cache.memory.default_ttl": func() string {
			if c.Cache.Kind == "memory" {
				return c.Cache.Memory.DefaultTTL
			}
			return ""
		}(),
		"sessions.ttl":         c.Sessions.TTL,
		"validator.clock_skew": c.Validator.ClockSkew,
		"flow.state_ttl":       c.Flow.StateTTL,
		"csrf.ttl":             c.CSRF.TTL,
		"rate.window":          c.Rate.Window,
	}
	for name, raw := range durs {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", name, err))
		}
	}

	if skew, err := time.ParseDuration(c.Validator.ClockSkew); err == nil {
		if skew < 0 || skew > token.MaxClockSkew {
			errs = append(errs, fmt.Errorf("validator.clock_skew: must be between 0 and %s", token.MaxClockSkew))
		}
	}

	switch c.Cache.Kind {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.kind: unknown kind %q", c.Cache.Kind))
	}
	if c.Cache.Kind == "redis" && strings.TrimSpace(c.Cache.Redis.Addr) == "" {
		errs = append(errs, errors.New("cache.redis.addr: required when cache.kind is redis"))
	}

	switch c.Sessions.Store {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("sessions.store: unknown store %q", c.Sessions.Store))
	}
	if c.Sessions.Store == "postgres" && strings.TrimSpace(c.Sessions.DSN) == "" {
		errs = append(errs, errors.New("sessions.dsn: required when sessions.store is postgres"))
	}

	switch c.Rate.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("rate.backend: unknown backend %q", c.Rate.Backend))
	}

	fb := c.Providers.Facebook
	if fb.Enabled && fb.Business.Enabled {
		if fb.Business.MaxPages < 1 || fb.Business.MaxPages > 100 {
			errs = append(errs, errors.New("providers.facebook.business.max_pages: must be between 1 and 100"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ReadTimeoutDur and friends return the parsed durations. Only valid after
// Validate succeeded.
func (c *Config) ReadTimeoutDur() time.Duration  { return mustDur(c.Server.ReadTimeout) }
func (c *Config) WriteTimeoutDur() time.Duration { return mustDur(c.Server.WriteTimeout) }
func (c *Config) SessionTTLDur() time.Duration   { return mustDur(c.Sessions.TTL) }
func (c *Config) ClockSkewDur() time.Duration    { return mustDur(c.Validator.ClockSkew) }
func (c *Config) StateTTLDur() time.Duration     { return mustDur(c.Flow.StateTTL) }
func (c *Config) CSRFTTLDur() time.Duration      { return mustDur(c.CSRF.TTL) }
func (c *Config) RateWindowDur() time.Duration   { return mustDur(c.Rate.Window) }

func mustDur(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

func getEnvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
