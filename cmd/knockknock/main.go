package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/knockknock/internal/cache"
	memcache "github.com/dropDatabas3/knockknock/internal/cache/memory"
	rediscache "github.com/dropDatabas3/knockknock/internal/cache/redis"
	"github.com/dropDatabas3/knockknock/internal/config"
	"github.com/dropDatabas3/knockknock/internal/flow"
	"github.com/dropDatabas3/knockknock/internal/http/handlers"
	"github.com/dropDatabas3/knockknock/internal/http/router"
	"github.com/dropDatabas3/knockknock/internal/metrics"
	"github.com/dropDatabas3/knockknock/internal/observability/logger"
	"github.com/dropDatabas3/knockknock/internal/providers"
	"github.com/dropDatabas3/knockknock/internal/providers/apple"
	"github.com/dropDatabas3/knockknock/internal/providers/azureb2c"
	"github.com/dropDatabas3/knockknock/internal/providers/facebook"
	"github.com/dropDatabas3/knockknock/internal/providers/google"
	"github.com/dropDatabas3/knockknock/internal/rate"
	"github.com/dropDatabas3/knockknock/internal/secrets"
	"github.com/dropDatabas3/knockknock/internal/security/csrf"
	"github.com/dropDatabas3/knockknock/internal/session"
)

var version = "dev"

func main() {
	// .env is optional; system env wins either way.
	_ = godotenv.Load()

	var cfgPath string

	root := &cobra.Command{
		Use:     "knockknock",
		Short:   "Multi-provider authentication core",
		Version: version,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the auth server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")

	check := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and every enabled provider, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			if err := reg.ValidateAll(); err != nil {
				return err
			}
			fmt.Println("configuration ok")
			return nil
		},
	}
	check.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(serve, check)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "knockknock",
		Version:     version,
	})
	defer logger.Sync()
	log := logger.L().With(logger.Component("main"))

	if err := metrics.RegisterAuth(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := buildCache(cfg)

	sessions, cleanup, err := buildSessions(ctx, cfg, c)
	if err != nil {
		return err
	}
	defer cleanup()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	if err := reg.ValidateAll(); err != nil {
		return fmt.Errorf("provider configuration: %w", err)
	}

	orch := flow.New(flow.Deps{
		Registry: reg,
		Cache:    c,
		Sessions: sessions,
		StateTTL: cfg.StateTTLDur(),
	})

	guard := csrf.New(c, cfg.CSRFTTLDur())

	var limiter rate.Limiter
	if cfg.Rate.Enabled {
		switch cfg.Rate.Backend {
		case "redis":
			client := rdb.NewClient(&rdb.Options{Addr: cfg.Cache.Redis.Addr, DB: cfg.Cache.Redis.DB})
			rl := rate.NewRedisLimiter(client, cfg.Cache.Redis.Prefix+"rl:", cfg.Rate.MaxRequests, cfg.RateWindowDur())
			rl.GlobalMax = cfg.Rate.GlobalMax
			limiter = rl
		default:
			sl := rate.NewSlidingLimiter(rate.Config{
				Max:       cfg.Rate.MaxRequests,
				Window:    cfg.RateWindowDur(),
				GlobalMax: cfg.Rate.GlobalMax,
			})
			defer sl.Stop()
			limiter = sl
		}
	}

	h := router.New(router.Deps{
		Auth: &handlers.Auth{
			Flow:   orch,
			CSRF:   guard,
			Secure: strings.EqualFold(cfg.App.Env, "prod"),
		},
		Registry:    reg,
		RateLimiter: limiter,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeoutDur(),
		WriteTimeout: cfg.WriteTimeoutDur(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildCache(cfg *config.Config) cache.Cache {
	if cfg.Cache.Kind == "redis" {
		return rediscache.New(cfg.Cache.Redis.Addr, cfg.Cache.Redis.DB, cfg.Cache.Redis.Prefix)
	}
	ttl, _ := time.ParseDuration(cfg.Cache.Memory.DefaultTTL)
	return memcache.New(ttl)
}

func buildSessions(ctx context.Context, cfg *config.Config, c cache.Cache) (session.Store, func(), error) {
	if cfg.Sessions.Store == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Sessions.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect sessions db: %w", err)
		}
		return session.NewPGStore(pool, cfg.SessionTTLDur()), pool.Close, nil
	}
	return session.NewCacheStore(c, cfg.SessionTTLDur()), func() {}, nil
}

// secretResolver prefers the environment over YAML values so keys and
// client secrets never have to live in the config file.
func secretResolver(cfg *config.Config) secrets.Resolver {
	return secrets.Chain{
		secrets.Env{},
		secrets.Static{
			"GOOGLE_CLIENT_SECRET":  cfg.Providers.Google.ClientSecret,
			"FACEBOOK_APP_SECRET":   cfg.Providers.Facebook.AppSecret,
			"APPLE_PRIVATE_KEY":     cfg.Providers.Apple.PrivateKey,
			"AZURE_B2C_PRIVATE_KEY": cfg.Providers.AzureB2C.PrivateKey,
		},
	}
}

func secretOr(sec secrets.Resolver, key string) string {
	v, _ := sec.GetSecret(key)
	return v
}

func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	reg := providers.NewRegistry(cfg.Providers.Default)
	sec := secretResolver(cfg)

	if g := cfg.Providers.Google; g.Enabled {
		gc := google.Config{
			ClientID:     g.ClientID,
			ClientSecret: secretOr(sec, "GOOGLE_CLIENT_SECRET"),
			RedirectURI:  g.RedirectURI,
			Scopes:       g.Scopes,
			DisplayName:  g.DisplayName,
			Enabled:      true,
			Prompt:       g.Prompt,
			ClockSkew:    cfg.ClockSkewDur(),
		}
		if err := reg.RegisterFactory(google.ProviderName, func() (providers.Provider, error) {
			return google.New(gc), nil
		}); err != nil {
			return nil, err
		}
	}

	if f := cfg.Providers.Facebook; f.Enabled {
		fc := facebook.Config{
			ClientID:               f.AppID,
			ClientSecret:           secretOr(sec, "FACEBOOK_APP_SECRET"),
			RedirectURI:            f.RedirectURI,
			Scopes:                 f.Scopes,
			DisplayName:            f.DisplayName,
			Enabled:                true,
			ExchangeLongLivedToken: f.ExchangeLongLivedToken,
			GraphVersion:           f.GraphVersion,
			Business: facebook.BusinessConfig{
				Enabled:           f.Business.Enabled,
				RequiredRole:      f.Business.RequiredRole,
				MaxPages:          f.Business.MaxPages,
				IncludeAdAccounts: f.Business.IncludeAdAccounts,
			},
		}
		if err := reg.RegisterFactory(facebook.ProviderName, func() (providers.Provider, error) {
			return facebook.New(fc), nil
		}); err != nil {
			return nil, err
		}
	}

	if a := cfg.Providers.Apple; a.Enabled {
		ac := apple.Config{
			ClientID:        a.ClientID,
			TeamID:          a.TeamID,
			KeyID:           a.KeyID,
			PrivateKey:      secretOr(sec, "APPLE_PRIVATE_KEY"),
			RedirectURI:     a.RedirectURI,
			Scopes:          a.Scopes,
			DisplayName:     a.DisplayName,
			Enabled:         true,
			StoreRelayEmail: a.StoreRelayEmail,
			ClockSkew:       cfg.ClockSkewDur(),
		}
		if err := reg.RegisterFactory(apple.ProviderName, func() (providers.Provider, error) {
			return apple.New(ac), nil
		}); err != nil {
			return nil, err
		}
	}

	if b := cfg.Providers.AzureB2C; b.Enabled {
		bc := azureb2c.Config{
			TenantName:     b.TenantName,
			TenantDomain:   b.TenantDomain,
			ClientID:       b.ClientID,
			KeyID:          b.KeyID,
			PrivateKey:     secretOr(sec, "AZURE_B2C_PRIVATE_KEY"),
			RedirectURI:    b.RedirectURI,
			Scopes:         b.Scopes,
			ExpectedIssuer: b.ExpectedIssuer,
			DisplayName:    b.DisplayName,
			UILocale:       b.UILocale,
			Enabled:        true,
			ClockSkew:      cfg.ClockSkewDur(),
			Policies: azureb2c.Policies{
				SignIn:        b.Policies.SignIn,
				PasswordReset: b.Policies.PasswordReset,
				ProfileEdit:   b.Policies.ProfileEdit,
			},
		}
		if err := reg.RegisterFactory(azureb2c.ProviderName, func() (providers.Provider, error) {
			return azureb2c.New(bc), nil
		}); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
