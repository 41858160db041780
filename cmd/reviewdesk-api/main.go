package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/config"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/credentials"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/database"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/logging"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/platform"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/reviews"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	demoAccessToken = "demo-token"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reviewdesk-api",
		Short: "Review management sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSyncCommand(), newSessionTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("platform-mode", defaults.GetString("platform.mode"), "Review platform mode (live, demo)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "platform.mode", "platform-mode")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// application holds the components shared by the server and the CLI jobs.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	reviews   *reviews.Service
	connector server.Connector
}

func (r *application) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	var manager *credentials.Manager
	if appConfig.OAuthEnabled() {
		manager, err = newCredentialManager(appConfig, db, logger)
		if err != nil {
			return nil, err
		}
	}

	var (
		client      platform.Client
		tokenSource reviews.TokenSource
	)
	switch appConfig.Platform.Mode {
	case config.PlatformModeDemo:
		client = platform.NewStaticClient(platform.DemoFixture(time.Now()))
		tokenSource = credentials.StaticTokenSource{Token: demoAccessToken}
		logger.Info("platform running in demo mode")
	default:
		client = platform.NewHTTPClient(platform.HTTPClientConfig{
			AccountBaseURL:    appConfig.Platform.AccountBaseURL,
			BusinessBaseURL:   appConfig.Platform.BusinessBaseURL,
			ReviewsBaseURL:    appConfig.Platform.ReviewsBaseURL,
			HTTPClient:        &http.Client{Timeout: appConfig.Platform.Timeout},
			RequestsPerSecond: appConfig.Platform.RequestsPerSecond,
			Burst:             appConfig.Platform.Burst,
			Logger:            logger,
		})
		tokenSource = manager
	}

	reviewService, err := reviews.NewService(reviews.ServiceConfig{
		Database:    db,
		Platform:    client,
		TokenSource: tokenSource,
		IDProvider:  reviews.NewUUIDProvider(),
		Clock:       time.Now,
		Logger:      logger,
		MaxParallel: appConfig.SyncMaxParallel,
	})
	if err != nil {
		return nil, err
	}

	rt := &application{config: appConfig, logger: logger, db: db, reviews: reviewService}
	if manager != nil {
		rt.connector = manager
	}
	return rt, nil
}

func newCredentialManager(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (*credentials.Manager, error) {
	provider, err := credentials.NewOAuthProvider(credentials.OAuthProviderConfig{
		ClientID:     appConfig.OAuth.ClientID,
		ClientSecret: appConfig.OAuth.ClientSecret,
		RedirectURL:  appConfig.OAuth.RedirectURL,
		AuthURL:      appConfig.OAuth.AuthURL,
		TokenURL:     appConfig.OAuth.TokenURL,
		HTTPClient:   &http.Client{Timeout: appConfig.Platform.Timeout},
	})
	if err != nil {
		return nil, err
	}
	store, err := credentials.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	return credentials.NewManager(credentials.ManagerConfig{
		Store:            store,
		IdentityProvider: provider,
		Authorizer:       provider,
		Provider:         appConfig.OAuth.Provider,
		RefreshBuffer:    appConfig.OAuth.RefreshBuffer,
		Logger:           logger,
	})
}

func runServer(ctx context.Context) error {
	rt, err := newApplication()
	if err != nil {
		return err
	}
	defer rt.Close()
	appConfig := rt.config
	logger := rt.logger

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		CookieName:    appConfig.Auth.CookieName,
	})
	if err != nil {
		return err
	}

	governor := ratelimit.NewGovernor(ratelimit.GovernorConfig{
		SweepInterval: ratelimit.SweepIntervalFor(appConfig.RateLimit.Window),
		Logger:        logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  validator,
		Connector: rt.connector,
		Reviews:   rt.reviews,
		Governor:  governor,
		DefaultPolicy: ratelimit.Policy{
			Name:        ratelimit.DefaultPolicyName,
			Window:      appConfig.RateLimit.Window,
			MaxRequests: appConfig.RateLimit.DefaultMaxRequests,
		},
		AnalysisPolicy: ratelimit.Policy{
			Name:        ratelimit.AnalysisPolicyName,
			Window:      appConfig.RateLimit.Window,
			MaxRequests: appConfig.RateLimit.AnalysisMaxRequests,
		},
		AllowedOrigins: appConfig.AllowedOrigins,
		SecureCookies:  appConfig.Platform.Mode == config.PlatformModeLive,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go governor.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("platform_mode", appConfig.Platform.Mode))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newSyncCommand() *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile locations and reviews for one owner and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApplication()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			synced, err := rt.reviews.SyncLocations(ctx, ownerID)
			if err != nil {
				return err
			}
			report, syncErr := rt.reviews.SyncAllReviews(ctx, ownerID)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(struct {
				SyncedLocations int64 `json:"synced_locations"`
				reviews.SyncReport
			}{SyncedLocations: synced, SyncReport: report}); err != nil {
				return err
			}
			return syncErr
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner identifier to reconcile")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSessionTokenCommand() *cobra.Command {
	var (
		subject string
		email   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session-token",
		Short: "Mint a dashboard session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject, email)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"token":      token,
				"expires_at": expiresAt.Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Owner identifier placed in the token subject")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
