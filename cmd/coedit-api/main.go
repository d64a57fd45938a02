package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/config"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/database"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit-api",
		Short: "Coedit collaborative document backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("debounce-window", defaults.GetDuration("sync.debounce_window"), "Quiet window before persisting edits")
	cmd.PersistentFlags().Duration("heartbeat-interval", defaults.GetDuration("presence.heartbeat_interval"), "Presence heartbeat interval")
	cmd.PersistentFlags().Int("staleness-multiplier", defaults.GetInt("presence.staleness_multiplier"), "Heartbeat intervals before presence goes stale")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.debounce_window", "debounce-window")
	bindFlag(cmd, "presence.heartbeat_interval", "heartbeat-interval")
	bindFlag(cmd, "presence.staleness_multiplier", "staleness-multiplier")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dispatcher := feed.NewDispatcher()

	store, err := document.NewStore(document.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: identity.NewUUIDProvider(),
		Notifier:   dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenManager := identity.NewTokenIssuer(identity.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        "coedit-auth",
		Audience:      "coedit-api",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:        tokenManager,
		Store:               store,
		Feed:                dispatcher,
		IDProvider:          identity.NewUUIDProvider(),
		HeartbeatInterval:   appConfig.HeartbeatInterval,
		StalenessMultiplier: appConfig.StalenessMultiplier,
		Logger:              logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
