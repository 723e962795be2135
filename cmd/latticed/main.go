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

	"github.com/lodestonehq/lattice/internal/auth"
	"github.com/lodestonehq/lattice/internal/bus"
	"github.com/lodestonehq/lattice/internal/config"
	"github.com/lodestonehq/lattice/internal/database"
	"github.com/lodestonehq/lattice/internal/kinds"
	"github.com/lodestonehq/lattice/internal/logging"
	"github.com/lodestonehq/lattice/internal/outbox"
	"github.com/lodestonehq/lattice/internal/server"
	"github.com/lodestonehq/lattice/internal/store"
	"github.com/lodestonehq/lattice/internal/sync"
	"github.com/lodestonehq/lattice/internal/synapse"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "latticed",
		Short: "Lattice workspace sync server",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Device token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().Int("sync-max-attempts", defaults.GetInt("sync.max_write_attempts"), "Maximum conditional write attempts per mutation")
	cmd.PersistentFlags().Int("synapse-debounce-ms", defaults.GetInt("synapse.debounce_ms"), "Catch-up debounce interval in milliseconds")
	cmd.PersistentFlags().Int("synapse-batch", defaults.GetInt("synapse.catch_up_batch"), "Maximum objects per catch-up pass")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.max_write_attempts", "sync-max-attempts")
	bindFlag(cmd, "synapse.debounce_ms", "synapse-debounce-ms")
	bindFlag(cmd, "synapse.catch_up_batch", "synapse-batch")
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

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "lattice-auth",
		Audience:      "lattice-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	broker := bus.NewBroker()

	outboxQueue, err := outbox.NewQueue(outbox.QueueConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	syncService, err := sync.NewService(sync.ServiceConfig{
		Database:         db,
		Registry:         kinds.NewRegistry(),
		Outbox:           outboxQueue,
		Broker:           broker,
		Clock:            time.Now,
		IDProvider:       store.NewULIDProvider(),
		Logger:           logger,
		MaxWriteAttempts: appConfig.SyncMaxAttempts,
	})
	if err != nil {
		return err
	}

	synapseService, err := synapse.NewService(synapse.ServiceConfig{
		Database:         db,
		Broker:           broker,
		Clock:            synapse.NewSystemClock(),
		Logger:           logger,
		DebounceInterval: appConfig.SynapseDebounce,
		CatchUpBatchSize: appConfig.SynapseBatchSize,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		SyncService:  syncService,
		Synapse:      synapseService,
		Database:     db,
		Logger:       logger,
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

	go func() {
		if err := synapseService.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("realtime loop stopped", zap.Error(err))
		}
	}()

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
