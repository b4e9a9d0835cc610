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

	"github.com/montereylabs/duet/backend/internal/auth"
	"github.com/montereylabs/duet/backend/internal/config"
	"github.com/montereylabs/duet/backend/internal/database"
	"github.com/montereylabs/duet/backend/internal/document"
	"github.com/montereylabs/duet/backend/internal/fanout"
	"github.com/montereylabs/duet/backend/internal/gateway"
	"github.com/montereylabs/duet/backend/internal/logging"
	"github.com/montereylabs/duet/backend/internal/presence"
	"github.com/montereylabs/duet/backend/internal/server"
	"github.com/montereylabs/duet/backend/internal/session"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "duet-api",
		Short: "Duet collaborative editing sync server",
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
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for cross-instance fanout (empty = in-process bus)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("save-debounce", defaults.GetDuration("sync.save_debounce"), "Debounce window for durable document writes")
	cmd.PersistentFlags().Duration("evict-grace", defaults.GetDuration("sync.evict_grace"), "Grace period before evicting empty-room documents")
	cmd.PersistentFlags().Int("max-resident-docs", defaults.GetInt("sync.max_resident_docs"), "Maximum live documents held in memory")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.save_debounce", "save-debounce")
	bindFlag(cmd, "sync.evict_grace", "evict-grace")
	bindFlag(cmd, "sync.max_resident_docs", "max-resident-docs")
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	sessions, err := session.NewService(session.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	store, err := document.NewStore(document.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry, err := document.NewRegistry(document.RegistryConfig{
		Store:       store,
		EvictGrace:  appConfig.EvictGrace,
		MaxResident: appConfig.MaxResidentDocs,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	saver, err := document.NewSaver(document.SaverConfig{
		Interval: appConfig.SaveDebounce,
		Persist:  registry.Persist,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var bus fanout.Bus
	if appConfig.RedisAddress != "" {
		bus, err = fanout.NewRedisBus(signalCtx, fanout.RedisBusConfig{
			Address:     appConfig.RedisAddress,
			MaxAttempts: appConfig.FanoutMaxReconnect,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		logger.Info("fanout connected", zap.String("redis_address", appConfig.RedisAddress))
	} else {
		bus = fanout.NewMemoryBus()
		logger.Info("fanout running in-process, single-instance deployment")
	}
	defer bus.Close() //nolint:errcheck

	gw, err := gateway.New(gateway.Config{
		Sessions:             sessions,
		Registry:             registry,
		Saver:                saver,
		Presence:             presence.NewTracker(logger),
		Bus:                  bus,
		SessionLookupTimeout: appConfig.SessionLookup,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	if err := gw.Run(signalCtx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Gateway:   gw,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		saver.Close(shutdownCtx)
		registry.FlushAll(shutdownCtx)
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
