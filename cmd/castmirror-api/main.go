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

	"github.com/castmirror/castmirror/backend/internal/auth"
	"github.com/castmirror/castmirror/backend/internal/catalog"
	"github.com/castmirror/castmirror/backend/internal/config"
	"github.com/castmirror/castmirror/backend/internal/database"
	"github.com/castmirror/castmirror/backend/internal/devices"
	"github.com/castmirror/castmirror/backend/internal/events"
	"github.com/castmirror/castmirror/backend/internal/history"
	"github.com/castmirror/castmirror/backend/internal/ingest"
	"github.com/castmirror/castmirror/backend/internal/logging"
	"github.com/castmirror/castmirror/backend/internal/merge"
	"github.com/castmirror/castmirror/backend/internal/server"
	"github.com/castmirror/castmirror/backend/internal/subscriptions"
	"github.com/castmirror/castmirror/backend/internal/suggestions"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "castmirror-api",
		Short: "Castmirror subscription sync backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMergeDuplicatesCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newMergeDuplicatesCommand builds the offline maintenance command that
// collapses podcasts whose feed URLs normalize to the same value.
func newMergeDuplicatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge-duplicates",
		Short: "Merge podcasts that share a normalized feed URL",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMergeDuplicates(cmd.Context())
		},
	}
	cmd.Flags().Bool("dry-run", false, "Report merge candidates without applying them")
	bindFlag := func(key, flag string) {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	bindFlag("maintenance.dry_run", "dry-run")
	return cmd
}

func runMergeDuplicates(ctx context.Context) error {
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

	catalogStore, err := catalog.NewStore(catalog.StoreConfig{Database: db})
	if err != nil {
		return err
	}
	engine, err := merge.NewEngine(merge.EngineConfig{
		Database: db,
		Catalog:  catalogStore,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	candidates, err := engine.FindDuplicatePodcasts(ctx, catalog.NewFeedURLNormalizer(), nil)
	if err != nil {
		return err
	}
	logger.Info("duplicate scan finished", zap.Int("candidate_groups", len(candidates)))

	if viper.GetBool("maintenance.dry_run") {
		for _, candidate := range candidates {
			logger.Info("merge candidate",
				zap.Int64("survivor_id", candidate.SurvivorID),
				zap.Int64s("alias_ids", candidate.AliasIDs))
		}
		return nil
	}

	// A podcast can show up in more than one candidate group when it shares
	// distinct normalized URLs with distinct podcasts. The first merge wins;
	// later groups touching an already-merged id are left for the next run.
	merged := map[int64]bool{}
	for _, candidate := range candidates {
		if touchesMerged(merged, candidate) {
			logger.Info("skipping candidate overlapping an earlier merge",
				zap.Int64("survivor_id", candidate.SurvivorID))
			continue
		}
		err := engine.MergePodcasts(ctx, candidate.SurvivorID, candidate.AliasIDs, nil)
		if err != nil {
			return err
		}
		merged[candidate.SurvivorID] = true
		for _, aliasID := range candidate.AliasIDs {
			merged[aliasID] = true
		}
		logger.Info("podcasts merged",
			zap.Int64("survivor_id", candidate.SurvivorID),
			zap.Int64s("alias_ids", candidate.AliasIDs))
	}
	return nil
}

func touchesMerged(merged map[int64]bool, candidate merge.Candidate) bool {
	if merged[candidate.SurvivorID] {
		return true
	}
	for _, aliasID := range candidate.AliasIDs {
		if merged[aliasID] {
			return true
		}
	}
	return false
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("max-returned-actions", defaults.GetInt("api.max_returned_actions"), "Ceiling on actions per poll response")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "api.max_returned_actions", "max-returned-actions")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)

	catalogStore, err := catalog.NewStore(catalog.StoreConfig{Database: db})
	if err != nil {
		return err
	}
	historyStore, err := history.NewStore(history.StoreConfig{
		Database:    db,
		Logger:      logger,
		MaxReturned: appConfig.MaxReturnedActions,
	})
	if err != nil {
		return err
	}
	deviceManager, err := devices.NewManager(devices.ManagerConfig{
		Database:   db,
		IDProvider: devices.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceConfig{
		Database: db,
		Devices:  deviceManager,
		History:  historyStore,
		Catalog:  catalogStore,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:      db,
		Devices:       deviceManager,
		History:       historyStore,
		Catalog:       catalogStore,
		Subscriptions: subscriptionService,
		Normalizer:    catalog.NewFeedURLNormalizer(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	suggestionConsumer, err := suggestions.NewConsumer(suggestions.ConsumerConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	bus.SubscribeSubscriptionChanged(suggestionConsumer)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:      sessionValidator,
		Devices:       deviceManager,
		Ingest:        ingestService,
		Subscriptions: subscriptionService,
		Logger:        logger,
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
