package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"questro/internal/api"
	"questro/internal/auth"
	"questro/internal/config"
	"questro/internal/redis"
	"questro/internal/service/ai"
	"questro/internal/service/assistant"
	"questro/internal/service/history"
	"questro/internal/sessioncache"
	"questro/internal/storage"
	"questro/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	dbType     string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	dbType := os.Getenv("QUESTRO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}

	root := &cobra.Command{
		Use:           "questro",
		Short:         "Questro learning assistant backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("QUESTRO_CONFIG"), "config file (.json, .yaml or .yml)")
	root.PersistentFlags().StringVar(&opts.dbType, "db", dbType, "database driver: sqlite3|sqlite|mysql")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newHistoryCmd(opts))
	return root
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", opts.dbType)
			return nil
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	historyCmd := &cobra.Command{Use: "history", Short: "Inspect stored session history"}

	var userID int64
	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write a user's history export document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID <= 0 {
				return errors.New("--user-id is required")
			}
			app, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			aggregator := history.NewAggregator(app.cfg.BasicConfig.PreviewBudget)
			entries := aggregator.Aggregate(history.LoadAll(ctx, app.cache, userID), history.Filter{})
			now := time.Now()
			data, err := json.MarshalIndent(history.Export(entries, now), "", "  ")
			if err != nil {
				return fmt.Errorf("encode export: %w", err)
			}
			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if outPath == "-" {
				outPath = history.ExportFileName(now)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "exported %d sessions to %s\n", len(entries), outPath)
			return nil
		},
	}
	exportCmd.Flags().Int64Var(&userID, "user-id", 0, "user whose history is exported")
	exportCmd.Flags().StringVar(&outPath, "out", "", `output file; "-" picks the default download name, empty writes to stdout`)

	historyCmd.AddCommand(exportCmd)
	return historyCmd
}

// bootstrap holds the pieces shared by every command.
type bootstrap struct {
	cfg    *config.Config
	db     *sql.DB
	rdb    *redis.Client
	cache  *sessioncache.Cache
	logger *slog.Logger
}

func (a *bootstrap) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func loadApp(opts *options) (*bootstrap, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.BasicConfig.LogLevel)
	slog.SetDefault(logger)

	logger.Info("opening database", "driver", opts.dbType)
	db, err := storage.Open(opts.dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, opts.dbType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create redis client: %w", err)
	}

	var backend sessioncache.Backend
	switch cfg.BasicConfig.HistoryBackend {
	case "redis":
		backend = sessioncache.NewRedisBackend(rdb)
	default:
		backend = sessioncache.NewSQLBackend(db, opts.dbType)
	}
	return &bootstrap{
		cfg:    cfg,
		db:     db,
		rdb:    rdb,
		cache:  sessioncache.New(backend, sessioncache.WithLogger(logger)),
		logger: logger,
	}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runServer(parent context.Context, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := loadApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()
	cfg := app.cfg

	assistantService, err := assistant.NewService(app.db, opts.dbType)
	if err != nil {
		return fmt.Errorf("init assistant service: %w", err)
	}
	authService := auth.NewService(app.db, app.rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)
	authService.StartTokenCleaner(ctx, auth.DefaultTokenCleanupInterval)

	var gatewayOpts []ai.GatewayOption
	if cfg.BasicConfig.WebSearch {
		gatewayOpts = append(gatewayOpts, ai.WithTools(ai.NewWebSearchTool(ctx)))
	}
	gateway := ai.NewGateway(cfg, gatewayOpts...)
	docs, err := ai.NewDocumentLoader(ctx)
	if err != nil {
		return fmt.Errorf("init document loader: %w", err)
	}

	workers := worker.NewManager(worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Second,
		BusyTTL:     time.Duration(cfg.BasicConfig.ProviderTimeoutSeconds)*time.Second + time.Minute,
	}, app.rdb)
	defer workers.Close()

	handlers := api.NewHandler(assistantService, authService, app.cache,
		history.NewAggregator(cfg.BasicConfig.PreviewBudget), gateway, docs, workers)

	if !strings.EqualFold(cfg.BasicConfig.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(app.logger))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("listening", "addr", srv.Addr, "history_backend", cfg.BasicConfig.HistoryBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	app.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
