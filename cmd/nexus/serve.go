package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexus/internal/cache"
	"nexus/internal/claude"
	"nexus/internal/config"
	"nexus/internal/conversation"
	"nexus/internal/dispatch"
	"nexus/internal/memory"
	"nexus/internal/pool"
	"nexus/internal/server"
)

var (
	dataDir  string
	portFlag int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Starts the HTTP server and everything behind it: the claude session
pool, the response cache, the conversation registry, and, when
enabled, the Meilisearch memory store with its context injector.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for local state (default ~/.nexus)")
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Rebuild the logger with the configured level and format; --verbose
	// still wins.
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if logger != nil {
		_ = logger.Sync()
	}
	logger, err = buildLogger(level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	dir, err := resolveDataDir()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	runner := claude.NewCLIRunner(cfg.Claude.Command, logger)
	if v, err := runner.Version(ctx); err != nil {
		logger.Warn("claude CLI not responding; sessions will fail until it is available",
			zap.String("command", cfg.Claude.Command), zap.Error(err))
	} else {
		logger.Info("claude CLI ready", zap.String("version", v))
	}

	p := pool.New(runner, pool.Options{
		MaxSessions:     cfg.Claude.MaxConcurrentSessions,
		IdleTimeout:     cfg.IdleTimeout(),
		SweepInterval:   cfg.SweepInterval(),
		Interactive:     cfg.Claude.UseInteractiveSessions,
		SkipPermissions: cfg.Claude.SkipPermissions,
		AdditionalDirs:  cfg.Claude.AdditionalDirs,
		DefaultModel:    claude.DefaultModel,
	}, logger)
	defer p.Close()
	if n := cfg.Claude.PrewarmSessions; n > 0 {
		started := p.Prewarm(ctx, n)
		logger.Info("prewarmed sessions", zap.Int("requested", n), zap.Int("started", started))
	}

	c := cache.New(cache.Options{
		MaxEntries:       cfg.Cache.MaxEntries,
		TTL:              cfg.CacheTTL(),
		Enabled:          cfg.Cache.Enabled,
		ContextSensitive: cfg.Cache.ContextSensitive,
	}, logger)
	defer c.Close()

	reg, err := conversation.NewRegistry(filepath.Join(dir, "conversations.db"))
	if err != nil {
		return fmt.Errorf("failed to open conversation registry: %w", err)
	}
	defer func() { _ = reg.Close() }()

	var (
		contexts dispatch.ContextSource
		recorder dispatch.Recorder
		backend  server.MemoryBackend
		injector *memory.Injector
	)
	if cfg.Memory.Enabled {
		store := memory.NewStore(memory.StoreOptions{
			URL:     cfg.Memory.URL,
			APIKey:  cfg.Memory.APIKey,
			Timeout: cfg.MemoryTimeout(),
		}, logger)
		setupCtx, cancelSetup := context.WithTimeout(ctx, 15*time.Second)
		setupErr := store.Setup(setupCtx)
		cancelSetup()
		if setupErr != nil {
			// Requests degrade to no context until the backend returns.
			logger.Warn("memory backend unavailable",
				zap.String("url", cfg.Memory.URL), zap.Error(setupErr))
		} else {
			logger.Info("memory backend ready", zap.String("url", cfg.Memory.URL))
		}
		scorer, err := memory.NewScorer(memory.DefaultScorerConfig())
		if err != nil {
			return err
		}
		injector = memory.NewInjector(store, scorer, memory.InjectorOptions{
			Enabled:      true,
			MinRelevance: cfg.Memory.MinRelevanceScore,
			MaxItems:     cfg.Memory.MaxContextItems,
			TokenBudget:  cfg.Memory.TokenBudget,
			SearchFanout: cfg.Memory.SearchFanout,
		}, logger)
		contexts = injector
		recorder = store
		backend = store
	}

	d := dispatch.New(p, c, reg, contexts, recorder, dispatch.Options{
		DispatchTimeout:  cfg.DispatchTimeout(),
		AcquireTimeout:   cfg.AcquireTimeout(),
		DefaultModel:     claude.DefaultModel,
		SummaryThreshold: cfg.Memory.SummaryThreshold,
	}, logger)
	defer d.Close()

	srv := server.New(d, p, c, reg, backend, server.Options{
		Addr:    cfg.ListenAddr(),
		Auth:    cfg.Auth,
		Version: version,
	}, logger)

	watcher, err := config.NewWatcher(configPath, logger, func(dyn config.Dynamic) {
		c.SetEnabled(dyn.CacheEnabled)
		if injector != nil {
			injector.SetMinRelevance(dyn.MinRelevanceScore)
			injector.SetMaxItems(dyn.MaxContextItems)
		}
	})
	if err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", zap.Error(err))
		watcher = nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})
	if watcher != nil {
		if err := watcher.Start(gctx); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	logger.Info("nexus serving",
		zap.String("addr", cfg.ListenAddr()),
		zap.String("version", version),
		zap.Bool("memory", cfg.Memory.Enabled),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.Bool("interactive_sessions", cfg.Claude.UseInteractiveSessions))

	return g.Wait()
}

// resolveDataDir picks the state directory and makes sure it exists.
func resolveDataDir() (string, error) {
	dir := dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".nexus")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("cannot create data directory: %w", err)
	}
	return dir, nil
}
