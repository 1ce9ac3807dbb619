package main

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/osidbg/internal/config"
	"github.com/ctagard/osidbg/internal/debugger"
	"github.com/ctagard/osidbg/internal/engine"
	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/internal/mcp"
	"github.com/ctagard/osidbg/internal/protocol"
	"github.com/ctagard/osidbg/internal/story"
)

type serveOptions struct {
	configPath string
	storyPath  string
	listen     string
	metrics    string
	reload     time.Duration
	enableMCP  bool
	logLevel   string
}

func newServeCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a story under the debug server",
		Long: `Load a story, start the debug server and drive the engine: every goal's
init section runs once, and with --reload the story is reloaded and the game
restarted on that interval.

With --mcp, read-only inspection tools are served over stdin/stdout; logs
always go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	opts.addFlags(cmd.Flags())
	return cmd
}

func (o *serveOptions) addFlags(f *pflag.FlagSet) {
	f.StringVar(&o.configPath, "config", "", "Path to configuration file (JSON or YAML)")
	f.StringVar(&o.storyPath, "story", "", "Path to the story file")
	f.StringVar(&o.listen, "listen", "", "Debug server address (default "+config.DefaultListenAddress+")")
	f.StringVar(&o.metrics, "metrics", "", "Serve Prometheus metrics on this address")
	f.DurationVar(&o.reload, "reload", 0, "Reload the story on this interval (0 runs it once)")
	f.BoolVar(&o.enableMCP, "mcp", false, "Serve MCP inspection tools on stdio")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
}

// resolve loads the configuration file and applies flag overrides
func (o *serveOptions) resolve(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("story") {
		cfg.StoryPath = o.storyPath
	}
	if flags.Changed("listen") {
		cfg.ListenAddress = o.listen
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddress = o.metrics
	}
	if flags.Changed("reload") {
		cfg.ReloadInterval = config.Duration(o.reload)
	}
	if flags.Changed("mcp") {
		cfg.EnableMCP = o.enableMCP
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}

	if cfg.StoryPath == "" {
		return nil, errors.ConfigInvalid("storyPath", "a story file is required (--story)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := log.New(cfg.LoggerConfig())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := debugger.NewCoordinator(logger)
	var hooks engine.Hooks = engine.NopHooks{}
	if cfg.EnableDebugger {
		hooks = coord
	}
	eng := engine.New(hooks, logger)
	store := story.NewStore()

	// Fail fast on a bad story before anything listens
	db, err := store.LoadFile(cfg.StoryPath)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableDebugger {
		srv := protocol.NewServer(coord, logger)
		srv.SetWriteTimeout(cfg.ClientWriteTimeout())
		if err := srv.Listen(cfg.ListenAddress); err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", "address", cfg.MetricsAddress)
			if err := httpSrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if cfg.EnableMCP {
		inspector := mcp.NewServer(coord, logger)
		g.Go(func() error {
			err := inspector.Serve(gctx, os.Stdin, os.Stdout)
			if err == nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, io.EOF) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		return drive(gctx, eng, store, db, cfg, logger)
	})

	err = g.Wait()
	logger.Info("shut down")
	return err
}

// drive runs the game on the loaded story, restarting it on every reload
// tick. It is the engine's only goroutine.
func drive(ctx context.Context, eng *engine.Engine, store *story.Store, db *story.Database, cfg *config.Config, logger *slog.Logger) error {
	run := func(db *story.Database) error {
		eng.Load(db)
		return eng.InitGame()
	}
	if err := run(db); err != nil {
		return err
	}

	interval := cfg.Reload()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		next, err := store.LoadFile(cfg.StoryPath)
		if err != nil {
			logger.Warn("story reload failed, keeping current generation", "error", err)
			continue
		}
		eng.DeleteAllData()
		if err := run(next); err != nil {
			return err
		}
	}
}
