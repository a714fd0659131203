package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/breakwire/breakwire/internal/capture"
	"github.com/breakwire/breakwire/internal/config"
	"github.com/breakwire/breakwire/internal/control"
	"github.com/breakwire/breakwire/internal/engine"
	"github.com/breakwire/breakwire/internal/intercept"
	"github.com/breakwire/breakwire/internal/logging"
	"github.com/breakwire/breakwire/internal/proxy"
	rulesqlite "github.com/breakwire/breakwire/internal/rules/sqlite"
)

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	ConfigPath  string
	ProxyAddr   string
	ControlAddr string
	RulesFile   string
	LogLevel    string
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the interception daemon",
		Long: `Run the forward proxy and the WebSocket control endpoint.

Examples:
  # Start with defaults
  breakwire serve

  # Start on specific ports with a rules file
  breakwire serve --proxy 127.0.0.1:9000 --control 127.0.0.1:9001 --rules rules.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to the YAML config file")
	cmd.Flags().StringVar(&opts.ProxyAddr, "proxy", "", "Proxy listen address (overrides config)")
	cmd.Flags().StringVar(&opts.ControlAddr, "control", "", "Control listen address (overrides config)")
	cmd.Flags().StringVar(&opts.RulesFile, "rules", "", "YAML rules file loaded at startup (overrides config)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.ProxyAddr != "" {
		cfg.Proxy.ListenAddr = opts.ProxyAddr
	}
	if opts.ControlAddr != "" {
		cfg.Control.ListenAddr = opts.ControlAddr
	}
	if opts.RulesFile != "" {
		cfg.RulesFile = opts.RulesFile
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(cfg.Log)

	eng := engine.New(engine.Config{
		Capture: capture.Config{
			MaxEntries:            cfg.Capture.MaxEntries,
			MaxBodySize:           cfg.Capture.MaxBodySize,
			CaptureRequestBodies:  cfg.Capture.CaptureRequestBodies,
			CaptureResponseBodies: cfg.Capture.CaptureResponseBodies,
		},
		ExcludeHosts: cfg.ExcludeHosts,
		// The control endpoint must never intercept its own plumbing.
		ExcludeURLPrefixes: append(cfg.ExcludeURLPrefixes, "http://"+cfg.Control.ListenAddr),
	}, log)
	defer eng.Close()

	if err := loadRules(cmd.Context(), cfg, eng, log); err != nil {
		return err
	}

	client := &http.Client{Transport: intercept.New(nil, eng, log)}
	proxySrv := proxy.NewServer(client, log, proxy.WithListenAddr(cfg.Proxy.ListenAddr))

	ctrl := control.NewServer(eng, log)
	defer ctrl.Close()

	mux := http.NewServeMux()
	path := cfg.Control.Path
	if path == "" {
		path = "/control"
	}
	mux.Handle(path, ctrl.Handler())
	controlSrv := &http.Server{Addr: cfg.Control.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := proxySrv.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return proxySrv.Stop()
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Control.ListenAddr).Str("path", path).Msg("control listening")
		if err := controlSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return controlSrv.Shutdown(shutdownCtx)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Proxy listening on %s\n", cfg.Proxy.ListenAddr)
	fmt.Fprintf(cmd.OutOrStdout(), "Control endpoint on ws://%s%s\n", cfg.Control.ListenAddr, path)
	fmt.Fprintf(cmd.OutOrStdout(), "Press Ctrl+C to stop...\n")

	err = g.Wait()

	if cfg.RulesDB != "" {
		persistRules(cfg, eng, log)
	}
	return err
}

// loadRules installs the startup rule sets: the YAML rules file when
// configured, otherwise whatever the persistence database holds.
func loadRules(ctx context.Context, cfg config.Config, eng *engine.Engine, log zerolog.Logger) error {
	if cfg.RulesFile != "" {
		rf, err := config.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return err
		}
		if err := eng.SyncBreakpointRules(rf.Breakpoints); err != nil {
			return err
		}
		if err := eng.SyncMockRules(rf.Mocks); err != nil {
			return err
		}
		log.Info().Int("breakpoints", len(rf.Breakpoints)).Int("mocks", len(rf.Mocks)).
			Str("file", cfg.RulesFile).Msg("rules loaded from file")
		return nil
	}

	if cfg.RulesDB == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.RulesDB), 0o755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	store, err := rulesqlite.New(cfg.RulesDB)
	if err != nil {
		return err
	}
	defer store.Close()

	bps, err := store.LoadBreakpointRules(ctx)
	if err != nil {
		return err
	}
	mocks, err := store.LoadMockRules(ctx)
	if err != nil {
		return err
	}
	if err := eng.SyncBreakpointRules(bps); err != nil {
		return err
	}
	if err := eng.SyncMockRules(mocks); err != nil {
		return err
	}
	log.Info().Int("breakpoints", len(bps)).Int("mocks", len(mocks)).
		Str("db", cfg.RulesDB).Msg("rules loaded from database")
	return nil
}

// persistRules saves the active rule sets so the next start picks them
// up. Failures only log; shutdown proceeds.
func persistRules(cfg config.Config, eng *engine.Engine, log zerolog.Logger) {
	store, err := rulesqlite.New(cfg.RulesDB)
	if err != nil {
		log.Warn().Err(err).Msg("rule persistence unavailable")
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.SaveBreakpointRules(ctx, eng.BreakpointRules()); err != nil {
		log.Warn().Err(err).Msg("failed to persist breakpoint rules")
	}
	if err := store.SaveMockRules(ctx, eng.MockRules()); err != nil {
		log.Warn().Err(err).Msg("failed to persist mock rules")
	}
}
