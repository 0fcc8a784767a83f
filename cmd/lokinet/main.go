package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cvsouth/lokinet-go/config"
	"github.com/cvsouth/lokinet-go/rc"
	"github.com/cvsouth/lokinet-go/router"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	os.Exit(run())
}

// run implements the §6 CLI surface and exit-code contract (0 clean exit,
// 1 config error, 2 runtime failure). It keeps cmd/tor-client/main.go's
// setupLogging/multiHandler construction and signal-driven shutdown, but
// restructures the body around a long-running router.Router.Tick loop
// instead of a one-shot bootstrap-then-serve sequence.
func run() int {
	configPath := flag.String("config", config.DefaultConfigPath(), "config file to load")
	generate := flag.Bool("g", false, "generate a default config")
	runAsRouter := flag.Bool("router", false, "run as a relay")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *generate {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			return 1
		}
		fmt.Printf("wrote default config to %s\n", *configPath)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *runAsRouter {
		cfg.Router = true
	}

	logger, logFile := setupLogging(*verbose)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== lokinet %s ===\n", Version)

	r, err := buildRouter(cfg, logger)
	if err != nil {
		logger.Error("failed to start router", "error", err)
		return 2
	}
	defer r.Close()

	logger.Info("router started", "netid", cfg.NetID, "router_mode", cfg.Router, "router_id", r.RouterID())

	runTickLoop(r, cfg, logger)
	return 0
}

// setupLogging mirrors cmd/tor-client/main.go's dual-sink logger: a debug
// JSON file log plus an info-and-above stdout log, fanned out through
// multiHandler, with LOKINET_LOG (§6) overriding the stdout level.
func setupLogging(verbose bool) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("lokinet-debug.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})

	level := stdoutLevel(verbose)
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// stdoutLevel resolves LOKINET_LOG (§6: "debug|info|warn|error|none"),
// falling back to debug under -v and info otherwise.
func stdoutLevel(verbose bool) slog.Level {
	switch os.Getenv("LOKINET_LOG") {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return slog.Level(1<<31 - 1) // above any real record, effectively silent
	}
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func buildRouter(cfg *config.Config, logger *slog.Logger) (*router.Router, error) {
	ip := net.ParseIP(cfg.BindAddr)
	if ip == nil {
		return nil, fmt.Errorf("invalid bind-addr %q", cfg.BindAddr)
	}
	addr := rc.AddressInfo{IP: ip, Port: cfg.BindPort}

	routerCfg := router.Config{
		NetID:               cfg.NetID,
		IsRelay:             cfg.Router,
		MinConnectedRouters: cfg.MinConnectedRouters,
		TickInterval:        cfg.TickInterval,
		StateDir:            cfg.StateDir,
		NodeDBDir:           cfg.NodeDBDir,
		WorkerPoolSize:      cfg.WorkerPoolSize,
		DiskPoolSize:        cfg.DiskPoolSize,
		Logger:              logger,
	}
	return router.New(routerCfg, addr)
}

// runTickLoop drives Router.Tick on the configured interval until a
// termination signal arrives.
func runTickLoop(r *router.Router, cfg *config.Config, logger *slog.Logger) {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = router.DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case now := <-ticker.C:
			r.Tick(now)
		case <-sigCh:
			logger.Info("shutting down")
			return
		}
	}
}

// multiHandler fans out slog records to multiple handlers, unchanged from
// cmd/tor-client/main.go.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
