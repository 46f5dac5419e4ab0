package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/izogain/mitmproxy"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./mitmweb.yaml, ~/.mitmproxy/mitmweb.yaml, /etc/mitmproxy/mitmweb.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		webHost     = flag.String("web-host", "", "web API bind address")
		webPort     = flag.Int("web-port", 0, "web API port")
		intercept   = flag.String("intercept", "", "intercept filter expression")
		viewFilter  = flag.String("view-filter", "", "view filter expression")
		archivePath = flag.String("archive", "", "persist completed flows to this SQLite file")
		metrics     = flag.Bool("metrics", false, "enable Prometheus /metrics endpoint")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// Generate example config mode
	if *genConfig {
		if err := mitmproxy.WriteExampleConfig("mitmweb.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated mitmweb.yaml")
		return
	}

	cfg, err := mitmproxy.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// Flags override the config file where given.
	if *webHost != "" {
		cfg.Web.Host = *webHost
	}
	if *webPort != 0 {
		cfg.Web.Port = *webPort
	}
	if *intercept != "" {
		cfg.Intercept.Filter = *intercept
		cfg.Intercept.Active = true
	}
	if *viewFilter != "" {
		cfg.View.Filter = *viewFilter
	}
	if *archivePath != "" {
		cfg.Archive.Enabled = true
		cfg.Archive.Path = *archivePath
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	opts := mitmproxy.NewOptions()
	if err := cfg.ApplyTo(opts); err != nil {
		logger.Error("apply config", "error", err)
		os.Exit(1)
	}

	hub := mitmproxy.NewBroadcastHub(logger)
	master := mitmproxy.NewMaster(opts, hub, logger)

	// Mirror warnings and errors into the observer event stream. The hub
	// and master keep the plain logger so their own output cannot loop
	// back through the bridge.
	bridge := mitmproxy.NewLogBridge(master.EventLog(), slog.LevelWarn)
	logger = slog.New(mitmproxy.NewTeeHandler(logger.Handler(), bridge))
	slog.SetDefault(logger)

	var m *mitmproxy.Metrics
	if *metrics {
		m = mitmproxy.NewMetrics()
		master.SetMetrics(m)
	}

	var archiveCheck mitmproxy.ReadinessCheck
	if cfg.Archive.Enabled {
		archive, err := mitmproxy.OpenFlowArchive(cfg.Archive.Path, logger)
		if err != nil {
			logger.Error("open flow archive", "error", err)
			os.Exit(1)
		}
		hub.Register(archive)
		defer func() {
			hub.Deregister(archive)
			if err := archive.Close(); err != nil {
				logger.Error("close flow archive", "error", err)
			}
		}()
		logger.Info("flow archive enabled", "path", cfg.Archive.Path)
		archiveCheck = func() error {
			_, err := archive.Count()
			return err
		}
	}

	health := mitmproxy.NewHealthChecker(master)
	health.SetAlive(true)
	if archiveCheck != nil {
		health.ReadinessChecks = append(health.ReadinessChecks, archiveCheck)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := master.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("master loop exited", "error", err)
		}
	}()

	api := mitmproxy.NewWebAPI(master, opts)
	api.Logger = logger

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.HandleFunc("/healthz", health.HandleHealthz)
	mux.HandleFunc("/readyz", health.HandleReadyz)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	srv := &http.Server{
		Addr:         opts.WebAddr(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("web API listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("web API server", "error", err)
		os.Exit(1)
	}
}

func buildLogger(cfg mitmproxy.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out *os.File
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open log file:", err)
			out = os.Stderr
		} else {
			out = f
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(out, handlerOpts))
}
