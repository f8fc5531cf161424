package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http/cgi"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"doodook.app/openbanking/internal/gateway"
	"doodook.app/openbanking/internal/observability"
	"doodook.app/openbanking/internal/openbanking"
)

func main() {
	var (
		envPath = flag.String("env", defaultEnvPath(), "path to openbanking.env")
		dbPath  = flag.String("db", defaultDBPath(), "path to the account registry sqlite database")
		addr    = flag.String("addr", ":8080", "listen address when running standalone")
	)
	flag.Parse()

	cfg, err := loadConfig(*envPath)
	if err != nil {
		fatal("load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", err)
	}

	// Under CGI stdout is the response body.
	logger := observability.InitLogger(observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat}, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeCache, err := gateway.OpenCache(ctx, cfg)
	if err != nil {
		fatal("open cache", err)
	}
	defer closeCache()

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o750); err != nil {
		fatal("create data dir", err)
	}
	accounts, err := gateway.OpenAccountStore(*dbPath)
	if err != nil {
		fatal("open account store", err)
	}
	defer accounts.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	client := openbanking.NewClient(cfg.Client, store, openbanking.NewMetrics(reg), logger)
	server := gateway.NewServer(cfg, client, accounts, reg, logger)

	if isCGI() {
		logger.Debug("running in CGI mode")
		if err := cgi.Serve(server); err != nil {
			fatal("cgi serve", err)
		}
		return
	}

	logger.Info("starting standalone gateway",
		slog.String("addr", *addr),
		slog.Bool("sandbox", cfg.Client.Sandbox),
		slog.String("cache", cfg.Cache))
	if err := gateway.ListenAndServe(ctx, *addr, server); err != nil {
		fatal("listen", err)
	}
}

// loadConfig prefers the env file and falls back to the process environment
// when the file does not exist.
func loadConfig(path string) (gateway.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return gateway.LoadConfigFromEnv()
	}
	return gateway.LoadConfigFromEnvFile(path)
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("error", err))
	os.Exit(1)
}

func isCGI() bool {
	return os.Getenv("GATEWAY_INTERFACE") != ""
}

func defaultEnvPath() string {
	if v := os.Getenv("OPENBANKING_ENV_PATH"); v != "" {
		return v
	}
	return filepath.Join("conf", "openbanking.env")
}

func defaultDBPath() string {
	if v := os.Getenv("OPENBANKING_DB_PATH"); v != "" {
		return v
	}
	return filepath.Join("data", "openbanking.sqlite")
}
