// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	tlsproxy "github.com/infinyon/flv-tls-proxy"
	"github.com/infinyon/flv-tls-proxy/examples/simple"
	"github.com/infinyon/flv-tls-proxy/pkg/auth"
	"github.com/infinyon/flv-tls-proxy/pkg/health"
	"github.com/infinyon/flv-tls-proxy/pkg/metrics"
	"github.com/infinyon/flv-tls-proxy/pkg/server/tcp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultEnvFile   = ".env"
	defaultEnvPrefix = "FLV_TLS_PROXY_"
)

// Config holds the process level configuration. The proxy itself is
// configured through tlsproxy.Config with the same prefix.
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL"         envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"        envDefault:"json"`
	LogFile         string        `env:"LOG_FILE"`
	LogMaxSizeMB    int           `env:"LOG_MAX_SIZE_MB"   envDefault:"100"`
	LogMaxBackups   int           `env:"LOG_MAX_BACKUPS"   envDefault:"3"`
	LogMaxAgeDays   int           `env:"LOG_MAX_AGE_DAYS"  envDefault:"28"`
	LogCompress     bool          `env:"LOG_COMPRESS"      envDefault:"false"`
	MetricsAddress  string        `env:"METRICS_ADDRESS"   envDefault:":9090"`
	HealthAddress   string        `env:"HEALTH_ADDRESS"    envDefault:":8080"`
	ACMEHTTPAddress string        `env:"ACME_HTTP_ADDRESS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`
}

func main() {
	envFile := pflag.String("env-file", defaultEnvFile, "File with environment variables to load. A missing file is not an error.")
	envPrefix := pflag.String("env-prefix", defaultEnvPrefix, "Prefix of the environment variables read by the proxy.")
	pflag.Parse()

	if err := run(*envFile, *envPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "flv-tls-proxy: %s\n", err)
		os.Exit(1)
	}
}

func run(envFile, envPrefix string) error {
	envErr := godotenv.Load(envFile)

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	logger, closeLog := setupLogger(cfg)
	defer closeLog()

	if envErr != nil {
		logger.Warn("no env file loaded, using environment variables",
			slog.String("file", envFile),
			slog.String("error", envErr.Error()))
	}

	proxyCfg, err := tlsproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return fmt.Errorf("failed to load proxy config: %w", err)
	}

	allowList, err := proxyCfg.AllowList()
	if err != nil {
		return err
	}
	var next auth.Authenticator = auth.Null{}
	if allowList != nil {
		next = allowList
		logger.Info("allow list loaded",
			slog.String("file", proxyCfg.AllowListFile),
			slog.Int("identities", allowList.Len()))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, metrics.DefaultNamespace)

	server := tcp.New(proxyCfg.ServerConfig(logger, m), simple.New(next, logger))

	checker := health.NewChecker(5 * time.Second)
	checker.Register(health.CheckListener, health.ListenerBound(server.Addr))
	checker.Register(health.CheckBackend, health.BackendReachable(proxyCfg.Target, 2*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Listen(ctx)
	})

	if cfg.MetricsAddress != "" {
		serveHTTP(ctx, g, "metrics", cfg.MetricsAddress, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)
	}
	if cfg.HealthAddress != "" {
		serveHTTP(ctx, g, "health", cfg.HealthAddress, health.NewHandler(checker), logger)
	}
	if cm := proxyCfg.CertManager(); cm != nil && cfg.ACMEHTTPAddress != "" {
		serveHTTP(ctx, g, "ACME challenge", cfg.ACMEHTTPAddress, cm.HTTPHandler(nil), logger)
	}
	if allowList != nil {
		g.Go(func() error {
			reloadOnHangup(ctx, allowList, proxyCfg.AllowListFile, logger)
			return nil
		})
	}

	err = g.Wait()

	logger.Info("waiting for in-flight connections", slog.Duration("timeout", cfg.ShutdownTimeout))
	if werr := server.WaitTimeout(cfg.ShutdownTimeout); werr != nil {
		logger.Warn("shutdown timeout exceeded, exiting with open connections")
	}

	if err != nil {
		logger.Error(fmt.Sprintf("TLS proxy terminated with error: %s", err))
		return err
	}
	logger.Info("TLS proxy stopped")
	return nil
}

// setupLogger creates a structured logger with the configured level and
// format. Output goes to a rotating file when LOG_FILE is set.
func setupLogger(cfg Config) (*slog.Logger, func()) {
	var w io.Writer = os.Stdout
	closeLog := func() {}
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   cfg.LogCompress,
		}
		w = lj
		closeLog = func() { _ = lj.Close() }
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closeLog
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// serveHTTP runs an HTTP server in g and shuts it down once ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting "+name+" server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// reloadOnHangup re-reads the allow list on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, a *auth.AllowList, path string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.Reload(path); err != nil {
				logger.Error("failed to reload allow list",
					slog.String("file", path),
					slog.String("error", err.Error()))
				continue
			}
			logger.Info("allow list reloaded",
				slog.String("file", path),
				slog.Int("identities", a.Len()))
		}
	}
}
