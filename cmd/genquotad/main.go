// Command genquotad serves the daily generation quota over HTTP.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/genquota"
	"github.com/ineyio/genquota/meter"
	"github.com/ineyio/genquota/provider/mock"
	"github.com/ineyio/genquota/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("GENQUOTA_CONFIG"), "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "genquotad:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := genquota.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = genquota.LoadConfig(configPath); err != nil {
			return err
		}
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := meter.NewPromMeter(reg, "genquota")
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	m := meter.Multi{meter.NewLogMeter(logger), prom}

	counter, err := genquota.NewCounter(cfg, store, genquota.WithMeter(m))
	if err != nil {
		return err
	}
	gate, err := genquota.NewGate(counter, mock.New(mock.WithLatency(500*time.Millisecond)))
	if err != nil {
		return err
	}

	srv := server.New(counter,
		server.WithGate(gate),
		server.WithLogger(logger),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithMetrics(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr, "backend", cfg.Store.Backend, "limit", cfg.Limit)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
