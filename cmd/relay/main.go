package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lisuiheng/voicecall-go/logger"
	"github.com/lisuiheng/voicecall-go/relay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("c", "", "Path to config file (default searches ./relay.yaml, ./config/relay.yaml, /etc/voicecall/relay.yaml)")
	flag.Parse()

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		logger.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Error("Relay stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Relay shutdown completed")
}

func run(cfg relay.Config) error {
	exporter, err := promexporter.New()
	if err != nil {
		return err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(ctx); err != nil {
			logger.Error("Failed to shut down meter provider", "error", err)
		}
	}()

	metrics, err := relay.NewMetrics(mp)
	if err != nil {
		return err
	}
	hub, err := relay.NewHub(cfg.Groups, metrics, logger.Component("relay"))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/", hub.Handler())
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Relay listening", "addr", cfg.Listen, "metrics", cfg.MetricsPath, "groups", len(cfg.Groups))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
