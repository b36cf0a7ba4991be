// Wirehole-relayd is the TCP rendezvous daemon.
//
// It maintains the login table, forwards offers and answers between named
// peers, and caches offers for offline targets until they return.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wirehole/wirehole/internal/config"
	"github.com/wirehole/wirehole/internal/server"
	"github.com/wirehole/wirehole/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	listen := flag.String("listen", "", "Bind address (overrides config)")
	flag.Parse()

	var cfg config.Relayd
	if err := config.Load(*cfgPath, &cfg); err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7301"
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	var collector *metrics.Collector
	if cfg.MetricsListen != "" {
		collector = metrics.NewCollector(nil)
		go serveMetrics(cfg.MetricsListen, logger)
	}

	srv, err := server.NewRelayServer(server.RelayConfig{
		Addr:          cfg.Listen,
		ClientTimeout: time.Duration(cfg.ClientTimeoutSec) * time.Second,
		MaxCached:     cfg.MaxCached,
		Logger:        logger,
		Metrics:       collector,
	})
	if err != nil {
		logger.Fatal("bind", zap.Error(err))
	}
	logger.Info("relay server up", zap.String("listen", srv.Addr().String()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	srv.Close()
	logger.Info("relay server stopped")
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics listener", zap.Error(err))
	}
}
