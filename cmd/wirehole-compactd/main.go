// Wirehole-compactd is the UDP rendezvous daemon.
//
// It pairs registered peers, forwards trickle candidates, answers NAT
// probes on a secondary socket, and relays datagrams for sessions whose
// punch failed.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"

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

	var cfg config.Compactd
	if err := config.Load(*cfgPath, &cfg); err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7300"
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	var collector *metrics.Collector
	if cfg.MetricsListen != "" {
		collector = metrics.NewCollector(nil)
		go serveMetrics(cfg.MetricsListen, logger)
	}

	srv, err := server.NewCompact(server.CompactConfig{
		Addr:      cfg.Listen,
		ProbeAddr: cfg.ProbeListen,
		MaxPeers:  cfg.MaxPeers,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		logger.Fatal("bind", zap.Error(err))
	}
	logger.Info("rendezvous server up",
		zap.String("listen", srv.Addr().String()),
		zap.Int("max_peers", cfg.MaxPeers))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	srv.Close()
	logger.Info("rendezvous server stopped")
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
