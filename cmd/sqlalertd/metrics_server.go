package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/opsql/sqlalertd/internal/daemon"
	"github.com/opsql/sqlalertd/internal/obsv"
)

var metricsShutdownTimeout = 5 * time.Second

// startMetricsServer serves /metrics off d's own prometheus registry (not
// the global default one, since the daemon never registers against it) and
// /healthz off the Health Prober. It blocks until ctx is cancelled.
func startMetricsServer(ctx context.Context, addr string, d *daemon.Daemon) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := d.Prober.Probe(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Overall == obsv.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().
				Err(err).
				Str("component", "metrics_server").
				Str("action", "shutdown_failed").
				Str("addr", addr).
				Msg("Failed to shut down metrics server cleanly")
		}
	}()

	log.Info().
		Str("component", "metrics_server").
		Str("action", "listening").
		Str("addr", addr).
		Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
