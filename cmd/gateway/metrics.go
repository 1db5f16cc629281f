package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// createMetricsServer creates the Prometheus scrape server.
func createMetricsServer(port int, path string, metrics *observability.Metrics, logger observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("metrics_path", path),
	)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// runMetricsServer runs the metrics HTTP server.
func runMetricsServer(server *http.Server, logger observability.Logger) {
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", observability.Error(err))
	}
}

// startMetricsServerIfEnabled starts the metrics server if enabled.
func startMetricsServerIfEnabled(app *application, logger observability.Logger) {
	if !app.config.Metrics.Enabled {
		return
	}
	app.metricsServer = createMetricsServer(app.config.Metrics.Port, app.config.Metrics.Path, app.metrics, logger)
	go runMetricsServer(app.metricsServer, logger)
}
