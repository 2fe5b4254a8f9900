// Package debug serves client-side diagnostics over HTTP: pool stats,
// health, runtime status, redacted configuration, and Prometheus
// metrics. It is optional; nothing starts unless the caller does.
package debug

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	zteradb "github.com/zteradb/zteradb-go"
	"github.com/zteradb/zteradb-go/config"
	"github.com/zteradb/zteradb-go/health"
	"github.com/zteradb/zteradb-go/metrics"
)

// StatsProvider is the slice of the pool the server reads.
type StatsProvider interface {
	Stats() zteradb.Stats
}

// HealthProvider is the slice of the health checker the server reads.
type HealthProvider interface {
	State() health.State
	IsHealthy() bool
}

// Server exposes diagnostics for one client.
type Server struct {
	stats      StatsProvider
	checker    HealthProvider
	collector  *metrics.Collector
	store      *config.Store
	httpServer *http.Server
	startTime  time.Time
	log        *slog.Logger
}

// NewServer wires a diagnostics server. checker and collector may be
// nil; the corresponding endpoints degrade gracefully.
func NewServer(stats StatsProvider, checker HealthProvider, collector *metrics.Collector, store *config.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		stats:     stats,
		checker:   checker,
		collector: collector,
		store:     store,
		startTime: time.Now(),
		log:       logger,
	}
}

// Start serves diagnostics on addr until Stop.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("diagnostics server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn("diagnostics server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router without starting a listener, for embedding
// in an existing HTTP server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")
	if s.collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}

	status := http.StatusOK
	if !s.checker.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, s.checker.State())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "no configuration attached")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Current().Redacted())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
