package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/server"
	"github.com/matst80/httpstunnel/internal/web"
)

// startMetricsServer serves Prometheus metrics plus lightweight dashboard & state endpoints.
func startMetricsServer(ctx context.Context, addr string, srv *server.Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Stats())
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := srv.Stats()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", templateData(st)); err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !srv.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}

// templateData maps Stats to the keys the dashboard template expects.
func templateData(s server.Stats) map[string]any {
	return map[string]any{
		"AgentConnected": s.AgentConnected,
		"AgentSessions":  s.AgentSessions,
		"Pending":        s.Pending,
		"Active":         s.Active,
		"Total":          s.TotalTunnels,
		"Timeouts":       s.Timeouts,
	}
}
