package app

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"relay/cmd/internal/realtime"
	"relay/cmd/internal/upload"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type usersResponse struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	msgs *MessageLog,
	reg *realtime.Registry,
	metrics *realtime.Metrics,
	ws *realtime.WSGateway,
	uploads *upload.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pool := msgs.Pool()
		if cfg.ReadinessRequireDB && pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if pool != nil {
			if err := PingDB(r.Context(), pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /users", func(w http.ResponseWriter, _ *http.Request) {
		ids := reg.Identities()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(usersResponse{Users: ids, Count: len(ids)})
	})

	mux.HandleFunc("/ws", ws.HandleWS)

	if uploads != nil {
		uploads.Register(mux)
	}

	if dir := strings.TrimSpace(cfg.StaticDir); dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}
}
