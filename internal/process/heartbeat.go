package process

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// KubeHeartbeatPort is the port worker pod sidecars probe for scheduler
// liveness.
const KubeHeartbeatPort = 9000

// HeartbeatServer answers liveness probes from ephemeral worker pods. Any
// 2xx on GET / counts as "scheduler alive"; pods that miss three consecutive
// probes tear themselves down.
type HeartbeatServer struct {
	server *http.Server
	logger zerolog.Logger
}

func NewHeartbeatServer(port int, logger zerolog.Logger) *HeartbeatServer {
	logger = logger.With().Str("component", "heartbeat").Logger()

	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := handlers.RecoveryHandler()(requestLogger(logger)(router))

	return &HeartbeatServer{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: handler,
		},
		logger: logger,
	}
}

// StartBackground serves until Stop. Listener errors other than graceful
// close are fatal: a scheduler that cannot answer heartbeats would have its
// whole worker fleet self-destruct.
func (h *HeartbeatServer) StartBackground() {
	go func() {
		h.logger.Info().Str("addr", h.server.Addr).Msg("heartbeat server listening")
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Fatal().Err(err).Msg("heartbeat server failed")
		}
	}()
}

func (h *HeartbeatServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
