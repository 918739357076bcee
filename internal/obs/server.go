package obs

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Server exposes /metrics and /healthz.
type Server struct {
	srv       *http.Server
	heartbeat *Heartbeat
	maxAge    time.Duration
}

// NewServer builds the HTTP server. /healthz fails when the heartbeat marker is
// older than maxAge.
func NewServer(addr string, metrics *Metrics, heartbeat *Heartbeat, maxAge time.Duration) *Server {
	s := &Server{heartbeat: heartbeat, maxAge: maxAge}

	r := mux.NewRouter()
	if reg := metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("obs: http listening, addr: %s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve").With("addr", s.srv.Addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.heartbeat == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}
	last, err := s.heartbeat.Last()
	if err != nil {
		http.Error(w, "no heartbeat", http.StatusServiceUnavailable)
		return
	}
	if s.maxAge > 0 && time.Since(last) > s.maxAge {
		http.Error(w, "stale heartbeat: "+last.Format(time.RFC3339), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(last.Format(time.RFC3339) + "\n"))
}
