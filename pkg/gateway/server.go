package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/HKUDS/nanobot-gateway/pkg/channels"
	"github.com/HKUDS/nanobot-gateway/pkg/cron"
)

// Server binds the scheduler and channel registry to a JSON HTTP API.
type Server struct {
	Cron     *cron.Service
	Channels *channels.Registry
	Logger   zerolog.Logger

	// WaitTimeout caps a link wait request.
	WaitTimeout time.Duration
}

func NewServer(svc *cron.Service, reg *channels.Registry, log zerolog.Logger) *Server {
	return &Server{
		Cron:        svc,
		Channels:    reg,
		Logger:      log.With().Str("component", "gateway").Logger(),
		WaitTimeout: 5 * time.Minute,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", HandleHealth)

	mux.HandleFunc("GET /api/cron/status", s.HandleCronStatus)
	mux.HandleFunc("GET /api/cron/jobs", s.HandleListJobs)
	mux.HandleFunc("POST /api/cron/jobs", s.HandleAddJob)
	mux.HandleFunc("PATCH /api/cron/jobs/{id}", s.HandleSetEnabled)
	mux.HandleFunc("DELETE /api/cron/jobs/{id}", s.HandleRemoveJob)
	mux.HandleFunc("POST /api/cron/jobs/{id}/run", s.HandleRunNow)
	mux.HandleFunc("GET /api/cron/jobs/{id}/runs", s.HandleListRuns)
	mux.HandleFunc("GET /api/cron/jobs/{id}/preview", s.HandlePreview)

	mux.HandleFunc("GET /api/channels", s.HandleChannelStatusAll)
	mux.HandleFunc("GET /api/channels/{id}", s.HandleChannelStatus)
	mux.HandleFunc("POST /api/channels/{id}/probe", s.HandleProbe)
	mux.HandleFunc("POST /api/channels/{id}/start", s.HandleStart)
	mux.HandleFunc("POST /api/channels/{id}/stop", s.HandleStop)
	mux.HandleFunc("POST /api/channels/whatsapp/link", s.HandleStartLink)
	mux.HandleFunc("POST /api/channels/whatsapp/link/wait", s.HandleWaitForScan)
	mux.HandleFunc("POST /api/channels/whatsapp/logout", s.HandleLogout)

	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info().Str("addr", addr).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
