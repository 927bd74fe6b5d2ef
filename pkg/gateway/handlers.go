package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/HKUDS/nanobot-gateway/pkg/channels"
	"github.com/HKUDS/nanobot-gateway/pkg/cron"
)

const (
	defaultRunsLimit   = 50
	defaultPreviewSize = 5
	maxPreviewSize     = 100
)

type errorResponse struct {
	Error string `json:"error"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type linkRequest struct {
	Force bool `json:"force"`
}

type previewResponse struct {
	JobID    string  `json:"jobId"`
	NextRuns []int64 `json:"nextRuns"`
}

type waitResponse struct {
	State channels.LinkState `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case cron.IsValidation(err), errors.Is(err, channels.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, cron.ErrJobNotFound), errors.Is(err, channels.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, cron.ErrBusy), errors.Is(err, channels.ErrBusy),
		errors.Is(err, channels.ErrNotLinking), errors.Is(err, channels.ErrLinkCancelled):
		return http.StatusConflict
	case errors.Is(err, channels.ErrLinkTimedOut):
		return http.StatusRequestTimeout
	case errors.Is(err, channels.ErrChannelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return n, nil
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) HandleCronStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Cron.Status())
}

func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Cron.ListJobs())
}

func (s *Server) HandleAddJob(w http.ResponseWriter, r *http.Request) {
	var spec cron.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		badRequest(w, "invalid job: %v", err)
		return
	}
	job, err := s.Cron.AddJob(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		badRequest(w, "body must be {\"enabled\": bool}")
		return
	}
	job, err := s.Cron.SetEnabled(r.Context(), r.PathValue("id"), *req.Enabled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) HandleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Cron.RemoveJob(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleRunNow(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Cron.RunNow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := queryInt(r, "limit", defaultRunsLimit)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	if _, err := s.Cron.GetJob(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.Cron.ListRuns(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []cron.RunLogEntry{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) HandlePreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := queryInt(r, "n", defaultPreviewSize)
	if err != nil || n > maxPreviewSize {
		badRequest(w, "n must be between 0 and %d", maxPreviewSize)
		return
	}
	times, err := s.Cron.Preview(id, n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := previewResponse{JobID: id, NextRuns: make([]int64, 0, len(times))}
	for _, t := range times {
		resp.NextRuns = append(resp.NextRuns, t.UnixMilli())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleChannelStatusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Channels.StatusAll())
}

func (s *Server) HandleChannelStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Channels.Status(channels.ChannelID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) HandleProbe(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, "invalid force: %q", raw)
			return
		}
		force = v
	}
	res, err := s.Channels.Probe(r.Context(), channels.ChannelID(r.PathValue("id")), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) HandleStart(w http.ResponseWriter, r *http.Request) {
	var opts channels.StartOptions
	if err := decodeBody(r, &opts); err != nil {
		badRequest(w, "invalid start options: %v", err)
		return
	}
	id := channels.ChannelID(r.PathValue("id"))
	if err := s.Channels.Start(r.Context(), id, opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, _ := s.Channels.Status(id)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := channels.ChannelID(r.PathValue("id"))
	if err := s.Channels.Stop(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, _ := s.Channels.Status(id)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) HandleStartLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid link request: %v", err)
		return
	}
	wa, err := s.Channels.WhatsApp()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := wa.StartLink(r.Context(), req.Force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) HandleWaitForScan(w http.ResponseWriter, r *http.Request) {
	wa, err := s.Channels.WhatsApp()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if s.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.WaitTimeout)
		defer cancel()
	}
	state, err := wa.WaitForScan(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, waitResponse{State: state})
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	wa, err := s.Channels.WhatsApp()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := wa.Logout(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, waitResponse{State: wa.LinkState()})
}
