package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HKUDS/nanobot-gateway/pkg/agent"
	"github.com/HKUDS/nanobot-gateway/pkg/session"
)

const summaryLimit = 500

const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliverySkipped   = "skipped"
)

// processJobs starts every due job in its own goroutine.
func (s *Service) processJobs() {
	s.mu.Lock()
	now := s.now()
	nowMs := now.UnixMilli()

	var due []CronJob
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMs == 0 || job.State.NextRunAtMs > nowMs {
			continue
		}
		if s.running[job.ID] {
			s.skipLocked(job, now)
			continue
		}
		due = append(due, s.beginLocked(job, now, false))
	}
	s.mu.Unlock()

	for _, job := range due {
		s.wg.Add(1)
		go func(job CronJob) {
			defer s.wg.Done()
			ctx, cancel := s.runContext()
			defer cancel()
			s.run(ctx, job)
		}(job)
	}
}

// runContext is cancelled when the service stops.
func (s *Service) runContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// skipLocked records a firing that found the previous run still in flight.
func (s *Service) skipLocked(job *CronJob, now time.Time) {
	s.provisionLocked(job, now)
	entry := RunLogEntry{
		JobID:       job.ID,
		Ts:          s.nextTsLocked(job.ID, now),
		Status:      RunSkipped,
		Summary:     "previous run still in progress",
		NextRunAtMs: job.State.NextRunAtMs,
	}
	ctx := context.Background()
	if err := s.store.AppendRun(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("append skipped run")
	}
	if err := s.store.SaveJob(ctx, *job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("save job")
	}
	s.log.Warn().Str("job_id", job.ID).Msg("job still running, firing skipped")
}

// beginLocked takes the job's execution lock and marks it running. Scheduled
// firings get a provisional next run so the wake loop does not spin on the
// job while it executes.
func (s *Service) beginLocked(job *CronJob, now time.Time, manual bool) CronJob {
	s.running[job.ID] = true
	job.State.RunningAtMs = now.UnixMilli()
	if !manual && job.Enabled {
		s.provisionLocked(job, now)
	}
	if err := s.store.SaveJob(context.Background(), *job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("save job")
	}
	return cloneJob(*job)
}

// provisionLocked sets a next run strictly after now, measuring every
// schedules from now. The committed anchor is left for finish.
func (s *Service) provisionLocked(job *CronJob, now time.Time) {
	if !job.Enabled {
		job.State.NextRunAtMs = 0
		return
	}
	next, ok := NextFireAfter(job.Schedule, now, now, false)
	if !ok {
		job.State.NextRunAtMs = 0
		return
	}
	job.State.NextRunAtMs = next.UnixMilli()
}

// RunNow executes a job immediately and waits for the result. It returns
// ErrBusy without recording anything when the job is already running.
func (s *Service) RunNow(ctx context.Context, id string) (RunLogEntry, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return RunLogEntry{}, ErrJobNotFound
	}
	if s.running[id] {
		s.mu.Unlock()
		return RunLogEntry{}, ErrBusy
	}
	snapshot := s.beginLocked(job, s.now(), true)
	s.mu.Unlock()

	return s.run(ctx, snapshot), nil
}

func (s *Service) run(ctx context.Context, job CronJob) RunLogEntry {
	started := s.now()
	logger := s.log.With().Str("job_id", job.ID).Str("name", job.Name).Logger()
	logger.Info().Str("payload", string(job.Payload.Kind)).Msg("executing job")

	entry := s.execute(ctx, job)
	finished := s.now()
	entry.DurationMs = finished.Sub(started).Milliseconds()

	entry = s.finish(job.ID, started, finished, entry)

	ev := logger.Info()
	if entry.Status != RunSuccess {
		ev = logger.Warn().Str("error", entry.Error)
	}
	ev.Str("status", string(entry.Status)).Int64("duration_ms", entry.DurationMs).
		Str("delivery", entry.DeliveryStatus).Int64("next_run_at_ms", entry.NextRunAtMs).Msg("job finished")
	return entry
}

// execute resolves the payload. Panics are recorded as failures.
func (s *Service) execute(ctx context.Context, job CronJob) (entry RunLogEntry) {
	entry = RunLogEntry{JobID: job.ID}

	defer func() {
		if r := recover(); r != nil {
			entry.Status = RunFailure
			entry.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	if s.runtime == nil {
		entry.Status = RunFailure
		entry.Error = agent.ErrNoEndpoint.Error()
		return entry
	}

	agentID := job.AgentID
	if agentID == "" {
		agentID = s.cfg.DefaultAgentID
	}
	key := session.MainKey(agentID)
	if job.SessionTarget == SessionIsolated {
		key = session.IsolatedKey(job.ID)
	}

	switch job.Payload.Kind {
	case PayloadSystemEvent:
		err := s.runtime.EnqueueSystemEvent(ctx, agent.SystemEvent{
			AgentID:    agentID,
			SessionKey: key,
			Text:       job.Payload.Text,
			WakeNow:    job.WakeMode == WakeNow,
		})
		if err != nil {
			entry.Status = RunFailure
			entry.Error = err.Error()
			return entry
		}
		entry.Status = RunSuccess
		entry.Summary = "system event queued to " + key

	case PayloadAgentTurn:
		timeout := time.Duration(job.Payload.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = s.cfg.DefaultTimeout
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := s.runtime.SubmitTurn(tctx, agent.TurnRequest{
			AgentID:    agentID,
			SessionKey: key,
			Text:       job.Payload.Text,
			JobID:      job.ID,
		})
		cancel()

		switch {
		case errors.Is(err, agent.ErrTurnTimeout), errors.Is(err, context.DeadlineExceeded):
			entry.Status = RunTimeout
			entry.Error = fmt.Sprintf("agent turn exceeded %s", timeout)
			return entry
		case err != nil:
			entry.Status = RunFailure
			entry.Error = err.Error()
			return entry
		}
		entry.Status = RunSuccess
		entry.Summary = truncate(res.Text, summaryLimit)

		if job.Announces() {
			if err := s.announce(ctx, agentID, job.Delivery, res.Text); err != nil {
				entry.DeliveryStatus = DeliveryFailed
				entry.DeliveryError = err.Error()
			} else {
				entry.DeliveryStatus = DeliveryDelivered
			}
		}

	default:
		entry.Status = RunFailure
		entry.Error = fmt.Sprintf("unknown payload kind %q", job.Payload.Kind)
	}
	return entry
}

// announce delivers text to the job's channel, resolving "last" through the
// agent's session.
func (s *Service) announce(ctx context.Context, agentID string, d *CronDelivery, text string) error {
	channel, to := d.Channel, d.To
	if channel == "" || channel == ChannelLast {
		var ok bool
		var lastTo string
		if s.routes != nil {
			channel, lastTo, ok = s.routes.LastRoute(agentID)
		}
		if !ok {
			return invalid("delivery.channel", "no channel recorded for agent %q", agentID)
		}
		if to == "" {
			to = lastTo
		}
	}
	if to == "" {
		return invalid("delivery.to", "no recipient for channel %q", channel)
	}
	if s.delivery == nil {
		return fmt.Errorf("no delivery registry for channel %q", channel)
	}
	return s.delivery.Deliver(ctx, channel, to, text)
}

// finish records the run, releases the execution lock and reschedules.
func (s *Service) finish(id string, started, finished time.Time, entry RunLogEntry) RunLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.poke()

	delete(s.running, id)
	ctx := context.Background()

	job, ok := s.jobs[id]
	if !ok {
		// Removed while running; its history went with it.
		return entry
	}

	job.State.RunningAtMs = 0
	job.State.LastRunAtMs = started.UnixMilli()
	job.State.AnchorAtMs = started.UnixMilli()
	job.State.LastStatus = entry.Status
	job.State.LastError = entry.Error
	job.State.LastDurationMs = entry.DurationMs
	job.UpdatedAtMs = finished.UnixMilli()

	s.scheduleLocked(job, finished, false)
	remove := false
	// A one-shot with nothing left to fire is done; a manual run ahead of
	// its timestamp leaves it scheduled.
	if job.Schedule.Kind == KindAt && job.State.NextRunAtMs == 0 {
		job.Enabled = false
		remove = job.DeleteAfterRun && entry.Status == RunSuccess
	}

	entry.Ts = s.nextTsLocked(id, finished)
	entry.NextRunAtMs = job.State.NextRunAtMs

	if err := s.store.AppendRun(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("job_id", id).Msg("append run entry")
	}
	if s.cfg.RunLogLimit > 0 {
		if err := s.store.PruneRuns(ctx, id, s.cfg.RunLogLimit); err != nil {
			s.log.Error().Err(err).Str("job_id", id).Msg("prune run log")
		}
	}

	if remove {
		if err := s.store.DeleteJob(ctx, id); err != nil {
			s.log.Error().Err(err).Str("job_id", id).Msg("delete one-shot job")
		}
		delete(s.jobs, id)
		delete(s.lastTs, id)
		return entry
	}
	if err := s.store.SaveJob(ctx, *job); err != nil {
		s.log.Error().Err(err).Str("job_id", id).Msg("save job")
	}
	return entry
}

// nextTsLocked keeps run timestamps strictly increasing per job.
func (s *Service) nextTsLocked(id string, t time.Time) int64 {
	ts := t.UnixMilli()
	if last := s.lastTs[id]; ts <= last {
		ts = last + 1
	}
	s.lastTs[id] = ts
	return ts
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
