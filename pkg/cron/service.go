package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/HKUDS/nanobot-gateway/pkg/agent"
)

// Deliverer sends announce text to a channel recipient.
type Deliverer interface {
	Deliver(ctx context.Context, channel, to, text string) error
}

// RouteResolver reports the last channel an agent's session used.
type RouteResolver interface {
	LastRoute(agentID string) (channel, to string, ok bool)
}

// Config tunes the service.
type Config struct {
	Enabled        bool
	DefaultAgentID string
	DefaultTimeout time.Duration
	MaxSleep       time.Duration
	RunLogLimit    int
}

func (c Config) withDefaults() Config {
	if c.DefaultAgentID == "" {
		c.DefaultAgentID = "main"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = 60 * time.Second
	}
	return c
}

// Service manages scheduled jobs.
type Service struct {
	store    Store
	runtime  agent.Runtime
	delivery Deliverer
	routes   RouteResolver
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	jobs    map[string]*CronJob
	running map[string]bool // per-job execution lock
	lastTs  map[string]int64
	started bool

	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a new cron service. delivery and routes may be nil when
// no job announces.
func NewService(cfg Config, store Store, runtime agent.Runtime, delivery Deliverer, routes RouteResolver, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		runtime:  runtime,
		delivery: delivery,
		routes:   routes,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "cron").Logger(),
		now:      time.Now,
		jobs:     make(map[string]*CronJob),
		running:  make(map[string]bool),
		lastTs:   make(map[string]int64),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Load reads persisted jobs and recomputes their next runs. It is called by
// Start and may be used alone for read-only access.
func (s *Service) Load(ctx context.Context) error {
	jobs, err := s.store.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.jobs = make(map[string]*CronJob, len(jobs))
	for i := range jobs {
		job := jobs[i]
		// A run in flight when the process died never finished.
		if job.State.RunningAtMs != 0 {
			s.log.Warn().Str("job_id", job.ID).Msg("clearing stale running marker")
			job.State.RunningAtMs = 0
		}
		s.scheduleLocked(&job, now, true)
		s.jobs[job.ID] = &job
		if err := s.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("persist job %s: %w", job.ID, err)
		}
		// Run timestamps keep increasing across restarts.
		runs, err := s.store.ListRuns(ctx, job.ID, 1)
		if err != nil {
			return fmt.Errorf("read runs of job %s: %w", job.ID, err)
		}
		if len(runs) > 0 {
			s.lastTs[job.ID] = runs[0].Ts
		}
	}
	return nil
}

// Start loads jobs and starts the wake loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.started = true
	n := len(s.jobs)
	s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Info().Int("jobs", n).Msg("cron service loaded, scheduler disabled")
		return nil
	}

	s.wg.Add(1)
	go s.loop()
	s.log.Info().Int("jobs", n).Msg("cron service started")
	return nil
}

// Stop stops the wake loop and waits for in-flight runs.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
}

// scheduleLocked recomputes the next run from the job's anchor.
func (s *Service) scheduleLocked(job *CronJob, ref time.Time, inclusive bool) {
	if !job.Enabled {
		job.State.NextRunAtMs = 0
		return
	}
	anchor := fromMs(job.State.AnchorAtMs)
	if anchor.IsZero() {
		anchor = fromMs(job.State.LastRunAtMs)
	}
	if anchor.IsZero() {
		anchor = fromMs(job.CreatedAtMs)
	}
	next, ok := NextFireAfter(job.Schedule, ref, anchor, inclusive)
	if !ok {
		job.State.NextRunAtMs = 0
		return
	}
	job.State.NextRunAtMs = next.UnixMilli()
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) snapshotLocked() []CronJob {
	jobs := make([]CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, cloneJob(*j))
	}
	return jobs
}

func cloneJob(j CronJob) CronJob {
	if j.Delivery != nil {
		d := *j.Delivery
		j.Delivery = &d
	}
	return j
}

// Public API

// ListJobs returns jobs ordered by next run; unscheduled jobs last.
func (s *Service) ListJobs() []CronJob {
	s.mu.RLock()
	jobs := s.snapshotLocked()
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		n1 := jobs[i].State.NextRunAtMs
		n2 := jobs[j].State.NextRunAtMs
		if n1 == n2 {
			return jobs[i].ID < jobs[j].ID
		}
		if n1 == 0 {
			return false
		}
		if n2 == 0 {
			return true
		}
		return n1 < n2
	})
	return jobs
}

// GetJob returns a job by id.
func (s *Service) GetJob(id string) (CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return CronJob{}, ErrJobNotFound
	}
	return cloneJob(*job), nil
}

func (s *Service) normalize(spec JobSpec) (CronJob, error) {
	job := CronJob{
		Name:           strings.TrimSpace(spec.Name),
		Description:    spec.Description,
		AgentID:        strings.TrimSpace(spec.AgentID),
		Enabled:        true,
		Schedule:       spec.Schedule,
		SessionTarget:  spec.SessionTarget,
		WakeMode:       spec.WakeMode,
		Payload:        spec.Payload,
		DeleteAfterRun: spec.DeleteAfterRun,
	}
	if spec.Enabled != nil {
		job.Enabled = *spec.Enabled
	}
	if job.Name == "" {
		return job, invalid("name", "required")
	}
	if err := job.Schedule.Validate(); err != nil {
		return job, err
	}
	if job.Schedule.Kind == KindCron {
		job.Schedule.Expr = strings.TrimSpace(job.Schedule.Expr)
	}

	switch job.SessionTarget {
	case "":
		job.SessionTarget = SessionMain
	case SessionMain, SessionIsolated:
	default:
		return job, invalid("sessionTarget", "unknown target %q", job.SessionTarget)
	}
	switch job.WakeMode {
	case "":
		job.WakeMode = WakeNextHeartbeat
	case WakeNextHeartbeat, WakeNow:
	default:
		return job, invalid("wakeMode", "unknown mode %q", job.WakeMode)
	}

	if strings.TrimSpace(job.Payload.Text) == "" {
		return job, invalid("payload.text", "required")
	}
	if job.Payload.TimeoutSeconds < 0 {
		return job, invalid("payload.timeoutSeconds", "must not be negative")
	}
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		if spec.Delivery != nil && spec.Delivery.Mode == DeliveryAnnounce {
			return job, invalid("delivery.mode", "announce requires an agentTurn payload")
		}
	case PayloadAgentTurn:
		if spec.Delivery != nil {
			d := *spec.Delivery
			d.Channel = strings.TrimSpace(d.Channel)
			d.To = strings.TrimSpace(d.To)
			switch d.Mode {
			case "", DeliveryNone:
				d = CronDelivery{Mode: DeliveryNone}
			case DeliveryAnnounce:
				if d.Channel == "" {
					d.Channel = ChannelLast
				}
				if d.To == "" && d.Channel != ChannelLast {
					return job, invalid("delivery.to", "required unless channel is %q", ChannelLast)
				}
			default:
				return job, invalid("delivery.mode", "unknown mode %q", d.Mode)
			}
			job.Delivery = &d
		}
	default:
		return job, invalid("payload.kind", "unknown kind %q", job.Payload.Kind)
	}
	return job, nil
}

// AddJob validates spec, stores it and schedules it. Invalid specs return a
// *ValidationError and nothing is stored.
func (s *Service) AddJob(ctx context.Context, spec JobSpec) (CronJob, error) {
	job, err := s.normalize(spec)
	if err != nil {
		return CronJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job.ID = s.newIDLocked()
	job.CreatedAtMs = now.UnixMilli()
	job.UpdatedAtMs = job.CreatedAtMs
	job.State.AnchorAtMs = job.CreatedAtMs
	s.scheduleLocked(&job, now, true)

	if err := s.store.SaveJob(ctx, job); err != nil {
		return CronJob{}, fmt.Errorf("save job: %w", err)
	}
	s.jobs[job.ID] = &job
	s.poke()

	s.log.Info().Str("job_id", job.ID).Str("name", job.Name).Str("schedule", describe(job.Schedule)).
		Int64("next_run_at_ms", job.State.NextRunAtMs).Msg("job added")
	return cloneJob(job), nil
}

func (s *Service) newIDLocked() string {
	for {
		id := uuid.New().String()[:8]
		if _, taken := s.jobs[id]; !taken {
			return id
		}
	}
}

// SetEnabled toggles a job. Re-enabling recomputes the next run from now.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return CronJob{}, ErrJobNotFound
	}
	updated := cloneJob(*job)
	now := s.now()
	if enabled && !updated.Enabled {
		updated.State.AnchorAtMs = now.UnixMilli()
	}
	updated.Enabled = enabled
	updated.UpdatedAtMs = now.UnixMilli()
	s.scheduleLocked(&updated, now, true)

	if err := s.store.SaveJob(ctx, updated); err != nil {
		return CronJob{}, fmt.Errorf("save job: %w", err)
	}
	*job = updated
	s.poke()
	return cloneJob(updated), nil
}

// RemoveJob deletes a job and its run history.
func (s *Service) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	delete(s.jobs, id)
	delete(s.lastTs, id)
	s.poke()
	s.log.Info().Str("job_id", id).Msg("job removed")
	return nil
}

// ListRuns returns a job's run history, newest first.
func (s *Service) ListRuns(ctx context.Context, id string, limit int) ([]RunLogEntry, error) {
	return s.store.ListRuns(ctx, id, limit)
}

// Status summarizes the scheduler.
func (s *Service) Status() CronStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := CronStatus{
		Enabled: s.cfg.Enabled && s.started,
		Jobs:    len(s.jobs),
	}
	if set := WakeSet(s.snapshotLocked()); len(set) > 0 {
		st.NextWakeAtMs = set[0].NextRunAtMs
	}
	return st
}

// Wakes returns the current wake set.
func (s *Service) Wakes() []WakeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return WakeSet(s.snapshotLocked())
}

// Preview lists the next n fire times of a job as currently scheduled.
func (s *Service) Preview(id string, n int) ([]time.Time, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !job.Enabled || job.State.NextRunAtMs == 0 || n <= 0 {
		return []time.Time{}, nil
	}
	next := time.UnixMilli(job.State.NextRunAtMs)
	return Preview(job.Schedule, next, next, n), nil
}

// loop sleeps until the earliest next run, capped at MaxSleep, and is woken
// early by job mutations.
func (s *Service) loop() {
	defer s.wg.Done()

	for {
		delay := s.cfg.MaxSleep
		if set := s.Wakes(); len(set) > 0 {
			until := time.UnixMilli(set[0].NextRunAtMs).Sub(s.now())
			if until < delay {
				delay = until
			}
		}
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.processJobs()
		}
	}
}
