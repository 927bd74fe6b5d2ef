package cron

import "time"

type ScheduleKind string

const (
	KindEvery ScheduleKind = "every"
	KindAt    ScheduleKind = "at"
	KindCron  ScheduleKind = "cron"
)

type EveryUnit string

const (
	UnitMinutes EveryUnit = "minutes"
	UnitHours   EveryUnit = "hours"
	UnitDays    EveryUnit = "days"
)

type SessionTarget string

const (
	SessionMain     SessionTarget = "main"
	SessionIsolated SessionTarget = "isolated"
)

type WakeMode string

const (
	WakeNextHeartbeat WakeMode = "next-heartbeat"
	WakeNow           WakeMode = "now"
)

type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

type DeliveryMode string

const (
	DeliveryAnnounce DeliveryMode = "announce"
	DeliveryNone     DeliveryMode = "none"
)

// ChannelLast resolves to the channel the agent's session used most recently.
const ChannelLast = "last"

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
	RunTimeout RunStatus = "timeout"
	RunSkipped RunStatus = "skipped"
)

// CronSchedule definition. Exactly one group of fields is set, matching Kind.
type CronSchedule struct {
	Kind  ScheduleKind `json:"kind"`            // at, every, cron
	AtMs  int64        `json:"atMs,omitempty"`  // at
	Every int          `json:"every,omitempty"` // every: amount
	Unit  EveryUnit    `json:"unit,omitempty"`  // every: unit
	Expr  string       `json:"expr,omitempty"`  // cron
	Tz    string       `json:"tz,omitempty"`    // cron, optional
}

// CronPayload definition.
type CronPayload struct {
	Kind           PayloadKind `json:"kind"` // systemEvent, agentTurn
	Text           string      `json:"text"`
	TimeoutSeconds int         `json:"timeoutSeconds,omitempty"`
}

// CronDelivery controls how an agentTurn result is announced.
type CronDelivery struct {
	Mode    DeliveryMode `json:"mode"`
	Channel string       `json:"channel,omitempty"`
	To      string       `json:"to,omitempty"`
}

// CronJobState runtime state. Zero millisecond values mean "unset".
type CronJobState struct {
	NextRunAtMs    int64     `json:"nextRunAtMs,omitempty"`
	LastRunAtMs    int64     `json:"lastRunAtMs,omitempty"`
	RunningAtMs    int64     `json:"runningAtMs,omitempty"`
	AnchorAtMs     int64     `json:"anchorAtMs,omitempty"`
	LastStatus     RunStatus `json:"lastStatus,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	LastDurationMs int64     `json:"lastDurationMs,omitempty"`
}

// CronJob definition.
type CronJob struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	AgentID        string        `json:"agentId,omitempty"`
	Enabled        bool          `json:"enabled"`
	Schedule       CronSchedule  `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	WakeMode       WakeMode      `json:"wakeMode"`
	Payload        CronPayload   `json:"payload"`
	Delivery       *CronDelivery `json:"delivery,omitempty"`
	State          CronJobState  `json:"state"`
	CreatedAtMs    int64         `json:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
}

// Announces reports whether a run's result is delivered to a channel.
func (j *CronJob) Announces() bool {
	return j.Payload.Kind == PayloadAgentTurn && j.Delivery != nil && j.Delivery.Mode == DeliveryAnnounce
}

// JobSpec is the input for AddJob.
type JobSpec struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	AgentID        string        `json:"agentId,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	Schedule       CronSchedule  `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	Payload        CronPayload   `json:"payload"`
	Delivery       *CronDelivery `json:"delivery,omitempty"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
}

// RunLogEntry records one execution. Entries are never mutated after write.
type RunLogEntry struct {
	JobID          string    `json:"jobId"`
	Ts             int64     `json:"ts"`
	Status         RunStatus `json:"status"`
	DurationMs     int64     `json:"durationMs"`
	Summary        string    `json:"summary,omitempty"`
	Error          string    `json:"error,omitempty"`
	DeliveryStatus string    `json:"deliveryStatus,omitempty"` // delivered, failed
	DeliveryError  string    `json:"deliveryError,omitempty"`
	NextRunAtMs    int64     `json:"nextRunAtMs,omitempty"`
}

// CronStatus summarizes the scheduler.
type CronStatus struct {
	Enabled      bool  `json:"enabled"`
	Jobs         int   `json:"jobs"`
	NextWakeAtMs int64 `json:"nextWakeAtMs,omitempty"`
}

// CronStore persistent file format.
type CronStore struct {
	Version int       `json:"version"`
	Jobs    []CronJob `json:"jobs"`
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
