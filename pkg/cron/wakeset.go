package cron

import "sort"

// WakeEntry is one scheduled firing.
type WakeEntry struct {
	JobID       string `json:"jobId"`
	NextRunAtMs int64  `json:"nextRunAtMs"`
}

// WakeSet returns the enabled jobs that have a next run, earliest first.
// Ties are broken by job id.
func WakeSet(jobs []CronJob) []WakeEntry {
	out := make([]WakeEntry, 0, len(jobs))
	for _, j := range jobs {
		if !j.Enabled || j.State.NextRunAtMs == 0 {
			continue
		}
		out = append(out, WakeEntry{JobID: j.ID, NextRunAtMs: j.State.NextRunAtMs})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].NextRunAtMs != out[b].NextRunAtMs {
			return out[a].NextRunAtMs < out[b].NextRunAtMs
		}
		return out[a].JobID < out[b].JobID
	})
	return out
}
