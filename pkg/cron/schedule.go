package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field parser: minute hour dom month dow.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const (
	// starBit mirrors robfig/cron's marker for a "*" field.
	starBit = 1 << 63

	searchYears = 5
)

// Interval returns the fixed period of an every schedule, or 0.
func (s CronSchedule) Interval() time.Duration {
	if s.Every <= 0 {
		return 0
	}
	switch s.Unit {
	case UnitMinutes:
		return time.Duration(s.Every) * time.Minute
	case UnitHours:
		return time.Duration(s.Every) * time.Hour
	case UnitDays:
		return time.Duration(s.Every) * 24 * time.Hour
	}
	return 0
}

// Validate checks that s can produce fire times. It does not consider the
// current time, so a past "at" schedule is valid.
func (s CronSchedule) Validate() error {
	switch s.Kind {
	case KindEvery:
		if s.Every <= 0 {
			return invalid("schedule.every", "amount must be a positive integer, got %d", s.Every)
		}
		if s.Interval() == 0 {
			return invalid("schedule.unit", "unknown unit %q", s.Unit)
		}
	case KindAt:
		if s.AtMs <= 0 {
			return invalid("schedule.atMs", "missing timestamp")
		}
	case KindCron:
		spec, err := parseExpr(s.Expr)
		if err != nil {
			return err
		}
		loc, err := loadLocation(s.Tz)
		if err != nil {
			return err
		}
		// Something like "0 0 30 2 *" parses but never fires.
		if _, ok := nextWallMatch(spec, wallOf(time.Now().In(loc))); !ok {
			return invalid("schedule.expr", "%q never fires", s.Expr)
		}
	default:
		return invalid("schedule.kind", "unknown kind %q", s.Kind)
	}
	return nil
}

func parseExpr(expr string) (*cron.SpecSchedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, invalid("schedule.expr", "empty expression")
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, invalid("schedule.expr", "use the tz field instead of an inline zone")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, invalid("schedule.expr", "%v", err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, invalid("schedule.expr", "unsupported expression %q", expr)
	}
	return spec, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("schedule.tz", "unknown timezone %q", tz)
	}
	return loc, nil
}

// NextFireAfter returns the first fire time of s relative to ref. When
// inclusive is set a fire time equal to ref is returned; otherwise the result
// is strictly after ref. anchor is the reference point of every schedules
// (last run, creation or re-enable instant). The boolean is false when s has
// no further occurrence.
func NextFireAfter(s CronSchedule, ref, anchor time.Time, inclusive bool) (time.Time, bool) {
	switch s.Kind {
	case KindAt:
		at := time.UnixMilli(s.AtMs)
		if s.AtMs > 0 && at.After(ref) {
			return at, true
		}
	case KindEvery:
		return nextEvery(s.Interval(), ref, anchor, inclusive)
	case KindCron:
		spec, err := parseExpr(s.Expr)
		if err != nil {
			return time.Time{}, false
		}
		loc, err := loadLocation(s.Tz)
		if err != nil {
			return time.Time{}, false
		}
		return nextCron(spec, loc, ref, inclusive)
	}
	return time.Time{}, false
}

// Preview lists up to n upcoming fire times starting at from.
func Preview(s CronSchedule, from, anchor time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	ref, inclusive := from, true
	for len(out) < n {
		next, ok := NextFireAfter(s, ref, anchor, inclusive)
		if !ok {
			break
		}
		out = append(out, next)
		ref, anchor, inclusive = next, next, false
	}
	return out
}

// nextEvery skips to the next boundary when more than a full interval has
// been missed, so a long outage fires once instead of once per interval.
func nextEvery(iv time.Duration, ref, anchor time.Time, inclusive bool) (time.Time, bool) {
	if iv <= 0 {
		return time.Time{}, false
	}
	if anchor.IsZero() {
		anchor = ref
	}
	next := anchor.Add(iv)
	if ref.Sub(next) > iv {
		next = anchor.Add(ref.Sub(anchor) / iv * iv)
		if next.Before(ref) || (!inclusive && next.Equal(ref)) {
			next = next.Add(iv)
		}
	}
	return next, true
}

func nextCron(spec *cron.SpecSchedule, loc *time.Location, ref time.Time, inclusive bool) (time.Time, bool) {
	start := ref.Truncate(time.Minute)
	if !inclusive || !start.Equal(ref) {
		start = start.Add(time.Minute)
	}
	w := wallOf(start.In(loc))
	// Bounded: each pass advances w by at least one minute and only a
	// repeated hour can make a match land before start.
	for i := 0; i < 24*60; i++ {
		match, ok := nextWallMatch(spec, w)
		if !ok {
			return time.Time{}, false
		}
		t, exists := resolveWall(match, loc)
		if !exists {
			t = gapEnd(match, loc)
		}
		if !t.Before(start) {
			return t, true
		}
		w = match.Add(time.Minute)
	}
	return time.Time{}, false
}

// wallOf reinterprets the local wall clock reading of t as UTC so that field
// arithmetic ignores offset changes.
func wallOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
}

func sameWall(t, w time.Time) bool {
	return t.Year() == w.Year() && t.Month() == w.Month() && t.Day() == w.Day() &&
		t.Hour() == w.Hour() && t.Minute() == w.Minute()
}

// wallCandidates maps a wall reading to instants using the zone offsets in
// effect a few hours either side of it.
func wallCandidates(w time.Time, loc *time.Location) []time.Time {
	guess := time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), 0, 0, loc)
	out := make([]time.Time, 0, 3)
	for _, probe := range []time.Time{guess.Add(-3 * time.Hour), guess, guess.Add(3 * time.Hour)} {
		_, off := probe.Zone()
		out = append(out, w.Add(-time.Duration(off)*time.Second).In(loc))
	}
	return out
}

// resolveWall returns the earliest instant whose local reading is w. During a
// repeated hour that is the first occurrence. The boolean is false when w
// falls in a gap.
func resolveWall(w time.Time, loc *time.Location) (time.Time, bool) {
	var best time.Time
	found := false
	for _, c := range wallCandidates(w, loc) {
		if !sameWall(c, w) {
			continue
		}
		if !found || c.Before(best) {
			best, found = c, true
		}
	}
	return best, found
}

// gapEnd returns the first valid minute after the gap containing w.
func gapEnd(w time.Time, loc *time.Location) time.Time {
	cands := wallCandidates(w, loc)
	t := cands[0]
	for _, c := range cands[1:] {
		if c.Before(t) {
			t = c
		}
	}
	t = t.Truncate(time.Minute)
	for i := 0; i < 24*60; i++ {
		if wallOf(t.In(loc)).After(w) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return t
}

// nextWallMatch finds the first wall time >= w matching spec, walking fields
// from the largest down and resetting smaller ones on each carry.
func nextWallMatch(spec *cron.SpecSchedule, w time.Time) (time.Time, bool) {
	t := w
	added := false
	yearLimit := t.Year() + searchYears

WRAP:
	if t.Year() > yearLimit {
		return time.Time{}, false
	}

	for 1<<uint(t.Month())&spec.Month == 0 {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		}
		t = t.AddDate(0, 1, 0)
		if t.Month() == time.January {
			goto WRAP
		}
	}

	for !dayMatches(spec, t) {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
		t = t.AddDate(0, 0, 1)
		if t.Day() == 1 {
			goto WRAP
		}
	}

	for 1<<uint(t.Hour())&spec.Hour == 0 {
		if !added {
			added = true
			t = t.Truncate(time.Hour)
		}
		t = t.Add(time.Hour)
		if t.Hour() == 0 {
			goto WRAP
		}
	}

	for 1<<uint(t.Minute())&spec.Minute == 0 {
		if !added {
			added = true
			t = t.Truncate(time.Minute)
		}
		t = t.Add(time.Minute)
		if t.Minute() == 0 {
			goto WRAP
		}
	}

	return t, true
}

// dayMatches applies the usual cron rule: when both day fields are
// restricted either may match, otherwise both must.
func dayMatches(spec *cron.SpecSchedule, t time.Time) bool {
	domMatch := 1<<uint(t.Day())&spec.Dom > 0
	dowMatch := 1<<uint(t.Weekday())&spec.Dow > 0
	if spec.Dom&starBit > 0 || spec.Dow&starBit > 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

// describe renders a schedule for logs.
func describe(s CronSchedule) string {
	switch s.Kind {
	case KindEvery:
		return fmt.Sprintf("every %d %s", s.Every, s.Unit)
	case KindAt:
		return "at " + time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339)
	case KindCron:
		if s.Tz != "" {
			return fmt.Sprintf("cron %s (%s)", s.Expr, s.Tz)
		}
		return "cron " + s.Expr
	}
	return string(s.Kind)
}
