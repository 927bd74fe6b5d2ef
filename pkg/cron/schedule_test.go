package cron

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNextFireAfter_Every(t *testing.T) {
	anchor := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sched := CronSchedule{Kind: KindEvery, Every: 10, Unit: UnitMinutes}

	tests := []struct {
		name      string
		ref       time.Time
		inclusive bool
		want      time.Time
	}{
		{"within first interval", anchor.Add(3 * time.Minute), false, anchor.Add(10 * time.Minute)},
		{"one interval late fires once", anchor.Add(15 * time.Minute), false, anchor.Add(10 * time.Minute)},
		{"skips to next boundary", anchor.Add(35 * time.Minute), false, anchor.Add(40 * time.Minute)},
		{"boundary inclusive", anchor.Add(30 * time.Minute), true, anchor.Add(30 * time.Minute)},
		{"boundary exclusive", anchor.Add(30 * time.Minute), false, anchor.Add(40 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextFireAfter(sched, tt.ref, anchor, tt.inclusive)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextFireAfter_EveryUnits(t *testing.T) {
	anchor := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	got, ok := NextFireAfter(CronSchedule{Kind: KindEvery, Every: 2, Unit: UnitHours}, anchor, anchor, false)
	require.True(t, ok)
	assert.Equal(t, anchor.Add(2*time.Hour), got)

	got, ok = NextFireAfter(CronSchedule{Kind: KindEvery, Every: 1, Unit: UnitDays}, anchor, anchor, false)
	require.True(t, ok)
	assert.Equal(t, anchor.Add(24*time.Hour), got)
}

func TestNextFireAfter_At(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sched := CronSchedule{Kind: KindAt, AtMs: at.UnixMilli()}

	got, ok := NextFireAfter(sched, at.Add(-time.Minute), time.Time{}, true)
	require.True(t, ok)
	assert.True(t, at.Equal(got))

	_, ok = NextFireAfter(sched, at, time.Time{}, true)
	assert.False(t, ok, "at equal to reference has already fired")

	_, ok = NextFireAfter(sched, at.Add(time.Hour), time.Time{}, false)
	assert.False(t, ok)
}

func TestNextFireAfter_CronHourly(t *testing.T) {
	sched := CronSchedule{Kind: KindCron, Expr: "0 * * * *", Tz: "UTC"}
	eleven := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

	got, ok := NextFireAfter(sched, time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC), time.Time{}, true)
	require.True(t, ok)
	assert.True(t, eleven.Equal(got))

	got, ok = NextFireAfter(sched, eleven, time.Time{}, true)
	require.True(t, ok)
	assert.True(t, eleven.Equal(got), "reference on a match is inclusive")

	got, ok = NextFireAfter(sched, eleven, time.Time{}, false)
	require.True(t, ok)
	assert.True(t, eleven.Add(time.Hour).Equal(got))

	got, ok = NextFireAfter(sched, eleven.Add(30*time.Second), time.Time{}, true)
	require.True(t, ok)
	assert.True(t, eleven.Add(time.Hour).Equal(got))
}

func TestNextFireAfter_CronDayOfMonthOrWeek(t *testing.T) {
	// 1st of the month or any Monday.
	sched := CronSchedule{Kind: KindCron, Expr: "0 9 1 * 1", Tz: "UTC"}
	ref := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) // Tuesday

	got, ok := NextFireAfter(sched, ref, time.Time{}, true)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC).Equal(got))

	// Only day of week restricted: both must hold, dom "*" always matches.
	sched = CronSchedule{Kind: KindCron, Expr: "0 9 * * 5", Tz: "UTC"}
	got, ok = NextFireAfter(sched, ref, time.Time{}, true)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC).Equal(got))
}

func TestNextFireAfter_CronTimezone(t *testing.T) {
	tokyo := mustLoc(t, "Asia/Tokyo")
	sched := CronSchedule{Kind: KindCron, Expr: "0 9 * * *", Tz: "Asia/Tokyo"}
	ref := time.Date(2024, 5, 1, 10, 0, 0, 0, tokyo)

	got, ok := NextFireAfter(sched, ref, time.Time{}, false)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 5, 2, 9, 0, 0, 0, tokyo).Equal(got))
	assert.True(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC).Equal(got))
}

func TestNextFireAfter_DSTGap(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 2024-03-10 02:00 EST jumps to 03:00 EDT; 02:30 does not exist.
	sched := CronSchedule{Kind: KindCron, Expr: "30 2 * * *", Tz: "America/New_York"}
	ref := time.Date(2024, 3, 10, 0, 0, 0, 0, ny)

	got, ok := NextFireAfter(sched, ref, time.Time{}, true)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC).Equal(got), "got %s", got.In(ny))
	assert.Equal(t, 3, got.In(ny).Hour())

	// The next day is back to normal.
	got, ok = NextFireAfter(sched, got, time.Time{}, false)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 3, 11, 2, 30, 0, 0, ny).Equal(got))
}

func TestNextFireAfter_DSTOverlap(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 2024-11-03 02:00 EDT falls back to 01:00 EST; 01:xx happens twice.
	sched := CronSchedule{Kind: KindCron, Expr: "30 1 * * *", Tz: "America/New_York"}
	ref := time.Date(2024, 11, 3, 0, 0, 0, 0, ny)

	first, ok := NextFireAfter(sched, ref, time.Time{}, true)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC).Equal(first), "first occurrence is EDT")

	second, ok := NextFireAfter(sched, first, time.Time{}, false)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 11, 4, 6, 30, 0, 0, time.UTC).Equal(second), "repeated hour does not fire again")

	quarter := CronSchedule{Kind: KindCron, Expr: "*/15 * * * *", Tz: "America/New_York"}
	got, ok := NextFireAfter(quarter, time.Date(2024, 11, 3, 5, 45, 0, 0, time.UTC), time.Time{}, false)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 11, 3, 7, 0, 0, 0, time.UTC).Equal(got))

	// Starting inside the second pass skips the rest of it.
	got, ok = NextFireAfter(quarter, time.Date(2024, 11, 3, 6, 10, 0, 0, time.UTC), time.Time{}, false)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 11, 3, 7, 0, 0, 0, time.UTC).Equal(got))
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name  string
		sched CronSchedule
		field string
	}{
		{"zero amount", CronSchedule{Kind: KindEvery, Every: 0, Unit: UnitMinutes}, "schedule.every"},
		{"negative amount", CronSchedule{Kind: KindEvery, Every: -3, Unit: UnitHours}, "schedule.every"},
		{"unknown unit", CronSchedule{Kind: KindEvery, Every: 1, Unit: "weeks"}, "schedule.unit"},
		{"missing at", CronSchedule{Kind: KindAt}, "schedule.atMs"},
		{"malformed expr", CronSchedule{Kind: KindCron, Expr: "61 * * * *"}, "schedule.expr"},
		{"six fields", CronSchedule{Kind: KindCron, Expr: "0 0 * * * *"}, "schedule.expr"},
		{"inline zone", CronSchedule{Kind: KindCron, Expr: "TZ=UTC 0 * * * *"}, "schedule.expr"},
		{"never fires", CronSchedule{Kind: KindCron, Expr: "0 0 30 2 *", Tz: "UTC"}, "schedule.expr"},
		{"unknown tz", CronSchedule{Kind: KindCron, Expr: "0 * * * *", Tz: "Mars/Olympus"}, "schedule.tz"},
		{"unknown kind", CronSchedule{Kind: "sometimes"}, "schedule.kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	assert.NoError(t, CronSchedule{Kind: KindCron, Expr: "*/5 9-17 * * 1-5", Tz: "Europe/Berlin"}.Validate())
	assert.NoError(t, CronSchedule{Kind: KindAt, AtMs: 1}.Validate(), "past timestamps are valid")
}

func TestPreview(t *testing.T) {
	from := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)

	got := Preview(CronSchedule{Kind: KindCron, Expr: "0 * * * *", Tz: "UTC"}, from, from, 3)
	require.Len(t, got, 3)
	for i, want := range []int{11, 12, 13} {
		assert.Equal(t, want, got[i].UTC().Hour())
	}

	got = Preview(CronSchedule{Kind: KindEvery, Every: 30, Unit: UnitMinutes}, from, from, 2)
	require.Len(t, got, 2)
	assert.Equal(t, from.Add(30*time.Minute), got[0])
	assert.Equal(t, from.Add(60*time.Minute), got[1])

	at := from.Add(time.Hour)
	got = Preview(CronSchedule{Kind: KindAt, AtMs: at.UnixMilli()}, from, from, 5)
	require.Len(t, got, 1)
}

func TestWakeSet(t *testing.T) {
	jobs := []CronJob{
		{ID: "c", Enabled: true, State: CronJobState{NextRunAtMs: 200}},
		{ID: "b", Enabled: true, State: CronJobState{NextRunAtMs: 100}},
		{ID: "a", Enabled: true, State: CronJobState{NextRunAtMs: 200}},
		{ID: "d", Enabled: false, State: CronJobState{NextRunAtMs: 50}},
		{ID: "e", Enabled: true},
	}

	set := WakeSet(jobs)
	require.Len(t, set, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{set[0].JobID, set[1].JobID, set[2].JobID})
}
