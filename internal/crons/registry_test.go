package crons

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "rollout/pkg/logx"
)

var march13 = time.Date(2018, 3, 13, 0, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func noop(context.Context) error { return nil }

func TestParseRejectsInvalidExpressions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
		ok   bool
	}{
		{name: "six fields", expr: "0 */5 * * * MON-FRI", ok: true},
		{name: "descriptor", expr: "@hourly", ok: true},
		{name: "empty", expr: "  "},
		{name: "five fields", expr: "*/5 * * * *"},
		{name: "garbage", expr: "every tuesday"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.expr)
			if tt.ok && err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.expr, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidExpression) {
				t.Fatalf("Parse(%q) error = %v, want ErrInvalidExpression", tt.expr, err)
			}
		})
	}
}

func TestSequenceTakeIsRestartable(t *testing.T) {
	t.Parallel()
	seq, err := Parse("0 0 12 * * MON-FRI")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []time.Time{
		time.Date(2018, 3, 13, 12, 0, 0, 0, time.UTC),
		time.Date(2018, 3, 14, 12, 0, 0, 0, time.UTC),
		time.Date(2018, 3, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2018, 3, 16, 12, 0, 0, 0, time.UTC),
		time.Date(2018, 3, 19, 12, 0, 0, 0, time.UTC),
	}
	for round := 0; round < 2; round++ {
		got := seq.Take(march13, 5)
		if len(got) != len(want) {
			t.Fatalf("round %d: got %d times, want %d", round, len(got), len(want))
		}
		for i := range want {
			if !got[i].Equal(want[i]) {
				t.Fatalf("round %d: next[%d] = %s, want %s", round, i, got[i], want[i])
			}
		}
	}
}

func TestSequenceEvaluatesInUTC(t *testing.T) {
	t.Parallel()
	seq, err := Parse("0 0 12 * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	loc := time.FixedZone("UTC+5", 5*3600)
	from := time.Date(2018, 3, 13, 10, 0, 0, 0, loc) // 05:00 UTC
	next := seq.Next(from)
	want := time.Date(2018, 3, 13, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) || next.Location() != time.UTC {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestSchedulesReportsNextFiveRuns(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), WithClock(fixedClock(march13)))
	if err := r.Register("i->1", "0 */5 * * * MON-FRI", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c, err := r.Schedules("i->1")
	if err != nil {
		t.Fatalf("Schedules: %v", err)
	}
	if c.Name != "i->1" || c.IsStarted || c.IsRunning || c.LastRun != nil {
		t.Fatalf("unexpected view %+v", c)
	}
	wantMillis := []int64{1520899500000, 1520899800000, 1520900100000, 1520900400000, 1520900700000}
	if len(c.NextRuns) != len(wantMillis) {
		t.Fatalf("nextRuns = %d, want %d", len(c.NextRuns), len(wantMillis))
	}
	for i, ms := range wantMillis {
		if got := c.NextRuns[i].UnixMilli(); got != ms {
			t.Fatalf("nextRuns[%d] = %d, want %d", i, got, ms)
		}
	}
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	if err := r.Register("a", "@hourly", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", "@daily", noop); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Register error = %v, want ErrDuplicate", err)
	}
	if err := r.Register("b", "nope", noop); !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("Register with bad expr error = %v, want ErrInvalidExpression", err)
	}
}

func TestStartAllThenRemoveAll(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	for _, name := range []string{"1->2", "i->1"} {
		if err := r.Register(name, "0 0 12 * * MON-FRI", noop); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartAllCrons(ctx)
	defer r.Stop(context.Background())

	for _, name := range []string{"1->2", "i->1"} {
		c, err := r.Schedules(name)
		if err != nil {
			t.Fatalf("Schedules(%s): %v", name, err)
		}
		if !c.IsStarted {
			t.Fatalf("%s not started after StartAllCrons", name)
		}
	}

	r.RemoveAllCrons()
	for _, name := range []string{"1->2", "i->1"} {
		if _, err := r.Schedules(name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Schedules(%s) after RemoveAllCrons error = %v, want ErrNotFound", name, err)
		}
	}
	if got := len(r.List()); got != 0 {
		t.Fatalf("List after RemoveAllCrons = %d entries, want 0", got)
	}
}

func TestTriggerRecordsLastRunAtStart(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), WithClock(fixedClock(march13)))
	var seen time.Time
	err := r.Register("job", "@hourly", func(context.Context) error {
		c, _ := r.Schedules("job")
		if c.LastRun != nil {
			seen = *c.LastRun
		}
		if !c.IsRunning {
			return errors.New("entry not marked running during its task")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Trigger(context.Background(), "job"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !seen.Equal(march13) {
		t.Fatalf("lastRun during task = %s, want %s", seen, march13)
	}
	c, _ := r.Schedules("job")
	if c.IsRunning || c.LastRun == nil {
		t.Fatalf("unexpected view after run %+v", c)
	}
	if err := r.Trigger(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Trigger(missing) error = %v, want ErrNotFound", err)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	t.Parallel()
	var observedSkips atomic.Int32
	r := New(logx.Nop(), WithObserver(func(_ string, _ time.Duration, err error) {
		if errors.Is(err, ErrOverlapSkip) {
			observedSkips.Add(1)
		}
	}))

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	if err := r.Register("slow", "@hourly", func(context.Context) error {
		runs.Add(1)
		close(entered)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Trigger(context.Background(), "slow") }()
	<-entered

	if err := r.Trigger(context.Background(), "slow"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("overlapping Trigger error = %v, want ErrOverlapSkip", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Trigger: %v", err)
	}

	if runs.Load() != 1 {
		t.Fatalf("task runs = %d, want 1", runs.Load())
	}
	c, _ := r.Schedules("slow")
	if c.Skipped != 1 || observedSkips.Load() != 1 {
		t.Fatalf("skipped = %d observed = %d, want 1, 1", c.Skipped, observedSkips.Load())
	}
}

func TestTaskPanicIsRecovered(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	if err := r.Register("boom", "@hourly", func(context.Context) error { panic("kaboom") }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Trigger(context.Background(), "boom"); err == nil {
		t.Fatalf("Trigger error = nil, want panic error")
	}
	c, _ := r.Schedules("boom")
	if c.IsRunning || c.LastError == "" {
		t.Fatalf("unexpected view after panic %+v", c)
	}
}

func TestStartedEntryFires(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	fired := make(chan struct{}, 8)
	if err := r.Register("every-second", "* * * * * *", func(context.Context) error {
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.StartAllCrons(context.Background())
	defer r.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("entry did not fire within 3s")
	}
	c, _ := r.Schedules("every-second")
	if c.LastRun == nil {
		t.Fatalf("lastRun not recorded after fire")
	}
}
