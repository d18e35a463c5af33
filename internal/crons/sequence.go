package crons

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sequence is the ordered, infinite series of fire times described by a cron
// expression. It holds no state; every call starts over from the given instant.
type Sequence struct {
	expr  string
	sched cron.Schedule
}

// Parse validates expr as a 6-field cron expression (or an @descriptor).
func Parse(expr string) (Sequence, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Sequence{}, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return Sequence{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	return Sequence{expr: expr, sched: s}, nil
}

func (s Sequence) String() string { return s.expr }

// Next returns the first fire time strictly after t, in UTC.
// The zero time means the expression never fires again.
func (s Sequence) Next(t time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t.In(time.UTC))
}

// Take returns up to n fire times strictly after t.
func (s Sequence) Take(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for len(out) < n {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

var _ cron.Schedule = Sequence{}
