package crons

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "rollout/pkg/logx"
)

// Task is the work bound to an entry.
type Task func(ctx context.Context) error

// Cron is the read view of one entry.
type Cron struct {
	Name      string      `json:"name"`
	Expr      string      `json:"expr"`
	LastRun   *time.Time  `json:"lastRun,omitempty"`
	NextRuns  []time.Time `json:"nextRuns"`
	IsStarted bool        `json:"isStarted"`
	IsRunning bool        `json:"isRunning"`
	LastError string      `json:"lastError,omitempty"`
	Skipped   uint64      `json:"skipped,omitempty"`
}

// NextRunsCount is how many upcoming fire times Schedules reports.
const NextRunsCount = 5

type entry struct {
	name string
	seq  Sequence
	task Task

	mu      sync.Mutex
	id      cron.EntryID
	started bool
	running bool
	lastRun time.Time
	lastErr string
	skipped uint64
}

// tryAcquire marks the entry running; false means a run is already active.
func (e *entry) tryAcquire(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.skipped++
		return false
	}
	e.running = true
	e.lastRun = now
	return true
}

func (e *entry) release(err error) {
	e.mu.Lock()
	e.running = false
	if err != nil {
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
	e.mu.Unlock()
}

type Option func(*Registry)

// WithClock replaces time.Now for lastRun stamps and nextRuns previews.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver receives the outcome of every tick, skips included.
func WithObserver(fn func(name string, took time.Duration, err error)) Option {
	return func(r *Registry) { r.observe = fn }
}

// Registry is an explicit instance; callers pass it to whatever needs it.
type Registry struct {
	log     logx.Logger
	now     func() time.Time
	observe func(name string, took time.Duration, err error)

	mu      sync.Mutex
	entries map[string]*entry
	driver  *cron.Cron
	ctx     context.Context
}

func New(log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		log:     log,
		now:     time.Now,
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a stopped entry. Names are unique until RemoveAllCrons.
func (r *Registry) Register(name, expr string, task Task) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("cron name required")
	}
	if task == nil {
		return fmt.Errorf("cron %q: task required", name)
	}
	seq, err := Parse(expr)
	if err != nil {
		return fmt.Errorf("cron %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.entries[name] = &entry{name: name, seq: seq, task: task}
	r.log.Debug("cron registered", logx.String("name", name), logx.String("expr", seq.String()))
	return nil
}

// StartAllCrons arms every registered entry that is not armed yet.
// Ticks run with ctx; canceling it cancels in-flight tasks but does not disarm.
func (r *Registry) StartAllCrons(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx = ctx
	if r.driver == nil {
		r.driver = cron.New(cron.WithLocation(time.UTC), cron.WithParser(parser))
		r.driver.Start()
	}
	armed := 0
	for _, e := range r.entries {
		e.mu.Lock()
		if !e.started {
			e.id = r.driver.Schedule(e.seq, cron.FuncJob(func() { r.tick(e) }))
			e.started = true
			armed++
		}
		e.mu.Unlock()
	}
	r.log.Info("crons started", logx.Int("armed", armed), logx.Int("entries", len(r.entries)))
}

// RemoveAllCrons disarms and discards every entry. Runs already in progress finish on their own.
func (r *Registry) RemoveAllCrons() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.mu.Lock()
		if e.started && r.driver != nil {
			r.driver.Remove(e.id)
		}
		e.started = false
		e.mu.Unlock()
	}
	n := len(r.entries)
	r.entries = map[string]*entry{}
	r.log.Info("crons removed", logx.Int("count", n))
}

// Stop halts the driver and waits for running ticks until ctx ends.
// Entries stay registered; a later StartAllCrons re-arms them.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	d := r.driver
	r.driver = nil
	for _, e := range r.entries {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
	}
	r.mu.Unlock()

	if d == nil {
		return
	}
	select {
	case <-d.Stop().Done():
	case <-ctx.Done():
	}
}

// Schedules returns the read view for name, or ErrNotFound.
func (r *Registry) Schedules(name string) (Cron, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return Cron{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.view(e), nil
}

// List returns every entry's view sorted by name.
func (r *Registry) List() []Cron {
	r.mu.Lock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.Unlock()

	sort.Slice(es, func(i, j int) bool { return es[i].name < es[j].name })
	out := make([]Cron, 0, len(es))
	for _, e := range es {
		out = append(out, r.view(e))
	}
	return out
}

// Trigger runs name once, outside its schedule, under the same non-overlap rule.
func (r *Registry) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.run(ctx, e)
}

func (r *Registry) view(e *entry) Cron {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := Cron{
		Name:      e.name,
		Expr:      e.seq.String(),
		NextRuns:  e.seq.Take(r.now(), NextRunsCount),
		IsStarted: e.started,
		IsRunning: e.running,
		LastError: e.lastErr,
		Skipped:   e.skipped,
	}
	if !e.lastRun.IsZero() {
		t := e.lastRun
		c.LastRun = &t
	}
	return c
}

func (r *Registry) tick(e *entry) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = r.run(ctx, e)
}

func (r *Registry) run(ctx context.Context, e *entry) (err error) {
	if !e.tryAcquire(r.now()) {
		r.log.Warn("cron tick skipped", logx.String("name", e.name))
		if r.observe != nil {
			r.observe(e.name, 0, ErrOverlapSkip)
		}
		return fmt.Errorf("%w: %s", ErrOverlapSkip, e.name)
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cron %q panic: %v", e.name, rec)
		}
		e.release(err)
		took := time.Since(start)
		if err != nil {
			r.log.Error("cron task failed", logx.String("name", e.name), logx.Duration("took", took), logx.Err(err))
		} else {
			r.log.Debug("cron task done", logx.String("name", e.name), logx.Duration("took", took))
		}
		if r.observe != nil {
			r.observe(e.name, took, err)
		}
	}()
	return e.task(ctx)
}
