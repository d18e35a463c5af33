package jobs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollout/internal/crons"
	"rollout/internal/dispatch"
	"rollout/internal/domain"
	"rollout/internal/eventbus"
	"rollout/internal/metrics"
	"rollout/internal/storage"
	logx "rollout/pkg/logx"
)

// Run triggers.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// recentRuns is how many runs per job are kept in memory when no store is configured.
const recentRuns = 50

type Option func(*Planner)

func WithBus(b eventbus.Bus) Option { return func(p *Planner) { p.bus = b } }
func WithStore(s storage.Store) Option { return func(p *Planner) { p.store = s } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Planner) { p.metrics = m } }
func WithClock(now func() time.Time) Option { return func(p *Planner) { p.now = now } }

// Planner owns the loaded jobs and their cron entries.
type Planner struct {
	d       *dispatch.Dispatcher
	crons   *crons.Registry
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	jobs  map[string]Job
	order []string

	hmu    sync.Mutex
	recent map[string][]storage.RunRecord
}

// New validates jobs and registers a cron entry for every job that has one.
// Entries are not armed until Start.
func New(d *dispatch.Dispatcher, reg *crons.Registry, jobs []Job, log logx.Logger, opts ...Option) (*Planner, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Planner{
		d:      d,
		crons:  reg,
		log:    log,
		now:    time.Now,
		recent: map[string][]storage.RunRecord{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Replace(jobs); err != nil {
		return nil, err
	}
	return p, nil
}

// Replace swaps the job table and registers the new cron entries. The caller
// clears the registry first (crons.Registry.RemoveAllCrons) on reload.
func (p *Planner) Replace(jobs []Job) error {
	table := make(map[string]Job, len(jobs))
	order := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return err
		}
		if _, dup := table[j.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
		}
		table[j.Name] = j
		order = append(order, j.Name)
	}

	p.mu.Lock()
	p.jobs = table
	p.order = order
	p.mu.Unlock()

	if p.crons == nil {
		return nil
	}
	scheduled := 0
	for _, name := range order {
		j := table[name]
		if j.Cron == "" {
			continue
		}
		name := name
		if err := p.crons.Register(name, j.Cron, func(ctx context.Context) error {
			_, err := p.Run(ctx, name, TriggerCron)
			return err
		}); err != nil {
			return err
		}
		scheduled++
	}
	p.log.Info("jobs loaded", logx.Int("jobs", len(order)), logx.Int("scheduled", scheduled))
	return nil
}

// Jobs returns every job in load order.
func (p *Planner) Jobs() []Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Job, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.jobs[name])
	}
	return out
}

func (p *Planner) Job(name string) (Job, error) {
	p.mu.RLock()
	j, ok := p.jobs[name]
	p.mu.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return j, nil
}

// Start arms every scheduled job.
func (p *Planner) Start(ctx context.Context) {
	if p.crons != nil {
		p.crons.StartAllCrons(ctx)
	}
}

// Schedules returns the cron view of a job. A job without cron reports ErrNotScheduled
// wrapped with crons.ErrNotFound.
func (p *Planner) Schedules(name string) (crons.Cron, error) {
	j, err := p.Job(name)
	if err != nil {
		return crons.Cron{}, err
	}
	if j.Cron == "" || p.crons == nil {
		return crons.Cron{}, fmt.Errorf("%w: %w: %s", crons.ErrNotFound, ErrNotScheduled, name)
	}
	return p.crons.Schedules(name)
}

// Plan computes the deployments of job name that must change.
func (p *Planner) Plan(ctx context.Context, name string) (JobPlan, error) {
	j, err := p.Job(name)
	if err != nil {
		return JobPlan{}, err
	}
	plan, err := p.plan(ctx, j)
	if err != nil {
		return JobPlan{}, fmt.Errorf("plan %s: %w", name, err)
	}
	p.publish(EventJobPlanned, PlannedEvent{Job: name, Planned: len(plan.Deployments), Skipped: len(plan.Skipped)})
	return plan, nil
}

func (p *Planner) plan(ctx context.Context, j Job) (JobPlan, error) {
	plan := JobPlan{Name: j.Name, Deployments: []DeploymentPlan{}}
	log := p.log.With(logx.String("job", j.Name))

	groups, err := p.groups(ctx, j.Cluster)
	if err != nil {
		return plan, err
	}

	var tagPattern *regexp.Regexp
	if j.From.Type == FromImage {
		tagPattern, err = regexp.Compile(j.From.Expression)
		if err != nil {
			return plan, fmt.Errorf("tag pattern: %w", err)
		}
	}

	skip := func(g domain.Group, deployment string, cause error) {
		f := &PlanningFailure{Group: g, Deployment: deployment, Reason: cause.Error(), Err: cause}
		plan.Skipped = append(plan.Skipped, *f)
		log.Warn("deployment skipped", logx.String("group", g.String()), logx.String("deployment", deployment), logx.Err(cause))
	}

	for _, g := range groups {
		targets, err := p.deployments(ctx, g)
		if err != nil {
			return plan, err
		}

		switch j.From.Type {
		case FromCluster:
			src := domain.Group{Cluster: j.From.Expression, Namespace: g.Namespace}
			sources, err := p.deployments(ctx, src)
			if err != nil {
				return plan, err
			}
			byName := make(map[string]domain.Deployment, len(sources))
			for _, s := range sources {
				if _, dup := byName[s.Name]; !dup {
					byName[s.Name] = s
				}
			}
			for _, t := range targets {
				s, ok := byName[t.Name]
				switch {
				case !ok:
					skip(g, t.Name, fmt.Errorf("%w (%s)", ErrNoCounterpart, src))
				case s.Image == nil:
					skip(g, t.Name, fmt.Errorf("source %w", ErrNoImage))
				case t.Image == nil:
					skip(g, t.Name, fmt.Errorf("target %w", ErrNoImage))
				case t.Image.Tag != s.Image.Tag:
					plan.Deployments = append(plan.Deployments, DeploymentPlan{Group: g, Deployment: t, Image: *s.Image})
				}
			}

		case FromImage:
			for _, t := range targets {
				if t.Image == nil {
					skip(g, t.Name, ErrNoImage)
					continue
				}
				versions, err := p.versions(ctx, t.Image.Name)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return plan, err
					}
					skip(g, t.Name, err)
					continue
				}
				newest, ok := newestMatching(versions, tagPattern)
				if !ok {
					skip(g, t.Name, fmt.Errorf("%w: %s among %d versions of %s", ErrNoMatchingVersion, j.From.Expression, len(versions), t.Image.Name))
					continue
				}
				if newest.Tag != t.Image.Tag {
					plan.Deployments = append(plan.Deployments, DeploymentPlan{Group: g, Deployment: t, Image: newest})
				}
			}
		}
	}

	log.Debug("plan computed", logx.Int("planned", len(plan.Deployments)), logx.Int("skipped", len(plan.Skipped)))
	return plan, nil
}

// newestMatching picks the matching image with the greatest LastUpdated; the
// first one wins a tie. ok is false when nothing matches.
func newestMatching(images []domain.Image, pattern *regexp.Regexp) (domain.Image, bool) {
	var (
		best  domain.Image
		found bool
	)
	for _, img := range images {
		if !pattern.MatchString(img.Tag) {
			continue
		}
		if !found || img.LastUpdated.After(best.LastUpdated) {
			best, found = img, true
		}
	}
	return best, found
}

// groups expands a cluster into its namespace groups. A cluster without
// namespaces is a single group.
func (p *Planner) groups(ctx context.Context, cluster string) ([]domain.Group, error) {
	namespaces, err := dispatch.Get[[]string](p.d, domain.ModuleCluster, domain.ProcNamespaces)(ctx, dispatch.Params("cluster", cluster))
	if err != nil {
		return nil, fmt.Errorf("namespaces of %s: %w", cluster, err)
	}
	if len(namespaces) == 0 {
		return []domain.Group{{Cluster: cluster}}, nil
	}
	out := make([]domain.Group, 0, len(namespaces))
	for _, ns := range namespaces {
		out = append(out, domain.Group{Cluster: cluster, Namespace: ns})
	}
	return out, nil
}

func (p *Planner) deployments(ctx context.Context, g domain.Group) ([]domain.Deployment, error) {
	in := dispatch.Params("cluster", g.Cluster)
	if g.Namespace != "" {
		in = dispatch.Params("cluster", g.Cluster, "namespace", g.Namespace)
	}
	out, err := dispatch.Get[[]domain.Deployment](p.d, domain.ModuleCluster, domain.ProcDeployments)(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("deployments of %s: %w", g, err)
	}
	return out, nil
}

func (p *Planner) versions(ctx context.Context, image string) ([]domain.Image, error) {
	out, err := dispatch.Get[[]domain.Image](p.d, domain.ModuleImages, domain.ProcVersions)(ctx, dispatch.Params("name", image))
	if err != nil {
		return nil, fmt.Errorf("versions of %s: %w", image, err)
	}
	return out, nil
}

// Apply sends every plan, in order, to the cluster module. A failed item is
// recorded and the rest are still applied; nothing is rolled back.
func (p *Planner) Apply(ctx context.Context, plan JobPlan) ApplyReport {
	report := ApplyReport{Name: plan.Name, Applied: []DeploymentPlan{}}
	update := dispatch.Get[domain.Deployment](p.d, domain.ModuleCluster, domain.ProcUpdateDeployment)
	log := p.log.With(logx.String("job", plan.Name))

	for _, dp := range plan.Deployments {
		err := ctx.Err()
		if err == nil {
			_, err = update(ctx, dispatch.Value(domain.DeploymentUpdate{Group: dp.Group, Deployment: dp.Deployment, Image: dp.Image}))
		}
		if err != nil {
			f := &ApplyFailure{Plan: dp, Message: err.Error(), Err: err}
			report.Failed = append(report.Failed, f)
			log.Error("deployment update failed", logx.String("deployment", dp.String()), logx.Err(err))
			p.metrics.Deployment(dp.Group.Cluster, false)
			p.publish(EventDeploymentFailed, DeploymentEvent{Job: plan.Name, Plan: dp, Error: err.Error()})
			continue
		}
		report.Applied = append(report.Applied, dp)
		log.Info("deployment updated", logx.String("deployment", dp.String()), logx.String("image", dp.Image.URL))
		p.metrics.Deployment(dp.Group.Cluster, true)
		p.publish(EventDeploymentUpdated, DeploymentEvent{Job: plan.Name, Plan: dp})
	}
	return report
}

// PlanAndApply runs job name on demand.
func (p *Planner) PlanAndApply(ctx context.Context, name string) (storage.RunRecord, error) {
	return p.Run(ctx, name, TriggerManual)
}

// Run plans job name and applies the plan when it is not empty. Every run,
// failed or not, is recorded.
func (p *Planner) Run(ctx context.Context, name, trigger string) (storage.RunRecord, error) {
	rec := storage.RunRecord{ID: uuid.NewString(), Job: name, Trigger: trigger, Started: p.now().UTC()}

	err := func() error {
		plan, err := p.Plan(ctx, name)
		if err != nil {
			return err
		}
		rec.Planned = len(plan.Deployments)
		rec.Skipped = len(plan.Skipped)
		if len(plan.Deployments) == 0 {
			return nil
		}
		report := p.Apply(ctx, plan)
		rec.Applied = len(report.Applied)
		rec.Failed = len(report.Failed)
		return report.Err()
	}()

	rec.Finished = p.now().UTC()
	if err != nil {
		rec.Error = err.Error()
	}
	if errors.Is(err, ErrJobNotFound) {
		return storage.RunRecord{}, err
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.metrics.JobRun(name, trigger, outcome, rec.Finished)
	p.record(ctx, rec)
	p.publish(EventJobFinished, FinishedEvent{Run: rec})
	p.log.Info("job finished",
		logx.String("job", name),
		logx.String("trigger", trigger),
		logx.Int("planned", rec.Planned),
		logx.Int("applied", rec.Applied),
		logx.Int("failed", rec.Failed),
		logx.Duration("took", rec.Took()),
	)
	return rec, err
}

// History returns runs of job name, newest first.
func (p *Planner) History(ctx context.Context, name string, limit int) ([]storage.RunRecord, error) {
	if _, err := p.Job(name); err != nil {
		return nil, err
	}
	if p.store != nil {
		return p.store.ListRuns(ctx, name, limit)
	}
	p.hmu.Lock()
	defer p.hmu.Unlock()
	src := p.recent[name]
	n := len(src)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]storage.RunRecord, 0, n)
	for i := len(src) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (p *Planner) record(ctx context.Context, rec storage.RunRecord) {
	if p.store != nil {
		if err := p.store.AppendRun(context.WithoutCancel(ctx), rec); err != nil {
			p.log.Warn("run record not stored", logx.String("job", rec.Job), logx.Err(err))
		}
		return
	}
	p.hmu.Lock()
	runs := append(p.recent[rec.Job], rec)
	if len(runs) > recentRuns {
		runs = runs[len(runs)-recentRuns:]
	}
	p.recent[rec.Job] = runs
	p.hmu.Unlock()
}

func (p *Planner) publish(typ string, data any) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: data})
	}
}
