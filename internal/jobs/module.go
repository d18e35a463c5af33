package jobs

import (
	"context"
	"net/http"

	"rollout/internal/crons"
	"rollout/internal/dispatch"
	"rollout/internal/domain"
	"rollout/internal/storage"
)

// HistoryInput selects runs of one job; Limit 0 means all.
type HistoryInput struct {
	Name  string `json:"name"`
	Limit int    `json:"limit,omitempty,string"`
}

// RegisterErrorKinds lets remote callers match ErrJobNotFound and crons.ErrNotFound.
// Both sides of a Client/Server pair call it.
func RegisterErrorKinds(d *dispatch.Dispatcher) {
	d.RegisterErrorKind(KindJobNotFound, http.StatusNotFound, ErrJobNotFound)
	d.RegisterErrorKind(KindCronNotFound, http.StatusNotFound, crons.ErrNotFound)
}

// Register adds the jobs module procedures to d.
func Register(d *dispatch.Dispatcher, p *Planner) error {
	RegisterErrorKinds(d)

	if err := dispatch.Add(d, domain.ModuleJobs, domain.ProcJobs, func(context.Context, domain.None) ([]Job, error) {
		return p.Jobs(), nil
	}); err != nil {
		return err
	}
	if err := dispatch.Add(d, domain.ModuleJobs, domain.ProcPlan, func(ctx context.Context, in domain.NameInput) (JobPlan, error) {
		return p.Plan(ctx, in.Name)
	}); err != nil {
		return err
	}
	if err := dispatch.Add(d, domain.ModuleJobs, domain.ProcRun, func(ctx context.Context, in domain.NameInput) (storage.RunRecord, error) {
		rec, err := p.PlanAndApply(ctx, in.Name)
		if rec.ID != "" {
			// a recorded run carries its own error
			return rec, nil
		}
		return rec, err
	}); err != nil {
		return err
	}
	if err := dispatch.Add(d, domain.ModuleJobs, domain.ProcSchedules, func(_ context.Context, in domain.NameInput) (crons.Cron, error) {
		return p.Schedules(in.Name)
	}); err != nil {
		return err
	}
	return dispatch.Add(d, domain.ModuleJobs, domain.ProcHistory, func(ctx context.Context, in HistoryInput) ([]storage.RunRecord, error) {
		return p.History(ctx, in.Name, in.Limit)
	})
}
