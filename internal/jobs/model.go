package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"rollout/internal/crons"
	"rollout/internal/domain"
)

type SourceType string

const (
	FromCluster SourceType = "cluster"
	FromImage   SourceType = "image"
)

// Source is where a job takes the desired image from.
type Source struct {
	Type       SourceType `json:"type" yaml:"type"`
	Expression string     `json:"expression" yaml:"expression"`
}

// Job is immutable once loaded.
type Job struct {
	Name    string `json:"name" yaml:"-"`
	Cluster string `json:"cluster" yaml:"cluster"`
	From    Source `json:"from" yaml:"from"`
	Cron    string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name required")
	}
	if strings.TrimSpace(j.Cluster) == "" {
		return fmt.Errorf("job %q: cluster required", j.Name)
	}
	if strings.TrimSpace(j.From.Expression) == "" {
		return fmt.Errorf("job %q: from.expression required", j.Name)
	}
	switch j.From.Type {
	case FromCluster:
	case FromImage:
		if _, err := regexp.Compile(j.From.Expression); err != nil {
			return fmt.Errorf("job %q: tag pattern: %w", j.Name, err)
		}
	default:
		return fmt.Errorf("job %q: from.type must be %q or %q, got %q", j.Name, FromCluster, FromImage, j.From.Type)
	}
	if j.Cron != "" {
		if _, err := crons.Parse(j.Cron); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
	}
	return nil
}

// DeploymentPlan moves one deployment to Image. It only exists when the
// deployment's current tag differs from Image.Tag.
type DeploymentPlan struct {
	Group      domain.Group      `json:"group"`
	Deployment domain.Deployment `json:"deployment"`
	Image      domain.Image      `json:"image"`
}

func (p DeploymentPlan) String() string {
	from := "<none>"
	if p.Deployment.Image != nil {
		from = p.Deployment.Image.Tag
	}
	return fmt.Sprintf("%s/%s %s -> %s", p.Group, p.Deployment.Name, from, p.Image.Tag)
}

// JobPlan lists plans in the order targets were enumerated. Skipped holds the
// deployments that could not be planned; they do not fail the plan.
type JobPlan struct {
	Name        string            `json:"name"`
	Deployments []DeploymentPlan  `json:"deployments"`
	Skipped     []PlanningFailure `json:"skipped,omitempty"`
}

// PlanningFailure is a recoverable, per-deployment planning error.
type PlanningFailure struct {
	Group      domain.Group `json:"group"`
	Deployment string       `json:"deployment"`
	Reason     string       `json:"reason"`
	Err        error        `json:"-"`
}

func (f *PlanningFailure) Error() string {
	return fmt.Sprintf("%s/%s: %s", f.Group, f.Deployment, f.Reason)
}

func (f *PlanningFailure) Unwrap() error { return f.Err }

// ApplyFailure is one deployment update that was rejected.
type ApplyFailure struct {
	Plan    DeploymentPlan `json:"plan"`
	Message string         `json:"error"`
	Err     error          `json:"-"`
}

func (f *ApplyFailure) Error() string {
	return fmt.Sprintf("apply %s: %s", f.Plan, f.Message)
}

func (f *ApplyFailure) Unwrap() error { return f.Err }

// ApplyReport is the per-item outcome of Apply.
type ApplyReport struct {
	Name    string           `json:"name"`
	Applied []DeploymentPlan `json:"applied"`
	Failed  []*ApplyFailure  `json:"failed,omitempty"`
}

// Err joins every item failure, or returns nil.
func (r ApplyReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}
