package jobs

import "rollout/internal/storage"

// Event types published on the bus.
const (
	EventJobPlanned        = "job.planned"
	EventDeploymentUpdated = "deployment.updated"
	EventDeploymentFailed  = "deployment.failed"
	EventJobFinished       = "job.finished"
)

type PlannedEvent struct {
	Job     string `json:"job"`
	Planned int    `json:"planned"`
	Skipped int    `json:"skipped"`
}

type DeploymentEvent struct {
	Job   string         `json:"job"`
	Plan  DeploymentPlan `json:"plan"`
	Error string         `json:"error,omitempty"`
}

type FinishedEvent struct {
	Run storage.RunRecord `json:"run"`
}
