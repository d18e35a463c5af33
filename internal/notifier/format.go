package notifier

import (
	"fmt"
	"time"

	"rollout/internal/eventbus"
	"rollout/internal/jobs"
)

// Events the service subscribes to.
var events = []string{
	jobs.EventDeploymentUpdated,
	jobs.EventDeploymentFailed,
	jobs.EventJobFinished,
}

// Format renders an event as message text. ok is false for events that are
// not worth a notification.
func Format(e eventbus.Event) (text string, ok bool) {
	switch d := e.Data.(type) {
	case jobs.DeploymentEvent:
		if e.Type == jobs.EventDeploymentFailed {
			return fmt.Sprintf("❌ %s: %s failed: %s", d.Job, d.Plan, d.Error), true
		}
		return fmt.Sprintf("✅ %s: %s", d.Job, d.Plan), true
	case jobs.FinishedEvent:
		r := d.Run
		if r.Error == "" && r.Planned == 0 {
			return "", false
		}
		icon := "🏁"
		if r.Failed > 0 || r.Error != "" {
			icon = "⚠️"
		}
		text = fmt.Sprintf("%s %s (%s) applied %d/%d, skipped %d in %s",
			icon, r.Job, r.Trigger, r.Applied, r.Planned, r.Skipped, r.Took().Round(time.Millisecond))
		if r.Error != "" {
			text += "\n" + r.Error
		}
		return text, true
	}
	return "", false
}
