package jobs

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDuplicateJob      = errors.New("duplicate job name")
	ErrNoCounterpart     = errors.New("no deployment with the same name in source cluster")
	ErrNoImage           = errors.New("deployment has no image")
	ErrNoMatchingVersion = errors.New("no image version matches the tag pattern")
	ErrNotScheduled      = errors.New("job has no cron expression")
)

// Error kinds sent to remote clients.
const (
	KindJobNotFound  = "job_not_found"
	KindCronNotFound = "cron_not_found"
)
