package crons

import "errors"

var (
	ErrNotFound          = errors.New("cron entry not found")
	ErrDuplicate         = errors.New("cron entry already registered")
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrOverlapSkip       = errors.New("cron tick skipped: previous run still active")
)
