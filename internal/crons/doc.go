// Package crons owns named recurring schedules.
//
// Each entry binds a 6-field cron expression (seconds first, evaluated in UTC)
// to a task. A single robfig/cron driver arms every started entry. A fire that
// arrives while the previous run of the same entry is still active is skipped.
package crons
