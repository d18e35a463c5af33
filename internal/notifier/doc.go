// Package notifier turns rollout events into operator notifications.
//
// The service subscribes to the event bus and formats one message per
// updated or failed deployment plus a summary for job runs that changed
// something or failed. Messages go through a bounded queue, a token-bucket
// rate limit and exponential-backoff retries before reaching a Sender.
//
// # Dedup
//
// Identical messages are suppressed for a configurable window. With
// PersistDedup the suppression survives restarts through the storage dedup
// table, so a cron job failing every minute produces one message per window.
package notifier
