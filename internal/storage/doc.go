// Package storage persists what must outlive the process:
//   - job run records (history shown by the jobs module)
//   - notifier dedup state, so repeated failure alerts stay quiet across restarts
package storage
