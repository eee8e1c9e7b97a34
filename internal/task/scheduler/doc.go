// Package scheduler owns the lifecycle of persisted tasks.
//
// Every active task has at most one armed trigger, a time.AfterFunc keyed by
// task id and guarded by a version counter so a stale callback is dropped.
// When a trigger fires, the work is submitted to the task engine; the fire
// path re-reads the record, dispatches it, and then marks it executed or
// advances and re-arms a recurring task.
//
// On Start the scheduler reconciles once: future tasks are armed, elapsed
// ones are handled by the configured MissedPolicy. CreateTask is rejected
// with ErrNotReady until that pass completes.
//
// A robfig/cron entry runs the retention sweep through the same engine.
package scheduler
