// Package scheduler turns persisted broadcast jobs into timers.
//
// One-off jobs get a time.AfterFunc timer keyed oneshot_<id>; recurring jobs
// get a robfig/cron entry keyed recurring_<id>. Registration is idempotent by
// key, so Reconcile can be run at boot and any later re-registration simply
// replaces the previous timer.
//
// Timers never do work themselves. A trigger enqueues a task on the task
// engine, and the task re-reads the job before delivering: a job deleted or
// already SENT is a no-op, and one-off jobs are marked SENT before the
// fan-out so two racing fires cannot both deliver.
package scheduler
