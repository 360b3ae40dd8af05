// Package scheduler runs named periodic jobs on top of robfig/cron.
//
// Jobs are registered by name (re-registering replaces), receive a context
// bounded by the job timeout, and are skipped while a previous run of the
// same job is still in flight. Interval schedules are measured from the
// previous activation, not from when the previous run finished.
package scheduler
