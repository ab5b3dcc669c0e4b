// Package scheduler owns the job lifecycle: it persists jobs, arms a timer
// per pending job, hands due jobs to the worker pool in their account's
// concurrency group, records outcomes and creates the next occurrence of
// recurring series.
//
// Maintenance routines (pending sweep, cleanup, session status refresh) are
// cron schedules that run through the same worker pool.
package scheduler
