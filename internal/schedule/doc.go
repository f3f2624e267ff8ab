// Package schedule runs periodic jobs on absolute deadlines.
//
// A Scheduler advances each job's deadline before running it, so time spent
// inside a job never shifts the cadence of later ticks. Its loop goroutine
// exists only while at least one job is scheduled.
//
// Cron functions parse and validate cron expressions and compute upcoming run
// times. RunAt executes a function asynchronously at a specified time.
package schedule
