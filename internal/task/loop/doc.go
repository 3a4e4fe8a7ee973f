// Package loop runs periodic jobs.
//
// A Loop wakes on a robfig/cron schedule (cron expressions or plain
// intervals), evaluates an optional due predicate and runs its job. The clock
// is injectable so cycles can be driven deterministically.
package loop
