// Package notify sends the weekly reminder and summary emails.
//
// A Scheduler is ticked by a loop. On each tick it checks, per kind, whether
// the configured weekday and time have been reached and whether the kind has
// already fired for the target week (the week after the current one). The
// reminder goes to users with no active selection in that week and is held
// back while the week has no menus. The summary lists each user's active
// selections.
package notify
