// Package calendar computes the weekly windows used for scheduling.
//
// Everything here is pure: the reference instant is always passed in, so the
// arithmetic can be tested without touching the wall clock.
package calendar
