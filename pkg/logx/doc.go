// Package logx is lunchd's structured logging on top of zerolog: functional
// fields, component loggers via With, a console sink for interactive runs and
// a JSON file sink for the daemon, both reconfigurable on config reload.
package logx
