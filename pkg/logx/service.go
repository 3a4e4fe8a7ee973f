package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects the level and sinks. With no sink enabled, or when the log
// file cannot be opened, output goes to the console.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	DefaultFilePath = "./lunchd.log"

	timeFormat = "2006-01-02T15:04:05.000Z07:00"
)

// ParseLevel accepts trace, debug, info, warn (or warning) and error in any
// case. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Service owns the daemon's log sinks. Loggers derived from it pick up every
// Apply without being recreated.
type Service struct {
	mu       sync.Mutex
	console  io.Writer
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger. Every event
// carries app=lunchd and the process id. A sink problem is logged through
// the console fallback rather than returned.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{console: os.Stdout}
	s.store(zerolog.InfoLevel, []io.Writer{newConsoleWriter(s.console)})

	log := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("logging config partly applied", Err(err))
	}
	return s, log
}

// Apply swaps level and sinks. The log file is only reopened when its path
// changes; if the new one cannot be opened the previous file stays in use.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		errs = append(errs, err)
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		if s.file == nil || path != s.filePath {
			f, err := openLogFile(path)
			if err != nil {
				errs = append(errs, err)
			} else {
				s.closeFile()
				s.file, s.filePath = f, path
			}
		}
	} else {
		s.closeFile()
	}

	var sinks []io.Writer
	if cfg.Console || s.file == nil {
		sinks = append(sinks, newConsoleWriter(s.console))
	}
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}
	s.store(lvl, sinks)
	return errors.Join(errs...)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFile()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) store(lvl zerolog.Level, sinks []io.Writer) {
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(lvl).With().
		Timestamp().
		Str("app", "lunchd").
		Int("pid", os.Getpid()).
		Logger()
	s.root.Store(&zl)
}

func (s *Service) closeFile() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("log file %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("log file %s: %w", path, err)
	}
	return f, nil
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, FieldsExclude: []string{"app", "pid"}}
}
