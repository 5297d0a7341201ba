package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig controls the rotating JSON file sink. Zero sizes and ages use
// the lumberjack defaults.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Service owns the daemon's sinks. Loggers taken from it pick up every
// Apply without being rebuilt.
type Service struct {
	mu   sync.Mutex
	file *lumberjack.Logger
	root atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg. When the file sink cannot be prepared the
// service still logs to the console and the error is returned alongside.
func New(cfg Config) (*Service, Logger, error) {
	setup()
	s := &Service{}
	err := s.Apply(cfg)
	return s, Logger{svc: s}, err
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level and sinks. A broken file sink falls back to the
// console so lines are never lost silently.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.file
	s.file = nil

	var (
		sinks []io.Writer
		err   error
	)
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}
	if cfg.File.Enabled {
		if f, ferr := openFile(cfg.File); ferr != nil {
			err = ferr
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}

	zl := newRoot(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level))
	s.root.Store(&zl)
	if prev != nil {
		_ = prev.Close()
	}
	return err
}

func openFile(cfg FileConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("logging.file.path: required when the file sink is enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}
