// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, receives the log through a rotating writer in addition
	// to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// New builds a logger from cfg. The returned closer flushes the log file.
func New(cfg Config, stderr io.Writer) (*logrus.Logger, io.Closer, error) {
	l := logrus.New()
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)

	switch cfg.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if stderr == nil {
		stderr = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		l.SetOutput(io.MultiWriter(stderr, lj))
		closer = lj
	} else {
		l.SetOutput(stderr)
	}
	return l, closer, nil
}

// Worker tags every entry with the worker identity.
func Worker(l *logrus.Logger, worker string, master bool) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"worker": worker,
		"pid":    os.Getpid(),
		"master": master,
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
