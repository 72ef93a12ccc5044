// Package diag carries a per-trial diagnostics logger through
// context.Context so estimator warnings end up attached to the trial record
// instead of interleaved with the worker log.
package diag

import (
	"bytes"
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type key struct{}

var loggerKey = key{}

// Capture collects diagnostics written during one evaluation.
type Capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log *logrus.Logger
}

func NewCapture() *Capture {
	c := &Capture{}
	l := logrus.New()
	l.SetOutput(&lockedWriter{c: c})
	l.SetLevel(logrus.WarnLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	c.log = l
	return c
}

type lockedWriter struct{ c *Capture }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.buf.Write(p)
}

func (c *Capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// WithCapture returns a context whose Warn calls are recorded in c.
func WithCapture(ctx context.Context, c *Capture) context.Context {
	return context.WithValue(ctx, loggerKey, c.log)
}

// Warn records a diagnostic. Without a capture in ctx it is dropped.
func Warn(ctx context.Context, format string, args ...any) {
	if l, ok := ctx.Value(loggerKey).(*logrus.Logger); ok {
		l.Warnf(format, args...)
	}
}

// WithFields is Warn with structured context.
func WithFields(ctx context.Context, fields logrus.Fields) *logrus.Entry {
	if l, ok := ctx.Value(loggerKey).(*logrus.Logger); ok {
		return l.WithFields(fields)
	}
	discard := logrus.New()
	discard.SetLevel(logrus.PanicLevel)
	return discard.WithFields(fields)
}
