// Package logging builds the leveled logfmt loggers used across rowflow.
//
// Log lines are short lowercase messages with key=value context, e.g.
//
//	ts=... level=info pipeline=orders step=load copy=0 msg="step finished" read=100 written=100
package logging

import (
	"bytes"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New returns a logfmt logger writing to w, filtered at levelName
// (debug, info, warn, error). Unknown names fall back to info.
func New(w io.Writer, levelName string) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(w))
	l = level.NewFilter(l, level.Allow(level.ParseDefault(levelName, level.InfoValue())))
	return log.With(l, "ts", log.DefaultTimestampUTC)
}

// Nop returns a logger that discards everything.
func Nop() log.Logger { return log.NewNopLogger() }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l log.Logger) log.Logger {
	if l == nil {
		return log.NewNopLogger()
	}
	return l
}

// ForStep adds the pipeline, step and copy keys.
func ForStep(l log.Logger, pipeline, step string, copyNr int) log.Logger {
	return log.With(OrNop(l), "pipeline", pipeline, "step", step, "copy", copyNr)
}

// Capture is an in-memory logfmt sink. It is safe for concurrent use.
type Capture struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logger log.Logger
}

func NewCapture() *Capture {
	c := &Capture{}
	c.logger = log.NewLogfmtLogger(&c.buf)
	return c
}

func (c *Capture) Log(keyvals ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger.Log(keyvals...)
}

// Text returns everything logged since the last Reset.
func (c *Capture) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *Capture) Reset() {
	c.mu.Lock()
	c.buf.Reset()
	c.mu.Unlock()
}

type tee []log.Logger

func (t tee) Log(keyvals ...any) error {
	var first error
	for _, l := range t {
		if err := l.Log(keyvals...); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Tee fans every log line out to all loggers. Nil loggers are skipped.
func Tee(loggers ...log.Logger) log.Logger {
	out := make(tee, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}
