// Package logging builds the loggers the unpacker and its tools share.
package logging

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// New returns a text logger writing to out at the named level. An empty or
// unknown level falls back to info.
func New(level string, out io.Writer) *log.Logger {
	l := log.New()
	l.SetOutput(out)
	l.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil || level == "" {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Dedup forwards error messages to an underlying logger, dropping any
// message it has already forwarded.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]bool
	next log.FieldLogger
	n    int
}

// NewDedup returns a Dedup writing to next.
func NewDedup(next log.FieldLogger) *Dedup {
	return &Dedup{seen: make(map[string]bool), next: next}
}

// Error logs msg unless an identical message was logged before. It reports
// whether the message was forwarded.
func (d *Dedup) Error(msg string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[msg] {
		return false
	}
	d.seen[msg] = true
	d.n++
	d.next.Error(msg)
	return true
}

// Count returns the number of distinct messages forwarded.
func (d *Dedup) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}
