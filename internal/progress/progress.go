// Package progress counts URLs parsed and requests issued during one client
// call and logs them.
package progress

import (
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Tracker is scoped to one logical call. It is safe for concurrent use.
type Tracker struct {
	id  string
	log logrus.FieldLogger

	parsed  atomic.Int64
	queried atomic.Int64
	planned atomic.Int64
}

// New returns a Tracker tagged with a fresh call id. When verbose is false
// the tracker logs nothing.
func New(log logrus.FieldLogger, verbose bool) *Tracker {
	id := uuid.NewString()
	if log == nil || !verbose {
		log = discardLogger()
	}
	return &Tracker{
		id:  id,
		log: log.WithField("call_id", id),
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// ID returns the call id.
func (t *Tracker) ID() string { return t.id }

// Logger is the call's logger. It discards everything when the tracker was
// created non-verbose.
func (t *Tracker) Logger() logrus.FieldLogger { return t.log }

// Parsing records one URL being parsed and its session verified.
func (t *Tracker) Parsing(target string) int64 {
	n := t.parsed.Add(1)
	t.log.WithFields(logrus.Fields{"n": n, "target": target}).Info("parsing URL and verifying session")
	return n
}

// Planned adds n export requests to the expected total.
func (t *Tracker) Planned(n int) {
	t.planned.Add(int64(n))
}

// Querying records one export attempt.
func (t *Tracker) Querying(target string) int64 {
	n := t.queried.Add(1)
	t.log.WithFields(logrus.Fields{
		"n":      n,
		"total":  t.planned.Load(),
		"target": target,
	}).Info("querying")
	return n
}

// Counts returns (parsed, queried, planned).
func (t *Tracker) Counts() (int64, int64, int64) {
	return t.parsed.Load(), t.queried.Load(), t.planned.Load()
}
