package session

import (
	"io"
	"sync"
	"time"
)

// ProgressSnapshot is a point-in-time read of a transfer's progress,
// adapted from the teacher's FileTransfer bookkeeping (fileshare.SessionManager)
// but shaped around a single session rather than a map of named transfers.
type ProgressSnapshot struct {
	Transferred int64
	Total       int64 // -1 when the size is not known (tsize wasn't negotiated)
	BytesPerSec float64
}

// ProgressTracker accumulates byte counts as a session's source/sink is
// read or written, and derives an instantaneous throughput figure the same
// way the teacher's UpdateTransferProgress did: bytes moved since the last
// sample, divided by the elapsed wall time.
type ProgressTracker struct {
	mu          sync.Mutex
	total       int64
	transferred int64
	lastSample  time.Time
	lastBytes   int64
	speed       float64
}

// NewProgressTracker starts a tracker for a transfer of the given total size.
// Pass -1 when the size is unknown (no tsize was negotiated).
func NewProgressTracker(total int64) *ProgressTracker {
	return &ProgressTracker{total: total, lastSample: time.Now()}
}

func (p *ProgressTracker) add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transferred += n
	now := time.Now()
	if d := now.Sub(p.lastSample).Seconds(); d > 0 {
		p.speed = float64(p.transferred-p.lastBytes) / d
		p.lastSample = now
		p.lastBytes = p.transferred
	}
}

// Snapshot reports the tracker's current state.
func (p *ProgressTracker) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressSnapshot{Transferred: p.transferred, Total: p.total, BytesPerSec: p.speed}
}

type countingReader struct {
	r       io.Reader
	tracker *ProgressTracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.tracker.add(int64(n))
	}
	return n, err
}

type countingWriter struct {
	w       io.Writer
	tracker *ProgressTracker
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.tracker.add(int64(n))
	}
	return n, err
}

// Driver sequences one Session's state machine to completion against a byte
// source (sending) or sink (receiving), keeping a ProgressTracker in sync
// with the bytes that actually cross the wire. It is the single object a
// dispatcher or CLI needs to hold onto for the lifetime of one transfer.
type Driver struct {
	Session  *Session
	Progress *ProgressTracker
}

// NewDriver wraps a session with a fresh progress tracker. total is the
// announced transfer size if known (tsize), or -1 otherwise.
func NewDriver(s *Session, total int64) *Driver {
	return &Driver{Session: s, Progress: NewProgressTracker(total)}
}

// RunSend drives the sender role, counting bytes read from src as they are
// chunked onto the wire. firstSent/optionsAccepted are passed straight
// through to RunSender; see its doc comment.
func (d *Driver) RunSend(src io.Reader, optionsAccepted bool, firstSent []byte) Result {
	if !optionsAccepted && len(firstSent) > 4 {
		d.Progress.add(int64(len(firstSent) - 4))
	}
	wrapped := &countingReader{r: src, tracker: d.Progress}
	return RunSender(d.Session, wrapped, optionsAccepted, firstSent)
}

// RunReceive drives the receiver role, counting bytes written to sink as
// DATA blocks arrive. firstSent is passed straight through to RunReceiver.
func (d *Driver) RunReceive(sink io.Writer, firstSent []byte) Result {
	wrapped := &countingWriter{w: sink, tracker: d.Progress}
	return RunReceiver(d.Session, wrapped, firstSent)
}
