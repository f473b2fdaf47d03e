// Package scan orchestrates a recovery scan: it partitions targets into
// overlapping chunks, dispatches them to a bounded worker pool, tracks
// progress and cancellation, and hands the gathered hits to the assembler.
package scan

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reshdesu/oopsie-daisy/internal/assemble"
)

// Mode selects the scan policy. Quick is bounded to trash/recycle entries;
// deep additionally covers a raw device range supplied by the caller.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeDeep  Mode = "deep"
)

// State is the session lifecycle: idle -> scanning -> completed|cancelled|failed.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var (
	// ErrSessionActive is returned when a scan is started while another is
	// running. Sessions are rejected, never queued.
	ErrSessionActive = errors.New("a scan session is already active")

	// ErrDeviceUnavailable marks a target-level failure (permission denied,
	// device removed mid-scan). It aborts the session.
	ErrDeviceUnavailable = errors.New("scan target unavailable")
)

// Gap records a byte range that could not be read. One bad sector never
// aborts a scan; the range is skipped and reported.
type Gap struct {
	Target string `json:"target"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Reason string `json:"reason"`
}

// Session is one active scan. It is the authoritative holder of progress
// counters and the cancellation flag; the UI layer reads both without
// blocking the scan.
type Session struct {
	ID   string
	Mode Mode

	total     int64
	scanned   atomic.Int64
	state     atomic.Int32
	cancelled atomic.Bool
	startedAt time.Time

	mu         sync.Mutex
	finishedAt time.Time
	candidates []assemble.Candidate
	gaps       []Gap
	err        error

	done chan struct{}
}

func newSession(id string, mode Mode, total int64) *Session {
	s := &Session{ID: id, Mode: mode, total: total, startedAt: time.Now(), done: make(chan struct{})}
	s.state.Store(int32(StateScanning))
	return s
}

// Progress returns the scanned and total byte counters. scanned is
// monotonically non-decreasing and never exceeds total.
func (s *Session) Progress() (scanned, total int64) {
	return s.scanned.Load(), s.total
}

// Elapsed is the wall time since the scan started.
func (s *Session) Elapsed() time.Duration { return time.Since(s.startedAt) }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Cancel requests cooperative cancellation: in-flight chunks finish, no new
// chunk is dispatched, partial candidates are retained.
func (s *Session) Cancel() { s.cancelled.Store(true) }

// Wait blocks until the scan finishes and returns its terminal error, if
// any. Cancellation is not an error.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Candidates returns a copy of the assembled candidates in the requested
// order. Empty until the session reaches a terminal state.
func (s *Session) Candidates(order assemble.Order) []assemble.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]assemble.Candidate, len(s.candidates))
	copy(out, s.candidates)
	assemble.Sort(out, order)
	return out
}

// Gaps returns a copy of the unreadable ranges recorded so far.
func (s *Session) Gaps() []Gap {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Gap, len(s.gaps))
	copy(out, s.gaps)
	return out
}

// Summary is the archival record of a finished session.
type Summary struct {
	ID           string               `json:"id"`
	Mode         Mode                 `json:"mode"`
	State        string               `json:"state"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
	ScannedBytes int64                `json:"scanned_bytes"`
	TotalBytes   int64                `json:"total_bytes"`
	Gaps         []Gap                `json:"gaps,omitempty"`
	Candidates   []assemble.Candidate `json:"candidates"`
}

// Summary snapshots the session for archival. Valid once the session is
// terminal.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	cands := make([]assemble.Candidate, len(s.candidates))
	copy(cands, s.candidates)
	gaps := make([]Gap, len(s.gaps))
	copy(gaps, s.gaps)
	return Summary{
		ID:           s.ID,
		Mode:         s.Mode,
		State:        s.State().String(),
		StartedAt:    s.startedAt,
		FinishedAt:   s.finishedAt,
		ScannedBytes: s.scanned.Load(),
		TotalBytes:   s.total,
		Gaps:         gaps,
		Candidates:   cands,
	}
}

func (s *Session) addGap(g Gap) {
	s.mu.Lock()
	s.gaps = append(s.gaps, g)
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancelled.Store(true) // stop dispatching new chunks
}
