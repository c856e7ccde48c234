// Package autosave coalesces patch fragments and persists them through a
// transport with a trailing-edge debounce.
//
// A flush snapshots and clears the pending patch before the network call, so
// edits made while a flush is in flight accumulate into a fresh batch. A
// failed flush is logged and its batch is dropped. Edits made before a case
// exists stay pending until it does.
package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/eightd/internal/caseid"
	"github.com/starford/eightd/internal/patch"
)

// DefaultDelay is the debounce window between the last edit and a flush.
const DefaultDelay = 900 * time.Millisecond

// Transport persists a merged fragment for a case.
type Transport interface {
	PatchCase(ctx context.Context, caseID string, fragment patch.Fragment) error
}

// Timer is the cancellable handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// FailureFunc observes a dropped batch.
type FailureFunc func(caseID string, dropped patch.Fragment, err error)

// Options configure a Scheduler.
type Options struct {
	Delay     time.Duration
	CaseID    func() string
	AfterFunc AfterFunc
	Logger    *slog.Logger
	OnFailure FailureFunc
}

// Stats counts flush outcomes. Skipped counts flushes that held a patch back
// because no case was established.
type Stats struct {
	Flushes  int
	Failures int
	Skipped  int
}

// Scheduler owns the pending patch of one case session.
type Scheduler struct {
	transport Transport
	delay     time.Duration
	caseID    func() string
	afterFunc AfterFunc
	logger    *slog.Logger
	onFailure FailureFunc

	// sendMu orders network calls in flush-issue order.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending patch.Fragment
	timer   Timer
	gen     uint64
	stats   Stats
	closed  bool
}

// New creates a scheduler that sends through t.
func New(t Transport, opts Options) *Scheduler {
	s := &Scheduler{
		transport: t,
		delay:     opts.Delay,
		caseID:    opts.CaseID,
		afterFunc: opts.AfterFunc,
		logger:    opts.Logger,
		onFailure: opts.OnFailure,
	}
	if s.delay <= 0 {
		s.delay = DefaultDelay
	}
	if s.caseID == nil {
		s.caseID = func() string { return "" }
	}
	if s.afterFunc == nil {
		s.afterFunc = stdAfterFunc
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Schedule merges fragment into the pending patch. Immediate schedules flush
// before returning; otherwise the debounce timer is restarted.
func (s *Scheduler) Schedule(ctx context.Context, fragment patch.Fragment, immediate bool) error {
	s.mu.Lock()
	s.pending = patch.Merge(s.pending, fragment)
	if immediate {
		s.mu.Unlock()
		return s.Flush(ctx)
	}
	if !s.closed {
		s.restartTimerLocked()
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) restartTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.afterFunc(s.delay, func() { s.fire(gen) })
}

// fire runs on timer expiry; a stale generation means the timer was
// replaced or cancelled after it had already started.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	_ = s.Flush(context.Background())
}

// Flush cancels the debounce timer and sends the pending patch. Without a
// valid case id nothing is sent and the pending patch is kept for the first
// flush after the case is established. Otherwise the pending patch is cleared
// whether or not the send succeeds. It returns the transport error, which has
// already been logged.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	id := s.caseID()
	if !caseid.Valid(id) {
		held := !patch.IsEmpty(s.pending)
		if held {
			s.stats.Skipped++
		}
		s.mu.Unlock()
		if held {
			s.logger.Debug("autosave: no case, patch held", slog.String("case_id", id))
		}
		return nil
	}
	payload := s.pending
	s.pending = nil
	s.mu.Unlock()

	if patch.IsEmpty(payload) {
		return nil
	}

	err := s.transport.PatchCase(ctx, id, payload)

	s.mu.Lock()
	s.stats.Flushes++
	if err != nil {
		s.stats.Failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("autosave: patch failed",
			slog.String("case_id", id),
			slog.String("error", err.Error()))
		if s.onFailure != nil {
			s.onFailure(id, payload, err)
		}
		return err
	}
	s.logger.Debug("autosave: patch saved", slog.String("case_id", id))
	return nil
}

// Discard cancels the timer and clears the pending patch without sending.
func (s *Scheduler) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.pending = nil
}

// Pending returns a copy of the unsent patch.
func (s *Scheduler) Pending() patch.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return patch.Clone(s.pending)
}

// Armed reports whether a debounce timer is running.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stats returns flush counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops the timer. Pending edits stay unsent; call Flush first to keep them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
