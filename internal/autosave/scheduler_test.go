package autosave

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/starford/eightd/internal/patch"
)

const testCase = "INC-20240131-0007"

type fakeTransport struct {
	mu    sync.Mutex
	calls []patch.Fragment
	err   error
}

func (f *fakeTransport) PatchCase(_ context.Context, _ string, fragment patch.Fragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fragment)
	return f.err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// manualTimers records scheduled callbacks; fire runs the latest one that
// was not stopped.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	f       func()
	d       time.Duration
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{f: f, d: d}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) fire(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	var live *manualTimer
	for _, tm := range m.timers {
		if !tm.stopped {
			live = tm
		}
	}
	m.mu.Unlock()
	if live == nil {
		t.Fatal("no armed timer")
	}
	live.stopped = true
	live.f()
}

func newScheduler(tr Transport, id string) (*Scheduler, *manualTimers) {
	timers := &manualTimers{}
	s := New(tr, Options{
		CaseID:    func() string { return id },
		AfterFunc: timers.afterFunc,
	})
	return s, timers
}

func TestSchedule_CoalescesWithinWindow(t *testing.T) {
	tr := &fakeTransport{}
	s, timers := newScheduler(tr, testCase)
	ctx := context.Background()

	_ = s.Schedule(ctx, patch.Fragment{"a": map[string]any{"x": 1}}, false)
	_ = s.Schedule(ctx, patch.Fragment{"a": map[string]any{"y": 2}}, false)
	_ = s.Schedule(ctx, patch.Fragment{"b": "z"}, false)

	if tr.count() != 0 {
		t.Fatalf("sent before timer fired: %d", tr.count())
	}
	if len(timers.timers) != 3 {
		t.Fatalf("timer restarts = %d, want 3", len(timers.timers))
	}
	if timers.timers[0].d != DefaultDelay {
		t.Errorf("delay = %v, want %v", timers.timers[0].d, DefaultDelay)
	}

	timers.fire(t)

	if tr.count() != 1 {
		t.Fatalf("calls = %d, want 1", tr.count())
	}
	want := patch.Fragment{"a": map[string]any{"x": 1, "y": 2}, "b": "z"}
	if !reflect.DeepEqual(tr.calls[0], want) {
		t.Errorf("payload = %v, want %v", tr.calls[0], want)
	}
	if !patch.IsEmpty(s.Pending()) {
		t.Errorf("pending after flush = %v", s.Pending())
	}
}

func TestSchedule_ImmediateFlushesSynchronously(t *testing.T) {
	tr := &fakeTransport{}
	s, _ := newScheduler(tr, testCase)
	ctx := context.Background()

	_ = s.Schedule(ctx, patch.Fragment{"a": 1}, false)
	if err := s.Schedule(ctx, patch.Fragment{"b": 2}, true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("calls = %d, want 1", tr.count())
	}
	if !reflect.DeepEqual(tr.calls[0], patch.Fragment{"a": 1, "b": 2}) {
		t.Errorf("payload = %v", tr.calls[0])
	}
	if s.Armed() {
		t.Error("timer still armed after immediate flush")
	}
}

func TestFlush_EmptySendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	s, _ := newScheduler(tr, testCase)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.count() != 0 {
		t.Errorf("calls = %d, want 0", tr.count())
	}
}

func TestFlush_NoCaseHoldsPending(t *testing.T) {
	tr := &fakeTransport{}
	var mu sync.Mutex
	id := ""
	timers := &manualTimers{}
	s := New(tr, Options{
		CaseID: func() string {
			mu.Lock()
			defer mu.Unlock()
			return id
		},
		AfterFunc: timers.afterFunc,
	})
	ctx := context.Background()

	_ = s.Schedule(ctx, patch.Fragment{"a": 1}, false)
	timers.fire(t)
	_ = s.Schedule(ctx, patch.Fragment{"b": 2}, true)

	if tr.count() != 0 {
		t.Errorf("calls = %d, want 0", tr.count())
	}
	if !reflect.DeepEqual(s.Pending(), patch.Fragment{"a": 1, "b": 2}) {
		t.Errorf("pending = %v, want both edits kept", s.Pending())
	}
	if s.Stats().Skipped != 2 {
		t.Errorf("skipped = %d, want 2", s.Stats().Skipped)
	}
	if s.Armed() {
		t.Error("timer armed after a held flush")
	}

	mu.Lock()
	id = testCase
	mu.Unlock()
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.count() != 1 {
		t.Fatalf("calls = %d, want 1", tr.count())
	}
	if !reflect.DeepEqual(tr.calls[0], patch.Fragment{"a": 1, "b": 2}) {
		t.Errorf("payload = %v", tr.calls[0])
	}
	if !patch.IsEmpty(s.Pending()) {
		t.Errorf("pending after send = %v", s.Pending())
	}
}

// blockingTransport holds every PatchCase call until release is closed.
type blockingTransport struct {
	fakeTransport
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransport) PatchCase(ctx context.Context, id string, fragment patch.Fragment) error {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeTransport.PatchCase(ctx, id, fragment)
}

func TestSchedule_DuringInFlightFlushStartsFreshBatch(t *testing.T) {
	tr := &blockingTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s, _ := newScheduler(tr, testCase)
	ctx := context.Background()

	_ = s.Schedule(ctx, patch.Fragment{"a": 1}, false)
	done := make(chan error, 1)
	go func() { done <- s.Flush(ctx) }()

	select {
	case <-tr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never reached the transport")
	}

	scheduled := make(chan struct{})
	go func() {
		_ = s.Schedule(ctx, patch.Fragment{"b": 2}, false)
		close(scheduled)
	}()
	select {
	case <-scheduled:
	case <-time.After(2 * time.Second):
		close(tr.release)
		t.Fatal("Schedule blocked behind the in-flight flush")
	}

	if !reflect.DeepEqual(s.Pending(), patch.Fragment{"b": 2}) {
		t.Errorf("pending during flight = %v, want only the new edit", s.Pending())
	}

	close(tr.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if tr.count() != 1 {
		t.Fatalf("calls = %d, want 1", tr.count())
	}
	if !reflect.DeepEqual(tr.calls[0], patch.Fragment{"a": 1}) {
		t.Errorf("in-flight payload = %v", tr.calls[0])
	}
	if !reflect.DeepEqual(s.Pending(), patch.Fragment{"b": 2}) {
		t.Errorf("pending after flight = %v", s.Pending())
	}
}

func TestFlush_FailureDropsBatch(t *testing.T) {
	tr := &fakeTransport{err: errors.New("boom")}
	var dropped patch.Fragment
	timers := &manualTimers{}
	s := New(tr, Options{
		CaseID:    func() string { return testCase },
		AfterFunc: timers.afterFunc,
		OnFailure: func(_ string, f patch.Fragment, _ error) { dropped = f },
	})
	ctx := context.Background()

	if err := s.Schedule(ctx, patch.Fragment{"a": 1}, true); err == nil {
		t.Fatal("expected transport error")
	}
	if !reflect.DeepEqual(dropped, patch.Fragment{"a": 1}) {
		t.Errorf("dropped = %v", dropped)
	}

	tr.err = nil
	_ = s.Schedule(ctx, patch.Fragment{"b": 2}, true)
	if !reflect.DeepEqual(tr.calls[1], patch.Fragment{"b": 2}) {
		t.Errorf("second payload = %v, failed batch must not be retried", tr.calls[1])
	}
	st := s.Stats()
	if st.Flushes != 2 || st.Failures != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFire_StaleTimerIgnored(t *testing.T) {
	tr := &fakeTransport{}
	s, timers := newScheduler(tr, testCase)
	ctx := context.Background()

	_ = s.Schedule(ctx, patch.Fragment{"a": 1}, false)
	stale := timers.timers[0]
	_ = s.Flush(ctx)
	_ = s.Schedule(ctx, patch.Fragment{"b": 2}, false)

	stale.f()
	if tr.count() != 1 {
		t.Fatalf("stale timer flushed: calls = %d", tr.count())
	}
	if !reflect.DeepEqual(s.Pending(), patch.Fragment{"b": 2}) {
		t.Errorf("pending = %v", s.Pending())
	}
}

func TestDiscardAndClose(t *testing.T) {
	tr := &fakeTransport{}
	s, timers := newScheduler(tr, testCase)
	ctx := context.Background()

	_ = s.Schedule(ctx, patch.Fragment{"a": 1}, false)
	s.Discard()
	if s.Armed() || !patch.IsEmpty(s.Pending()) {
		t.Error("discard left state behind")
	}

	s.Close()
	_ = s.Schedule(ctx, patch.Fragment{"b": 2}, false)
	if s.Armed() {
		t.Error("closed scheduler armed a timer")
	}
	if len(timers.timers) != 1 {
		t.Errorf("timers = %d, want 1", len(timers.timers))
	}
	if tr.count() != 0 {
		t.Errorf("calls = %d", tr.count())
	}
}

func TestRealTimerFlushes(t *testing.T) {
	tr := &fakeTransport{}
	s := New(tr, Options{
		Delay:  10 * time.Millisecond,
		CaseID: func() string { return testCase },
	})
	_ = s.Schedule(context.Background(), patch.Fragment{"a": 1}, false)

	deadline := time.Now().Add(2 * time.Second)
	for tr.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.count() != 1 {
		t.Fatalf("calls = %d, want 1", tr.count())
	}
}
