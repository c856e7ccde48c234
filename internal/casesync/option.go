package casesync

import (
	"log/slog"
	"time"

	"github.com/starford/eightd/internal/autosave"
)

// DiagnosticKind classifies a non-fatal problem seen by a session.
type DiagnosticKind string

const (
	DiagMalformedPath DiagnosticKind = "malformed_path"
	DiagMismatch      DiagnosticKind = "structural_mismatch"
	DiagTransport     DiagnosticKind = "transport_failure"
)

// Diagnostic describes a skipped field, a replaced document node or a
// dropped autosave batch. Path is the case id for transport failures.
type Diagnostic struct {
	Kind   DiagnosticKind
	Path   string
	Detail string
	Err    error
}

// DiagnosticFunc receives diagnostics. It is called with session locks held
// and must not call back into the session.
type DiagnosticFunc func(Diagnostic)

// Option is a functional option for configuring a Session.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	diag      DiagnosticFunc
	now       func() time.Time
	delay     time.Duration
	afterFunc autosave.AfterFunc
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDiagnostics installs a diagnostic callback.
func WithDiagnostics(fn DiagnosticFunc) Option {
	return func(o *options) {
		o.diag = fn
	}
}

// WithClock sets the clock used for header timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithDebounce sets the autosave debounce window.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// WithAfterFunc replaces the autosave timer factory.
func WithAfterFunc(fn autosave.AfterFunc) Option {
	return func(o *options) {
		o.afterFunc = fn
	}
}
