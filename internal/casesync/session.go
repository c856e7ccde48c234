// Package casesync is the editing session of one 8D case: it applies field
// edits to the in-memory document, drives the phase lifecycle and hands patch
// fragments to the autosave scheduler.
package casesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/eightd/internal/apperr"
	"github.com/starford/eightd/internal/autosave"
	"github.com/starford/eightd/internal/caseid"
	"github.com/starford/eightd/internal/docpath"
	"github.com/starford/eightd/internal/doctree"
	"github.com/starford/eightd/internal/models"
	"github.com/starford/eightd/internal/patch"
	"github.com/starford/eightd/internal/phase"
	"github.com/starford/eightd/internal/rows"
)

// Transport is the server side of a session.
type Transport interface {
	autosave.Transport
	CreateCase(ctx context.Context, caseID string) error
	LoadCase(ctx context.Context, caseID string) (map[string]any, error)
	ListEvidence(ctx context.Context, caseID string) ([]models.EvidenceFile, error)
	UploadEvidence(ctx context.Context, caseID string, files []models.Upload, progress func(models.Progress)) (*models.UploadResult, error)
}

var (
	casePath      = docpath.Path{docpath.Key("case"), docpath.Key("case_number")}
	phasesPath    = docpath.Path{docpath.Key("phases")}
	errNoCase     = fmt.Errorf("casesync: %w: no case open", apperr.ErrInvalidCaseID)
	errEmptyPhase = errors.New("casesync: empty phase id")
)

// Session owns the document, phase headers, rows and pending patch of one
// case. Collaborator calls are serialized; the autosave timer runs on its own
// goroutine and only reads the case id.
type Session struct {
	transport Transport
	logger    *slog.Logger
	diag      DiagnosticFunc

	// editMu serializes edits so document writes and patch merges happen in
	// the same order.
	editMu  sync.Mutex
	doc     *doctree.Document
	tracker *phase.Tracker
	rows    *rows.Materializer
	fields  map[string]*Field
	columns map[column]FieldKind

	idMu   sync.RWMutex
	caseID string

	sched *autosave.Scheduler
}

// New creates a locked session with no case.
func New(t Transport, opts ...Option) *Session {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		transport: t,
		logger:    o.logger,
		diag:      o.diag,
		doc:       doctree.New(),
		tracker:   phase.NewTracker(o.now),
		fields:    map[string]*Field{},
		columns:   map[column]FieldKind{},
	}
	s.rows = rows.New(s.Locked)
	s.doc.OnMismatch(func(at docpath.Path, found any) {
		s.report(Diagnostic{Kind: DiagMismatch, Path: at.String(), Detail: fmt.Sprintf("replaced %T", found)})
	})
	s.sched = autosave.New(t, autosave.Options{
		Delay:     o.delay,
		CaseID:    s.CaseID,
		AfterFunc: o.afterFunc,
		Logger:    o.logger,
		OnFailure: func(id string, _ patch.Fragment, err error) {
			s.report(Diagnostic{Kind: DiagTransport, Path: id, Err: err})
		},
	})
	return s
}

func (s *Session) report(d Diagnostic) {
	s.logger.Debug("casesync: diagnostic",
		slog.String("kind", string(d.Kind)),
		slog.String("path", d.Path))
	if s.diag != nil {
		s.diag(d)
	}
}

// CaseID returns the current case number, or "" before a case is created or
// opened.
func (s *Session) CaseID() string {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.caseID
}

func (s *Session) setCaseID(id string) {
	s.idMu.Lock()
	s.caseID = id
	s.idMu.Unlock()
}

// Locked reports whether the form is locked because no case is established.
func (s *Session) Locked() bool {
	return !caseid.Valid(s.CaseID())
}

// Bind registers an editable field. The path is tokenized once here.
func (s *Session) Bind(path string, kind FieldKind) (*Field, error) {
	p, err := docpath.Parse(path)
	if err != nil {
		s.report(Diagnostic{Kind: DiagMalformedPath, Path: path, Err: err})
		return nil, err
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	f := &Field{Path: p, Kind: kind}
	s.fields[path] = f
	return f, nil
}

// resolve returns the binding of path, parsing and caching unbound paths.
// An unbound path inside a table takes its column kind, anything else is text.
func (s *Session) resolve(path string) (*Field, bool) {
	if f, ok := s.fields[path]; ok {
		return f, true
	}
	p, err := docpath.Parse(path)
	if err != nil {
		s.report(Diagnostic{Kind: DiagMalformedPath, Path: path, Err: err})
		return nil, false
	}
	f := &Field{Path: p, Kind: s.columnKind(p)}
	s.fields[path] = f
	return f, true
}

// columnKind returns the kind registered for the table column p falls in.
func (s *Session) columnKind(p docpath.Path) FieldKind {
	pos, ok := docpath.FirstIndex(p)
	if !ok {
		return FieldText
	}
	field := ""
	if pos+1 < len(p) && !p[pos+1].IsIndex {
		field = p[pos+1].Name
	}
	return s.columns[column{table: p[:pos].String(), field: field}]
}

// OnFieldChange applies one field edit. Malformed paths are skipped and only
// reported through diagnostics. The returned error is that of an immediate
// flush triggered by reopening a confirmed phase; it has already been logged.
func (s *Session) OnFieldChange(ctx context.Context, path string, raw any) error {
	s.editMu.Lock()
	f, ok := s.resolve(path)
	if !ok {
		s.editMu.Unlock()
		return nil
	}
	value := f.Kind.coerce(raw)
	s.doc.Set(f.Path, value)

	frag, immediate := s.editFragment(f.Path, value)
	_ = s.sched.Schedule(ctx, frag, false)
	s.editMu.Unlock()

	if immediate {
		return s.sched.Flush(ctx)
	}
	return nil
}

// editFragment builds the patch for a write at p that already happened in the
// document. A write inside a sequence sends the whole rebuilt sequence.
// Callers hold editMu.
func (s *Session) editFragment(p docpath.Path, value any) (patch.Fragment, bool) {
	pos, ok := docpath.FirstIndex(p)
	if !ok {
		return s.transition(p, patch.BuildLeaf(p, value))
	}
	arrayPath := p[:pos]
	if _, defined := s.rows.Table(arrayPath); defined && p[pos].Index >= s.rows.Rows(arrayPath) {
		if _, err := s.rows.EnsureRows(arrayPath, p[pos].Index+1); err == nil {
			s.registerRows(arrayPath)
		}
	}
	return s.transition(p, patch.BuildLeaf(arrayPath, s.rows.Rebuild(s.doc, arrayPath)))
}

// transition applies the phase edit transition for p, if p is inside a
// phase, and merges the header fragment into frag.
func (s *Session) transition(p docpath.Path, frag patch.Fragment) (patch.Fragment, bool) {
	id, ok := docpath.PhaseOf(p)
	if !ok {
		return frag, false
	}
	tr := s.tracker.Edit(id)
	s.mirrorHeader(tr)
	if tr.Reopened() {
		s.logger.Info("casesync: phase reopened",
			slog.String("case_id", s.CaseID()),
			slog.String("phase", id))
	}
	return patch.Merge(frag, patch.Header(id, tr.Fragment())), tr.Immediate
}

// mirrorHeader writes the header fields of a transition into the document.
func (s *Session) mirrorHeader(tr phase.Transition) {
	header := phasesPath.Append(docpath.Key(tr.Phase), docpath.Key("header"))
	for k, v := range tr.Fragment() {
		p := header.Append(docpath.Key(k))
		if v == nil {
			s.doc.Delete(p)
			continue
		}
		s.doc.Set(p, v)
	}
}

// ConfirmPhase flushes pending edits, confirms the phase and flushes the
// confirmation before returning.
func (s *Session) ConfirmPhase(ctx context.Context, id string) error {
	if id == "" {
		return errEmptyPhase
	}
	_ = s.sched.Flush(ctx)

	s.editMu.Lock()
	tr := s.tracker.Confirm(id)
	s.mirrorHeader(tr)
	_ = s.sched.Schedule(ctx, patch.Header(id, tr.Fragment()), false)
	s.editMu.Unlock()

	s.logger.Info("casesync: phase confirmed",
		slog.String("case_id", s.CaseID()),
		slog.String("phase", id))
	return s.sched.Flush(ctx)
}

// PhaseStatus returns the display form of the status of phase id.
func (s *Session) PhaseStatus(id string) string {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	return s.tracker.Status(id).Display()
}

// PhaseStatuses returns the status of every phase of the fixed workflow.
func (s *Session) PhaseStatuses() map[string]phase.Status {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	out := make(map[string]phase.Status, len(phase.Phases))
	for _, id := range phase.IDs() {
		out[id] = s.tracker.Status(id)
	}
	return out
}

// Hydrate replaces the document with a stored snapshot and rebuilds headers
// and row counts from it. Pending edits are discarded; hydration is not an
// edit and schedules nothing. The case id becomes the snapshot's
// case.case_number, and the session locks when the snapshot has none.
func (s *Session) Hydrate(snapshot map[string]any) {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	s.sched.Discard()
	s.doc.Replace(snapshot)
	s.tracker.Reset()

	if v, ok := s.doc.Get(phasesPath); ok {
		if all, ok := v.(map[string]any); ok {
			for id, ph := range all {
				header := map[string]any{}
				if m, ok := ph.(map[string]any); ok {
					if h, ok := m["header"].(map[string]any); ok {
						header = h
					}
				}
				s.tracker.Restore(id, header)
			}
		}
	}

	s.rows.Reset()
	for _, t := range s.rows.Tables() {
		if _, err := s.rows.EnsureRows(t.Path, s.doc.Len(t.Path)); err == nil {
			s.registerRows(t.Path)
		}
	}

	id := ""
	if v, ok := s.doc.Get(casePath); ok {
		if n, ok := v.(string); ok && caseid.Valid(n) {
			id = n
		}
	}
	s.setCaseID(id)
}

// CreateCase validates id locally, creates the case on the server and
// unlocks the form. A malformed id changes nothing. A failed flush of edits
// held before creation is reported through diagnostics, not returned.
func (s *Session) CreateCase(ctx context.Context, id string) error {
	id = caseid.Normalize(id)
	if err := caseid.Validate(id); err != nil {
		return fmt.Errorf("casesync: create: %w", err)
	}
	if err := s.transport.CreateCase(ctx, id); err != nil {
		return fmt.Errorf("casesync: create %s: %w", id, err)
	}

	s.editMu.Lock()
	s.setCaseID(id)
	s.doc.Set(casePath, id)
	s.editMu.Unlock()

	s.logger.Info("casesync: case created", slog.String("case_id", id))
	// Edits made while the form was locked were held back; send them now.
	_ = s.sched.Flush(ctx)
	return nil
}

// OpenCase loads an existing case from the server and hydrates from it.
func (s *Session) OpenCase(ctx context.Context, id string) error {
	id = caseid.Normalize(id)
	if err := caseid.Validate(id); err != nil {
		return fmt.Errorf("casesync: open: %w", err)
	}
	_ = s.sched.Flush(ctx)
	doc, err := s.transport.LoadCase(ctx, id)
	if err != nil {
		return fmt.Errorf("casesync: open %s: %w", id, err)
	}
	s.Hydrate(doc)
	s.setCaseID(id)

	s.logger.Info("casesync: case opened", slog.String("case_id", id))
	return nil
}

// DefineTable registers a repeated structure at arrayPath. An empty field
// list means rows are plain values. Rows the document already holds become
// live rows, so a table defined after hydration starts at the stored length.
func (s *Session) DefineTable(arrayPath string, fields ...string) error {
	p, err := docpath.Parse(arrayPath)
	if err != nil {
		s.report(Diagnostic{Kind: DiagMalformedPath, Path: arrayPath, Err: err})
		return err
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	s.rows.Define(p, fields...)
	s.syncRows(p)
	return nil
}

// BindColumn sets the kind of one column of the table at arrayPath; field is
// "" for tables of plain values. Existing and future rows use it.
func (s *Session) BindColumn(arrayPath, field string, kind FieldKind) error {
	p, err := docpath.Parse(arrayPath)
	if err != nil {
		s.report(Diagnostic{Kind: DiagMalformedPath, Path: arrayPath, Err: err})
		return err
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	if _, ok := s.rows.Table(p); !ok {
		return fmt.Errorf("casesync: no table at %s", arrayPath)
	}
	s.columns[column{table: p.String(), field: field}] = kind
	s.registerRows(p)
	return nil
}

// syncRows grows the live rows of the table at p to the stored array length.
// Callers hold editMu.
func (s *Session) syncRows(p docpath.Path) {
	if n := s.doc.Len(p); n > s.rows.Rows(p) {
		if _, err := s.rows.EnsureRows(p, n); err != nil {
			return
		}
	}
	s.registerRows(p)
}

// registerRows binds every live row field of the table at p with its column
// kind and forgets bindings of rows that no longer exist. Callers hold editMu.
func (s *Session) registerRows(p docpath.Path) {
	n := s.rows.Rows(p)
	for key, f := range s.fields {
		if len(f.Path) > len(p) && f.Path.HasPrefix(p) && f.Path[len(p)].IsIndex && f.Path[len(p)].Index >= n {
			delete(s.fields, key)
		}
	}
	table := p.String()
	for _, b := range s.rows.Bindings(p) {
		key := b.Path.String()
		kind, ok := s.columns[column{table: table, field: b.Field}]
		if f, bound := s.fields[key]; bound && !ok {
			kind = f.Kind
		}
		s.fields[key] = &Field{Path: b.Path, Kind: kind}
	}
}

// AddRow appends an empty row to the table at arrayPath and returns its index
// and bindings, which are registered with OnFieldChange under their column
// kinds. Nothing is saved until a field of the row is edited.
func (s *Session) AddRow(arrayPath string) (int, []rows.Binding, error) {
	p, err := docpath.Parse(arrayPath)
	if err != nil {
		return 0, nil, err
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()

	if _, ok := s.rows.Table(p); ok {
		s.syncRows(p)
	}
	idx, bindings, err := s.rows.AddRow(p)
	if err != nil {
		return 0, nil, err
	}
	t, _ := s.rows.Table(p)
	s.doc.Set(p.Append(docpath.Idx(idx)), t.EmptyRow())
	s.registerRows(p)
	return idx, bindings, nil
}

// RemoveRow drops row i of the table at arrayPath, saves the rebuilt array
// and returns the recomputed bindings of the remaining rows.
func (s *Session) RemoveRow(ctx context.Context, arrayPath string, i int) ([]rows.Binding, error) {
	p, err := docpath.Parse(arrayPath)
	if err != nil {
		return nil, err
	}
	s.editMu.Lock()
	bindings, err := s.rows.RemoveRow(p, i)
	if err != nil {
		s.editMu.Unlock()
		return nil, err
	}
	s.doc.Delete(p.Append(docpath.Idx(i)))
	s.registerRows(p)

	frag, immediate := s.transition(p, patch.BuildLeaf(p, s.rows.Rebuild(s.doc, p)))
	_ = s.sched.Schedule(ctx, frag, false)
	s.editMu.Unlock()

	if immediate {
		return bindings, s.sched.Flush(ctx)
	}
	return bindings, nil
}

// Rows returns the number of live rows of the table at arrayPath.
func (s *Session) Rows(arrayPath string) int {
	p, err := docpath.Parse(arrayPath)
	if err != nil {
		return 0
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	return s.rows.Rows(p)
}

// Value returns the document value at path.
func (s *Session) Value(path string) (any, bool) {
	p, err := docpath.Parse(path)
	if err != nil {
		return nil, false
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	return s.doc.Get(p)
}

// Snapshot returns a deep copy of the document.
func (s *Session) Snapshot() map[string]any {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	return s.doc.Snapshot()
}

// Pending returns the unsent patch.
func (s *Session) Pending() patch.Fragment {
	return s.sched.Pending()
}

// Stats returns autosave counters.
func (s *Session) Stats() autosave.Stats {
	return s.sched.Stats()
}

// Flush sends pending edits now.
func (s *Session) Flush(ctx context.Context) error {
	return s.sched.Flush(ctx)
}

// Close stops the autosave timer without sending pending edits.
func (s *Session) Close() {
	s.sched.Close()
}

// ListEvidence returns the evidence files of the open case.
func (s *Session) ListEvidence(ctx context.Context) ([]models.EvidenceFile, error) {
	id := s.CaseID()
	if !caseid.Valid(id) {
		return nil, errNoCase
	}
	files, err := s.transport.ListEvidence(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("casesync: list evidence: %w", err)
	}
	return files, nil
}

// UploadEvidence sends files to the open case, reporting progress.
func (s *Session) UploadEvidence(ctx context.Context, files []models.Upload, progress func(models.Progress)) (*models.UploadResult, error) {
	id := s.CaseID()
	if !caseid.Valid(id) {
		return nil, errNoCase
	}
	if len(files) == 0 {
		return &models.UploadResult{CaseID: id}, nil
	}
	start := time.Now()
	res, err := s.transport.UploadEvidence(ctx, id, files, progress)
	if err != nil {
		return nil, fmt.Errorf("casesync: upload evidence: %w", err)
	}
	s.logger.Info("casesync: evidence uploaded",
		slog.String("case_id", id),
		slog.Int("uploaded", len(res.Uploaded)),
		slog.Int("failed", len(res.Failed)),
		slog.Duration("took", time.Since(start)))
	return res, nil
}
