package internal

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/eightd/internal/casesync"
	"github.com/starford/eightd/internal/models"
	"github.com/starford/eightd/internal/phase"
	"github.com/starford/eightd/internal/transport"
)

// FillPlan is a scripted editing session against a running server. Edits
// are applied in the order sets, lists, checks, then confirmations.
type FillPlan struct {
	CaseNumber string
	Create     bool
	Sets       []string // path=value
	Lists      []string // path=a,b,c
	Checks     []string // path=true|false
	Confirm    []string // phase ids
	Attach     []string // local files sent as evidence
}

// Fill opens (or creates) a case through the REST API, applies the plan via
// an autosaving session and flushes before returning. A dropped autosave
// batch fails the run.
func Fill(ctx context.Context, plan FillPlan, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := newLogger(os.Stderr, cfg.App.LogLevel)

	client := transport.NewHTTPClient(cfg.Autosave.ServerURL, cfg.Auth.Token,
		&http.Client{Timeout: cfg.Autosave.RequestTimeout})
	sess := casesync.New(client,
		casesync.WithLogger(logger),
		casesync.WithDebounce(cfg.Autosave.Debounce),
		casesync.WithDiagnostics(func(d casesync.Diagnostic) {
			logger.Warn("fill: diagnostic",
				slog.String("kind", string(d.Kind)),
				slog.String("path", d.Path),
				slog.String("detail", d.Detail))
		}),
	)
	defer sess.Close()

	if plan.Create {
		if err := sess.CreateCase(ctx, plan.CaseNumber); err != nil {
			return err
		}
	}
	// Hydrate from the server so headers start from the stored state.
	if err := sess.OpenCase(ctx, plan.CaseNumber); err != nil {
		return err
	}

	if err := applyEdits(ctx, sess, plan.Sets, casesync.FieldText); err != nil {
		return err
	}
	if err := applyEdits(ctx, sess, plan.Lists, casesync.FieldList); err != nil {
		return err
	}
	if err := applyEdits(ctx, sess, plan.Checks, casesync.FieldCheckbox); err != nil {
		return err
	}
	for _, id := range plan.Confirm {
		if err := sess.ConfirmPhase(ctx, strings.TrimSpace(id)); err != nil {
			return fmt.Errorf("fill: confirm %s: %w", id, err)
		}
	}
	_ = sess.Flush(ctx)

	if len(plan.Attach) > 0 {
		if err := attachFiles(ctx, sess, plan.Attach, app, logger); err != nil {
			return err
		}
	}

	for _, m := range phase.Phases {
		fmt.Fprintf(app.out, "%-6s %-30s %s\n", m.ID, m.Name, sess.PhaseStatus(m.ID))
	}

	if st := sess.Stats(); st.Failures > 0 {
		return fmt.Errorf("fill: %d of %d autosave batches were not stored", st.Failures, st.Flushes)
	}
	return nil
}

func applyEdits(ctx context.Context, sess *casesync.Session, edits []string, kind casesync.FieldKind) error {
	for _, e := range edits {
		path, value, ok := strings.Cut(e, "=")
		if !ok {
			return fmt.Errorf("fill: %q: want path=value", e)
		}
		path = strings.TrimSpace(path)
		if _, err := sess.Bind(path, kind); err != nil {
			return fmt.Errorf("fill: bind %s: %w", path, err)
		}
		// The error is that of an immediate flush and is reflected in Stats.
		_ = sess.OnFieldChange(ctx, path, value)
	}
	return nil
}

func attachFiles(ctx context.Context, sess *casesync.Session, paths []string, app *application, logger *slog.Logger) error {
	uploads := make([]models.Upload, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("fill: attach: %w", err)
		}
		defer f.Close()
		ct := mime.TypeByExtension(filepath.Ext(p))
		if ct == "" {
			ct = "application/octet-stream"
		}
		uploads = append(uploads, models.Upload{Filename: filepath.Base(p), ContentType: ct, Body: f})
	}

	last := -1
	res, err := sess.UploadEvidence(ctx, uploads, func(p models.Progress) {
		if pct := p.Percent(); pct >= 0 && pct/25 != last/25 {
			last = pct
			logger.Info("fill: upload progress", slog.Int("percent", pct))
		}
	})
	if err != nil {
		return err
	}
	for _, u := range res.Uploaded {
		fmt.Fprintf(app.out, "attached %s (%d bytes)\n", u.Filename, u.SizeBytes)
	}
	for _, f := range res.Failed {
		fmt.Fprintf(app.out, "not attached %s: %s\n", f.Filename, f.Reason)
	}
	return nil
}
