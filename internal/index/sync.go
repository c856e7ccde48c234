package index

import (
	"log/slog"
	"time"

	"github.com/starford/eightd/internal/checksum"
	"github.com/starford/eightd/internal/parser"
	"github.com/starford/eightd/internal/storage"
)

// Sync walks the case store and brings the index up to date:
//   - new/changed case documents are parsed and upserted
//   - cases removed from disk are deleted from the index
func Sync(db *DB, store storage.Provider, logger *slog.Logger) error {
	metas, err := store.List()
	if err != nil {
		return err
	}

	checksums, err := db.AllChecksums()
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[m.CaseNumber] = struct{}{}

		if checksums[m.CaseNumber] == m.Checksum {
			continue
		}

		data, err := store.ReadCase(m.CaseNumber)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("case", m.CaseNumber), slog.String("error", err.Error()))
			continue
		}
		if err := IndexCase(db, m.CaseNumber, data); err != nil {
			logger.Warn("sync: index failed", slog.String("case", m.CaseNumber), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: indexed", slog.String("case", m.CaseNumber))
		}
	}

	// Remove stale entries.
	for id := range checksums {
		if _, ok := disk[id]; !ok {
			if err := db.DeleteCase(id); err != nil {
				logger.Warn("sync: delete failed", slog.String("case", id), slog.String("error", err.Error()))
			} else {
				logger.Debug("sync: removed stale", slog.String("case", id))
			}
		}
	}

	return nil
}

// IndexCase parses a case document and upserts it into the DB. The directory
// name is authoritative for the case number.
func IndexCase(db *DB, caseNumber string, data []byte) error {
	res, err := parser.Parse(data)
	if err != nil {
		return err
	}
	updated, err := time.Parse(time.RFC3339Nano, res.UpdatedAt)
	if err != nil {
		updated = time.Now().UTC()
	}

	row := CaseRow{
		CaseNumber:  caseNumber,
		Status:      res.Status,
		OpeningDate: res.OpeningDate,
		Checksum:    checksum.Sum(data),
		Tags:        res.Tags,
		UpdatedAt:   updated.UTC(),
		Phases:      res.Phases,
	}
	return db.UpsertCase(row, res.Body)
}
