package index

// CaseIndex defines the interface for case indexing operations.
// Consumers should depend on this interface rather than the concrete *DB type
// to facilitate testing with mocks.
type CaseIndex interface {
	UpsertCase(c CaseRow, body string) error
	DeleteCase(caseNumber string) error
	GetChecksum(caseNumber string) (string, error)
	GetCase(caseNumber string) (*CaseRow, error)
	ListCases(limit, offset int, status, sort string) ([]CaseRow, int, error)
	PhaseStatuses(caseNumber string) (map[string]string, error)
	Search(query string, limit int) ([]SearchResult, error)
	AllChecksums() (map[string]string, error)
	Close() error
}

// Verify *DB satisfies CaseIndex at compile time.
var _ CaseIndex = (*DB)(nil)
