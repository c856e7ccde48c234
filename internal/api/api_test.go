package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/eightd/internal/caseservice"
	"github.com/starford/eightd/internal/testutil"
)

const caseNumber = "INC-20240131-0007"

type recordedEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordedEvents) PublishCaseEvent(kind, caseNumber string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+caseNumber)
}

func (r *recordedEvents) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// testEnv sets up a temp case root, SQLite DB, service, and router for testing.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) http.Handler {
	t.Helper()
	router, _ := testEnvWithEvents(t, authToken)
	return router
}

func testEnvWithEvents(t *testing.T, authToken string) (http.Handler, *recordedEvents) {
	t.Helper()
	_, store := testutil.TestCaseRoot(t)
	svc := caseservice.NewService(store, testutil.TestDB(t), testutil.QuietLogger())
	events := &recordedEvents{}
	return NewRouter(svc, authToken != "", authToken, nil, events), events
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createCase(t *testing.T, router http.Handler) {
	t.Helper()
	w := do(t, router, http.MethodPost, "/cases", map[string]string{"case_number": caseNumber})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestCreateAndGetCase(t *testing.T) {
	router, events := testEnvWithEvents(t, "")

	w := do(t, router, http.MethodPost, "/cases", map[string]string{"case_number": " INC-20240131-0007 ", "opening_date": "2024-01-31"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created CreateCaseResponse
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.Status != "created" || created.CaseNumber != caseNumber {
		t.Errorf("created = %+v", created)
	}

	w = do(t, router, http.MethodGet, "/cases/"+caseNumber, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if w.Header().Get("ETag") == "" {
		t.Error("missing ETag")
	}
	var doc map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &doc)
	if doc["case"].(map[string]any)["opening_date"] != "2024-01-31" {
		t.Errorf("case = %v", doc["case"])
	}

	w = do(t, router, http.MethodGet, "/cases/"+caseNumber, nil, "If-None-Match", w.Header().Get("ETag"))
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional get = %d, want 304", w.Code)
	}

	if got := events.list(); len(got) != 1 || got[0] != "created:"+caseNumber {
		t.Errorf("events = %v", got)
	}
}

func TestCreateCase_Errors(t *testing.T) {
	router := testEnv(t, "")
	createCase(t, router)

	w := do(t, router, http.MethodPost, "/cases", map[string]string{"case_number": caseNumber})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
	w = do(t, router, http.MethodPost, "/cases", map[string]string{"case_number": "CASE-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id = %d, want 400", w.Code)
	}
	w = do(t, router, http.MethodPost, "/cases", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d, want 400", w.Code)
	}
}

func TestPatchCase(t *testing.T) {
	router, events := testEnvWithEvents(t, "")
	createCase(t, router)

	frag := map[string]any{
		"phases": map[string]any{
			"D1_D2": map[string]any{"data": map[string]any{"team": []any{map[string]any{"name": "Alice"}}}},
		},
	}
	w := do(t, router, http.MethodPatch, "/cases/"+caseNumber, frag)
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d, body = %s", w.Code, w.Body.String())
	}
	var info PatchCaseResponse
	_ = json.Unmarshal(w.Body.Bytes(), &info)
	if info.CaseNumber != caseNumber || info.Version != 2 || info.UpdatedAt == "" {
		t.Errorf("info = %+v", info)
	}

	w = do(t, router, http.MethodGet, "/cases/"+caseNumber, nil)
	var doc map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &doc)
	team := doc["phases"].(map[string]any)["D1_D2"].(map[string]any)["data"].(map[string]any)["team"].([]any)
	if len(team) != 1 {
		t.Errorf("team = %v", team)
	}

	got := events.list()
	if len(got) != 2 || got[1] != "patched:"+caseNumber {
		t.Errorf("events = %v", got)
	}
}

func TestPatchCase_Errors(t *testing.T) {
	router := testEnv(t, "")

	w := do(t, router, http.MethodPatch, "/cases/"+caseNumber, map[string]any{"ai": map[string]any{}})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing case = %d, want 404", w.Code)
	}

	createCase(t, router)
	for _, body := range []string{"{}", "[1,2]", "null", "{broken"} {
		w = do(t, router, http.MethodPatch, "/cases/"+caseNumber, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("patch %s = %d, want 400", body, w.Code)
		}
	}

	w = do(t, router, http.MethodPatch, "/cases/"+caseNumber, map[string]any{"ai": map[string]any{"summary": "x"}}, "If-Match", `"stale"`)
	if w.Code != http.StatusConflict {
		t.Errorf("stale If-Match = %d, want 409", w.Code)
	}
}

func TestGetCase_NotFoundAndInvalid(t *testing.T) {
	router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/cases/"+caseNumber, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing case = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/cases/not-a-case", nil); w.Code != http.StatusBadRequest {
		t.Errorf("invalid id = %d, want 400", w.Code)
	}
}

func TestListCases(t *testing.T) {
	router := testEnv(t, "")
	for _, id := range []string{"INC-20240131-0001", "INC-20240131-0002"} {
		do(t, router, http.MethodPost, "/cases", map[string]string{"case_number": id})
	}

	w := do(t, router, http.MethodGet, "/cases?limit=10&sort=case_number", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var resp CaseListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Cases) != 2 || resp.Cases[0].CaseNumber != "INC-20240131-0001" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSearchEndpoint(t *testing.T) {
	router := testEnv(t, "")
	createCase(t, router)
	do(t, router, http.MethodPatch, "/cases/"+caseNumber, map[string]any{
		"phases": map[string]any{"D3": map[string]any{"data": map[string]any{"problem": "uniquetoken housing"}}},
	})

	w := do(t, router, http.MethodGet, "/search?q=uniquetoken", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].CaseNumber != caseNumber {
		t.Errorf("search results = %+v", resp.Results)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	router := testEnv(t, "secret123")

	w := do(t, router, http.MethodPost, "/cases", map[string]string{"case_number": caseNumber}, "Authorization", "Bearer secret123")
	if w.Code != http.StatusCreated {
		t.Errorf("authed create = %d, want 201", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/cases", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/cases", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/cases", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

// testEnvWithSSE creates a router with a stub SSE handler to test auth on /events.
func testEnvWithSSE(t *testing.T, authEnabled bool, token string) http.Handler {
	t.Helper()
	_, store := testutil.TestCaseRoot(t)
	svc := caseservice.NewService(store, testutil.TestDB(t), testutil.QuietLogger())

	// Minimal SSE handler stub: writes headers and blocks until context done.
	sseHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
	return NewRouter(svc, authEnabled, token, sseHandler, nil)
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	router := testEnvWithSSE(t, true, "secret")
	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	router := testEnvWithSSE(t, true, "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

// Evidence tests.

type part struct {
	name    string
	content string
}

func uploadEvidence(t *testing.T, router http.Handler, id string, parts ...part) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := mw.CreateFormFile("files", p.name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(p.content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/cases/"+id+"/evidence", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadEvidence(t *testing.T) {
	router, events := testEnvWithEvents(t, "")
	createCase(t, router)

	w := uploadEvidence(t, router, caseNumber, part{"crack.txt", "hairline crack"}, part{"lot.csv", "lot,qty"})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	var resp EvidenceUploadResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.CaseID != caseNumber || len(resp.Uploaded) != 2 || len(resp.Failed) != 0 {
		t.Errorf("resp = %+v", resp)
	}

	// One duplicate, one new: partial success.
	w = uploadEvidence(t, router, caseNumber, part{"crack.txt", "again"}, part{"photo.txt", "new"})
	if w.Code != http.StatusMultiStatus {
		t.Errorf("partial upload = %d, want 207", w.Code)
	}

	// Only duplicates: conflict, with the failures in the body.
	w = uploadEvidence(t, router, caseNumber, part{"crack.txt", "again"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate upload = %d, want 409", w.Code)
	}
	resp = EvidenceUploadResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error == "" || len(resp.Failed) != 1 || resp.Failed[0].Filename != "crack.txt" {
		t.Errorf("conflict body = %s", w.Body.String())
	}

	w = do(t, router, http.MethodGet, "/cases/"+caseNumber+"/evidence", nil)
	var list EvidenceListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || len(list.Evidence) != 3 {
		t.Errorf("list = %d %+v", w.Code, list)
	}

	w = do(t, router, http.MethodGet, "/cases/"+caseNumber+"/evidence/crack.txt", nil)
	if w.Code != http.StatusOK || w.Body.String() != "hairline crack" {
		t.Errorf("serve = %d %q", w.Code, w.Body.String())
	}
	if !strings.HasPrefix(w.Header().Get("Content-Disposition"), "inline") {
		t.Errorf("Content-Disposition = %q", w.Header().Get("Content-Disposition"))
	}

	uploads := 0
	for _, e := range events.list() {
		if e == "evidence:"+caseNumber {
			uploads++
		}
	}
	if uploads != 2 {
		t.Errorf("evidence events = %d, want 2", uploads)
	}
}

func TestUploadEvidence_Errors(t *testing.T) {
	router := testEnv(t, "")

	if w := uploadEvidence(t, router, caseNumber, part{"a.txt", "x"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown case = %d, want 404", w.Code)
	}
	createCase(t, router)
	if w := uploadEvidence(t, router, caseNumber); w.Code != http.StatusBadRequest {
		t.Errorf("no files = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/cases/"+caseNumber+"/evidence/missing.pdf", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing file = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/cases/INC-20240131-0099/evidence", nil); w.Code != http.StatusNotFound {
		t.Errorf("evidence of unknown case = %d, want 404", w.Code)
	}
}
