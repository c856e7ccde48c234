// Package transport is the HTTP client a case session uses to talk to the
// eightd API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/eightd/internal/apperr"
	"github.com/starford/eightd/internal/models"
	"github.com/starford/eightd/internal/patch"
)

// HTTPError is a non-2xx API response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the shared sentinel errors.
func (e *HTTPError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == apperr.ErrNotFound
	case http.StatusConflict:
		return target == apperr.ErrConflict || target == apperr.ErrAlreadyExists
	}
	return false
}

// HTTPClient implements the case session transport over the REST API.
// Reads are retried on 429 and 5xx; writes are sent once.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient creates a client for the API at baseURL.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080/api"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func casePath(id string) string {
	return "/cases/" + url.PathEscape(id)
}

// CreateCase creates an empty case.
func (c *HTTPClient) CreateCase(ctx context.Context, caseID string) error {
	body := map[string]string{"case_number": caseID}
	return c.doJSON(ctx, http.MethodPost, "/cases", body, nil)
}

// LoadCase fetches the full case document.
func (c *HTTPClient) LoadCase(ctx context.Context, caseID string) (map[string]any, error) {
	var doc map[string]any
	if err := c.doJSON(ctx, http.MethodGet, casePath(caseID), nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// PatchCase sends a merge patch.
func (c *HTTPClient) PatchCase(ctx context.Context, caseID string, fragment patch.Fragment) error {
	return c.doJSON(ctx, http.MethodPatch, casePath(caseID), fragment, nil)
}

// ListEvidence returns the evidence files of a case.
func (c *HTTPClient) ListEvidence(ctx context.Context, caseID string) ([]models.EvidenceFile, error) {
	var out struct {
		Evidence []models.EvidenceFile `json:"evidence"`
	}
	if err := c.doJSON(ctx, http.MethodGet, casePath(caseID)+"/evidence", nil, &out); err != nil {
		return nil, err
	}
	return out.Evidence, nil
}

// UploadEvidence posts files as one multipart request. progress, when set,
// is called as the request body is consumed. A 207 response returns the
// partial result without error; a 409 returns the result and an error
// matching apperr.ErrConflict.
func (c *HTTPClient) UploadEvidence(ctx context.Context, caseID string, files []models.Upload, progress func(models.Progress)) (*models.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(f.Filename)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("transport: upload: %w", err)
		}
		if f.Body != nil {
			if _, err := io.Copy(part, f.Body); err != nil {
				return nil, fmt.Errorf("transport: upload: read %s: %w", f.Filename, err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("transport: upload: %w", err)
	}

	total := int64(buf.Len())
	var body io.Reader = &buf
	if progress != nil {
		body = &countingReader{r: &buf, total: total, fn: progress}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+casePath(caseID)+"/evidence", body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	var res models.UploadResult
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("transport: upload: decode: %w", err)
		}
		return &res, nil
	case resp.StatusCode == http.StatusConflict:
		_ = json.Unmarshal(payload, &res)
		return &res, httpError(resp.StatusCode, payload)
	default:
		return nil, httpError(resp.StatusCode, payload)
	}
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

type countingReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(models.Progress)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		c.fn(models.Progress{Sent: c.sent, Total: c.total})
	}
	return n, err
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		c.setHeaders(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return httpError(resp.StatusCode, payload)
	}
}

func httpError(status int, payload []byte) error {
	var errPayload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{StatusCode: status, Message: errPayload.Error}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
