// Package uploader drains the device queue against the evidence API. Each
// item is sent at-least-once with a stable idempotency key; the server's
// idempotency layer upgrades that to exactly-once.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/zteffi86/permia/internal/device/queue"
)

// Outcome classifies a finished upload attempt.
type Outcome int

const (
	// OutcomeCompleted means the server durably holds the evidence,
	// whether via a fresh accept, an idempotent replay, or a duplicate
	// conflict pointing at an existing record.
	OutcomeCompleted Outcome = iota
	// OutcomePermanent means no retry can succeed (validation rejection,
	// idempotency key misuse). The item needs operator attention.
	OutcomePermanent
	// OutcomeRetry means the attempt failed transiently or ambiguously;
	// the queue retries with backoff under the same idempotency key.
	OutcomeRetry
)

// Result is the interpreted server response for one attempt.
type Result struct {
	Outcome    Outcome
	ServerHash string
	StorageURI string
	// RetryAfter is the server-directed wait before the next attempt,
	// zero when the server did not name one.
	RetryAfter time.Duration
	// Detail carries the problem message or duplicate pointer for logs.
	Detail string
}

// Client posts queue items to the evidence endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type uploadResponse struct {
	ServerHash string `json:"server_hash"`
	StorageURI string `json:"storage_uri"`
}

type problemResponse struct {
	Code   string         `json:"code"`
	Detail string         `json:"detail"`
	Extra  map[string]any `json:"extra"`
}

// Upload sends one item. A transport error leaves the outcome unknown: the
// server may or may not have processed the request before the connection
// died. The client re-queries the record by evidence id to resolve the
// ambiguity; only when that also fails does it fall back to OutcomeRetry,
// which is safe because the idempotency key makes the retry a no-op on the
// server if the first attempt actually landed.
func (c *Client) Upload(ctx context.Context, item *queue.Item) (*Result, error) {
	file, err := os.Open(item.FilePath)
	if err != nil {
		// The captured payload is gone; retrying cannot bring it back.
		return &Result{Outcome: OutcomePermanent, Detail: fmt.Sprintf("captured file missing: %v", err)}, nil
	}
	defer file.Close()

	body, contentType, err := buildMultipart(item.MetadataJSON, file)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evidence", body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	// The evidence id is generated once at capture, so it doubles as the
	// stable retry key.
	req.Header.Set("Idempotency-Key", item.EvidenceID)
	req.Header.Set("X-Correlation-Id", item.EvidenceID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if res := c.resolveAmbiguous(ctx, item); res != nil {
			return res, nil
		}
		return &Result{Outcome: OutcomeRetry, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	return interpret(resp)
}

// resolveAmbiguous asks the server whether an interrupted attempt actually
// landed. A non-nil result means the record exists and is completed; nil
// means the outcome is still unknown and the caller should schedule a retry.
func (c *Client) resolveAmbiguous(ctx context.Context, item *queue.Item) *Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/evidence/"+item.EvidenceID, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("X-Correlation-Id", item.EvidenceID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var record struct {
		ServerHash   string `json:"server_hash"`
		StorageURI   string `json:"storage_uri"`
		UploadStatus string `json:"upload_status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&record); err != nil {
		return nil
	}
	if record.UploadStatus != "COMPLETED" {
		return nil
	}
	return &Result{Outcome: OutcomeCompleted, ServerHash: record.ServerHash, StorageURI: record.StorageURI}
}

func buildMultipart(metadataJSON []byte, file io.Reader) (io.Reader, string, error) {
	// Payloads are capped at tens of megabytes, so buffering the whole
	// body is acceptable and keeps retries trivial.
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	meta, err := w.CreateFormField("metadata")
	if err != nil {
		return nil, "", err
	}
	if _, err := meta.Write(metadataJSON); err != nil {
		return nil, "", err
	}

	part, err := w.CreateFormFile("file", "evidence")
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

func interpret(resp *http.Response) (*Result, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Result{Outcome: OutcomeRetry, Detail: err.Error()}, nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out uploadResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return &Result{Outcome: OutcomeRetry, Detail: "unparseable success response"}, nil
		}
		return &Result{Outcome: OutcomeCompleted, ServerHash: out.ServerHash, StorageURI: out.StorageURI}, nil
	}

	var problem problemResponse
	_ = json.Unmarshal(raw, &problem)

	switch {
	case resp.StatusCode == http.StatusConflict:
		switch problem.Code {
		case "DUPLICATE_CONTENT":
			// The content is already on the server under another id;
			// the evidence is safe. Surface the pointer and finish.
			detail := problem.Detail
			if id, ok := problem.Extra["original_evidence_id"].(string); ok {
				detail = "duplicate of " + id
			}
			return &Result{Outcome: OutcomeCompleted, Detail: detail}, nil
		case "DUPLICATE_EVIDENCE_ID":
			// An earlier attempt landed but its response was lost.
			return &Result{Outcome: OutcomeCompleted, Detail: problem.Detail}, nil
		default:
			return &Result{Outcome: OutcomePermanent, Detail: problem.Detail}, nil
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		// Throttled or timed out, not rejected: the same bytes will be
		// welcome once the window clears.
		return &Result{
			Outcome:    OutcomeRetry,
			RetryAfter: retryAfter(resp),
			Detail:     problemSummary(problem, resp.StatusCode),
		}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Deterministic rejection: the same bytes will fail the same way.
		return &Result{Outcome: OutcomePermanent, Detail: problemSummary(problem, resp.StatusCode)}, nil
	default:
		return &Result{Outcome: OutcomeRetry, Detail: problemSummary(problem, resp.StatusCode)}, nil
	}
}

// retryAfter reads the delay-seconds form of the Retry-After header, which
// is what the rate limiter emits.
func retryAfter(resp *http.Response) time.Duration {
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func problemSummary(p problemResponse, status int) string {
	if p.Code != "" {
		return fmt.Sprintf("%s: %s", p.Code, p.Detail)
	}
	return fmt.Sprintf("http %d", status)
}
