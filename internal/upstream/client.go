package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Page is one page of records fetched from the upstream API.
type Page struct {
	Records    []json.RawMessage
	NextCursor string
}

// Client is the wire-level client for one upstream partner API.
//
// Fetch is an idempotent read and may be retried freely. Invoke is a
// write: it is never replayed without the caller's idempotency key, so
// upstream-side deduplication applies to any retry.
type Client interface {
	Fetch(ctx context.Context, entity, cursor string) (*Page, error)
	Invoke(ctx context.Context, action, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error)
}

// HTTPClient implements Client against a REST upstream.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient *http.Client
}

// NewHTTPClient creates a client for the upstream at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, pageSize int) *HTTPClient {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Fetch retrieves one page of entity records starting at cursor.
func (c *HTTPClient) Fetch(ctx context.Context, entity, cursor string) (*Page, error) {
	op := "fetch." + entity

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/%s?%s", c.baseURL, entity, q.Encode()), nil)
	if err != nil {
		return nil, &Error{Code: CodePermanent, Op: op, Message: "failed to build request", Err: err}
	}
	c.setHeaders(req)

	body, err := c.do(req, op)
	if err != nil {
		return nil, err
	}

	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &Error{Code: CodePermanent, Op: op, Message: "failed to decode response", Err: err}
	}

	return &Page{Records: list.Items, NextCursor: list.NextCursor}, nil
}

// Invoke performs a write action upstream. The idempotency key travels
// in the Idempotency-Key header so the upstream can deduplicate replays.
func (c *HTTPClient) Invoke(ctx context.Context, action, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error) {
	op := "invoke." + action

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/actions/%s", c.baseURL, action), bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Code: CodePermanent, Op: op, Message: "failed to build request", Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	return c.do(req, op)
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPClient) do(req *http.Request, op string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and client timeouts are transient
		return nil, &Error{Code: CodeTransient, Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: CodeTransient, Op: op, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	ue := &Error{
		Code:    classifyStatus(resp.StatusCode),
		Op:      op,
		Status:  resp.StatusCode,
		Message: http.StatusText(resp.StatusCode),
	}

	var errResp errorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
		ue.Message = errResp.Error
		if errResp.ErrorDescription != "" {
			ue.Message = errResp.Error + ": " + errResp.ErrorDescription
		}
	}

	if ue.Code == CodeRateLimited {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			ue.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	return nil, ue
}
