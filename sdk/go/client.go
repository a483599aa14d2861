package ledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ledger HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// SubmitResult reports how a submitted message was dispatched.
type SubmitResult struct {
	MessageID string `json:"messageId"`
	Handled   bool   `json:"handled"`
	Error     string `json:"error,omitempty"`
}

// File is a granule file record (partial).
type File struct {
	Bucket   string  `json:"bucket"`
	Key      string  `json:"key"`
	FileName *string `json:"fileName,omitempty"`
	Size     *int64  `json:"size,omitempty"`
}

// Granule is the API granule record (partial).
type Granule struct {
	GranuleID     string          `json:"granuleId"`
	CollectionID  string          `json:"collectionId"`
	Status        string          `json:"status"`
	Published     bool            `json:"published"`
	Execution     string          `json:"execution,omitempty"`
	ProductVolume *int64          `json:"productVolume,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	PdrName       string          `json:"pdrName,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	Files         []File          `json:"files"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// Execution is the API execution record (partial).
type Execution struct {
	Arn          string          `json:"arn"`
	Name         string          `json:"name"`
	Execution    string          `json:"execution,omitempty"`
	Status       string          `json:"status"`
	Type         string          `json:"type,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
	Duration     *float64        `json:"duration,omitempty"`
	CollectionID string          `json:"collectionId,omitempty"`
	ParentArn    string          `json:"parentArn,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitMessage dispatches one queue body. body may be raw JSON bytes, a
// string or any value that marshals to the message object.
func (c *Client) SubmitMessage(ctx context.Context, body any) (SubmitResult, error) {
	if raw, ok := body.([]byte); ok {
		body = json.RawMessage(raw)
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "v0/messages", map[string]any{"body": body}, &resp)
	return resp, err
}

// Granule fetches a granule. collectionID (name___version) may be empty.
func (c *Client) Granule(ctx context.Context, granuleID, collectionID string) (Granule, error) {
	endpoint := "v0/granules/" + url.PathEscape(granuleID)
	if collectionID != "" {
		endpoint += "?collection=" + url.QueryEscape(collectionID)
	}
	var resp Granule
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Execution fetches an execution by arn.
func (c *Client) Execution(ctx context.Context, arn string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "v0/executions/"+url.PathEscape(arn), nil, &resp)
	return resp, err
}

// ExecutionGranules lists the granule ids associated with arn.
func (c *Client) ExecutionGranules(ctx context.Context, arn string) ([]string, error) {
	var resp struct {
		Granules []string `json:"granules"`
	}
	err := c.do(ctx, http.MethodGet, "v0/executions/"+url.PathEscape(arn)+"/granules", nil, &resp)
	return resp.Granules, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
