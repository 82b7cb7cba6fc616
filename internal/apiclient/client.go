// Package apiclient is the small JSON-over-HTTP caller shared by the lock and
// presence clients and collabctl.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrorBody is the error envelope written by the API server.
type ErrorBody struct {
	Code     string          `json:"code"`
	Error    string          `json:"error"`
	LockedBy string          `json:"lockedBy,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
}

type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func (r Response) Decode(target any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Err decodes the error envelope; a body that is not JSON yields an empty envelope.
func (r Response) Err() ErrorBody {
	var body ErrorBody
	_ = json.Unmarshal(r.Body, &body)
	return body
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *Client) Token() string {
	return c.token
}

func (c *Client) URL(path string) string {
	return c.baseURL + path
}

// Do sends body as JSON (when non-nil) and reads the whole response. Only
// transport failures are returned as errors; HTTP statuses are left to the caller.
func (c *Client) Do(ctx context.Context, method, path string, body any) (Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), reader)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return Response{Status: resp.StatusCode, Body: raw}, nil
}
