// Package target talks to the hosted GraphQL backend.
package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ptpm/legacy-sync/internal/config"
)

// maxErrorBody caps how much of a failed response is kept in an Error.
const maxErrorBody = 2048

// Doer executes one GraphQL operation and returns its data object.
type Doer interface {
	Do(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error)
}

// Client posts GraphQL operations over HTTP.
type Client struct {
	endpoint   string
	apiKey     string
	keyHeader  string
	httpClient *http.Client
}

// NewClient creates a client from the target settings.
func NewClient(cfg config.TargetConfig) *Client {
	header := cfg.APIKeyHeader
	if header == "" {
		header = "Api-Key"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		keyHeader:  header,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GraphQLError is one entry of a response's errors array.
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// Error is returned for non-2xx responses and for responses carrying
// GraphQL errors.
type Error struct {
	StatusCode int
	Errors     []GraphQLError
	Body       string
}

func (e *Error) Error() string {
	if len(e.Errors) > 0 {
		msgs := make([]string, len(e.Errors))
		for i, ge := range e.Errors {
			msgs[i] = ge.Message
		}
		return "graphql: " + strings.Join(msgs, "; ")
	}
	return fmt.Sprintf("graphql: HTTP %d: %s", e.StatusCode, e.Body)
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// Do posts query with variables and returns the data member of the response.
func (c *Client) Do(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(request{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, &Error{StatusCode: resp.StatusCode, Errors: out.Errors, Body: truncate(string(body), maxErrorBody)}
	}
	return out.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Doer = (*Client)(nil)
