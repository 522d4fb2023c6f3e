package cloudledger

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

	"github.com/santhosh-tekuri/jsonschema/v5"

	"stepsyncd/internal/model"
)

// snapshotSchema validates ledger responses before they are trusted. A
// malformed cloud record is surfaced as an error, never silently used to
// overwrite local state.
const snapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["date", "steps"],
  "properties": {
    "date":           {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "steps":          {"type": "integer", "minimum": 0, "maximum": 4294967295},
    "distance_km":    {"type": "number", "minimum": 0},
    "calories":       {"type": "integer", "minimum": 0},
    "active_minutes": {"type": "integer", "minimum": 0},
    "source":         {"type": "string", "enum": ["sensor", "health_platform", "manual"]},
    "quality":        {"type": "string", "enum": ["high", "medium", "basic"]}
  }
}`

const defaultTimeout = 10 * time.Second

// HTTPLedger is a Ledger over the product's REST API.
type HTTPLedger struct {
	baseURL string
	token   string
	client  *http.Client
	schema  *jsonschema.Schema
}

// Option configures an HTTPLedger.
type Option func(*HTTPLedger)

// WithTimeout bounds each request. The default is 10s; cold-start reads
// must never block UI readiness indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(l *HTTPLedger) { l.client.Timeout = d }
}

// WithToken sets the bearer token sent with each request.
func WithToken(token string) Option {
	return func(l *HTTPLedger) { l.token = token }
}

// NewHTTPLedger creates a ledger client for the given base URL.
func NewHTTPLedger(baseURL string, opts ...Option) (*HTTPLedger, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid ledger base url: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("snapshot.schema.json", strings.NewReader(snapshotSchema)); err != nil {
		return nil, fmt.Errorf("add snapshot schema: %w", err)
	}
	schema, err := compiler.Compile("snapshot.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}

	l := &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		schema:  schema,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *HTTPLedger) dayURL(userID string, date model.Day) string {
	return fmt.Sprintf("%s/v1/users/%s/days/%s", l.baseURL, url.PathEscape(userID), date)
}

// Get fetches and validates the snapshot for a user and date.
func (l *HTTPLedger) Get(ctx context.Context, userID string, date model.Day) (*model.StepSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.dayURL(userID, date), nil)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	l.setHeaders(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("ledger get: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read ledger response: %w", err)
	}

	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return nil, fmt.Errorf("decode ledger response: %w", err)
	}
	if err := l.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("ledger response failed schema validation: %w", err)
	}

	var snap model.StepSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode ledger snapshot: %w", err)
	}
	return &snap, nil
}

// Set overwrites the snapshot for a user and date.
func (l *HTTPLedger) Set(ctx context.Context, userID string, date model.Day, snap model.StepSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, l.dayURL(userID, date), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	l.setHeaders(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: unexpected status %d", ErrWriteFailed, resp.StatusCode)
	}
	return nil
}

func (l *HTTPLedger) setHeaders(req *http.Request) {
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	req.Header.Set("User-Agent", "stepsyncd")
}
