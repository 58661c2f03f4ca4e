package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors wrapped by *APIError.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
)

// APIError is a non-2xx response from auditd.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auditd returned %d: %s", e.Status, e.Message)
}

// Unwrap maps the status code to a sentinel error.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return ErrBadRequest
	}
	return nil
}

// Record is an audit record as exchanged with auditd.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	StatuteID  string          `json:"statute_id"`
	SubjectID  string          `json:"subject_id"`
	RecordHash string          `json:"record_hash,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Step is one sibling hash on a proof path. Left is true when the sibling
// sits to the left of the running hash.
type Step struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Proof is an inclusion proof for one record.
type Proof struct {
	RecordID    uuid.UUID `json:"record_id"`
	PartitionID string    `json:"partition_id"`
	RootHash    string    `json:"root_hash"`
	Algorithm   string    `json:"algorithm"`
	LeafIndex   int       `json:"leaf_index"`
	Steps       []Step    `json:"steps"`
}

// IngestResult is returned by Ingest.
type IngestResult struct {
	Accepted   int      `json:"accepted"`
	Partitions []string `json:"partitions"`
}

// Partition is the metadata of one forest partition.
type Partition struct {
	ID          string    `json:"id"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	RootHash    string    `json:"root_hash"`
}

// Stats summarises the forest.
type Stats struct {
	PartitionCount       int     `json:"partition_count"`
	TotalRecords         int     `json:"total_records"`
	AveragePartitionSize float64 `json:"average_partition_size"`
	MinPartitionSize     int     `json:"min_partition_size"`
	MaxPartitionSize     int     `json:"max_partition_size"`
	Strategy             string  `json:"strategy"`
}

// Verification is the result of a full integrity sweep.
type Verification struct {
	TotalPartitions    int      `json:"total_partitions"`
	VerifiedPartitions int      `json:"verified_partitions"`
	FailedPartitions   []string `json:"failed_partitions"`
	TotalRecords       int      `json:"total_records"`
	Valid              bool     `json:"valid"`
	SuccessRate        float64  `json:"success_rate"`
}

// Client talks to one auditd instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// New creates a Client for the auditd instance at base, e.g.
// "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Ingest submits a batch of records.
func (c *Client) Ingest(ctx context.Context, records []Record) (*IngestResult, error) {
	var out IngestResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/records", map[string]any{"records": records}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecord fetches a stored record.
func (c *Client) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	var out Record
	if err := c.call(ctx, http.MethodGet, "/api/v1/records/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProof fetches an inclusion proof for a record.
func (c *Client) GetProof(ctx context.Context, id uuid.UUID) (*Proof, error) {
	var out Proof
	if err := c.call(ctx, http.MethodGet, "/api/v1/records/"+id.String()+"/proof", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches forest statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.call(ctx, http.MethodGet, "/api/v1/forest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Partitions lists every partition ordered by creation time.
func (c *Client) Partitions(ctx context.Context) ([]Partition, error) {
	var out struct {
		Partitions []Partition `json:"partitions"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/forest/partitions", nil, &out); err != nil {
		return nil, err
	}
	return out.Partitions, nil
}

// Partition fetches one partition's metadata.
func (c *Client) Partition(ctx context.Context, id string) (*Partition, error) {
	var out Partition
	if err := c.call(ctx, http.MethodGet, "/api/v1/forest/partitions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify runs a full integrity sweep on the server.
func (c *Client) Verify(ctx context.Context) (*Verification, error) {
	var out Verification
	if err := c.call(ctx, http.MethodGet, "/api/v1/forest/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Optimize asks the server to merge undersized partitions and returns how
// many were removed.
func (c *Client) Optimize(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/forest/optimize", nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// Health checks /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	data, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return body, nil
}
