// Package storage provides a client for the Supabase Storage object API.
package storage

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

	"github.com/rotisserie/eris"
)

// ErrObjectExists is returned when an upload targets a key that already holds an object.
var ErrObjectExists = eris.New("storage: object already exists")

// Client defines the object storage operations used by image intake.
type Client interface {
	// Upload writes data under bucket/path. It never overwrites an existing object.
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (*UploadResult, error)
	// PublicURL returns the publicly resolvable URL of bucket/path.
	PublicURL(bucket, path string) string
}

// UploadResult describes a stored object.
type UploadResult struct {
	Key  string `json:"Key"`
	ID   string `json:"Id"`
	Size int    `json:"-"`
}

// APIError is a non-2xx response from the storage API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("storage: status %d: %s", e.StatusCode, e.Message)
}

// Option configures the storage client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	baseURL string
	key     string
	http    *http.Client
}

// NewClient creates a storage client for the project at projectURL
// (e.g. https://abc.supabase.co) authenticated with the service-role key.
func NewClient(projectURL, serviceKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(projectURL, "/"),
		key:     serviceKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) objectURL(bucket, path string, public bool) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	prefix := "/storage/v1/object/"
	if public {
		prefix += "public/"
	}
	return c.baseURL + prefix + url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}

func (c *httpClient) PublicURL(bucket, path string) string {
	return c.objectURL(bucket, path, true)
}

func (c *httpClient) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (*UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(bucket, path, false), bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "storage: create request")
	}

	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	req.Header.Set("Cache-Control", "max-age=3600")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "storage: upload request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "storage: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, body)
		if apiErr.StatusCode == http.StatusConflict {
			return nil, eris.Wrapf(ErrObjectExists, "storage: upload %s/%s", bucket, path)
		}
		return nil, apiErr
	}

	var result UploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "storage: unmarshal upload response")
	}
	if result.Key == "" {
		result.Key = bucket + "/" + path
	}
	result.Size = len(data)
	return &result, nil
}

// parseAPIError reads the storage error envelope. The API reports duplicates as
// HTTP 400 with statusCode "409" in the body, so the body code wins when present.
func parseAPIError(status int, body []byte) *APIError {
	var env struct {
		StatusCode string `json:"statusCode"`
		Error      string `json:"error"`
		Message    string `json:"message"`
	}
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	if err := json.Unmarshal(body, &env); err != nil {
		return apiErr
	}
	if env.StatusCode != "" {
		var code int
		if _, err := fmt.Sscanf(env.StatusCode, "%d", &code); err == nil && code > 0 {
			apiErr.StatusCode = code
		}
	}
	switch {
	case env.Message != "":
		apiErr.Message = env.Message
	case env.Error != "":
		apiErr.Message = env.Error
	}
	return apiErr
}
