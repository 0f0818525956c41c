// Package remote is the HTTP client for the content-addressable store.
//
// Every operation is wrapped in bounded retry with exponential backoff
// for transport-level failures; explicit remote rejections fail
// immediately. Reads go through a ristretto cache keyed by locator, so
// repeated Stage-2 retrievals of the same payload skip the network.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/memvault/store"
)

// Config configures the remote client.
type Config struct {
	// BaseURL of the content store service.
	BaseURL string

	// Timeout bounds each request. Default 30s.
	Timeout time.Duration

	// Retry bounds per-operation attempts. Zero value uses
	// store.DefaultRetry.
	Retry store.RetryConfig

	// CacheBytes is the read-cache budget. Default 64 MiB; negative
	// disables the cache.
	CacheBytes int64

	// ProbeInterval is the poll spacing for AwaitBatchAvailability.
	// Default 500ms.
	ProbeInterval time.Duration

	// HTTPClient overrides the transport; nil uses a client with
	// Timeout applied.
	HTTPClient *http.Client

	// Logger defaults to logrus.New() when nil.
	Logger *logrus.Logger
}

// Client implements store.Client over HTTP.
type Client struct {
	cfg   Config
	http  *http.Client
	cache *ristretto.Cache
	log   *logrus.Logger
}

// New creates a remote content store client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: BaseURL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheBytes == 0 {
		cfg.CacheBytes = 64 << 20
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	c := &Client{cfg: cfg, http: cfg.HTTPClient, log: cfg.Logger}
	if cfg.CacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     cfg.CacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("remote: create cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Put implements store.Client.
func (c *Client) Put(ctx context.Context, data []byte) (store.Locator, error) {
	var resp struct {
		Locator string `json:"locator"`
	}
	err := store.Retry(ctx, c.cfg.Retry, store.IsTransient, func() error {
		return c.do(ctx, http.MethodPost, "/v1/blobs", "application/octet-stream", data, &resp)
	})
	if err != nil {
		return "", err
	}
	return store.Locator(resp.Locator), nil
}

// Get implements store.Client.
func (c *Client) Get(ctx context.Context, loc store.Locator) ([]byte, error) {
	if data, ok := c.cached(string(loc)); ok {
		return data, nil
	}

	var data []byte
	err := store.Retry(ctx, c.cfg.Retry, store.IsTransient, func() error {
		var err error
		data, err = c.doRaw(ctx, http.MethodGet, "/v1/blobs/"+url.PathEscape(string(loc)))
		return err
	})
	if err != nil {
		return nil, err
	}
	c.remember(string(loc), data)
	return data, nil
}

// Delete implements store.Client.
func (c *Client) Delete(ctx context.Context, loc store.Locator) error {
	return store.Retry(ctx, c.cfg.Retry, store.IsTransient, func() error {
		_, err := c.doRaw(ctx, http.MethodDelete, "/v1/blobs/"+url.PathEscape(string(loc)))
		return err
	})
}

type quiltItem struct {
	ID   string            `json:"id"`
	Data string            `json:"data"`
	Tags map[string]string `json:"tags,omitempty"`
}

// PutBatch implements store.Client.
func (c *Client) PutBatch(ctx context.Context, items []store.BatchItem) (store.BatchRef, error) {
	if len(items) == 0 {
		return store.BatchRef{}, fmt.Errorf("%w: empty batch", store.ErrRejected)
	}

	req := struct {
		Items []quiltItem `json:"items"`
	}{}
	for _, it := range items {
		req.Items = append(req.Items, quiltItem{
			ID:   it.ID,
			Data: base64.StdEncoding.EncodeToString(it.Data),
			Tags: it.Tags,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return store.BatchRef{}, fmt.Errorf("remote: marshal batch: %w", err)
	}

	var resp struct {
		Locator string            `json:"locator"`
		Patches map[string]string `json:"patches"`
	}
	err = store.Retry(ctx, c.cfg.Retry, store.IsTransient, func() error {
		return c.do(ctx, http.MethodPost, "/v1/quilts", "application/json", body, &resp)
	})
	if err != nil {
		return store.BatchRef{}, err
	}
	return store.BatchRef{Locator: store.Locator(resp.Locator), Patches: resp.Patches}, nil
}

// GetFromBatch implements store.Client.
func (c *Client) GetFromBatch(ctx context.Context, loc store.Locator, id string) ([]byte, error) {
	key := string(loc) + "/" + id
	if data, ok := c.cached(key); ok {
		return data, nil
	}

	path := "/v1/quilts/" + url.PathEscape(string(loc)) + "/entries/" + url.PathEscape(id)
	var data []byte
	err := store.Retry(ctx, c.cfg.Retry, store.IsTransient, func() error {
		var err error
		data, err = c.doRaw(ctx, http.MethodGet, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.remember(key, data)
	return data, nil
}

// AwaitBatchAvailability implements store.Client.
func (c *Client) AwaitBatchAvailability(ctx context.Context, loc store.Locator, probeID string, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		if _, err := c.GetFromBatch(ctx, loc, probeID); err == nil {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.ProbeInterval):
		}
	}
}

// Close implements store.Client.
func (c *Client) Close() error {
	if c.cache != nil {
		c.cache.Close()
	}
	return nil
}

func (c *Client) cached(key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	if v, ok := c.cache.Get(key); ok {
		if data, ok := v.([]byte); ok {
			return data, true
		}
	}
	return nil, false
}

func (c *Client) remember(key string, data []byte) {
	if c.cache != nil {
		c.cache.Set(key, data, int64(len(data)))
	}
}

// do issues a request with a body and decodes a JSON response.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	raw, err := c.request(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", store.ErrRejected, path, err)
	}
	return nil
}

// doRaw issues a bodyless request and returns the raw response bytes.
func (c *Client) doRaw(ctx context.Context, method, path string) ([]byte, error) {
	return c.request(ctx, method, path, "", nil)
}

// request maps failures onto the store error kinds: network errors and
// 5xx to ErrTransport, 404 to ErrNotFound, other 4xx to ErrRejected.
func (c *Client) request(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", store.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: read body: %v", store.ErrTransport, method, path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s: status %d", store.ErrTransport, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s", store.ErrNotFound, method, path)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s %s: status %d", store.ErrRejected, method, path, resp.StatusCode)
	}
	return raw, nil
}
