// Package seal is the client for the external threshold identity-based
// encryption service. Encryption, key release, and decryption are
// remote calls over HTTP/JSON; the service holds the master key shares
// and evaluates access policies before releasing a derived key.
package seal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/memvault/crypt"
	"github.com/becomeliminal/memvault/policy"
)

// Scheme identifies payloads sealed by the threshold service.
const Scheme = "threshold-ibe-v1"

// Config configures the seal client.
type Config struct {
	// BaseURL is the key service endpoint, e.g. "https://seal.example.com".
	BaseURL string

	// Timeout bounds each request. Default 30s.
	Timeout time.Duration

	// HTTPClient overrides the transport; nil uses a client with
	// Timeout applied.
	HTTPClient *http.Client

	// Logger defaults to logrus.New() when nil.
	Logger *logrus.Logger
}

// Client implements crypt.Provider against the remote service.
type Client struct {
	base string
	http *http.Client
	log  *logrus.Logger
}

// New creates a seal client. The service is not contacted until the
// first call.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("seal: BaseURL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Client{base: cfg.BaseURL, http: cfg.HTTPClient, log: cfg.Logger}, nil
}

type encryptRequest struct {
	Identity     string   `json:"identity"`
	PolicyDigest string   `json:"policy_digest"`
	AccessRules  []string `json:"access_rules"`
	Payload      string   `json:"payload"`
}

type encryptResponse struct {
	Ciphertext string `json:"ciphertext"`
}

type keyRequest struct {
	Identity string                   `json:"identity"`
	Proof    crypt.AuthorizationProof `json:"proof"`
}

type keyResponse struct {
	Key string `json:"key"`
}

type decryptRequest struct {
	Identity   string `json:"identity"`
	Ciphertext string `json:"ciphertext"`
	Key        string `json:"key"`
}

type decryptResponse struct {
	Payload string `json:"payload"`
}

// Encrypt implements crypt.Provider.
func (c *Client) Encrypt(ctx context.Context, payload []byte, pol policy.AccessPolicy, objectID string) ([]byte, string, crypt.Metadata, error) {
	identity := policy.DeriveIdentity(pol, objectID)

	var resp encryptResponse
	err := c.call(ctx, "/v1/encrypt", encryptRequest{
		Identity:     identity,
		PolicyDigest: pol.Digest,
		AccessRules:  pol.AccessRules,
		Payload:      base64.StdEncoding.EncodeToString(payload),
	}, &resp)
	if err != nil {
		return nil, "", crypt.Metadata{}, err
	}

	ct, err := base64.StdEncoding.DecodeString(resp.Ciphertext)
	if err != nil {
		return nil, "", crypt.Metadata{}, fmt.Errorf("%w: malformed ciphertext in response: %v", crypt.ErrRejected, err)
	}

	meta := crypt.Metadata{
		Scheme:       Scheme,
		Identity:     identity,
		PolicyDigest: pol.Digest,
		EncryptedAt:  time.Now().UTC(),
	}
	return ct, identity, meta, nil
}

// RequestKey implements crypt.Provider.
func (c *Client) RequestKey(ctx context.Context, identity string, proof crypt.AuthorizationProof) ([]byte, error) {
	var resp keyResponse
	if err := c.call(ctx, "/v1/keys", keyRequest{Identity: identity, Proof: proof}, &resp); err != nil {
		return nil, err
	}

	key, err := base64.StdEncoding.DecodeString(resp.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed key in response: %v", crypt.ErrRejected, err)
	}
	return key, nil
}

// Decrypt implements crypt.Provider.
func (c *Client) Decrypt(ctx context.Context, ciphertext, key []byte, identity string) ([]byte, error) {
	var resp decryptResponse
	err := c.call(ctx, "/v1/decrypt", decryptRequest{
		Identity:   identity,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Key:        base64.StdEncoding.EncodeToString(key),
	}, &resp)
	if err != nil {
		return nil, err
	}

	payload, err := base64.StdEncoding.DecodeString(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed payload in response: %v", crypt.ErrRejected, err)
	}
	return payload, nil
}

// call posts a JSON body and decodes the JSON response. Network
// failures and 5xx map to crypt.ErrTransport, 4xx to crypt.ErrRejected,
// so callers can decide retry eligibility with errors.Is.
func (c *Client) call(ctx context.Context, path string, reqBody, respBody interface{}) error {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("seal: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("seal: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", crypt.ErrTransport, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", crypt.ErrTransport, path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: status %d", crypt.ErrTransport, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.log.WithFields(logrus.Fields{"path": path, "status": resp.StatusCode}).
			Debug("key service rejected request")
		return fmt.Errorf("%w: %s: status %d: %s", crypt.ErrRejected, path, resp.StatusCode, truncate(body, 200))
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", crypt.ErrRejected, path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
