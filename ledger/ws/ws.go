// Package ws is the websocket client for the ledger event feed.
// Requests and responses are JSON frames over a single socket, the way
// chain event APIs are typically consumed. The connection is redialed
// once per call after a failure; persistent outages surface to the
// synchronizer, which backs off.
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/memvault/ledger"
)

// Config configures the feed client.
type Config struct {
	// URL of the event feed, e.g. "wss://ledger.example.com/events".
	URL string

	// CallTimeout bounds one request/response exchange. Default 30s.
	CallTimeout time.Duration

	// Logger defaults to logrus.New() when nil.
	Logger *logrus.Logger
}

// Client implements ledger.Client over a websocket.
type Client struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	url     string
	timeout time.Duration
	nextID  uint64
	log     *logrus.Logger
}

// Dial connects to the event feed.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ws: URL is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn, url: cfg.URL, timeout: cfg.CallTimeout, log: cfg.Logger}, nil
}

type request struct {
	ID        uint64 `json:"id"`
	Method    string `json:"method"`
	Position  uint64 `json:"position"`
	EventType string `json:"event_type"`
}

type wireEvent struct {
	Type               string    `json:"type"`
	Position           uint64    `json:"position"`
	EmbeddingID        string    `json:"embedding_id"`
	Owner              string    `json:"owner"`
	Category           string    `json:"category"`
	MetadataVector     []float32 `json:"metadata_vector"`
	ContentRef         string    `json:"content_reference"`
	EncryptionIdentity string    `json:"encryption_identity"`
	Timestamp          time.Time `json:"timestamp"`
}

type response struct {
	ID     uint64      `json:"id"`
	Error  string      `json:"error,omitempty"`
	Events []wireEvent `json:"events"`
}

// EventsSince implements ledger.Client. Unknown wire event types are
// skipped with a warning so a newer ledger does not stall the
// synchronizer.
func (c *Client) EventsSince(ctx context.Context, position uint64, eventType string) ([]ledger.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.exchange(ctx, position, eventType)
	if err != nil {
		// One reconnect attempt; the feed may have dropped the
		// socket between polls.
		if derr := c.redial(ctx); derr != nil {
			return nil, err
		}
		resp, err = c.exchange(ctx, position, eventType)
		if err != nil {
			return nil, err
		}
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ws: feed error: %s", resp.Error)
	}

	events := make([]ledger.Event, 0, len(resp.Events))
	for _, we := range resp.Events {
		ev, ok := decodeEvent(we)
		if !ok {
			c.log.WithFields(logrus.Fields{"type": we.Type, "position": we.Position}).
				Warn("skipping unknown ledger event type")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) exchange(ctx context.Context, position uint64, eventType string) (*response, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("ws: not connected")
	}

	c.nextID++
	req := request{ID: c.nextID, Method: "events_since", Position: position, EventType: eventType}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("ws: send events_since: %w", err)
	}

	// Discard frames that do not answer this request; a stale reply
	// left on the socket must not be mistaken for the current one. The
	// read deadline bounds the loop.
	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("ws: read events_since response: %w", err)
		}
		if resp.ID != req.ID {
			c.log.WithFields(logrus.Fields{"got": resp.ID, "want": req.ID}).
				Warn("discarding mismatched feed frame")
			continue
		}
		return &resp, nil
	}
}

func (c *Client) redial(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("ws: redial %s: %w", c.url, err)
	}
	c.conn = conn
	c.log.Debug("reconnected to ledger event feed")
	return nil
}

func decodeEvent(we wireEvent) (ledger.Event, bool) {
	switch we.Type {
	case "embedding_registered":
		return ledger.EmbeddingRegistered{
			Position:           we.Position,
			EmbeddingID:        we.EmbeddingID,
			Owner:              we.Owner,
			Category:           we.Category,
			MetadataVector:     we.MetadataVector,
			ContentRef:         we.ContentRef,
			EncryptionIdentity: we.EncryptionIdentity,
			Timestamp:          we.Timestamp,
		}, true
	case "embedding_removed":
		return ledger.EmbeddingRemoved{
			Position:    we.Position,
			EmbeddingID: we.EmbeddingID,
			Timestamp:   we.Timestamp,
		}, true
	default:
		return nil, false
	}
}

// Close implements ledger.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
