/*
Websocket discovery client.

Relays hold the signed records the orchestration core depends on: the
per-owner server list and relay metadata. The protocol is line-oriented
JSON arrays: ["REQ", sub, filter] opens a subscription answered by
["EVENT", sub, event] frames and terminated by ["EOSE", sub];
["EVENT", event] publishes and is answered by ["OK", id, accepted, reason].
*/

package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sablewood/mediamesh/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNoRelays        = errors.New("no relays to query")
	ErrAllRelaysFailed = errors.New("all relays failed")
)

// Filter narrows a query to specific authors and kinds.
type Filter struct {
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// PublishResult is one relay's answer to a publish.
type PublishResult struct {
	Relay  string
	OK     bool
	Reason string
	Err    error
}

type Config struct {
	Logger     *slog.Logger
	Timeout    time.Duration // per-relay round, defaults to 10s
	SkipVerify bool
}

type Client struct {
	logger  *slog.Logger
	dialer  *websocket.Dialer
	timeout time.Duration
}

func New(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipVerify,
		},
	}
	return &Client{
		logger:  cfg.Logger.WithGroup("relay"),
		dialer:  dialer,
		timeout: timeout,
	}
}

// Query fans one subscription out to every relay, waits for each to settle
// (EOSE, timeout or failure) and returns the union of events deduplicated
// by id. Only universal failure is an error; a reachable subset is a
// usable result.
func (c *Client) Query(ctx context.Context, relays []string, f Filter) ([]models.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	type answer struct {
		relay  string
		events []models.Event
		err    error
	}

	answers := make(chan answer, len(relays))
	var wg sync.WaitGroup
	for _, r := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			events, err := c.queryOne(ctx, relayURL, f)
			answers <- answer{relay: relayURL, events: events, err: err}
		}(r)
	}
	wg.Wait()
	close(answers)

	seen := map[string]bool{}
	var merged []models.Event
	failures := 0
	for a := range answers {
		if a.err != nil {
			failures++
			c.logger.Warn("relay query failed", "relay", a.relay, "error", a.err)
			continue
		}
		for _, ev := range a.events {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			merged = append(merged, ev)
		}
	}
	if failures == len(relays) {
		return nil, fmt.Errorf("%w: %d relays", ErrAllRelaysFailed, len(relays))
	}
	return merged, nil
}

// Publish sends the event to every relay and reports per-relay acks.
// Results are never collapsed into one boolean.
func (c *Client) Publish(ctx context.Context, relays []string, ev models.Event) []PublishResult {
	results := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, r := range relays {
		wg.Add(1)
		go func(idx int, relayURL string) {
			defer wg.Done()
			ok, reason, err := c.publishOne(ctx, relayURL, ev)
			results[idx] = PublishResult{Relay: relayURL, OK: ok, Reason: reason, Err: err}
		}(i, r)
	}
	wg.Wait()
	return results
}

func (c *Client) queryOne(ctx context.Context, relayURL string, f Filter) ([]models.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	subID := uuid.NewString()[:8]
	req := []any{"REQ", subID, f}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send REQ to %s: %w", relayURL, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var events []models.Event
	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("read from %s failed: %w", relayURL, err)
		}
		if len(frame) == 0 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}
		switch label {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var sub string
			if err := json.Unmarshal(frame[1], &sub); err != nil || sub != subID {
				continue
			}
			var ev models.Event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				c.logger.Debug("dropping unparseable event", "relay", relayURL, "error", err)
				continue
			}
			events = append(events, ev)
		case "EOSE":
			_ = conn.WriteJSON([]any{"CLOSE", subID})
			return events, nil
		case "NOTICE":
			c.logger.Debug("relay notice", "relay", relayURL, "frame", string(frame[len(frame)-1]))
		}
	}
}

func (c *Client) publishOne(ctx context.Context, relayURL string, ev models.Event) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, relayURL)
	if err != nil {
		return false, "", err
	}
	defer conn.Close()

	if err := conn.WriteJSON([]any{"EVENT", ev}); err != nil {
		return false, "", fmt.Errorf("failed to send EVENT to %s: %w", relayURL, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return false, "", fmt.Errorf("no ack from %s: %w", relayURL, err)
		}
		if len(frame) < 3 {
			continue
		}
		var label, id string
		if err := json.Unmarshal(frame[0], &label); err != nil || label != "OK" {
			continue
		}
		if err := json.Unmarshal(frame[1], &id); err != nil || id != ev.ID {
			continue
		}
		var accepted bool
		_ = json.Unmarshal(frame[2], &accepted)
		reason := ""
		if len(frame) >= 4 {
			_ = json.Unmarshal(frame[3], &reason)
		}
		return accepted, reason, nil
	}
}

func (c *Client) dial(ctx context.Context, relayURL string) (*websocket.Conn, error) {
	wsURL, err := toWebsocketURL(relayURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial relay %s (status %s): %w", relayURL, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial relay %s: %w", relayURL, err)
	}
	return conn, nil
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		// already a websocket url
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", raw)
	}
	return u.String(), nil
}
