/*
Per-server client for the content-addressed storage protocol subset:

	PUT    /<hash>        upload (auth)      -> descriptor
	GET    /<hash>        download           -> raw bytes
	HEAD   /<hash>        existence check
	DELETE /<hash>        delete (auth)      -> ack
	GET    /list/<owner>  owner listing      -> []descriptor

Servers are mutually untrusting: every authorized call carries a freshly
minted, server-scoped signed authorization. Tokens are consumed exactly
once and never cached or reused across servers or operations.
*/

package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/signer"
)

const (
	defaultTimeout = 10 * time.Second
	maxRedirects   = 10
	tokenLifetime  = 60 * time.Second
	maxErrorBody   = 4 << 10
)

type Config struct {
	Server     string // base url, https required unless Insecure
	Signer     signer.Signer
	Timeout    time.Duration
	Limit      rate.Limit // client-side requests/second toward this server
	Burst      int
	SkipVerify bool
	Insecure   bool // permit plain http, for local development only
	Logger     *slog.Logger
}

// Client talks to exactly one storage server.
type Client struct {
	server     string
	baseURL    *url.URL
	httpClient *http.Client
	signer     signer.Signer
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func New(cfg *Config) (*Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("%w: empty", models.ErrInvalidServerURL)
	}
	baseURL, err := url.Parse(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", models.ErrInvalidServerURL, cfg.Server, err)
	}
	if baseURL.Scheme != "https" && !(cfg.Insecure && baseURL.Scheme == "http") {
		return nil, fmt.Errorf("%w: %q: https required", models.ErrInvalidServerURL, cfg.Server)
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limit := cfg.Limit
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 1
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Client{
		server:     strings.TrimRight(cfg.Server, "/"),
		baseURL:    baseURL,
		httpClient: httpClient,
		signer:     cfg.Signer,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     cfg.Logger.With("server", cfg.Server),
	}, nil
}

func (c *Client) Server() string {
	return c.server
}

// Upload stores data under its hash and returns the server's descriptor.
func (c *Client) Upload(ctx context.Context, data []byte, hash models.ContentHash, contentType string) (models.Descriptor, error) {
	var desc models.Descriptor
	body, err := c.do(ctx, http.MethodPut, "/"+hash.String(), data, contentType, "upload", hash)
	if err != nil {
		return desc, err
	}
	if err := json.Unmarshal(body, &desc); err != nil {
		return desc, fmt.Errorf("server %s returned unparseable descriptor: %w", c.server, err)
	}
	if desc.SHA256 == "" {
		desc.SHA256 = hash.String()
	}
	return desc, nil
}

// Download fetches the blob's bytes and verifies them against the hash.
// A server returning different bytes is treated as not holding the blob.
func (c *Client) Download(ctx context.Context, hash models.ContentHash) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/"+hash.String(), nil, "", "", hash)
	if err != nil {
		return nil, err
	}
	if models.HashBytes(data) != hash {
		return nil, &models.ServerError{
			Server:  c.server,
			Message: fmt.Sprintf("content hash mismatch for %s", hash),
		}
	}
	return data, nil
}

// Has reports whether the server currently serves the blob.
func (c *Client) Has(ctx context.Context, hash models.ContentHash) (bool, error) {
	_, err := c.do(ctx, http.MethodHead, "/"+hash.String(), nil, "", "", hash)
	if err != nil {
		if errors.Is(err, models.ErrBlobNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes the blob. Missing blobs delete successfully: the desired
// state is already true.
func (c *Client) Delete(ctx context.Context, hash models.ContentHash) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+hash.String(), nil, "", "delete", hash)
	if errors.Is(err, models.ErrBlobNotFound) {
		return nil
	}
	return err
}

// List returns the descriptors the server holds for owner.
func (c *Client) List(ctx context.Context, owner string) ([]models.Descriptor, error) {
	body, err := c.do(ctx, http.MethodGet, "/list/"+owner, nil, "", "list", "")
	if err != nil {
		return nil, err
	}
	var descriptors []models.Descriptor
	if err := json.Unmarshal(body, &descriptors); err != nil {
		return nil, fmt.Errorf("server %s returned unparseable listing: %w", c.server, err)
	}
	return descriptors, nil
}

// do performs one request with manual redirect handling so the method is
// preserved across 301/302/303 the way the protocol expects. Each hop that
// names a verb carries its own freshly minted authorization, so no token
// is ever presented twice even when a redirect crosses hosts.
func (c *Client) do(ctx context.Context, method, path string, reqBody []byte, contentType, authVerb string, hash models.ContentHash) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	currentURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	for redirects := 0; redirects < maxRedirects; redirects++ {
		req, err := http.NewRequestWithContext(ctx, method, currentURL.String(), bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("failed to create request %s %s: %w", method, currentURL, err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if authVerb != "" {
			token, err := c.mintAuthorization(ctx, authVerb, hash)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", token)
		}

		c.logger.Debug("sending request", "method", method, "url", currentURL.String(), "hop", redirects+1)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request %s %s cancelled: %w", method, currentURL, ctx.Err())
			}
			// Transport-level failures (resets, refused connections,
			// client timeouts) are all retry-eligible.
			return nil, &models.ServerError{
				Server:    c.server,
				Message:   err.Error(),
				Transient: true,
			}
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, &models.ServerError{
					Server:     c.server,
					StatusCode: resp.StatusCode,
					Message:    "redirect missing Location header",
				}
			}
			next, err := currentURL.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("failed to parse redirect Location %q: %w", loc, err)
			}
			c.logger.Debug("request redirected", "from", currentURL.String(), "to", next.String())
			currentURL = next
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, c.statusError(resp)
		}
		if method == http.MethodHead {
			return nil, nil
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &models.ServerError{
				Server:    c.server,
				Message:   fmt.Sprintf("failed reading response body: %v", err),
				Transient: true,
			}
		}
		return body, nil
	}
	return nil, &models.ServerError{
		Server:  c.server,
		Message: fmt.Sprintf("stopped after %d redirects", maxRedirects),
	}
}

func (c *Client) statusError(resp *http.Response) error {
	message := resp.Header.Get("X-Reason")
	if message == "" {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("server %s: %w: %s", c.server, models.ErrUnauthorized, message)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("server %s: %w", c.server, models.ErrBlobNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &models.RateLimitError{
			Server:     c.server,
			RetryAfter: retryAfter(resp),
		}
	case resp.StatusCode >= 500:
		return &models.ServerError{
			Server:     c.server,
			StatusCode: resp.StatusCode,
			Message:    message,
			Transient:  true,
		}
	default:
		return &models.ServerError{
			Server:     c.server,
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

// mintAuthorization builds, signs and encodes a single-use authorization
// scoped to one verb on one server.
func (c *Client) mintAuthorization(ctx context.Context, verb string, hash models.ContentHash) (string, error) {
	tags := [][]string{
		{"t", verb},
		{"server", c.server},
		{"expiration", strconv.FormatInt(time.Now().Add(tokenLifetime).Unix(), 10)},
	}
	if hash != "" {
		tags = append(tags, []string{"x", hash.String()})
	}
	ev := &models.Event{
		Kind: models.KindAuthorization,
		Tags: tags,
	}
	if err := c.signer.Sign(ctx, ev); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return "Signed " + base64.StdEncoding.EncodeToString(raw), nil
}
