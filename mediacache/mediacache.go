/*
Package mediacache holds the merged media view so that rendering code can
ask for "all my media" repeatedly without a storm of server listings.

One fetch runs at a time. Callers arriving while a fetch is in flight
wait for that fetch instead of starting their own, and a failed refresh
keeps serving the previous view marked stale rather than forgetting it.
*/
package mediacache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/orchestrator"
	"github.com/sablewood/mediamesh/serverlist"
)

type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateStale
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	default:
		return "empty"
	}
}

// Lister is the listing surface this cache refreshes from.
type Lister interface {
	ListBlobs(ctx context.Context, list *models.ServerList) (*orchestrator.ListResult, error)
}

// Entry is one materialized view of the user's media. Entries handed out
// by Fetch are snapshots: later cache updates never touch them.
type Entry struct {
	Blobs       map[models.ContentHash]models.Blob
	Fingerprint string // of the server list that produced this view
	FetchedAt   time.Time
	Partial     bool
}

func (e *Entry) snapshot() *Entry {
	if e == nil {
		return nil
	}
	blobs := make(map[models.ContentHash]models.Blob, len(e.Blobs))
	for hash, blob := range e.Blobs {
		blobs[hash] = blob
	}
	return &Entry{
		Blobs:       blobs,
		Fingerprint: e.Fingerprint,
		FetchedAt:   e.FetchedAt,
		Partial:     e.Partial,
	}
}

const defaultTTL = 5 * time.Minute

type Config struct {
	Lister Lister
	TTL    time.Duration
	Logger *slog.Logger
}

type Cache struct {
	lister Lister
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time // swapped in tests

	mu       sync.Mutex
	entry    *Entry
	loading  bool
	inflight chan struct{} // closed when the running fetch settles
	lastErr  error
}

func New(cfg *Config) *Cache {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &Cache{
		lister: cfg.Lister,
		ttl:    ttl,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// State reports the cache's current lifecycle position.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Cache) stateLocked() State {
	switch {
	case c.loading:
		return StateLoading
	case c.entry == nil:
		return StateEmpty
	case c.staleLocked(c.entry.Fingerprint):
		return StateStale
	default:
		return StateReady
	}
}

func (c *Cache) staleLocked(fingerprint string) bool {
	if c.entry == nil {
		return true
	}
	if c.now().Sub(c.entry.FetchedAt) > c.ttl {
		return true
	}
	return c.entry.Fingerprint != fingerprint
}

// IsStale reports whether the cached view no longer speaks for list,
// either by age or because the list itself changed.
func (c *Cache) IsStale(list *models.ServerList) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleLocked(serverlist.Fingerprint(list))
}

// Fetch returns the media view for list. A fresh cached view is returned
// as is unless force is set. Otherwise one listing round runs, with every
// concurrent caller waiting on it rather than adding load. When the round
// fails and an old view exists, that view is returned alongside the error
// so callers can keep rendering while showing the failure.
func (c *Cache) Fetch(ctx context.Context, list *models.ServerList, force bool) (*Entry, error) {
	fingerprint := serverlist.Fingerprint(list)

	c.mu.Lock()
	if c.loading {
		wait := c.inflight
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// Ride on whatever the in-flight fetch resolved to.
		c.mu.Lock()
		entry, err := c.entry.snapshot(), c.lastErr
		c.mu.Unlock()
		return entry, err
	}
	if !force && c.entry != nil && !c.staleLocked(fingerprint) {
		entry := c.entry.snapshot()
		c.mu.Unlock()
		return entry, nil
	}

	c.loading = true
	c.inflight = make(chan struct{})
	c.mu.Unlock()

	result, err := c.lister.ListBlobs(ctx, list)

	c.mu.Lock()
	defer func() {
		close(c.inflight)
		c.loading = false
		c.mu.Unlock()
	}()

	if err != nil {
		c.lastErr = err
		if c.entry != nil {
			c.logger.Warn("media refresh failed, serving stale view", "age", c.now().Sub(c.entry.FetchedAt), "error", err)
			// Zeroing the timestamp pushes the view past any TTL so
			// nothing mistakes it for fresh.
			c.entry.FetchedAt = time.Time{}
			return c.entry.snapshot(), err
		}
		return nil, err
	}

	c.lastErr = nil
	c.entry = &Entry{
		Blobs:       result.Blobs,
		Fingerprint: fingerprint,
		FetchedAt:   c.now(),
		Partial:     result.Partial,
	}
	return c.entry.snapshot(), nil
}

// RemoveMedia drops hash from the cached view. Used after a confirmed
// delete so the media never flickers back before the next refresh.
func (c *Cache) RemoveMedia(hash models.ContentHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry != nil {
		delete(c.entry.Blobs, hash)
	}
}

// LastError returns the failure of the most recent fetch, nil after a
// successful one.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
