// Package probe answers "which servers currently hold this blob" with a
// short positive-result cache in front of the per-server existence checks.
package probe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/store"
)

const defaultTTL = 30 * time.Second

// Status is one server's answer about one blob.
type Status int

const (
	// StatusUnknown means the server could not be asked or did not answer
	// in time. It is never cached.
	StatusUnknown Status = iota
	StatusAbsent
	StatusConfirmed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

type Config struct {
	Clients store.Factory
	TTL     time.Duration // how long a confirmed presence stays trusted
	Timeout time.Duration // per-server check budget, 0 = caller's context only
	Logger  *slog.Logger
}

// Probe checks blob presence across servers. Only confirmed presence is
// cached: a blob that was there recently is very likely still there, but
// an absent or unreachable server must be re-asked every time.
type Probe struct {
	clients store.Factory
	cache   *ttlcache.Cache[string, bool]
	timeout time.Duration
	logger  *slog.Logger
}

func New(cfg *Config) *Probe {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	cache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](ttl),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go cache.Start()

	return &Probe{
		clients: cfg.Clients,
		cache:   cache,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

func (p *Probe) Stop() {
	p.cache.Stop()
}

func cacheKey(server string, hash models.ContentHash) string {
	return server + ":" + hash.String()
}

// Check asks every server in parallel whether it holds hash. A server that
// cannot answer inside the budget reports StatusUnknown.
func (p *Probe) Check(ctx context.Context, hash models.ContentHash, servers []string) map[string]Status {
	results := make(map[string]Status, len(servers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, server := range servers {
		if item := p.cache.Get(cacheKey(server, hash)); item != nil && item.Value() {
			// Checks for earlier servers may already be in flight and
			// writing to the same map.
			mu.Lock()
			results[server] = StatusConfirmed
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			status := p.checkOne(ctx, server, hash)
			mu.Lock()
			results[server] = status
			mu.Unlock()
		}(server)
	}
	wg.Wait()
	return results
}

func (p *Probe) checkOne(ctx context.Context, server string, hash models.ContentHash) Status {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	client, err := p.clients(server)
	if err != nil {
		p.logger.Warn("probe skipping unusable server", "server", server, "error", err)
		return StatusUnknown
	}
	has, err := client.Has(ctx, hash)
	if err != nil {
		p.logger.Debug("probe check failed", "server", server, "hash", hash, "error", err)
		return StatusUnknown
	}
	if !has {
		return StatusAbsent
	}
	p.cache.Set(cacheKey(server, hash), true, ttlcache.DefaultTTL)
	return StatusConfirmed
}

// Redundancy reports the fraction of the given blobs confirmed present on
// more than one server. Zero hashes means redundancy is vacuously zero.
func (p *Probe) Redundancy(ctx context.Context, hashes []models.ContentHash, servers []string) float64 {
	if len(hashes) == 0 {
		return 0
	}
	redundant := 0
	for _, hash := range hashes {
		copies := 0
		for _, status := range p.Check(ctx, hash, servers) {
			if status == StatusConfirmed {
				copies++
			}
		}
		if copies > 1 {
			redundant++
		}
	}
	return float64(redundant) / float64(len(hashes))
}

// MirrorCandidates returns the servers from list not confirmed to hold
// hash, in list priority order, plus one confirmed source to copy from.
// A server that did not answer counts as missing the blob; mirroring to
// it at worst re-sends bytes it already has.
func (p *Probe) MirrorCandidates(ctx context.Context, hash models.ContentHash, list *models.ServerList) (source string, targets []string) {
	statuses := p.Check(ctx, hash, list.Servers)
	for _, server := range list.Servers {
		if statuses[server] == StatusConfirmed {
			if source == "" {
				source = server
			}
			continue
		}
		targets = append(targets, server)
	}
	return source, targets
}

// Forget drops the cached presence of hash on server, for callers that just
// deleted or failed to download the blob there.
func (p *Probe) Forget(server string, hash models.ContentHash) {
	p.cache.Delete(cacheKey(server, hash))
}
