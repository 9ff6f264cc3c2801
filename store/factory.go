package store

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sablewood/mediamesh/signer"
)

// Factory hands out the per-server client for a server URL. Clients are
// memoized: limiter state must survive across calls so the client-side
// rate limit actually limits.
type Factory func(server string) (*Client, error)

type FactoryConfig struct {
	Signer     signer.Signer
	Timeout    time.Duration
	Limit      rate.Limit
	Burst      int
	SkipVerify bool
	Insecure   bool
	Logger     *slog.Logger
}

func NewFactory(cfg *FactoryConfig) Factory {
	var mu sync.Mutex
	clients := map[string]*Client{}

	return func(server string) (*Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[server]; ok {
			return c, nil
		}
		c, err := New(&Config{
			Server:     server,
			Signer:     cfg.Signer,
			Timeout:    cfg.Timeout,
			Limit:      cfg.Limit,
			Burst:      cfg.Burst,
			SkipVerify: cfg.SkipVerify,
			Insecure:   cfg.Insecure,
			Logger:     cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		clients[server] = c
		return c, nil
	}
}
