package probe_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/probe"
	"github.com/sablewood/mediamesh/signer"
	"github.com/sablewood/mediamesh/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingServer struct {
	srv  *httptest.Server
	hits atomic.Int64
	has  bool
	hang time.Duration
}

func newCountingServer(t *testing.T, has bool, hang time.Duration) *countingServer {
	c := &countingServer{has: has, hang: hang}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.hits.Add(1)
		if c.hang > 0 {
			time.Sleep(c.hang)
		}
		if !c.has {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func newProbe(t *testing.T, ttl, timeout time.Duration) *probe.Probe {
	s, err := signer.NewKeySigner()
	require.NoError(t, err)
	p := probe.New(&probe.Config{
		Clients: store.NewFactory(&store.FactoryConfig{
			Signer:   s,
			Timeout:  2 * time.Second,
			Insecure: true,
			Logger:   testLogger(),
		}),
		TTL:     ttl,
		Timeout: timeout,
		Logger:  testLogger(),
	})
	t.Cleanup(p.Stop)
	return p
}

func TestCheckFansOut(t *testing.T) {
	holder := newCountingServer(t, true, 0)
	missing := newCountingServer(t, false, 0)
	p := newProbe(t, time.Minute, 0)

	hash := models.HashBytes([]byte("fan out"))
	statuses := p.Check(context.Background(), hash, []string{holder.srv.URL, missing.srv.URL})

	require.Equal(t, probe.StatusConfirmed, statuses[holder.srv.URL])
	require.Equal(t, probe.StatusAbsent, statuses[missing.srv.URL])
}

func TestCheckCachesConfirmedOnly(t *testing.T) {
	holder := newCountingServer(t, true, 0)
	missing := newCountingServer(t, false, 0)
	p := newProbe(t, time.Minute, 0)

	hash := models.HashBytes([]byte("cache me"))
	servers := []string{holder.srv.URL, missing.srv.URL}

	p.Check(context.Background(), hash, servers)
	p.Check(context.Background(), hash, servers)

	require.Equal(t, int64(1), holder.hits.Load(), "confirmed presence should come from cache")
	require.Equal(t, int64(2), missing.hits.Load(), "absence must be re-checked every time")
}

func TestCheckSlowServerIsUnknown(t *testing.T) {
	slow := newCountingServer(t, true, 500*time.Millisecond)
	p := newProbe(t, time.Minute, 50*time.Millisecond)

	hash := models.HashBytes([]byte("slow"))
	statuses := p.Check(context.Background(), hash, []string{slow.srv.URL})
	require.Equal(t, probe.StatusUnknown, statuses[slow.srv.URL])
}

func TestCheckMixedCachedAndLiveServers(t *testing.T) {
	holder := newCountingServer(t, true, 0)
	missingA := newCountingServer(t, false, 0)
	missingB := newCountingServer(t, false, 0)
	p := newProbe(t, time.Minute, 0)

	hash := models.HashBytes([]byte("mixed set"))

	// Prime the cache so the confirmed server answers without a request
	// while its neighbours still fan out.
	p.Check(context.Background(), hash, []string{holder.srv.URL})

	servers := []string{missingA.srv.URL, holder.srv.URL, missingB.srv.URL}
	const rounds = 8
	results := make([]map[string]probe.Status, rounds)
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Check(context.Background(), hash, servers)
		}(i)
	}
	wg.Wait()

	for _, statuses := range results {
		require.Equal(t, probe.StatusConfirmed, statuses[holder.srv.URL])
		require.Equal(t, probe.StatusAbsent, statuses[missingA.srv.URL])
		require.Equal(t, probe.StatusAbsent, statuses[missingB.srv.URL])
	}
}

func TestForgetDropsCachedPresence(t *testing.T) {
	holder := newCountingServer(t, true, 0)
	p := newProbe(t, time.Minute, 0)

	hash := models.HashBytes([]byte("forget"))
	p.Check(context.Background(), hash, []string{holder.srv.URL})
	p.Forget(holder.srv.URL, hash)
	p.Check(context.Background(), hash, []string{holder.srv.URL})

	require.Equal(t, int64(2), holder.hits.Load())
}

func TestRedundancy(t *testing.T) {
	a := newCountingServer(t, true, 0)
	b := newCountingServer(t, true, 0)
	p := newProbe(t, time.Minute, 0)

	everywhere := models.HashBytes([]byte("held by both"))
	bOnly := models.HashBytes([]byte("held by b"))
	a.srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+everywhere.String() {
			w.WriteHeader(http.StatusNotFound)
		}
	})

	hashes := []models.ContentHash{everywhere, bOnly}
	servers := []string{a.srv.URL, b.srv.URL}

	require.InDelta(t, 0.5, p.Redundancy(context.Background(), hashes, servers), 0.001,
		"one of two blobs sits on more than one server")
	require.Zero(t, p.Redundancy(context.Background(), nil, servers))
}

func TestMirrorCandidates(t *testing.T) {
	holder := newCountingServer(t, true, 0)
	missing := newCountingServer(t, false, 0)
	dead := "https://unreachable.invalid"
	p := newProbe(t, time.Minute, 200*time.Millisecond)

	hash := models.HashBytes([]byte("mirror me"))
	list := models.ServerList{Servers: []string{missing.srv.URL, holder.srv.URL, dead}}

	source, targets := p.MirrorCandidates(context.Background(), hash, &list)
	require.Equal(t, holder.srv.URL, source)
	require.Equal(t, []string{missing.srv.URL, dead}, targets,
		"servers that did not confirm the blob are all candidates")
}
