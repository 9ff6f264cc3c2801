/*
Package orchestrator coordinates blob operations across the user's
storage servers. The servers trust nothing about each other, so every
guarantee here is client-side: upload succeeds when the primary holds
the blob, replication to the rest is asynchronous and best-effort,
deletion walks the list until one server accepts, and listing merges
whatever the reachable servers report.
*/
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sablewood/mediamesh/bytecache"
	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/retry"
	"github.com/sablewood/mediamesh/store"
)

const mirrorTimeout = 2 * time.Minute

type Config struct {
	Clients store.Factory
	Bytes   *bytecache.Cache
	Retry   retry.Policy
	Logger  *slog.Logger

	// OnMirrorDone, when set, observes the outcome of the detached
	// replication pass that follows each upload.
	OnMirrorDone func(hash models.ContentHash, results []MirrorResult)
}

type Orchestrator struct {
	clients      store.Factory
	bytes        *bytecache.Cache
	retry        retry.Policy
	logger       *slog.Logger
	onMirrorDone func(hash models.ContentHash, results []MirrorResult)

	// mirrors tracks detached replication goroutines so tests and
	// shutdown can wait for them.
	mirrors sync.WaitGroup
}

func New(cfg *Config) *Orchestrator {
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Orchestrator{
		clients:      cfg.Clients,
		bytes:        cfg.Bytes,
		retry:        policy,
		logger:       cfg.Logger,
		onMirrorDone: cfg.OnMirrorDone,
	}
}

// Wait blocks until all detached replication work has finished.
func (o *Orchestrator) Wait() {
	o.mirrors.Wait()
}

// Upload stores data on the list's primary server and returns as soon as
// the primary confirms. Replication to the remaining servers continues in
// the background and never affects this call's outcome.
func (o *Orchestrator) Upload(ctx context.Context, data []byte, contentType, name string, list *models.ServerList) (models.Blob, error) {
	var blob models.Blob
	if len(data) == 0 {
		return blob, models.ErrEmptyBlob
	}
	primary, ok := list.Primary()
	if !ok {
		return blob, models.ErrNoServersConfigured
	}

	hash := models.HashBytes(data)
	client, err := o.clients(primary)
	if err != nil {
		return blob, err
	}

	desc, err := retry.Do(ctx, o.retry, o.logger, retry.Classify, func() (models.Descriptor, error) {
		return client.Upload(ctx, data, hash, contentType)
	})
	if err != nil {
		return blob, errors.Wrapf(err, "upload of %s to primary %s failed", hash, primary)
	}

	if o.bytes != nil {
		if err := o.bytes.Put(hash, data); err != nil {
			o.logger.Warn("failed to cache uploaded bytes", "hash", hash, "error", err)
		}
	}

	blob = models.BlobFromDescriptor(desc, primary, time.Now().UTC())
	blob.Name = name

	if rest := list.Servers[1:]; len(rest) > 0 {
		o.mirrors.Add(1)
		go func(targets []string) {
			defer o.mirrors.Done()
			// The caller's context ends with their request. Replication
			// must outlive it.
			mirrorCtx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()
			o.replicate(mirrorCtx, hash, primary, targets)
		}(append([]string{}, rest...))
	}
	return blob, nil
}

func (o *Orchestrator) replicate(ctx context.Context, hash models.ContentHash, source string, targets []string) {
	results, err := o.Mirror(ctx, hash, source, targets)
	if err != nil {
		o.logger.Error("replication pass failed outright", "hash", hash, "error", err)
		if o.onMirrorDone != nil {
			o.onMirrorDone(hash, nil)
		}
		return
	}

	failures := map[string]error{}
	for _, result := range results {
		if result.Err != nil {
			failures[result.Server] = result.Err
		}
	}
	if len(failures) > 0 {
		partial := &models.PartialRedundancyError{Hash: hash, Failures: failures}
		o.logger.Warn("blob stored with reduced redundancy", "hash", hash, "failed", len(failures), "error", partial)
	}
	if o.onMirrorDone != nil {
		o.onMirrorDone(hash, results)
	}
}

// MirrorResult is the outcome of copying one blob toward one server.
type MirrorResult struct {
	Server         string
	AlreadyPresent bool
	Err            error
}

// Mirror copies hash onto each target, downloading from source at most
// once. Targets already holding the blob are skipped. Per-target failures
// are reported individually so one bad server cannot hide the others'
// success.
func (o *Orchestrator) Mirror(ctx context.Context, hash models.ContentHash, source string, targets []string) ([]MirrorResult, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	data, err := o.fetchBytes(ctx, hash, source)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot mirror %s: no readable copy", hash)
	}

	results := make([]MirrorResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			results[i] = o.mirrorOne(ctx, hash, data, target)
		}(i, target)
	}
	wg.Wait()
	return results, nil
}

func (o *Orchestrator) mirrorOne(ctx context.Context, hash models.ContentHash, data []byte, target string) MirrorResult {
	result := MirrorResult{Server: target}

	client, err := o.clients(target)
	if err != nil {
		result.Err = err
		return result
	}

	has, err := client.Has(ctx, hash)
	if err == nil && has {
		result.AlreadyPresent = true
		o.logger.Debug("mirror target already holds blob", "hash", hash, "server", target)
		return result
	}

	_, err = retry.Do(ctx, o.retry, o.logger, retry.Classify, func() (models.Descriptor, error) {
		return client.Upload(ctx, data, hash, "")
	})
	if err != nil {
		result.Err = errors.Wrapf(err, "mirror to %s failed", target)
	}
	return result
}

// fetchBytes returns the blob's bytes from the local byte cache when
// possible, falling back to a verified download from source.
func (o *Orchestrator) fetchBytes(ctx context.Context, hash models.ContentHash, source string) ([]byte, error) {
	if o.bytes != nil {
		if data, ok := o.bytes.Get(hash); ok {
			return data, nil
		}
	}
	if source == "" {
		return nil, errors.Errorf("blob %s not cached and no source server given", hash)
	}

	client, err := o.clients(source)
	if err != nil {
		return nil, err
	}
	data, err := retry.Do(ctx, o.retry, o.logger, retry.Classify, func() ([]byte, error) {
		return client.Download(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	if o.bytes != nil {
		if err := o.bytes.Put(hash, data); err != nil {
			o.logger.Warn("failed to cache downloaded bytes", "hash", hash, "error", err)
		}
	}
	return data, nil
}

// DeleteWithFallback tries each server in priority order and stops at the
// first acceptance. Servers authorize deletes independently, so a refusal
// from one says nothing about the next. All refusing means the blob is
// still fully present and the caller gets every reason.
func (o *Orchestrator) DeleteWithFallback(ctx context.Context, hash models.ContentHash, list *models.ServerList) error {
	if len(list.Servers) == 0 {
		return models.ErrNoServersConfigured
	}

	reasons := map[string]error{}
	for _, server := range list.Servers {
		if err := ctx.Err(); err != nil {
			return err
		}

		client, err := o.clients(server)
		if err != nil {
			reasons[server] = err
			continue
		}
		err = retry.DoVoid(ctx, o.retry, o.logger, retry.Classify, func() error {
			return client.Delete(ctx, hash)
		})
		if err == nil {
			o.logger.Info("blob deleted", "hash", hash, "server", server)
			if o.bytes != nil {
				o.bytes.Delete(hash)
			}
			return nil
		}
		o.logger.Debug("delete refused, falling through", "hash", hash, "server", server, "error", err)
		reasons[server] = err
	}
	return &models.TotalFailure{Op: "delete", Reasons: reasons}
}

// ListResult is the merged view of every reachable server's listing.
type ListResult struct {
	Blobs     map[models.ContentHash]models.Blob
	Reachable map[string]bool
	// Partial marks a view assembled while at least one server was
	// unreachable. Blobs held only there are invisible in this result.
	Partial bool
}

// ListBlobs queries every server in parallel and merges the results. Blob
// metadata comes from the highest-priority server that reported it, while
// availability is the union across servers.
func (o *Orchestrator) ListBlobs(ctx context.Context, list *models.ServerList) (*ListResult, error) {
	if len(list.Servers) == 0 {
		return nil, models.ErrNoServersConfigured
	}

	type listing struct {
		descriptors []models.Descriptor
		err         error
	}
	listings := make([]listing, len(list.Servers))

	var wg sync.WaitGroup
	for i, server := range list.Servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			client, err := o.clients(server)
			if err != nil {
				listings[i].err = err
				return
			}
			listings[i].descriptors, listings[i].err = retry.Do(ctx, o.retry, o.logger, retry.Classify, func() ([]models.Descriptor, error) {
				return client.List(ctx, list.Owner)
			})
		}(i, server)
	}
	wg.Wait()

	result := &ListResult{
		Blobs:     map[models.ContentHash]models.Blob{},
		Reachable: map[string]bool{},
	}
	reasons := map[string]error{}
	now := time.Now().UTC()

	for i, server := range list.Servers {
		if listings[i].err != nil {
			result.Reachable[server] = false
			result.Partial = true
			reasons[server] = listings[i].err
			o.logger.Warn("server listing unavailable", "server", server, "error", listings[i].err)
			continue
		}
		result.Reachable[server] = true

		for _, desc := range listings[i].descriptors {
			hash := models.ContentHash(desc.SHA256)
			if !hash.Valid() {
				o.logger.Warn("server listed blob with invalid hash", "server", server, "hash", desc.SHA256)
				continue
			}
			existing, seen := result.Blobs[hash]
			if !seen {
				result.Blobs[hash] = models.BlobFromDescriptor(desc, server, now)
				continue
			}
			// Earlier servers outrank later ones for metadata; this
			// server only adds availability.
			existing.Availability[server] = models.Presence{Present: true, CheckedAt: now}
			result.Blobs[hash] = existing
		}
	}

	if len(reasons) == len(list.Servers) {
		return nil, &models.TotalFailure{Op: "list", Reasons: reasons}
	}
	return result, nil
}
