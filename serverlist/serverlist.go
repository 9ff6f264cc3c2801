/*
Package serverlist resolves and maintains the user's ordered storage
server list, published to relays as a replaceable signed record. Relays
keep only the newest record per owner, so every edit is a full rewrite
of the list rather than a delta.
*/
package serverlist

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/relay"
	"github.com/sablewood/mediamesh/signer"
)

// Discovery is the relay surface this package needs.
type Discovery interface {
	Query(ctx context.Context, relays []string, f relay.Filter) ([]models.Event, error)
	Publish(ctx context.Context, relays []string, ev models.Event) []relay.PublishResult
}

type Config struct {
	Discovery     Discovery
	Signer        signer.Signer
	DefaultRelays []string // where lookups start
	PublishRelays []string // where edits go, empty = resolved write relays
	Logger        *slog.Logger
}

// Store reads and writes server lists through relays.
type Store struct {
	discovery     Discovery
	signer        signer.Signer
	defaultRelays []string
	logger        *slog.Logger

	mu             sync.Mutex
	publishTargets []string
}

func New(cfg *Config) *Store {
	return &Store{
		discovery:      cfg.Discovery,
		signer:         cfg.Signer,
		defaultRelays:  cfg.DefaultRelays,
		publishTargets: cfg.PublishRelays,
		logger:         cfg.Logger,
	}
}

// SetPublishTargets overrides where list edits are published.
func (s *Store) SetPublishTargets(relays []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishTargets = make([]string, len(relays))
	copy(s.publishTargets, relays)
}

func (s *Store) currentPublishTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.publishTargets))
	copy(out, s.publishTargets)
	return out
}

// Resolve finds owner's server list. Lookup is two-phase: the default
// relays are asked first, and when they hold nothing the owner's own
// relay list is fetched and its write relays are asked too. Owners often
// publish only to their own relays, so the second hop matters.
func (s *Store) Resolve(ctx context.Context, owner string) (*models.ServerList, error) {
	if list := s.queryList(ctx, s.defaultRelays, owner); list != nil {
		return list, nil
	}

	writeRelays, err := s.DeriveWriteRelays(ctx, owner)
	if err != nil || len(writeRelays) == 0 {
		return nil, fmt.Errorf("owner %s: %w", owner, models.ErrServerListNotFound)
	}
	if list := s.queryList(ctx, writeRelays, owner); list != nil {
		return list, nil
	}
	return nil, fmt.Errorf("owner %s: %w", owner, models.ErrServerListNotFound)
}

func (s *Store) queryList(ctx context.Context, relays []string, owner string) *models.ServerList {
	events, err := s.discovery.Query(ctx, relays, relay.Filter{
		Authors: []string{owner},
		Kinds:   []int{models.KindServerList},
		Limit:   1,
	})
	if err != nil {
		s.logger.Debug("server list query failed", "owner", owner, "error", err)
		return nil
	}

	newest := newestValid(events, owner)
	if newest == nil {
		return nil
	}

	var servers []string
	for _, raw := range newest.TagValues("server") {
		server := strings.TrimRight(raw, "/")
		if err := ValidateServerURL(server); err != nil {
			s.logger.Warn("dropping invalid server from published list", "owner", owner, "server", raw, "error", err)
			continue
		}
		servers = append(servers, server)
	}

	list := models.ServerList{Owner: owner}.WithServers(servers)
	return &list
}

// newestValid picks the newest correctly signed event authored by owner.
// Relays are untrusted: anything unsigned or mis-attributed is discarded.
func newestValid(events []models.Event, owner string) *models.Event {
	var newest *models.Event
	for i := range events {
		ev := &events[i]
		if ev.PubKey != owner {
			continue
		}
		if ok, err := signer.Verify(ev); err != nil || !ok {
			continue
		}
		if newest == nil || ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}
	return newest
}

// ValidateServerURL accepts absolute https URLs with a host and nothing
// else. Query strings and fragments have no meaning in a server identity.
func ValidateServerURL(server string) error {
	u, err := url.Parse(server)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", models.ErrInvalidServerURL, server, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: %q: https required", models.ErrInvalidServerURL, server)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", models.ErrInvalidServerURL, server)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%w: %q: query and fragment not allowed", models.ErrInvalidServerURL, server)
	}
	return nil
}

// Add appends server to the list and publishes the result. Duplicates are
// detected after trailing-slash normalization.
func (s *Store) Add(ctx context.Context, list *models.ServerList, server string) (*models.ServerList, error) {
	server = strings.TrimRight(server, "/")
	if err := ValidateServerURL(server); err != nil {
		return nil, err
	}
	if list.Contains(server) {
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicateServer, server)
	}

	next := list.WithServers(append(append([]string{}, list.Servers...), server))
	if err := s.persist(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Remove drops server from the list and publishes the result. Removing a
// server that is not present is not an error: the desired state already
// holds.
func (s *Store) Remove(ctx context.Context, list *models.ServerList, server string) (*models.ServerList, error) {
	server = strings.TrimRight(server, "/")
	if !list.Contains(server) {
		return list, nil
	}

	var servers []string
	for _, existing := range list.Servers {
		if existing != server {
			servers = append(servers, existing)
		}
	}
	next := list.WithServers(servers)
	if err := s.persist(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Reorder rewrites the list in the given priority order. Entries in order
// that are unknown or invalid are ignored, and servers the caller omitted
// keep their old relative order after the reordered ones. Reordering can
// therefore never lose a server.
func (s *Store) Reorder(ctx context.Context, list *models.ServerList, order []string) (*models.ServerList, error) {
	seen := map[string]bool{}
	var servers []string
	for _, raw := range order {
		server := strings.TrimRight(raw, "/")
		if seen[server] || !list.Contains(server) {
			continue
		}
		seen[server] = true
		servers = append(servers, server)
	}
	for _, existing := range list.Servers {
		if !seen[existing] {
			servers = append(servers, existing)
		}
	}

	next := list.WithServers(servers)
	if err := s.persist(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// persist signs the list as a replaceable event and publishes it. At least
// one relay must acknowledge, otherwise the edit is considered lost and an
// error is returned so the caller does not trust a phantom update.
func (s *Store) persist(ctx context.Context, list *models.ServerList) error {
	tags := make([][]string, 0, len(list.Servers))
	for _, server := range list.Servers {
		tags = append(tags, []string{"server", server})
	}
	ev := models.Event{
		Kind: models.KindServerList,
		Tags: tags,
	}
	if err := s.signer.Sign(ctx, &ev); err != nil {
		return fmt.Errorf("failed to sign server list: %w", err)
	}

	targets := s.currentPublishTargets()
	if len(targets) == 0 {
		if writeRelays, err := s.DeriveWriteRelays(ctx, s.signer.PublicKey()); err == nil && len(writeRelays) > 0 {
			targets = writeRelays
		} else {
			targets = s.defaultRelays
		}
	}

	results := s.discovery.Publish(ctx, targets, ev)
	accepted := 0
	for _, result := range results {
		if result.OK {
			accepted++
			continue
		}
		s.logger.Warn("relay rejected server list", "relay", result.Relay, "reason", result.Reason, "error", result.Err)
	}
	if accepted == 0 {
		return fmt.Errorf("no relay accepted the server list update")
	}
	s.logger.Info("server list published", "servers", len(list.Servers), "relays", accepted)
	return nil
}

// DeriveWriteRelays fetches owner's relay list and returns the relays it
// marks for writing. A relay tagged with no marker serves both directions.
func (s *Store) DeriveWriteRelays(ctx context.Context, owner string) ([]string, error) {
	events, err := s.discovery.Query(ctx, s.defaultRelays, relay.Filter{
		Authors: []string{owner},
		Kinds:   []int{models.KindRelayList},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	newest := newestValid(events, owner)
	if newest == nil {
		return nil, nil
	}

	var writeRelays []string
	for _, tag := range newest.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		if len(tag) >= 3 && tag[2] == "read" {
			continue
		}
		writeRelays = append(writeRelays, tag[1])
	}
	return writeRelays, nil
}

// Fingerprint is a stable digest of the list's content, used to detect
// whether a re-resolved list actually changed.
func Fingerprint(list *models.ServerList) string {
	sum := blake2b.Sum256([]byte(strings.Join(list.Servers, "\n")))
	return hex.EncodeToString(sum[:])
}
