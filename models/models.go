package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ContentHash is the hex-encoded sha256 digest of a blob's bytes. It is the
// primary key for every storage operation and is only ever computed from
// content, never from metadata.
type ContentHash string

func HashBytes(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash(hex.EncodeToString(sum[:]))
}

func (h ContentHash) Valid() bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

func (h ContentHash) String() string {
	return string(h)
}

// Descriptor is the wire-level metadata record a storage server returns for
// a stored blob.
type Descriptor struct {
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Uploaded int64  `json:"uploaded"` // unix seconds
}

// Presence is one server's best-effort answer to "do you hold this blob".
// Servers may change state between checks.
type Presence struct {
	Present   bool
	CheckedAt time.Time
}

// Blob is the client-side merged view of one piece of media across the
// user's servers.
type Blob struct {
	Hash         ContentHash
	Size         int64
	Type         string
	Uploaded     time.Time
	Name         string // optional, from upload metadata
	Availability map[string]Presence
}

// BlobFromDescriptor builds a Blob seen on a single server.
func BlobFromDescriptor(d Descriptor, server string, at time.Time) Blob {
	return Blob{
		Hash:     ContentHash(d.SHA256),
		Size:     d.Size,
		Type:     d.Type,
		Uploaded: time.Unix(d.Uploaded, 0).UTC(),
		Availability: map[string]Presence{
			server: {Present: true, CheckedAt: at},
		},
	}
}

// ServerList is the user's ordered list of storage servers. Order encodes
// priority: index 0 is the primary. The value is immutable; mutation
// produces a new list via WithServers.
type ServerList struct {
	Owner     string
	Servers   []string
	UpdatedAt time.Time
}

// WithServers returns a new list carrying the given servers, stamped now.
// The input slice is copied so the old value stays untouched.
func (l ServerList) WithServers(servers []string) ServerList {
	cp := make([]string, len(servers))
	copy(cp, servers)
	return ServerList{
		Owner:     l.Owner,
		Servers:   cp,
		UpdatedAt: time.Now().UTC(),
	}
}

func (l ServerList) Primary() (string, bool) {
	if len(l.Servers) == 0 {
		return "", false
	}
	return l.Servers[0], true
}

func (l ServerList) Contains(server string) bool {
	for _, s := range l.Servers {
		if s == server {
			return true
		}
	}
	return false
}

// Event kinds understood by this module. The server list is a replaceable
// record: relays keep only the newest per owner.
const (
	KindRelayList     = 10002
	KindServerList    = 10063
	KindAuthorization = 24242
)

// Event is a signed record published to or fetched from relays. The ID is
// the sha256 of the canonical serialization, the signature covers the ID.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize produces the canonical form hashed into the event ID.
func (e *Event) Serialize() []byte {
	canonical := []any{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	out, _ := json.Marshal(canonical)
	return out
}

func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// TagValue returns the second element of the first tag whose first element
// matches name, or "" when absent.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the second element of every tag named name, in order.
func (e *Event) TagValues(name string) []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}
