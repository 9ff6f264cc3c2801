package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNoServersConfigured = errors.New("no storage servers configured")
	ErrInvalidServerURL    = errors.New("invalid server url")
	ErrDuplicateServer     = errors.New("server already in list")
	ErrServerListNotFound  = errors.New("server list not found")
	ErrBlobNotFound        = errors.New("blob not found")
	ErrEmptyBlob           = errors.New("blob is empty")
	ErrUnauthorized        = errors.New("authorization rejected")
)

// ServerError is a failure reported by (or while reaching) a single storage
// server. Transient errors are eligible for retry, everything else is
// surfaced immediately.
type ServerError struct {
	Server     string
	StatusCode int // 0 when the request never completed
	Message    string
	Transient  bool
}

func (e *ServerError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("server %s returned %d: %s", e.Server, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server %s unreachable: %s", e.Server, e.Message)
}

func (e *ServerError) Temporary() bool {
	return e.Transient
}

// RateLimitError carries the server-indicated wait. The retry policy honors
// it exactly once per run, with no backoff growth.
type RateLimitError struct {
	Server     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("server %s rate limited, retry after %s", e.Server, e.RetryAfter)
}

// TotalFailure means every server in the relevant list failed an operation.
// The per-server reasons are preserved for the caller.
type TotalFailure struct {
	Op      string
	Reasons map[string]error
}

func (e *TotalFailure) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("%s failed: no servers to try", e.Op)
	}
	servers := make([]string, 0, len(e.Reasons))
	for s := range e.Reasons {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	parts := make([]string, 0, len(servers))
	for _, s := range servers {
		parts = append(parts, fmt.Sprintf("%s: %v", s, e.Reasons[s]))
	}
	return fmt.Sprintf("%s failed on all %d servers: %s", e.Op, len(e.Reasons), strings.Join(parts, "; "))
}

// PartialRedundancyError records mirror targets that failed after the
// primary already accepted the blob. It is logged, never returned as the
// outcome of the upload that produced it.
type PartialRedundancyError struct {
	Hash     ContentHash
	Failures map[string]error
}

func (e *PartialRedundancyError) Error() string {
	return fmt.Sprintf("blob %s mirrored with %d failed targets", e.Hash, len(e.Failures))
}
