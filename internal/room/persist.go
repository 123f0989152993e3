package room

import (
	"encoding/json"
	"time"
)

// FlushPolicy controls when a dirty room is flushed and how failures back
// off. Rate-limited failures (HTTP 403/429) start from a much larger base
// so the server stops hammering a throttling store.
type FlushPolicy struct {
	OpsThreshold     int
	FlushInterval    time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	RateLimitBase    time.Duration
	RateLimitMax     time.Duration
	MaxEvictFailures int // consecutive failures before an empty room is evicted anyway
}

// DefaultFlushPolicy mirrors the server's default configuration.
func DefaultFlushPolicy() FlushPolicy {
	return FlushPolicy{
		OpsThreshold:     50,
		FlushInterval:    30 * time.Second,
		BackoffBase:      5 * time.Second,
		BackoffMax:       60 * time.Second,
		RateLimitBase:    60 * time.Second,
		RateLimitMax:     10 * time.Minute,
		MaxEvictFailures: 10,
	}
}

// FlushSnapshot freezes the document and version at the moment a flush
// starts, so a completion arriving after further writes can be detected as
// stale.
type FlushSnapshot struct {
	Doc     json.RawMessage
	Version int64
	Started time.Time
}

// Dirty reports whether the room has accepted writes not yet persisted.
func (r *Room) Dirty() bool { return r.dirty }

// InFlight reports whether a flush is currently running.
func (r *Room) InFlight() bool { return r.inFlight }

// LastPersistedVersion returns the version last confirmed durable.
func (r *Room) LastPersistedVersion() int64 { return r.lastPersistedVersion }

// BackoffUntil returns the end of the current backoff window.
func (r *Room) BackoffUntil() time.Time { return r.backoffUntil }

// FlushFailures returns the count of consecutive failed flushes.
func (r *Room) FlushFailures() int { return r.flushFailures }

// ShouldFlush applies the flush policy: dirty, not already flushing, not
// inside a backoff window, and past either the op-count threshold or the
// time ceiling. forced bypasses the thresholds but never the in-flight
// guard or the backoff window.
func (r *Room) ShouldFlush(p FlushPolicy, now time.Time, forced bool) bool {
	if !r.dirty || r.doc == nil || r.inFlight {
		return false
	}
	if now.Before(r.backoffUntil) {
		return false
	}
	if forced {
		return true
	}
	return r.pendingOps >= p.OpsThreshold || now.Sub(r.lastFlushedAt) > p.FlushInterval
}

// BeginFlush marks the room in flight and snapshots the document state.
// Callers must have checked ShouldFlush.
func (r *Room) BeginFlush(now time.Time) FlushSnapshot {
	r.inFlight = true
	return FlushSnapshot{Doc: r.doc, Version: r.version, Started: now}
}

// CompleteFlush records a successful store write. If the document moved on
// while the flush was in flight the result is stale: dirty state is kept
// and the caller should schedule another flush immediately.
func (r *Room) CompleteFlush(snap FlushSnapshot, revision, updatedAt string, now time.Time) (stale bool) {
	r.inFlight = false
	r.flushFailures = 0
	r.backoffDur = 0
	r.backoffUntil = time.Time{}
	r.lastFlushedAt = now
	r.revision = revision
	r.revisionUpdatedAt = updatedAt
	if r.version != snap.Version {
		return true
	}
	r.dirty = false
	r.pendingOps = 0
	r.lastPersistedVersion = snap.Version
	return false
}

// FailFlush records a failed store write and schedules the next backoff
// window, doubling from the base up to the cap. Returns the window length.
func (r *Room) FailFlush(p FlushPolicy, rateLimited bool, now time.Time) time.Duration {
	r.inFlight = false
	r.flushFailures++

	base, max := p.BackoffBase, p.BackoffMax
	if rateLimited {
		base, max = p.RateLimitBase, p.RateLimitMax
	}
	next := r.backoffDur * 2
	if next < base {
		next = base
	}
	if next > max {
		next = max
	}
	r.backoffDur = next
	r.backoffUntil = now.Add(next)
	return next
}

// Evictable reports whether the registry may drop this room: empty past
// the grace period, nothing in flight, and either clean or past the
// bounded-retry cap on failed flushes. With persisting false the dirty
// state is irrelevant; no flush will ever clear it.
func (r *Room) Evictable(gracePeriod time.Duration, p FlushPolicy, persisting bool, now time.Time) bool {
	if len(r.conns) > 0 || r.emptySince.IsZero() {
		return false
	}
	if now.Sub(r.emptySince) < gracePeriod {
		return false
	}
	if r.inFlight {
		return false
	}
	if persisting && r.dirty && r.flushFailures < p.MaxEvictFailures {
		return false
	}
	return true
}
