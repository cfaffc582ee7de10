package events

import (
	"net"
	"sync"
	"time"
)

// RateLimiter meters inbound traffic per peer with token buckets shared by the
// whole gateway. A peer is the remote host, so reconnecting does not refill
// its budget. Handshakes and inbound frames draw from the same bucket.
type RateLimiter struct {
	mu      sync.Mutex
	limit   float64
	window  time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
	conns  int
}

// NewRateLimiter allows limit events per window for each peer, with bursts up
// to limit. Non-positive inputs fall back to the package defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		limit:   float64(limit),
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether peer may send one more event at now, and spends it if so.
func (r *RateLimiter) Allow(peer string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.fill(peer, now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Acquire registers an open connection from peer.
func (r *RateLimiter) Acquire(peer string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fill(peer, now).conns++
}

// Release ends a connection from peer. Buckets with no connections that have
// refilled completely are dropped.
func (r *RateLimiter) Release(peer string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[peer]; ok && b.conns > 0 {
		b.conns--
	}
	for k, b := range r.buckets {
		if b.conns == 0 && r.refill(b, now) >= r.limit {
			delete(r.buckets, k)
		}
	}
}

// Peers returns the number of tracked peers.
func (r *RateLimiter) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// fill returns peer's bucket topped up to now. Callers hold mu.
func (r *RateLimiter) fill(peer string, now time.Time) *bucket {
	b, ok := r.buckets[peer]
	if !ok {
		b = &bucket{tokens: r.limit, last: now}
		r.buckets[peer] = b
		return b
	}
	b.tokens = r.refill(b, now)
	if now.After(b.last) {
		b.last = now
	}
	return b
}

func (r *RateLimiter) refill(b *bucket, now time.Time) float64 {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return b.tokens
	}
	t := b.tokens + r.limit*float64(elapsed)/float64(r.window)
	if t > r.limit {
		t = r.limit
	}
	return t
}

// peerKey is the host part of a request's RemoteAddr.
func peerKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
