// Package middleware holds connection admission control for the listeners.
package middleware

import (
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterShard struct {
	hosts map[string]*hostEntry
	mu    sync.Mutex
}

type hostEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AcceptLimiter throttles new connections per remote host. A rate of zero
// disables it and every connection is admitted.
type AcceptLimiter struct {
	shards     []*limiterShard
	shardCount int
	rate       rate.Limit
	burst      int
	cleanup    *time.Ticker
	done       chan struct{}
	closeOnce  sync.Once
}

// NewAcceptLimiter builds a limiter. shardCount is rounded up to a power of
// two.
func NewAcceptLimiter(ratePerSec, burst, shardCount int) *AcceptLimiter {
	n := 1
	for n < shardCount {
		n <<= 1
	}
	if shardCount <= 0 {
		n = 16
	}
	if burst < 1 {
		burst = ratePerSec
	}
	shards := make([]*limiterShard, n)
	for i := range shards {
		shards[i] = &limiterShard{hosts: make(map[string]*hostEntry)}
	}
	al := &AcceptLimiter{
		shards:     shards,
		shardCount: n,
		rate:       rate.Limit(ratePerSec),
		burst:      burst,
		cleanup:    time.NewTicker(time.Minute),
		done:       make(chan struct{}),
	}
	go al.cleanupLoop()
	return al
}

func (al *AcceptLimiter) Enabled() bool {
	return al != nil && al.rate > 0
}

func (al *AcceptLimiter) shardFor(host string) *limiterShard {
	h := sha256.Sum256([]byte(host))
	idx := binary.BigEndian.Uint32(h[:4]) & uint32(al.shardCount-1)
	return al.shards[idx]
}

// Allow reports whether a connection from host may be admitted now.
func (al *AcceptLimiter) Allow(host string) bool {
	if !al.Enabled() {
		return true
	}
	shard := al.shardFor(host)
	shard.mu.Lock()
	e, ok := shard.hosts[host]
	if !ok {
		e = &hostEntry{limiter: rate.NewLimiter(al.rate, al.burst)}
		shard.hosts[host] = e
	}
	e.lastSeen = time.Now()
	shard.mu.Unlock()
	return e.limiter.Allow()
}

// AllowAddr is Allow keyed on the host part of addr.
func (al *AcceptLimiter) AllowAddr(addr net.Addr) bool {
	if addr == nil {
		return al.Allow("")
	}
	return al.Allow(HostOf(addr.String()))
}

// HostOf strips the port from a host:port string; other input is returned as is.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Tracked is the number of hosts with live buckets.
func (al *AcceptLimiter) Tracked() int {
	n := 0
	for _, s := range al.shards {
		s.mu.Lock()
		n += len(s.hosts)
		s.mu.Unlock()
	}
	return n
}

func (al *AcceptLimiter) sweep(cutoff time.Time) {
	for _, shard := range al.shards {
		shard.mu.Lock()
		for host, e := range shard.hosts {
			if e.lastSeen.Before(cutoff) {
				delete(shard.hosts, host)
			}
		}
		shard.mu.Unlock()
	}
}

func (al *AcceptLimiter) cleanupLoop() {
	for {
		select {
		case <-al.cleanup.C:
			al.sweep(time.Now().Add(-5 * time.Minute))
		case <-al.done:
			return
		}
	}
}

func (al *AcceptLimiter) Close() {
	al.closeOnce.Do(func() {
		al.cleanup.Stop()
		close(al.done)
	})
}
