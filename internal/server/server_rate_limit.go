package server

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	connectRateLimit  = 2.0              // handshakes per second per remote address
	connectBurstLimit = 20.0             // max burst, covers a fleet reconnecting behind one NAT
	connectCleanupAge = 10 * time.Minute // evict idle buckets

	// Each shard has its own mutex so handshakes from distinct addresses
	// rarely contend.
	rateLimiterShards = 16
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// rateLimiter implements a sharded per-key token-bucket rate limiter.
// Keys are mapped to one of [rateLimiterShards] independent shards via FNV
// hashing.
type rateLimiter struct {
	rate   float64
	burst  float64
	now    func() time.Time
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{rate: connectRateLimit, burst: connectBurstLimit, now: time.Now}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*bucket)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % rateLimiterShards)
}

func (rl *rateLimiter) allow(key string) bool {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := rl.now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastCheck: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens = min(b.tokens+elapsed*rl.rate, rl.burst)
	b.lastCheck = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// cleanup evicts idle buckets across all shards and returns how many were
// removed. The janitor calls it so allow() never iterates the map.
func (rl *rateLimiter) cleanup() int {
	now := rl.now()
	removed := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.buckets {
			if now.Sub(v.lastCheck) > connectCleanupAge {
				delete(s.buckets, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
