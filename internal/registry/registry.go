// Package registry tracks which devices are live on which endpoint. It is the
// only owner of connection liveness; every other component treats its
// answers as point-in-time snapshots.
package registry

import (
	"hash/fnv"
	"slices"
	"sync"
	"time"
)

// shardCount controls how many independently locked partitions the table
// uses. Endpoints map to shards by FNV-1a hash so traffic on different
// endpoints rarely contends on the same mutex.
const shardCount = 64

// Conn is one live device transport.
type Conn interface {
	ID() string
	EndpointID() string
	DeviceID() string
	UserID() string
	ConnectedAt() time.Time
	// Send queues payload for delivery without blocking on the network.
	Send(messageType int, payload []byte) error
	// Close terminates the transport with a close code and reason.
	Close(code int, reason string)
}

// Registry maps (endpoint, device) to the current connection.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu        sync.RWMutex
	endpoints map[string]map[string]Conn
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].endpoints = make(map[string]map[string]Conn)
	}
	return r
}

func (r *Registry) shard(endpointID string) *shard {
	return &r.shards[shardIndex(endpointID)]
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Register makes c the current connection for its (endpoint, device) and
// returns the connection it replaced, if any. Registering the same handle
// twice returns nil. The caller is responsible for closing the returned
// connection.
func (r *Registry) Register(c Conn) Conn {
	s := r.shard(c.EndpointID())
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, ok := s.endpoints[c.EndpointID()]
	if !ok {
		devices = make(map[string]Conn)
		s.endpoints[c.EndpointID()] = devices
	}
	prev, ok := devices[c.DeviceID()]
	devices[c.DeviceID()] = c
	if !ok || prev == c {
		return nil
	}
	return prev
}

// Unregister removes c only if it is still the current connection for its
// key. It reports whether anything was removed.
func (r *Registry) Unregister(c Conn) bool {
	s := r.shard(c.EndpointID())
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, ok := s.endpoints[c.EndpointID()]
	if !ok {
		return false
	}
	if cur, ok := devices[c.DeviceID()]; !ok || cur != c {
		return false
	}
	delete(devices, c.DeviceID())
	if len(devices) == 0 {
		delete(s.endpoints, c.EndpointID())
	}
	return true
}

// Lookup returns the current connection for (endpointID, deviceID).
func (r *Registry) Lookup(endpointID, deviceID string) (Conn, bool) {
	s := r.shard(endpointID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.endpoints[endpointID][deviceID]
	return c, ok
}

// ListOnline returns the sorted device ids connected to endpointID.
func (r *Registry) ListOnline(endpointID string) []string {
	s := r.shard(endpointID)
	s.mu.RLock()
	devices := s.endpoints[endpointID]
	out := make([]string, 0, len(devices))
	for id := range devices {
		out = append(out, id)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Peers returns every connection on endpointID except excludeDeviceID.
func (r *Registry) Peers(endpointID, excludeDeviceID string) []Conn {
	s := r.shard(endpointID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := s.endpoints[endpointID]
	if len(devices) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(devices))
	for id, c := range devices {
		if id == excludeDeviceID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Endpoint returns every connection on endpointID.
func (r *Registry) Endpoint(endpointID string) []Conn {
	return r.Peers(endpointID, "")
}

// Each calls fn for a snapshot of every registered connection. fn runs
// without any registry lock held, so it may close or unregister.
func (r *Registry) Each(fn func(Conn)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		var batch []Conn
		for _, devices := range s.endpoints {
			for _, c := range devices {
				batch = append(batch, c)
			}
		}
		s.mu.RUnlock()
		for _, c := range batch {
			fn(c)
		}
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, devices := range s.endpoints {
			n += len(devices)
		}
		s.mu.RUnlock()
	}
	return n
}
