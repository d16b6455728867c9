// Package ttlstore is a concurrent key/value store with per-entry
// expiration, used by rate-limiting and dedup stages (message counters,
// recipient counters, SRS replay guards). It is backed by
// github.com/dgraph-io/ristretto for the hot-path cache and adds a
// striped-mutex layer on top so Increment and GetAndUpdate are atomic —
// ristretto itself only guarantees eventual consistency of Set/Get, not
// read-modify-write.
package ttlstore

import (
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const stripes = 64

// ErrNotNumeric is returned by Increment when the existing value at key is
// not an int64 (e.g. a stage put a string there with Set).
var ErrNotNumeric = errors.New("ttlstore: value is not numeric")

// deleteSentinel is the value GetAndUpdate's update func can return to have
// the key removed entirely rather than overwritten.
type deleteSentinel struct{}

// Delete is the sentinel GetAndUpdate callbacks return to delete the key
// instead of writing a new value.
var Delete any = deleteSentinel{}

// Store is a TTL-bounded counter/value store safe for concurrent use.
type Store struct {
	cache *ristretto.Cache

	locks [stripes]sync.Mutex

	mu     sync.Mutex
	expiry map[string]time.Time
	stop   chan struct{}
}

// New creates a Store. evictInterval controls how often the background
// sweep removes expired keys; 0 disables the periodic sweep (lazy
// expiration on Get/Increment still applies).
func New(evictInterval time.Duration) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		cache:  cache,
		expiry: make(map[string]time.Time),
	}

	if evictInterval > 0 {
		s.stop = make(chan struct{})
		go s.sweepLoop(evictInterval)
	}

	return s, nil
}

// Close stops the background sweep goroutine, if running.
func (s *Store) Close() {
	if s.stop != nil {
		close(s.stop)
	}
	s.cache.Close()
}

func (s *Store) stripe(key string) *sync.Mutex {
	h := fnv32(key)
	return &s.locks[h%stripes]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func (s *Store) isExpired(key string) bool {
	s.mu.Lock()
	exp, ok := s.expiry[key]
	s.mu.Unlock()
	return ok && time.Now().After(exp)
}

func (s *Store) setExpiry(key string, ttl time.Duration) {
	s.mu.Lock()
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	s.mu.Unlock()
}

func (s *Store) clearExpiry(key string) {
	s.mu.Lock()
	delete(s.expiry, key)
	s.mu.Unlock()
}

// Get returns the value for key, or false if absent or expired. Expired
// entries are evicted lazily on read.
func (s *Store) Get(key string) (any, bool) {
	if s.isExpired(key) {
		s.delete(key)
		return nil, false
	}
	return s.cache.Get(key)
}

// Set stores value under key with the given TTL (0 = no expiry).
func (s *Store) Set(key string, value any, ttl time.Duration) {
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.cache.SetWithTTL(key, value, 1, ttl)
	s.cache.Wait()
	s.setExpiry(key, ttl)
}

func (s *Store) delete(key string) {
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()
	s.cache.Del(key)
	s.clearExpiry(key)
}

// Delete removes key regardless of whether it exists.
func (s *Store) Delete(key string) { s.delete(key) }

// Exists reports whether key has a live (unexpired) entry.
func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Increment atomically adds delta to the integer counter at key, creating it
// at delta first if absent or expired, refreshing its TTL, and returns the
// new value. If the existing value at key is present but not an int64, it
// fails with ErrNotNumeric rather than silently overwriting it.
func (s *Store) Increment(key string, delta int64, ttl time.Duration) (int64, error) {
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	var current int64
	if !s.isExpired(key) {
		if v, ok := s.cache.Get(key); ok {
			n, ok := v.(int64)
			if !ok {
				return 0, ErrNotNumeric
			}
			current = n
		}
	}
	current += delta

	s.cache.SetWithTTL(key, current, 1, ttl)
	s.cache.Wait()
	s.setExpiry(key, ttl)

	return current, nil
}

// GetAndUpdate atomically reads the current value (nil if absent/expired)
// and replaces it with whatever update returns, refreshing the TTL — unless
// update returns the Delete sentinel, in which case the key is removed. This
// is the advisory compare-and-set primitive used by SRS replay guards and
// similar once-only checks; it is not atomic with respect to other keys.
func (s *Store) GetAndUpdate(key string, ttl time.Duration, update func(current any, exists bool) any) any {
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	var current any
	exists := false
	if !s.isExpired(key) {
		if v, ok := s.cache.Get(key); ok {
			current, exists = v, true
		}
	}

	next := update(current, exists)
	if _, isDelete := next.(deleteSentinel); isDelete {
		s.cache.Del(key)
		s.clearExpiry(key)
		return current
	}

	s.cache.SetWithTTL(key, next, 1, ttl)
	s.cache.Wait()
	s.setExpiry(key, ttl)

	return current
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	s.mu.Lock()
	var expired []string
	for k, exp := range s.expiry {
		if now.After(exp) {
			expired = append(expired, k)
		}
	}
	s.mu.Unlock()

	for _, k := range expired {
		s.delete(k)
	}
}
