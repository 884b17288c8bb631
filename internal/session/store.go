package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

// shardCount trades memory for lock granularity; operations on unrelated
// sessions land on different shards and never contend.
const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Store is the concurrency-safe owner of all sessions. Workers obtain an
// exclusive lease on a session via Acquire before processing one of its
// work items; no other worker may lease the same session until Release.
type Store struct {
	shards [shardCount]shard

	hookMu   sync.Mutex
	onExpire func(Session)
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*Session)
	}
	return s
}

// SetExpireHook registers a callback invoked for every session the janitor
// evicts. Called outside shard locks.
func (s *Store) SetExpireHook(hook func(Session)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onExpire = hook
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns a snapshot of the session for key, creating it with
// empty turns and the given system prompt when unseen. Idempotent; the
// second return reports whether the session was created by this call.
func (s *Store) GetOrCreate(key, systemPrompt string) (Session, bool) {
	sh := s.shardFor(key)
	now := time.Now().UTC()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[key]; ok {
		sess.LastActiveAt = now
		return clone(sess), false
	}
	sess := &Session{
		Key:          key,
		SystemPrompt: systemPrompt,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	sh.sessions[key] = sess
	return clone(sess), true
}

func (s *Store) Get(key string) (Session, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[key]
	if !ok {
		return Session{}, false
	}
	return clone(sess), true
}

// Append atomically appends turns to the session. Returns ErrNotFound if
// the session has been evicted; leased sessions are never evicted, so a
// worker holding the lease cannot observe this mid-pipeline.
func (s *Store) Append(key string, turns ...Turn) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.Turns = append(sess.Turns, turns...)
	sess.LastActiveAt = time.Now().UTC()
	return nil
}

// Delete removes the session. Publishing any notification is the caller's
// responsibility.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[key]; !ok {
		return false
	}
	delete(sh.sessions, key)
	return true
}

// Acquire takes the single-flight lease on the session. It fails when the
// session does not exist or is already leased. Acquiring refreshes
// LastActiveAt so an aggressive idle sweep cannot race a long generation.
func (s *Store) Acquire(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[key]
	if !ok || sess.InFlight {
		return false
	}
	sess.InFlight = true
	sess.LastActiveAt = time.Now().UTC()
	return true
}

// Release drops the lease. Safe to call for evicted or unknown keys.
func (s *Store) Release(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[key]; ok {
		sess.InFlight = false
		sess.LastActiveAt = time.Now().UTC()
	}
}

// Leased reports whether the session currently holds a worker lease.
func (s *Store) Leased(key string) bool {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[key]
	return ok && sess.InFlight
}

// Sweep evicts sessions idle longer than threshold. Sessions with a live
// lease are skipped unconditionally. Returns the number evicted.
func (s *Store) Sweep(threshold time.Duration) int {
	now := time.Now().UTC()
	var expired []Session

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, sess := range sh.sessions {
			if sess.InFlight {
				continue
			}
			if now.Sub(sess.LastActiveAt) < threshold {
				continue
			}
			expired = append(expired, clone(sess))
			delete(sh.sessions, key)
		}
		sh.mu.Unlock()
	}

	s.hookMu.Lock()
	hook := s.onExpire
	s.hookMu.Unlock()
	if hook != nil {
		for _, sess := range expired {
			hook(sess)
		}
	}
	return len(expired)
}

// StartJanitor runs the idle sweep on a fixed interval until ctx ends.
func (s *Store) StartJanitor(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(threshold)
			}
		}
	}()
}

func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// InFlightCount returns the number of sessions with a live lease.
func (s *Store) InFlightCount() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			if sess.InFlight {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store) Keys() []string {
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key := range sh.sessions {
			keys = append(keys, key)
		}
		sh.mu.RUnlock()
	}
	return keys
}

// clone deep-copies a session so callers never alias store state.
func clone(s *Session) Session {
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	copy(c.Turns, s.Turns)
	return c
}
