// Package session implements the restart-persistent session cache.
//
// The cache maps negative session ids to pickled REPL states. Negative ids
// cannot collide with the non-negative ids minted by the REPL itself, so a
// request's parent id field can carry either kind and be told apart by sign.
//
// The index lives in memory and belongs to one server instance; the pickled
// artifacts live in a Store and survive both REPL restarts and, for shared
// stores, whole-process restarts.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is one durable record of a pinned environment or proof state.
type State struct {
	// ID is the negative session id handed to the caller.
	ID int64

	// REPLID is the id the state currently has inside the live REPL
	// process. Rewritten after every replay.
	REPLID int64

	// Key names the pickled artifact in the store, independent of any
	// process instance's numbering.
	Key string

	// IsProofState distinguishes proof states from environments.
	IsProofState bool

	// CreatedAt orders replay after a restart.
	CreatedAt time.Time

	// Digest is a hash of the originating request.
	Digest string

	// SizeBytes is the size of the pickled artifact.
	SizeBytes int64
}

// Cache is the keyed index over pinned states.
//
// Safe for concurrent use. Eviction is bounded-size (oldest first) plus an
// optional TTL applied lazily on access; both default off.
type Cache struct {
	log   *slog.Logger
	store Store

	maxEntries int
	ttl        time.Duration

	mu      sync.Mutex
	counter int64
	entries map[int64]*State
	order   []int64
}

// NewCache creates a cache over the given artifact store. maxEntries and
// ttl of zero disable the respective eviction policy.
func NewCache(log *slog.Logger, store Store, maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		log:        log.With("component", "session_cache"),
		store:      store,
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[int64]*State),
	}
}

// Store exposes the underlying artifact store.
func (c *Cache) Store() Store { return c.store }

// Add records a newly pinned state and mints its session id. If the bound
// is exceeded the oldest entries are evicted, artifacts included.
func (c *Cache) Add(ctx context.Context, key string, replID int64, isProofState bool, digest string, size int64) *State {
	c.mu.Lock()

	c.counter--
	st := &State{
		ID:           c.counter,
		REPLID:       replID,
		Key:          key,
		IsProofState: isProofState,
		CreatedAt:    time.Now(),
		Digest:       digest,
		SizeBytes:    size,
	}
	c.entries[st.ID] = st
	c.order = append(c.order, st.ID)

	var evicted []*State

	if c.maxEntries > 0 {
		for len(c.order) > c.maxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]

			if ev, ok := c.entries[oldest]; ok {
				delete(c.entries, oldest)
				evicted = append(evicted, ev)
			}
		}
	}

	c.mu.Unlock()

	for _, ev := range evicted {
		c.log.Info("Evicting oldest session state", "session_id", ev.ID, "key", ev.Key)
		c.removeArtifact(ctx, ev)
	}

	return st
}

// Get looks up a session id. Expired entries are dropped and reported as
// misses.
func (c *Cache) Get(ctx context.Context, id int64) (*State, bool) {
	c.mu.Lock()
	st, ok := c.entries[id]

	if ok && c.expired(st) {
		c.drop(id)
		c.mu.Unlock()

		c.log.Info("Session state expired", "session_id", id, "key", st.Key)
		c.removeArtifact(ctx, st)

		return nil, false
	}
	c.mu.Unlock()

	return st, ok
}

// Contains reports whether the id is present and unexpired.
func (c *Cache) Contains(ctx context.Context, id int64) bool {
	_, ok := c.Get(ctx, id)

	return ok
}

// SetREPLID rewrites the live REPL id of a cached state after replay.
func (c *Cache) SetREPLID(id int64, replID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.entries[id]; ok {
		st.REPLID = replID
	}
}

// List returns unexpired states in creation order, the order replay must
// follow.
func (c *Cache) List(ctx context.Context) []*State {
	c.mu.Lock()

	states := make([]*State, 0, len(c.order))

	var expired []*State

	for _, id := range c.order {
		st, ok := c.entries[id]
		if !ok {
			continue
		}

		if c.expired(st) {
			expired = append(expired, st)

			continue
		}

		states = append(states, st)
	}

	for _, st := range expired {
		c.drop(st.ID)
	}
	c.mu.Unlock()

	for _, st := range expired {
		c.removeArtifact(ctx, st)
	}

	return states
}

// Remove deletes one entry and its artifact. Removing an absent id is a
// no-op.
func (c *Cache) Remove(ctx context.Context, id int64) {
	c.mu.Lock()
	st, ok := c.entries[id]

	if ok {
		c.drop(id)
	}
	c.mu.Unlock()

	if ok {
		c.removeArtifact(ctx, st)
	}
}

// Clear removes every entry and artifact.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	states := make([]*State, 0, len(c.entries))

	for _, st := range c.entries {
		states = append(states, st)
	}

	c.entries = make(map[int64]*State)
	c.order = nil
	c.mu.Unlock()

	for _, st := range states {
		c.removeArtifact(ctx, st)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// expired must be called with the lock held.
func (c *Cache) expired(st *State) bool {
	return c.ttl > 0 && time.Since(st.CreatedAt) > c.ttl
}

// drop must be called with the lock held.
func (c *Cache) drop(id int64) {
	delete(c.entries, id)

	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)

			break
		}
	}
}

func (c *Cache) removeArtifact(ctx context.Context, st *State) {
	if err := c.store.Remove(ctx, st.Key); err != nil {
		c.log.Warn("Failed to remove session artifact", "key", st.Key, "error", err)
	}
}
