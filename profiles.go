package chatsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProfileFetcher is the part of Store the profile cache reads from.
type ProfileFetcher interface {
	FetchProfiles(ctx context.Context, ids []string) ([]Profile, error)
}

// ProfileCache is a read-through cache of author profiles. A miss never
// blocks: Get returns nil and the profile is fetched in the background.
type ProfileCache struct {
	emitter
	fetcher ProfileFetcher
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.RWMutex
	profiles map[string]Profile
	pending  map[string]struct{}
}

// NewProfileCache creates a cache backed by fetcher.
func NewProfileCache(fetcher ProfileFetcher, logger *slog.Logger) *ProfileCache {
	if logger == nil {
		logger = discardLogger()
	}
	return &ProfileCache{
		fetcher:  fetcher,
		logger:   logger,
		timeout:  10 * time.Second,
		profiles: make(map[string]Profile),
		pending:  make(map[string]struct{}),
	}
}

// Get returns the cached profile or nil, scheduling a fetch on a miss.
// EventProfileLoaded fires once the fetch lands.
func (c *ProfileCache) Get(id string) *Profile {
	c.mu.Lock()
	if p, ok := c.profiles[id]; ok {
		c.mu.Unlock()
		return &p
	}
	if _, inflight := c.pending[id]; inflight || id == "" {
		c.mu.Unlock()
		return nil
	}
	c.pending[id] = struct{}{}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.load(ctx, []string{id}); err != nil {
			c.logger.Debug("profile fetch failed", "user_id", id, "error", err)
		}
	}()
	return nil
}

// Prime fetches every id not already cached and waits for the result.
func (c *ProfileCache) Prime(ctx context.Context, ids []string) error {
	c.mu.Lock()
	var missing []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := c.profiles[id]; ok {
			continue
		}
		c.pending[id] = struct{}{}
		missing = append(missing, id)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}
	return c.load(ctx, missing)
}

// Put stores p, replacing any cached copy.
func (c *ProfileCache) Put(p Profile) {
	c.mu.Lock()
	c.profiles[p.ID] = p
	delete(c.pending, p.ID)
	c.mu.Unlock()
	c.emit(EventProfileLoaded, &p)
}

// Invalidate drops the cached profile for id.
func (c *ProfileCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.profiles, id)
	c.mu.Unlock()
}

func (c *ProfileCache) load(ctx context.Context, ids []string) error {
	profiles, err := c.fetcher.FetchProfiles(ctx, ids)

	c.mu.Lock()
	for _, id := range ids {
		delete(c.pending, id)
	}
	if err == nil {
		for _, p := range profiles {
			c.profiles[p.ID] = p
		}
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	for i := range profiles {
		p := profiles[i]
		c.emit(EventProfileLoaded, &p)
	}
	return nil
}
