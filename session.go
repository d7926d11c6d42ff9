package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is a cached value stamped with its lifetime.
type Entry[V any] struct {
	Value     V
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the entry is still valid at now.
func (e Entry[V]) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// TTLCache is a typed cache whose entries expire after a fixed lifetime.
type TTLCache[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[K]Entry[V]
}

// NewTTLCache creates a cache with the given entry lifetime.
func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{ttl: ttl, now: time.Now, entries: make(map[K]Entry[V])}
}

// Get returns the value for key if it has not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !e.Fresh(c.now()) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Entry returns the raw entry for key, expired or not.
func (c *TTLCache[K, V]) Entry(key K) (Entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Set stores v under key.
func (c *TTLCache[K, V]) Set(key K, v V) {
	now := c.now()
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: v, StoredAt: now, ExpiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many were dropped.
func (c *TTLCache[K, V]) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !e.Fresh(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Permissions are the role flags of the signed-in identity.
type Permissions struct {
	CloseConversations   bool `json:"closeConversations"`
	ArchiveConversations bool `json:"archiveConversations"`
	DeleteMessages       bool `json:"deleteMessages"`
}

// OperatorPermissions is the flag set of a support console operator.
var OperatorPermissions = Permissions{CloseConversations: true, ArchiveConversations: true, DeleteMessages: true}

// ProfileFetcher loads a user profile.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
}

// Default cache lifetimes.
const (
	DefaultProfileTTL     = 10 * time.Minute
	DefaultPermissionsTTL = 5 * time.Minute
)

// Session is the signed-in identity and its caches. It is created once and
// handed to every surface.
type Session struct {
	UserID string
	Token  string

	profiles    *TTLCache[string, Profile]
	permissions *TTLCache[struct{}, Permissions]
	fetcher     ProfileFetcher
	flight      singleflight.Group
}

// NewSession creates a session for userID. fetcher may be nil, in which case
// only profiles stored with RememberProfile are known.
func NewSession(userID, token string, fetcher ProfileFetcher) *Session {
	return &Session{
		UserID:      userID,
		Token:       token,
		profiles:    NewTTLCache[string, Profile](DefaultProfileTTL),
		permissions: NewTTLCache[struct{}, Permissions](DefaultPermissionsTTL),
		fetcher:     fetcher,
	}
}

// SetPermissions stores the identity's role flags.
func (s *Session) SetPermissions(p Permissions) {
	s.permissions.Set(struct{}{}, p)
}

// Permissions returns the role flags. Expired flags grant nothing.
func (s *Session) Permissions() Permissions {
	p, _ := s.permissions.Get(struct{}{})
	return p
}

// RememberProfile seeds the profile cache.
func (s *Session) RememberProfile(p Profile) {
	if p.ID != "" {
		s.profiles.Set(p.ID, p)
	}
}

// Profile returns the profile of userID, loading it on a cache miss.
func (s *Session) Profile(ctx context.Context, userID string) (Profile, error) {
	if p, ok := s.profiles.Get(userID); ok {
		return p, nil
	}
	if s.fetcher == nil {
		return Profile{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	v, err, _ := s.flight.Do(userID, func() (any, error) {
		return s.fetcher.GetProfile(ctx, userID)
	})
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", userID, err)
	}
	p := v.(Profile)
	s.profiles.Set(userID, p)
	return p, nil
}

// DisplayName returns a printable name for userID, falling back to the id.
func (s *Session) DisplayName(ctx context.Context, userID string) string {
	p, err := s.Profile(ctx, userID)
	if err != nil || p.DisplayName == "" {
		return userID
	}
	return p.DisplayName
}
