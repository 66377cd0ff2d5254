// Package pairing caches the pairing challenge (QR code) the user scans to
// link the session, and renders it for HTTP, terminal and file outputs.
//
// The lifecycle controller is the only writer of the Cache. Outputs such as
// TerminalPrinter and FileWriter subscribe to the event bus and never touch
// the cache.
package pairing

import (
	"sync"
	"time"
)

// Artifact is one pairing challenge.
type Artifact struct {
	Raw        string    // challenge string as issued by the bridge
	Image      []byte    // PNG rendering of Raw
	IssuedAt   time.Time // when the challenge was received
	Generation uint64    // handle generation that issued it
}

// Cache holds at most one Artifact. While sealed (the session is connected)
// it stays empty and refuses writes.
type Cache struct {
	mu      sync.RWMutex
	current *Artifact
	sealed  bool
}

// NewCache returns an empty, unsealed cache.
func NewCache() *Cache {
	return &Cache{}
}

// Set replaces the cached artifact. It returns false and stores nothing
// while the cache is sealed.
func (c *Cache) Set(a Artifact) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return false
	}
	if a.IssuedAt.IsZero() {
		a.IssuedAt = time.Now()
	}
	c.current = &a
	return true
}

// Get returns the cached artifact, if any.
func (c *Cache) Get() (Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return Artifact{}, false
	}
	return *c.current, true
}

// Clear drops the cached artifact.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
}

// Seal clears the cache and refuses further writes until Unseal.
func (c *Cache) Seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.sealed = true
}

// Unseal allows writes again. The cache stays empty.
func (c *Cache) Unseal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = false
}

// Sealed reports whether the cache currently refuses writes.
func (c *Cache) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}
