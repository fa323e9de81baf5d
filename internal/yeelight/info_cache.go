package yeelight

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Info is the raw attribute set last reported by a lamp. It is shared by
// reference between the cache and the device built on top of it; updates merge
// into it and never replace it.
type Info struct {
	mu    sync.RWMutex
	attrs map[string]string
}

// NewInfo creates an Info holding a copy of attrs.
func NewInfo(attrs map[string]string) *Info {
	info := &Info{attrs: make(map[string]string, len(attrs))}
	info.Merge(attrs)
	return info
}

// Merge overwrites the keys present in attrs and keeps all others.
func (i *Info) Merge(attrs map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for k, v := range attrs {
		i.attrs[k] = v
	}
}

// Get returns a single attribute.
func (i *Info) Get(key string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	v, ok := i.attrs[key]
	return v, ok
}

// Value returns a single attribute, or "" when absent.
func (i *Info) Value(key string) string {
	v, _ := i.Get(key)
	return v
}

// Snapshot returns a copy of all attributes.
func (i *Info) Snapshot() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string]string, len(i.attrs))
	for k, v := range i.attrs {
		out[k] = v
	}
	return out
}

// Support returns the capability tokens from the "support" attribute.
func (i *Info) Support() []string {
	return strings.Fields(i.Value("support"))
}

// InfoCache holds the raw attributes of every lamp observed since start.
// Entries are never evicted; a LAN holds few enough lamps for that to be fine.
type InfoCache struct {
	mu      sync.RWMutex
	devices map[string]*Info
}

// NewInfoCache creates an empty cache.
func NewInfoCache() *InfoCache {
	return &InfoCache{
		devices: make(map[string]*Info),
	}
}

// Merge updates or creates the attribute set for id and returns it.
func (c *InfoCache) Merge(id string, attrs map[string]string) *Info {
	c.mu.Lock()
	info, ok := c.devices[id]
	if !ok {
		info = NewInfo(nil)
		c.devices[id] = info
	}
	c.mu.Unlock()

	info.Merge(attrs)

	if !ok {
		log.Debug().Str("device", id).Int("attributes", len(attrs)).Msg("Device info cached")
	}
	return info
}

// Get returns the attribute set for id, or false if the device was never observed.
func (c *InfoCache) Get(id string) (*Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.devices[id]
	return info, ok
}

// IDs returns all known device identifiers.
func (c *InfoCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	return ids
}
