package engine

import (
	"time"

	"github.com/patrickmn/go-cache"

	"fleetalerts/internal/model"
)

// Entry is what the cache remembers about an active alert.
type Entry struct {
	AlertID   string
	CreatedAt time.Time
}

type cachedEntry struct {
	entry   Entry
	expires time.Time
}

// DedupCache maps an alert key to its active alert. A hit means the alert was
// unresolved when cached; a miss says nothing about the store. Expiry is
// judged against the supplied clock, so it follows the same time source as
// the store lookback window.
type DedupCache struct {
	items *cache.Cache
	now   func() time.Time
}

// NewDedupCache builds a cache without a janitor goroutine; expired entries
// are invisible to Get and removed by Sweep. A nil clock means time.Now.
func NewDedupCache(now func() time.Time) *DedupCache {
	if now == nil {
		now = time.Now
	}
	return &DedupCache{items: cache.New(cache.NoExpiration, 0), now: now}
}

func (d *DedupCache) Get(key model.AlertKey) (Entry, bool) {
	v, ok := d.items.Get(key.String())
	if !ok {
		return Entry{}, false
	}
	ce, ok := v.(cachedEntry)
	if !ok || d.expired(ce, d.now()) {
		return Entry{}, false
	}
	return ce.entry, true
}

// Set caches entry for ttl from now; a non-positive ttl never expires.
func (d *DedupCache) Set(key model.AlertKey, entry Entry, ttl time.Duration) {
	ce := cachedEntry{entry: entry}
	if ttl > 0 {
		ce.expires = d.now().Add(ttl)
	}
	d.items.Set(key.String(), ce, cache.NoExpiration)
}

func (d *DedupCache) Delete(key model.AlertKey) {
	d.items.Delete(key.String())
}

// Sweep deletes expired entries and returns how many went away.
func (d *DedupCache) Sweep() int {
	now := d.now()
	removed := 0
	for k, item := range d.items.Items() {
		ce, ok := item.Object.(cachedEntry)
		if !ok || d.expired(ce, now) {
			d.items.Delete(k)
			removed++
		}
	}
	return removed
}

// Len counts live entries.
func (d *DedupCache) Len() int {
	now := d.now()
	n := 0
	for _, item := range d.items.Items() {
		if ce, ok := item.Object.(cachedEntry); ok && !d.expired(ce, now) {
			n++
		}
	}
	return n
}

func (d *DedupCache) Flush() {
	d.items.Flush()
}

func (d *DedupCache) expired(ce cachedEntry, now time.Time) bool {
	return !ce.expires.IsZero() && !now.Before(ce.expires)
}
