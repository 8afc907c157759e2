package engine

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"fleetalerts/internal/model"
)

// resolveProbes bounds how often a cache miss may reach the store on the
// resolution path. A mark lasts for the configured backoff on the engine clock.
type resolveProbes struct {
	mu    sync.Mutex
	marks *cache.Cache
	now   func() time.Time
}

func newResolveProbes(now func() time.Time) *resolveProbes {
	if now == nil {
		now = time.Now
	}
	return &resolveProbes{marks: cache.New(cache.NoExpiration, 0), now: now}
}

// Allow reports whether a probe for key may run now and, if so, marks it.
func (p *resolveProbes) Allow(key model.AlertKey, backoff time.Duration) bool {
	if backoff <= 0 {
		return true
	}
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.marks.Get(key.String()); ok {
		if until, ok := v.(time.Time); ok && now.Before(until) {
			return false
		}
	}
	p.marks.Set(key.String(), now.Add(backoff), cache.NoExpiration)
	return true
}

func (p *resolveProbes) Clear(key model.AlertKey) {
	p.marks.Delete(key.String())
}

func (p *resolveProbes) Sweep() {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, item := range p.marks.Items() {
		if until, ok := item.Object.(time.Time); !ok || !now.Before(until) {
			p.marks.Delete(k)
		}
	}
}

func (p *resolveProbes) Flush() {
	p.marks.Flush()
}
