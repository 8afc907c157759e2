package notify

import (
	"sync"
	"time"

	"fleetalerts/internal/model"
)

// Cooldown remembers when each key last produced a visual notification.
type Cooldown struct {
	mu   sync.Mutex
	last map[model.AlertKey]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[model.AlertKey]time.Time)}
}

// Within reports whether key was marked less than window before now.
func (c *Cooldown) Within(key model.AlertKey, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[key]
	return ok && now.Sub(ts) < window
}

func (c *Cooldown) Mark(key model.AlertKey, now time.Time) {
	c.mu.Lock()
	c.last[key] = now
	c.mu.Unlock()
}

func (c *Cooldown) Last(key model.AlertKey) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[key]
	return ts, ok
}

func (c *Cooldown) Forget(key model.AlertKey) {
	c.mu.Lock()
	delete(c.last, key)
	c.mu.Unlock()
}
