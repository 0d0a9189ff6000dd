package observer

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MentionTracker remembers threads where the bot was recently addressed
// directly, so the channel observer skips messages already being handled by a
// session. Entries expire on their own.
type MentionTracker struct {
	cache *ttlcache.Cache[string, struct{}]
}

// NewMentionTracker creates a tracker whose marks expire after ttl.
func NewMentionTracker(ttl time.Duration) *MentionTracker {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](ttl),
	)
	go cache.Start()
	return &MentionTracker{cache: cache}
}

// Mark records that threadTS is being handled directly.
func (m *MentionTracker) Mark(threadTS string) {
	m.cache.Set(threadTS, struct{}{}, ttlcache.DefaultTTL)
}

// Handled reports whether threadTS was marked within the TTL.
func (m *MentionTracker) Handled(threadTS string) bool {
	return m.cache.Has(threadTS)
}

// Stop shuts down the expiry loop.
func (m *MentionTracker) Stop() {
	m.cache.Stop()
}
