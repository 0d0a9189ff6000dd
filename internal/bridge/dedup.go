package bridge

import "sync"

// dedupCapacity bounds the seen set; Socket Mode redeliveries cluster close
// together, so evicting the oldest half on overflow is enough.
const dedupCapacity = 4096

// Dedup drops redelivered transport events. Socket Mode retries delivery
// when an ack is slow, so every event is keyed by type plus timestamp and
// processed at most once.
type Dedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewDedup creates an empty deduplicator.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// Seen reports whether the key was already processed, marking it otherwise.
// Keys are prefixed by event type, e.g. "message:C1:1726000000.000100".
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > dedupCapacity {
		drop := d.order[:dedupCapacity/2]
		d.order = append([]string(nil), d.order[dedupCapacity/2:]...)
		for _, k := range drop {
			delete(d.seen, k)
		}
	}
	return false
}
