// Package memory implements the observational-memory pipeline: per-turn
// observations, long-term candidates, promotion into persistent memory,
// compaction, and context injection.
package memory

import (
	"fmt"
	"time"
)

// Priority levels, in descending order of importance.
const (
	PriorityHigh   = "🔴"
	PriorityMedium = "🟡"
	PriorityLow    = "🟢"
)

// Observation sources.
const (
	SourceObserver  = "observer"
	SourceReflector = "reflector"
	SourceMigrated  = "migrated"
)

// ObservationItem is one session-scoped observed fact.
type ObservationItem struct {
	ID          string    `json:"id"` // obs_YYYYMMDD_NNN
	Priority    string    `json:"priority"`
	Content     string    `json:"content"`
	SessionDate string    `json:"session_date"` // YYYY-MM-DD
	CreatedAt   time.Time `json:"created_at"`
	Source      string    `json:"source"`
}

// PersistentItem is one long-term memory entry.
type PersistentItem struct {
	ID           string    `json:"id"` // ltm_YYYYMMDD_NNN
	Priority     string    `json:"priority"`
	Content      string    `json:"content"`
	PromotedAt   time.Time `json:"promoted_at"`
	SourceObsIDs []string  `json:"source_obs_ids,omitempty"`
}

// Candidate is a provisional long-term fact awaiting promotion.
type Candidate struct {
	TS       string `json:"ts"`
	Priority string `json:"priority"`
	Content  string `json:"content"`
}

// SessionMeta is per-session bookkeeping stored alongside the observations.
type SessionMeta struct {
	ObservationTokens     int       `json:"observation_tokens"`
	LastObservedAt        time.Time `json:"last_observed_at"`
	TotalSessionsObserved int       `json:"total_sessions_observed"`
	ReflectionCount       int       `json:"reflection_count"`

	// AnchorTS ties this session's memory debug log to a Slack anchor
	// message for UI threading.
	AnchorTS string `json:"anchor_ts,omitempty"`
}

// ConversationTurn is one engine round-trip appended to the conversation log.
type ConversationTurn struct {
	TS        time.Time `json:"ts"`
	UserID    string    `json:"user_id"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
}

// idSeq assigns monotonic per-(kind, date) ID suffixes.
type idSeq struct {
	counters map[string]int // "obs_20250101" → highest NNN seen
}

func newIDSeq() *idSeq {
	return &idSeq{counters: make(map[string]int)}
}

// observe registers an existing ID so future assignments stay monotonic.
func (s *idSeq) observe(id string) {
	var kind string
	var date, n int
	if _, err := fmt.Sscanf(id, "obs_%8d_%3d", &date, &n); err == nil {
		kind = "obs"
	} else if _, err := fmt.Sscanf(id, "ltm_%8d_%3d", &date, &n); err == nil {
		kind = "ltm"
	} else {
		return
	}
	key := fmt.Sprintf("%s_%08d", kind, date)
	if n > s.counters[key] {
		s.counters[key] = n
	}
}

// next returns the next ID for kind ("obs" or "ltm") on the given day.
func (s *idSeq) next(kind string, day time.Time) string {
	key := fmt.Sprintf("%s_%s", kind, day.Format("20060102"))
	s.counters[key]++
	return fmt.Sprintf("%s_%03d", key, s.counters[key])
}
