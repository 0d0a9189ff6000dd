// Package session provides per-thread conversation session storage.
//
// A session binds a Slack thread to an engine conversation. Sessions are
// persisted one file per thread (sessions/session_<thread_ts>.json) with an
// in-process cache in front, so reads survive disk trouble and writes survive
// restarts.
package session

import (
	"time"
)

// SourceType records how a session came to exist.
type SourceType string

const (
	// SourceThread is the normal case: the bot was mentioned in a thread.
	SourceThread SourceType = "thread"

	// SourceChannel marks a session promoted from observed channel activity.
	SourceChannel SourceType = "channel"

	// SourceHybrid marks a thread session that also folds in channel-side
	// messages (tracked via LastSeenTS).
	SourceHybrid SourceType = "hybrid"
)

// Session is the per-thread conversation state.
type Session struct {
	ThreadTS  string `json:"thread_ts"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`

	// Role is "admin" or "viewer"; it selects the engine tool surface.
	Role string `json:"role"`

	// SessionID is the engine's resume token. Empty until the engine's first
	// reply; may be rotated by compaction. Rotation replaces the value, it
	// never splits the session.
	SessionID string `json:"session_id,omitempty"`

	MessageCount int        `json:"message_count"`
	SourceType   SourceType `json:"source_type"`

	// LastSeenTS is the transport timestamp of the most recent channel-side
	// message already folded into this session (hybrid sessions).
	LastSeenTS string `json:"last_seen_ts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
