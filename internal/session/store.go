package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store provides thread-safe session persistence, one JSON file per session.
// Write failures are logged but never surfaced: the in-process cache stays
// authoritative so reads keep working.
type Store struct {
	mu     sync.Mutex
	dir    string
	cache  map[string]*Session // thread_ts → session
	logger *slog.Logger
}

// NewStore creates a session store rooted at dir, loading any existing
// session files into the cache. Corrupt files are logged and skipped — they
// must never poison the cache.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		cache:  make(map[string]*Session),
		logger: logger,
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		sess, err := readSessionFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping corrupt session file", "file", name, "error", err)
			continue
		}
		s.cache[sess.ThreadTS] = sess
	}
	return s, nil
}

func readSessionFile(path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	if sess.ThreadTS == "" {
		return nil, fmt.Errorf("session file missing thread_ts")
	}
	return &sess, nil
}

func (s *Store) path(threadTS string) string {
	return filepath.Join(s.dir, "session_"+threadTS+".json")
}

// saveLocked flushes one session to disk with write-temp-then-rename.
// Failures are logged, never raised.
func (s *Store) saveLocked(sess *Session) {
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal session", "thread_ts", sess.ThreadTS, "error", err)
		return
	}
	path := s.path(sess.ThreadTS)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.logger.Error("failed to write session file", "thread_ts", sess.ThreadTS, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Error("failed to rename session file", "thread_ts", sess.ThreadTS, "error", err)
	}
}

// Get returns a copy of the session for threadTS, or nil if none exists.
func (s *Store) Get(threadTS string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache[threadTS]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// Create makes a new session for threadTS. Creating an existing thread is an
// error: exactly one session per thread_ts.
func (s *Store) Create(threadTS, channelID, userID, username, role string, source SourceType) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[threadTS]; ok {
		return nil, fmt.Errorf("session already exists for thread %s", threadTS)
	}
	now := time.Now().UTC()
	sess := &Session{
		ThreadTS:   threadTS,
		ChannelID:  channelID,
		UserID:     userID,
		Username:   username,
		Role:       role,
		SourceType: source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.cache[threadTS] = sess
	s.saveLocked(sess)
	cp := *sess
	return &cp, nil
}

// UpdateSessionID records the engine's resume token (assignment or rotation).
func (s *Store) UpdateSessionID(threadTS, sessionID string) {
	s.mutate(threadTS, func(sess *Session) {
		sess.SessionID = sessionID
	})
}

// UpdateLastSeenTS advances the channel-side fold-in watermark.
func (s *Store) UpdateLastSeenTS(threadTS, ts string) {
	s.mutate(threadTS, func(sess *Session) {
		sess.LastSeenTS = ts
		if sess.SourceType == SourceThread {
			sess.SourceType = SourceHybrid
		}
	})
}

// UpdateUser refreshes the user attribution on an existing session.
func (s *Store) UpdateUser(threadTS, userID, username, role string) {
	s.mutate(threadTS, func(sess *Session) {
		sess.UserID = userID
		sess.Username = username
		sess.Role = role
	})
}

// IncrementMessageCount bumps the round-trip counter.
func (s *Store) IncrementMessageCount(threadTS string) {
	s.mutate(threadTS, func(sess *Session) {
		sess.MessageCount++
	})
}

func (s *Store) mutate(threadTS string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache[threadTS]
	if !ok {
		s.logger.Warn("mutate on unknown session", "thread_ts", threadTS)
		return
	}
	fn(sess)
	sess.UpdatedAt = time.Now().UTC()
	s.saveLocked(sess)
}

// ListActive returns copies of all sessions, newest first.
func (s *Store) ListActive() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.cache))
	for _, sess := range s.cache {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Count returns the number of cached sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// CleanupOld removes sessions not updated within thresholdHours, returning
// the number removed. File deletion failures are logged and the cache entry
// is dropped anyway.
func (s *Store) CleanupOld(thresholdHours int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(thresholdHours) * time.Hour)
	removed := 0
	for ts, sess := range s.cache {
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		delete(s.cache, ts)
		if err := os.Remove(s.path(ts)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove old session file", "thread_ts", ts, "error", err)
		}
		removed++
	}
	return removed
}
