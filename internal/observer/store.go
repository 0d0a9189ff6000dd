// Package observer implements the channel-observer pipeline: per-channel
// message buffers, a running digest, per-message judging, and probability-
// gated interventions.
package observer

import (
	"bufio"
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

// Message is one collected channel message.
type Message struct {
	TS       string `json:"ts"`
	User     string `json:"user"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// Digest is the channel's running conversation summary.
type Digest struct {
	Content string     `json:"content"`
	Meta    DigestMeta `json:"meta"`
}

// DigestMeta is the digest bookkeeping.
type DigestMeta struct {
	TokenCount       int        `json:"token_count"`
	LastDigestedAt   time.Time  `json:"last_digested_at"`
	LastCompressedAt *time.Time `json:"last_compressed_at,omitempty"`
}

// InterventionState is the persisted cooldown state machine for one channel.
// Mode is "idle" or "active"; Recent holds the last intervention timestamps
// so the probability function is stable across restarts.
type InterventionState struct {
	Mode               string      `json:"mode"`
	RemainingTurns     int         `json:"remaining_turns,omitempty"`
	StartedAt          time.Time   `json:"started_at,omitempty"`
	LastInterventionAt time.Time   `json:"last_intervention_at,omitempty"`
	Recent             []time.Time `json:"recent,omitempty"`
}

// Store persists per-channel observer state:
//
//	channel/<channel_id>/pending.jsonl
//	channel/<channel_id>/judged.jsonl
//	channel/<channel_id>/threads/<thread_ts>.jsonl
//	channel/<channel_id>/digest.json + digest.meta.json
//	channel/<channel_id>/intervention.meta.json
//
// Each file has its own lock; the four buffer files are never mutated under
// one combined lock (per-file contention is all the pipeline needs, since
// runs are single-flight per channel).
type Store struct {
	base   string
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a channel store rooted at base.
func NewStore(base string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	return &Store{base: base, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lock(path string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[path]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[path] = mu
	}
	return mu
}

func (s *Store) channelDir(channelID string) string {
	return filepath.Join(s.base, channelID)
}

func (s *Store) ensureChannel(channelID string) error {
	return os.MkdirAll(filepath.Join(s.channelDir(channelID), "threads"), 0o755)
}

// --- JSONL helpers ---

func (s *Store) appendJSONL(path string, msgs ...Message) error {
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readJSONL(path string) []Message {
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	return s.readJSONLLocked(path)
}

func (s *Store) readJSONLLocked(path string) []Message {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []Message
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			s.logger.Warn("corrupt message line skipped", "file", path, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// --- Pending / judged / threads ---

// AppendPending adds a channel-root message to the pending buffer.
func (s *Store) AppendPending(channelID string, msg Message) error {
	if err := s.ensureChannel(channelID); err != nil {
		return err
	}
	return s.appendJSONL(filepath.Join(s.channelDir(channelID), "pending.jsonl"), msg)
}

// AppendThreadMessage adds a reply to its thread buffer, keeping it attached
// to the thread root through the pipeline.
func (s *Store) AppendThreadMessage(channelID string, msg Message) error {
	if err := s.ensureChannel(channelID); err != nil {
		return err
	}
	return s.appendJSONL(filepath.Join(s.channelDir(channelID), "threads", msg.ThreadTS+".jsonl"), msg)
}

// LoadPending returns the pending buffer in arrival order.
func (s *Store) LoadPending(channelID string) []Message {
	return s.readJSONL(filepath.Join(s.channelDir(channelID), "pending.jsonl"))
}

// LoadJudged returns the judged buffer in arrival order.
func (s *Store) LoadJudged(channelID string) []Message {
	return s.readJSONL(filepath.Join(s.channelDir(channelID), "judged.jsonl"))
}

// LoadThreadBuffers returns all thread buffers for the channel.
func (s *Store) LoadThreadBuffers(channelID string) map[string][]Message {
	dir := filepath.Join(s.channelDir(channelID), "threads")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	out := make(map[string][]Message)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		threadTS := strings.TrimSuffix(name, ".jsonl")
		if msgs := s.readJSONL(filepath.Join(dir, name)); len(msgs) > 0 {
			out[threadTS] = msgs
		}
	}
	return out
}

// CommitJudged moves the given pending messages and thread buffers into the
// judged buffer, then drops the consumed thread files. Pending messages are
// matched by ts so a message that arrived mid-run stays pending for the next
// trigger.
func (s *Store) CommitJudged(channelID string, consumed []Message, threads map[string][]Message) error {
	dir := s.channelDir(channelID)
	pendingPath := filepath.Join(dir, "pending.jsonl")
	judgedPath := filepath.Join(dir, "judged.jsonl")

	consumedSet := make(map[string]bool, len(consumed))
	for _, m := range consumed {
		consumedSet[m.TS] = true
	}

	mu := s.lock(pendingPath)
	mu.Lock()
	all := s.readJSONLLocked(pendingPath)
	var remain []Message
	for _, m := range all {
		if !consumedSet[m.TS] {
			remain = append(remain, m)
		}
	}
	if err := s.rewriteJSONLLocked(pendingPath, remain); err != nil {
		mu.Unlock()
		return fmt.Errorf("rewrite pending: %w", err)
	}
	mu.Unlock()

	batch := append([]Message(nil), consumed...)
	threadKeys := make([]string, 0, len(threads))
	for ts := range threads {
		threadKeys = append(threadKeys, ts)
	}
	sort.Strings(threadKeys)
	for _, ts := range threadKeys {
		batch = append(batch, threads[ts]...)
	}
	if err := s.appendJSONL(judgedPath, batch...); err != nil {
		return fmt.Errorf("append judged: %w", err)
	}

	for _, threadTS := range threadKeys {
		path := filepath.Join(dir, "threads", threadTS+".jsonl")
		tmu := s.lock(path)
		tmu.Lock()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to drop consumed thread buffer", "channel", channelID, "thread_ts", threadTS, "error", err)
		}
		tmu.Unlock()
	}
	return nil
}

func (s *Store) rewriteJSONLLocked(path string, msgs []Message) error {
	if len(msgs) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ClearJudged truncates the judged buffer after a digest fold-in.
func (s *Store) ClearJudged(channelID string) error {
	path := filepath.Join(s.channelDir(channelID), "judged.jsonl")
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// --- Digest ---

// LoadDigest returns the channel digest (zero value when absent).
func (s *Store) LoadDigest(channelID string) Digest {
	dir := s.channelDir(channelID)
	var d Digest
	if raw, err := os.ReadFile(filepath.Join(dir, "digest.json")); err == nil {
		d.Content = string(raw)
	}
	if raw, err := os.ReadFile(filepath.Join(dir, "digest.meta.json")); err == nil {
		if err := json.Unmarshal(raw, &d.Meta); err != nil {
			s.logger.Warn("corrupt digest meta skipped", "channel", channelID, "error", err)
		}
	}
	return d
}

// ReplaceDigest atomically replaces the digest content and meta.
func (s *Store) ReplaceDigest(channelID string, d Digest) error {
	if err := s.ensureChannel(channelID); err != nil {
		return err
	}
	dir := s.channelDir(channelID)
	path := filepath.Join(dir, "digest.json")
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(d.Content), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(d.Meta, "", "  ")
	if err != nil {
		return err
	}
	metaTmp := filepath.Join(dir, "digest.meta.json.tmp")
	if err := os.WriteFile(metaTmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(metaTmp, filepath.Join(dir, "digest.meta.json"))
}

// --- Intervention state ---

// LoadInterventionState returns the persisted cooldown state (idle default).
func (s *Store) LoadInterventionState(channelID string) InterventionState {
	state := InterventionState{Mode: "idle"}
	raw, err := os.ReadFile(filepath.Join(s.channelDir(channelID), "intervention.meta.json"))
	if err != nil {
		return state
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn("corrupt intervention meta skipped", "channel", channelID, "error", err)
		return InterventionState{Mode: "idle"}
	}
	if state.Mode == "" {
		state.Mode = "idle"
	}
	return state
}

// SaveInterventionState persists the cooldown state.
func (s *Store) SaveInterventionState(channelID string, state InterventionState) error {
	if err := s.ensureChannel(channelID); err != nil {
		return err
	}
	path := filepath.Join(s.channelDir(channelID), "intervention.meta.json")
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// PendingModTime returns the last write time of the channel's pending
// buffer; ok is false when the buffer is absent or empty.
func (s *Store) PendingModTime(channelID string) (time.Time, bool) {
	path := filepath.Join(s.channelDir(channelID), "pending.jsonl")
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Channels lists channel IDs with state on disk, sorted.
func (s *Store) Channels() []string {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}
