package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"lookout/bot/internal/tokens"
)

// Store owns the on-disk memory layout under a base directory:
//
//	observations/<thread_ts>.json (+ .meta.json, .new.json, .inject)
//	conversations/<thread_ts>.jsonl
//	pending/<thread_ts>.jsonl
//	candidates/<thread_ts>.jsonl
//	persistent/recent.json (+ recent.meta.json, archive/recent_<ts>.json)
//
// Files are locked per path with an in-process lock table; the daemon is the
// sole writer of the base directory, so advisory cross-process locks add
// nothing. Writes that matter use write-temp-then-rename.
type Store struct {
	base   string
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // file path → lock

	seqMu sync.Mutex
	seq   *idSeq
}

// NewStore creates the directory layout under base.
func NewStore(base string, logger *slog.Logger) (*Store, error) {
	for _, sub := range []string{"observations", "conversations", "pending", "candidates", "persistent/archive"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
	}
	return &Store{
		base:   base,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		seq:    newIDSeq(),
	}, nil
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

func (s *Store) obsPath(threadTS string) string {
	return filepath.Join(s.base, "observations", threadTS+".json")
}

func (s *Store) persistentPath() string {
	return filepath.Join(s.base, "persistent", "recent.json")
}

func writeAtomic(path string, raw []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, raw)
}

// --- IDs ---

// NextObsID returns the next monotonic observation ID for the given day.
func (s *Store) NextObsID(day time.Time) string {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq.next("obs", day)
}

// NextLtmID returns the next monotonic persistent-memory ID for the given day.
func (s *Store) NextLtmID(day time.Time) string {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq.next("ltm", day)
}

func (s *Store) observeIDs(ids ...string) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	for _, id := range ids {
		s.seq.observe(id)
	}
}

// --- Observations ---

// LoadObservations returns a session's observation list. A legacy .md file is
// migrated to .json on first read; the .md is deleted only after the .json
// write succeeds.
func (s *Store) LoadObservations(threadTS string) []ObservationItem {
	path := s.obsPath(threadTS)
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	return s.loadObservationsLocked(threadTS)
}

func (s *Store) loadObservationsLocked(threadTS string) []ObservationItem {
	path := s.obsPath(threadTS)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if items, ok := s.migrateObservationsMd(threadTS); ok {
			return items
		}
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read observations", "thread_ts", threadTS, "error", err)
		return nil
	}
	var items []ObservationItem
	if err := json.Unmarshal(raw, &items); err != nil {
		s.logger.Warn("corrupt observations file skipped", "thread_ts", threadTS, "error", err)
		return nil
	}
	for _, it := range items {
		s.observeIDs(it.ID)
	}
	return items
}

// SaveObservations replaces a session's observation list and refreshes the
// token count in its meta file.
func (s *Store) SaveObservations(threadTS string, items []ObservationItem) error {
	path := s.obsPath(threadTS)
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	if err := writeJSONAtomic(path, items); err != nil {
		return fmt.Errorf("write observations: %w", err)
	}
	metaMu := s.lock(s.metaPath(threadTS))
	metaMu.Lock()
	defer metaMu.Unlock()
	meta := s.loadMetaLocked(threadTS)
	meta.ObservationTokens = observationTokens(items)
	return s.saveMetaLocked(threadTS, meta)
}

func observationTokens(items []ObservationItem) int {
	total := 0
	for _, it := range items {
		total += tokens.Estimate(it.Content)
	}
	return total
}

// --- Meta ---

func (s *Store) metaPath(threadTS string) string {
	return filepath.Join(s.base, "observations", threadTS+".meta.json")
}

// LoadMeta returns the session's memory bookkeeping (zero value if absent).
func (s *Store) LoadMeta(threadTS string) SessionMeta {
	mu := s.lock(s.metaPath(threadTS))
	mu.Lock()
	defer mu.Unlock()
	return s.loadMetaLocked(threadTS)
}

func (s *Store) loadMetaLocked(threadTS string) SessionMeta {
	var meta SessionMeta
	raw, err := os.ReadFile(s.metaPath(threadTS))
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.logger.Warn("corrupt meta file skipped", "thread_ts", threadTS, "error", err)
	}
	return meta
}

// SaveMeta persists the session's memory bookkeeping.
func (s *Store) SaveMeta(threadTS string, meta SessionMeta) error {
	mu := s.lock(s.metaPath(threadTS))
	mu.Lock()
	defer mu.Unlock()
	return s.saveMetaLocked(threadTS, meta)
}

func (s *Store) saveMetaLocked(threadTS string, meta SessionMeta) error {
	return writeJSONAtomic(s.metaPath(threadTS), meta)
}

// --- New observations (previous-turn diff) ---

func (s *Store) newObsPath(threadTS string) string {
	return filepath.Join(s.base, "observations", threadTS+".new.json")
}

// SaveNewObservations records the diff from the latest turn for next-turn
// injection.
func (s *Store) SaveNewObservations(threadTS string, items []ObservationItem) error {
	return writeJSONAtomic(s.newObsPath(threadTS), items)
}

// LoadNewObservations returns the previous turn's new observations.
func (s *Store) LoadNewObservations(threadTS string) []ObservationItem {
	raw, err := os.ReadFile(s.newObsPath(threadTS))
	if err != nil {
		return nil
	}
	var items []ObservationItem
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	return items
}

// SaveInjectionSnapshot writes the rendered injection block beside the
// observations for debugging. Failures are ignored — the snapshot is
// advisory.
func (s *Store) SaveInjectionSnapshot(threadTS, block string) {
	path := filepath.Join(s.base, "observations", threadTS+".inject")
	if err := writeAtomic(path, []byte(block)); err != nil {
		s.logger.Debug("failed to write injection snapshot", "thread_ts", threadTS, "error", err)
	}
}

// --- Candidates ---

func (s *Store) candidatesPath(threadTS string) string {
	return filepath.Join(s.base, "candidates", threadTS+".jsonl")
}

// AppendCandidates appends to the session's candidate buffer (append-only).
func (s *Store) AppendCandidates(threadTS string, cands []Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	path := s.candidatesPath(threadTS)
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open candidates: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, c := range cands {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("append candidate: %w", err)
		}
	}
	return nil
}

// LoadAllCandidates returns every session's candidate buffer.
func (s *Store) LoadAllCandidates() map[string][]Candidate {
	dir := filepath.Join(s.base, "candidates")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	out := make(map[string][]Candidate)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		threadTS := strings.TrimSuffix(name, ".jsonl")
		cands := s.loadCandidates(filepath.Join(dir, name))
		if len(cands) > 0 {
			out[threadTS] = cands
		}
	}
	return out
}

func (s *Store) loadCandidates(path string) []Candidate {
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []Candidate
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c Candidate
		if err := json.Unmarshal(line, &c); err != nil {
			s.logger.Warn("corrupt candidate line skipped", "file", path, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out
}

// ClearAllCandidates truncates every candidate buffer. Call only after a
// successful promotion commit.
func (s *Store) ClearAllCandidates() {
	dir := filepath.Join(s.base, "candidates")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		mu := s.lock(path)
		mu.Lock()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to clear candidates", "file", path, "error", err)
		}
		mu.Unlock()
	}
}

// --- Conversations ---

// AppendConversation logs one round-trip to the session's conversation file.
func (s *Store) AppendConversation(threadTS string, turn ConversationTurn) error {
	path := filepath.Join(s.base, "conversations", threadTS+".jsonl")
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(turn)
}

// --- Pending turns ---

func (s *Store) pendingPath(threadTS string) string {
	return filepath.Join(s.base, "pending", threadTS+".jsonl")
}

// EnqueuePending records a turn before its observe call runs, so a crash
// mid-call leaves a replayable trace on disk.
func (s *Store) EnqueuePending(threadTS string, turn ConversationTurn) error {
	path := s.pendingPath(threadTS)
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open pending queue: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(turn)
}

// LoadPending returns the queued turns for a session.
func (s *Store) LoadPending(threadTS string) []ConversationTurn {
	path := s.pendingPath(threadTS)
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []ConversationTurn
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var turn ConversationTurn
		if err := json.Unmarshal(line, &turn); err != nil {
			s.logger.Warn("corrupt pending line skipped", "thread_ts", threadTS, "error", err)
			continue
		}
		out = append(out, turn)
	}
	return out
}

// ClearPending drops the queue once the observe round committed.
func (s *Store) ClearPending(threadTS string) {
	path := s.pendingPath(threadTS)
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to clear pending queue", "thread_ts", threadTS, "error", err)
	}
}

// --- Persistent memory ---

// LoadPersistent returns long-term memory, migrating a legacy .md file when
// present.
func (s *Store) LoadPersistent() []PersistentItem {
	path := s.persistentPath()
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	return s.loadPersistentLocked()
}

func (s *Store) loadPersistentLocked() []PersistentItem {
	raw, err := os.ReadFile(s.persistentPath())
	if os.IsNotExist(err) {
		if items, ok := s.migratePersistentMd(); ok {
			return items
		}
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read persistent memory", "error", err)
		return nil
	}
	var items []PersistentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		s.logger.Warn("corrupt persistent file skipped", "error", err)
		return nil
	}
	for _, it := range items {
		s.observeIDs(it.ID)
	}
	return items
}

// ReplacePersistent snapshots the current persistent file into archive/ and
// then atomically replaces it with items. The snapshot happens before any
// overwrite so a bad compaction can be rolled back by hand.
func (s *Store) ReplacePersistent(items []PersistentItem) error {
	path := s.persistentPath()
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()

	if current, err := os.ReadFile(path); err == nil {
		archive := filepath.Join(s.base, "persistent", "archive",
			fmt.Sprintf("recent_%d.json", time.Now().UnixNano()))
		if err := os.WriteFile(archive, current, 0o644); err != nil {
			return fmt.Errorf("archive persistent: %w", err)
		}
	}

	if err := writeJSONAtomic(path, items); err != nil {
		return fmt.Errorf("write persistent: %w", err)
	}

	meta := struct {
		TokenCount int       `json:"token_count"`
		UpdatedAt  time.Time `json:"updated_at"`
	}{PersistentTokens(items), time.Now().UTC()}
	if err := writeJSONAtomic(filepath.Join(s.base, "persistent", "recent.meta.json"), meta); err != nil {
		s.logger.Warn("failed to write persistent meta", "error", err)
	}
	return nil
}

// PersistentTokens estimates the token footprint of long-term memory.
func PersistentTokens(items []PersistentItem) int {
	total := 0
	for _, it := range items {
		total += tokens.Estimate(it.Content)
	}
	return total
}

// --- Legacy markdown migration ---

// mdLineRe matches "- 🔴 [obs_20250101_001] content" with an optional ID.
var mdLineRe = regexp.MustCompile(`^-\s*(🔴|🟡|🟢)\s*(?:\[([a-z]+_\d{8}_\d{3})\]\s*)?(.+)$`)

type mdItem struct {
	Priority, ID, Content string
}

func parseMdItems(raw string) []mdItem {
	var out []mdItem
	for _, line := range strings.Split(raw, "\n") {
		m := mdLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		out = append(out, mdItem{m[1], m[2], strings.TrimSpace(m[3])})
	}
	return out
}

func (s *Store) migrateObservationsMd(threadTS string) ([]ObservationItem, bool) {
	mdPath := filepath.Join(s.base, "observations", threadTS+".md")
	raw, err := os.ReadFile(mdPath)
	if err != nil {
		return nil, false
	}
	now := time.Now().UTC()
	var items []ObservationItem
	for _, p := range parseMdItems(string(raw)) {
		id := p.ID
		if id == "" {
			id = s.NextObsID(now)
		} else {
			s.observeIDs(id)
		}
		items = append(items, ObservationItem{
			ID:          id,
			Priority:    p.Priority,
			Content:     p.Content,
			SessionDate: now.Format("2006-01-02"),
			CreatedAt:   now,
			Source:      SourceMigrated,
		})
	}
	if err := writeJSONAtomic(s.obsPath(threadTS), items); err != nil {
		s.logger.Warn("observation md migration failed, keeping .md", "thread_ts", threadTS, "error", err)
		return items, true
	}
	// Delete the source only after the .json write succeeded.
	if err := os.Remove(mdPath); err != nil {
		s.logger.Warn("failed to remove migrated .md", "file", mdPath, "error", err)
	}
	s.logger.Info("migrated legacy observation file", "thread_ts", threadTS, "items", len(items))
	return items, true
}

func (s *Store) migratePersistentMd() ([]PersistentItem, bool) {
	mdPath := filepath.Join(s.base, "persistent", "recent.md")
	raw, err := os.ReadFile(mdPath)
	if err != nil {
		return nil, false
	}
	now := time.Now().UTC()
	var items []PersistentItem
	for _, p := range parseMdItems(string(raw)) {
		id := p.ID
		if id == "" {
			id = s.NextLtmID(now)
		} else {
			s.observeIDs(id)
		}
		items = append(items, PersistentItem{
			ID:         id,
			Priority:   p.Priority,
			Content:    p.Content,
			PromotedAt: now,
		})
	}
	if err := writeJSONAtomic(s.persistentPath(), items); err != nil {
		s.logger.Warn("persistent md migration failed, keeping .md", "error", err)
		return items, true
	}
	if err := os.Remove(mdPath); err != nil {
		s.logger.Warn("failed to remove migrated .md", "file", mdPath, "error", err)
	}
	s.logger.Info("migrated legacy persistent file", "items", len(items))
	return items, true
}
