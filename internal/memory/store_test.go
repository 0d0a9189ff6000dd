package memory

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, dir
}

func TestObservationsRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	items := []ObservationItem{
		{ID: "obs_20250601_001", Priority: PriorityHigh, Content: "user prefers Korean", SessionDate: "2025-06-01", CreatedAt: now, Source: SourceObserver},
		{ID: "obs_20250601_002", Priority: PriorityLow, Content: "asked about deploys", SessionDate: "2025-06-01", CreatedAt: now, Source: SourceObserver},
	}
	if err := s.SaveObservations("1.1", items); err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}

	got := s.LoadObservations("1.1")
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	for i := range items {
		if got[i] != items[i] {
			t.Errorf("item %d mismatch:\n got %+v\nwant %+v", i, got[i], items[i])
		}
	}

	// Stable under read-write-read.
	if err := s.SaveObservations("1.1", got); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	again := s.LoadObservations("1.1")
	for i := range got {
		if again[i] != got[i] {
			t.Errorf("unstable round-trip at %d", i)
		}
	}
}

func TestSaveObservationsUpdatesMetaTokens(t *testing.T) {
	s, _ := newTestStore(t)
	items := []ObservationItem{{ID: "obs_20250601_001", Priority: PriorityLow, Content: strings.Repeat("x", 40)}}
	if err := s.SaveObservations("1.1", items); err != nil {
		t.Fatal(err)
	}
	meta := s.LoadMeta("1.1")
	if meta.ObservationTokens != 10 {
		t.Errorf("ObservationTokens = %d, want 10", meta.ObservationTokens)
	}
}

func TestIDMonotonicity(t *testing.T) {
	s, _ := newTestStore(t)
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	first := s.NextObsID(day)
	second := s.NextObsID(day)
	if first != "obs_20250601_001" || second != "obs_20250601_002" {
		t.Errorf("got %s, %s", first, second)
	}
	// ltm counter is independent.
	if id := s.NextLtmID(day); id != "ltm_20250601_001" {
		t.Errorf("ltm id = %s", id)
	}
	// A different day restarts the sequence.
	if id := s.NextObsID(day.AddDate(0, 0, 1)); id != "obs_20250602_001" {
		t.Errorf("next-day id = %s", id)
	}
}

func TestIDSeqResumesFromLoadedItems(t *testing.T) {
	s, dir := newTestStore(t)
	items := []ObservationItem{{ID: "obs_20250601_007", Priority: PriorityLow, Content: "seen"}}
	if err := s.SaveObservations("1.1", items); err != nil {
		t.Fatal(err)
	}

	// A fresh store learns the high-water mark from the file.
	s2, err := NewStore(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatal(err)
	}
	s2.LoadObservations("1.1")
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if id := s2.NextObsID(day); id != "obs_20250601_008" {
		t.Errorf("resumed id = %s, want obs_20250601_008", id)
	}
}

func TestCandidatesAppendLoadClear(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.AppendCandidates("1.1", []Candidate{{TS: "a", Priority: PriorityMedium, Content: "fact one"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCandidates("2.2", []Candidate{{TS: "b", Priority: PriorityMedium, Content: "fact two"}}); err != nil {
		t.Fatal(err)
	}
	// Append-only per session.
	if err := s.AppendCandidates("1.1", []Candidate{{TS: "c", Priority: PriorityMedium, Content: "fact three"}}); err != nil {
		t.Fatal(err)
	}

	all := s.LoadAllCandidates()
	if len(all) != 2 {
		t.Fatalf("sessions = %d", len(all))
	}
	if len(all["1.1"]) != 2 || all["1.1"][1].Content != "fact three" {
		t.Errorf("1.1 candidates = %+v", all["1.1"])
	}

	s.ClearAllCandidates()
	if got := s.LoadAllCandidates(); len(got) != 0 {
		t.Errorf("candidates remain after clear: %v", got)
	}
}

func TestReplacePersistentSnapshotsArchive(t *testing.T) {
	s, dir := newTestStore(t)
	now := time.Now().UTC()
	if err := s.ReplacePersistent([]PersistentItem{{ID: "ltm_20250601_001", Priority: PriorityHigh, Content: "v1", PromotedAt: now}}); err != nil {
		t.Fatal(err)
	}
	// First write: nothing to archive.
	archDir := filepath.Join(dir, "persistent", "archive")
	entries, _ := os.ReadDir(archDir)
	if len(entries) != 0 {
		t.Errorf("unexpected archive entries on first write: %d", len(entries))
	}

	if err := s.ReplacePersistent([]PersistentItem{{ID: "ltm_20250601_001", Priority: PriorityHigh, Content: "v2", PromotedAt: now}}); err != nil {
		t.Fatal(err)
	}
	entries, _ = os.ReadDir(archDir)
	if len(entries) != 1 {
		t.Fatalf("archive entries = %d, want 1", len(entries))
	}
	raw, err := os.ReadFile(filepath.Join(archDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "v1") {
		t.Error("archive should hold the pre-overwrite content")
	}

	got := s.LoadPersistent()
	if len(got) != 1 || got[0].Content != "v2" {
		t.Errorf("persistent = %+v", got)
	}
}

func TestObservationMdMigration(t *testing.T) {
	s, dir := newTestStore(t)
	md := "# notes\n- 🔴 [obs_20250401_003] likes terse answers\n- 🟢 mentioned a cat\nnot an item\n"
	mdPath := filepath.Join(dir, "observations", "1.1.md")
	if err := os.WriteFile(mdPath, []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}

	items := s.LoadObservations("1.1")
	if len(items) != 2 {
		t.Fatalf("migrated items = %d, want 2", len(items))
	}
	if items[0].ID != "obs_20250401_003" || items[0].Priority != PriorityHigh {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].ID == "" || items[1].Priority != PriorityLow {
		t.Errorf("item 1 = %+v", items[1])
	}
	if items[0].Source != SourceMigrated {
		t.Errorf("source = %q", items[0].Source)
	}

	// The .md is removed only after the .json write succeeded.
	if _, err := os.Stat(mdPath); !os.IsNotExist(err) {
		t.Error(".md should be removed after migration")
	}
	if _, err := os.Stat(filepath.Join(dir, "observations", "1.1.json")); err != nil {
		t.Errorf(".json missing after migration: %v", err)
	}

	// Migrated records round-trip unchanged.
	if err := s.SaveObservations("1.1", items); err != nil {
		t.Fatal(err)
	}
	again := s.LoadObservations("1.1")
	for i := range items {
		if again[i] != items[i] {
			t.Errorf("migration round-trip mismatch at %d", i)
		}
	}
}

func TestPersistentMdMigration(t *testing.T) {
	s, dir := newTestStore(t)
	md := "- 🟡 [ltm_20250301_001] prefers morning standups\n"
	if err := os.WriteFile(filepath.Join(dir, "persistent", "recent.md"), []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}
	items := s.LoadPersistent()
	if len(items) != 1 || items[0].ID != "ltm_20250301_001" || items[0].Priority != PriorityMedium {
		t.Fatalf("items = %+v", items)
	}
	if _, err := os.Stat(filepath.Join(dir, "persistent", "recent.md")); !os.IsNotExist(err) {
		t.Error("recent.md should be removed after migration")
	}
}

func TestCorruptFilesAreSkipped(t *testing.T) {
	s, dir := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "observations", "bad.json"), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.LoadObservations("bad"); got != nil {
		t.Errorf("corrupt observations should load as nil, got %v", got)
	}
	if err := os.WriteFile(filepath.Join(dir, "persistent", "recent.json"), []byte("[broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.LoadPersistent(); got != nil {
		t.Errorf("corrupt persistent should load as nil, got %v", got)
	}
}

func TestAppendConversation(t *testing.T) {
	s, dir := newTestStore(t)
	turn := ConversationTurn{TS: time.Now().UTC(), UserID: "U1", User: "hi", Assistant: "hello"}
	if err := s.AppendConversation("1.1", turn); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendConversation("1.1", turn); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "conversations", "1.1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Count(strings.TrimSpace(string(raw)), "\n") + 1
	if lines != 2 {
		t.Errorf("conversation lines = %d, want 2", lines)
	}
}
