package observer

import (
	"log/slog"
	"os"
	"path/filepath"
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

func TestPendingAppendAndLoad(t *testing.T) {
	s, _ := newTestStore(t)
	msgs := []Message{
		{TS: "1.1", User: "U1", Text: "first"},
		{TS: "1.2", User: "U2", Text: "second"},
	}
	for _, m := range msgs {
		if err := s.AppendPending("C1", m); err != nil {
			t.Fatal(err)
		}
	}
	got := s.LoadPending("C1")
	if len(got) != 2 || got[0].TS != "1.1" || got[1].Text != "second" {
		t.Errorf("pending = %+v", got)
	}
	if other := s.LoadPending("C2"); other != nil {
		t.Errorf("unrelated channel should be empty, got %v", other)
	}
}

func TestThreadBuffersKeyedByRoot(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.AppendThreadMessage("C1", Message{TS: "2.1", User: "U1", Text: "reply", ThreadTS: "1.1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendThreadMessage("C1", Message{TS: "2.2", User: "U2", Text: "more", ThreadTS: "1.1"}); err != nil {
		t.Fatal(err)
	}
	threads := s.LoadThreadBuffers("C1")
	if len(threads) != 1 || len(threads["1.1"]) != 2 {
		t.Fatalf("threads = %+v", threads)
	}
}

func TestCommitJudgedMovesOnlyConsumed(t *testing.T) {
	s, _ := newTestStore(t)
	consumed := []Message{{TS: "1.1", User: "U1", Text: "old"}}
	late := Message{TS: "1.9", User: "U2", Text: "arrived mid-run"}
	if err := s.AppendPending("C1", consumed[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPending("C1", late); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendThreadMessage("C1", Message{TS: "2.1", Text: "r", ThreadTS: "1.1"}); err != nil {
		t.Fatal(err)
	}

	threads := s.LoadThreadBuffers("C1")
	if err := s.CommitJudged("C1", consumed, threads); err != nil {
		t.Fatal(err)
	}

	if got := s.LoadPending("C1"); len(got) != 1 || got[0].TS != "1.9" {
		t.Errorf("late message must stay pending: %+v", got)
	}
	// The thread reply is consumed together with its channel root.
	if got := s.LoadJudged("C1"); len(got) != 2 || got[0].TS != "1.1" || got[1].TS != "2.1" {
		t.Errorf("judged = %+v", got)
	}
	if got := s.LoadThreadBuffers("C1"); len(got) != 0 {
		t.Errorf("consumed thread buffer should be gone: %+v", got)
	}
}

func TestClearJudged(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.AppendPending("C1", Message{TS: "1.1", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitJudged("C1", []Message{{TS: "1.1", Text: "x"}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearJudged("C1"); err != nil {
		t.Fatal(err)
	}
	if got := s.LoadJudged("C1"); got != nil {
		t.Errorf("judged after clear = %+v", got)
	}
}

func TestDigestRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	d := Digest{Content: "team is discussing the release", Meta: DigestMeta{TokenCount: 8, LastDigestedAt: now}}
	if err := s.ReplaceDigest("C1", d); err != nil {
		t.Fatal(err)
	}
	got := s.LoadDigest("C1")
	if got.Content != d.Content || got.Meta.TokenCount != 8 || !got.Meta.LastDigestedAt.Equal(now) {
		t.Errorf("digest = %+v", got)
	}
	if got.Meta.LastCompressedAt != nil {
		t.Error("LastCompressedAt should be nil before any compression")
	}
}

func TestInterventionStateDefaultsToIdle(t *testing.T) {
	s, _ := newTestStore(t)
	state := s.LoadInterventionState("C1")
	if state.Mode != "idle" {
		t.Errorf("mode = %q", state.Mode)
	}

	state.Mode = "active"
	state.RemainingTurns = 2
	if err := s.SaveInterventionState("C1", state); err != nil {
		t.Fatal(err)
	}
	got := s.LoadInterventionState("C1")
	if got.Mode != "active" || got.RemainingTurns != 2 {
		t.Errorf("state = %+v", got)
	}
}

func TestCorruptLinesSkipped(t *testing.T) {
	s, dir := newTestStore(t)
	if err := s.AppendPending("C1", Message{TS: "1.1", Text: "good"}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "C1", "pending.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{broken\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := s.AppendPending("C1", Message{TS: "1.2", Text: "also good"}); err != nil {
		t.Fatal(err)
	}

	got := s.LoadPending("C1")
	if len(got) != 2 || got[0].TS != "1.1" || got[1].TS != "1.2" {
		t.Errorf("pending = %+v", got)
	}
}

func TestChannelsListsSorted(t *testing.T) {
	s, _ := newTestStore(t)
	for _, ch := range []string{"C9", "C1", "C5"} {
		if err := s.AppendPending(ch, Message{TS: "1.1", Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	got := s.Channels()
	if len(got) != 3 || got[0] != "C1" || got[2] != "C9" {
		t.Errorf("channels = %v", got)
	}
}
