package memory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"lookout/bot/internal/llm"
)

// fakeOps scripts the LLM operations for pipeline tests.
type fakeOps struct {
	observeRes *llm.ObserveResult
	observeErr error

	reflectRes []llm.MemoryItem
	reflectErr error

	promoteRes   *llm.PromoteResult
	promoteErr   error
	promoteCalls int

	compactRes   []llm.MemoryItem
	compactErr   error
	compactCalls int
}

func (f *fakeOps) Observe(_ context.Context, _ []llm.MemoryItem, _, _ string) (*llm.ObserveResult, error) {
	if f.observeErr != nil {
		return nil, f.observeErr
	}
	return f.observeRes, nil
}

func (f *fakeOps) Reflect(_ context.Context, _ []llm.MemoryItem) ([]llm.MemoryItem, error) {
	if f.reflectErr != nil {
		return nil, f.reflectErr
	}
	return f.reflectRes, nil
}

func (f *fakeOps) Promote(_ context.Context, _ []llm.CandidateInput, _ []llm.MemoryItem) (*llm.PromoteResult, error) {
	f.promoteCalls++
	if f.promoteErr != nil {
		return nil, f.promoteErr
	}
	return f.promoteRes, nil
}

func (f *fakeOps) Compact(_ context.Context, _ []llm.MemoryItem, _ int) ([]llm.MemoryItem, error) {
	f.compactCalls++
	if f.compactErr != nil {
		return nil, f.compactErr
	}
	return f.compactRes, nil
}

func newTestPipeline(t *testing.T, ops Ops, cfg PipelineConfig) (*Pipeline, *Store) {
	t.Helper()
	s, _ := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewPipeline(s, ops, cfg, logger), s
}

func TestObserveTurnBelowMinTokensDoesNothing(t *testing.T) {
	ops := &fakeOps{}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1000, PromotionThreshold: 1 << 30})

	p.ObserveTurn(context.Background(), "1.1", "U1", "hi", "hello")

	if got := s.LoadObservations("1.1"); got != nil {
		t.Errorf("observations should be empty, got %v", got)
	}
	// The conversation log is still appended.
	if _, err := os.Stat(s.base + "/conversations/1.1.jsonl"); err != nil {
		t.Errorf("conversation log missing: %v", err)
	}
}

func TestObserveTurnAppendsObservationsAndCandidates(t *testing.T) {
	ops := &fakeOps{observeRes: &llm.ObserveResult{
		Observations: []llm.ObservedFact{{Priority: "🔴", Content: "works at night"}},
		Candidates:   []string{"lives in Seoul"},
	}}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1, ReflectionThreshold: 1 << 30, PromotionThreshold: 1 << 30})

	p.ObserveTurn(context.Background(), "1.1", "U1", "a long enough user message", "a long enough reply")

	obs := s.LoadObservations("1.1")
	if len(obs) != 1 || obs[0].Content != "works at night" || obs[0].Priority != PriorityHigh {
		t.Fatalf("observations = %+v", obs)
	}
	if !strings.HasPrefix(obs[0].ID, "obs_") {
		t.Errorf("ID = %q", obs[0].ID)
	}
	fresh := s.LoadNewObservations("1.1")
	if len(fresh) != 1 || fresh[0].ID != obs[0].ID {
		t.Errorf("new observations = %+v", fresh)
	}
	cands := s.LoadAllCandidates()
	if len(cands["1.1"]) != 1 || cands["1.1"][0].Content != "lives in Seoul" {
		t.Errorf("candidates = %+v", cands)
	}
	meta := s.LoadMeta("1.1")
	if meta.TotalSessionsObserved != 1 || meta.LastObservedAt.IsZero() {
		t.Errorf("meta = %+v", meta)
	}
}

func TestObserveFailureCommitsNothing(t *testing.T) {
	ops := &fakeOps{observeErr: errors.New("boom")}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1, PromotionThreshold: 1 << 30})

	p.ObserveTurn(context.Background(), "1.1", "U1", "message text here", "reply text here")

	if got := s.LoadObservations("1.1"); got != nil {
		t.Errorf("observations = %v, want none", got)
	}
	if got := s.LoadAllCandidates(); len(got) != 0 {
		t.Errorf("candidates = %v, want none", got)
	}
	// The turn stays queued for replay after a failed observe round.
	if got := s.LoadPending("1.1"); len(got) != 1 || got[0].User != "message text here" {
		t.Errorf("pending queue = %+v, want the failed turn", got)
	}
}

func TestObserveSuccessClearsPendingQueue(t *testing.T) {
	ops := &fakeOps{observeRes: &llm.ObserveResult{}}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1, ReflectionThreshold: 1 << 30, PromotionThreshold: 1 << 30})

	p.ObserveTurn(context.Background(), "1.1", "U1", "user message text", "assistant reply text")

	if got := s.LoadPending("1.1"); got != nil {
		t.Errorf("pending queue = %+v, want empty after success", got)
	}
}

func TestPromotionCommitAtomicity(t *testing.T) {
	// Scenario: candidates over threshold, promoter returns 2 promoted +
	// 8 rejected. Persistent grows by 2, all candidate buffers empty.
	ops := &fakeOps{
		observeRes: &llm.ObserveResult{},
		promoteRes: &llm.PromoteResult{
			Promoted: []llm.PromotedFact{
				{Priority: "🔴", Content: "durable fact one"},
				{Priority: "🟡", Content: "durable fact two"},
			},
			Rejected: []string{"a", "b", "c", "d", "e", "f", "g", "h"},
		},
	}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1, ReflectionThreshold: 1 << 30, PromotionThreshold: 100, CompactionThreshold: 1 << 30})

	// Seed well past the 100-token threshold across two sessions.
	long := strings.Repeat("fact ", 50)
	seed := func(ts string) {
		var cs []Candidate
		for i := 0; i < 5; i++ {
			cs = append(cs, Candidate{TS: ts, Priority: PriorityMedium, Content: long})
		}
		if err := s.AppendCandidates(ts, cs); err != nil {
			t.Fatal(err)
		}
	}
	seed("s1")
	seed("s2")

	p.ObserveTurn(context.Background(), "s1", "U1", "user message text", "assistant reply text")

	persistent := s.LoadPersistent()
	if len(persistent) != 2 {
		t.Fatalf("persistent items = %d, want 2", len(persistent))
	}
	for _, it := range persistent {
		if !strings.HasPrefix(it.ID, "ltm_") {
			t.Errorf("promoted ID = %q", it.ID)
		}
	}
	if got := s.LoadAllCandidates(); len(got) != 0 {
		t.Errorf("candidate buffers not cleared: %v", got)
	}
	if ops.compactCalls != 0 {
		t.Errorf("compactor ran below threshold")
	}
}

func TestPromotionUpdatesExistingItemByID(t *testing.T) {
	// A promoted fact carrying an existing ltm id supersedes that item in
	// place; only id-less facts append.
	ops := &fakeOps{
		observeRes: &llm.ObserveResult{},
		promoteRes: &llm.PromoteResult{
			Promoted: []llm.PromotedFact{
				{ID: "ltm_20250601_001", Priority: "🔴", Content: "moved to Busan"},
				{Priority: "🟢", Content: "brand new fact"},
			},
		},
	}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1, ReflectionThreshold: 1 << 30, PromotionThreshold: 10, CompactionThreshold: 1 << 30})

	if err := s.ReplacePersistent([]PersistentItem{
		{ID: "ltm_20250601_001", Priority: "🔴", Content: "lives in Seoul"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCandidates("s1", []Candidate{{TS: "t", Priority: PriorityMedium, Content: strings.Repeat("word ", 30)}}); err != nil {
		t.Fatal(err)
	}

	p.ObserveTurn(context.Background(), "s1", "U1", "user message text", "assistant reply text")

	persistent := s.LoadPersistent()
	if len(persistent) != 2 {
		t.Fatalf("persistent = %+v, want the update merged in place", persistent)
	}
	if persistent[0].ID != "ltm_20250601_001" || persistent[0].Content != "moved to Busan" {
		t.Errorf("updated item = %+v", persistent[0])
	}
	if persistent[1].Content != "brand new fact" || persistent[1].ID == "ltm_20250601_001" {
		t.Errorf("appended item = %+v", persistent[1])
	}
}

func TestPromotionFailureLeavesCandidatesUntouched(t *testing.T) {
	ops := &fakeOps{
		observeRes: &llm.ObserveResult{},
		promoteErr: errors.New("llm down"),
	}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1, ReflectionThreshold: 1 << 30, PromotionThreshold: 10})

	if err := s.AppendCandidates("s1", []Candidate{{TS: "t", Priority: PriorityMedium, Content: strings.Repeat("word ", 30)}}); err != nil {
		t.Fatal(err)
	}

	p.ObserveTurn(context.Background(), "s1", "U1", "user message text", "assistant reply text")

	if got := s.LoadAllCandidates(); len(got["s1"]) != 1 {
		t.Errorf("candidates must survive a failed promotion: %v", got)
	}
	if got := s.LoadPersistent(); got != nil {
		t.Errorf("persistent must stay empty: %v", got)
	}
}

func TestCompactionRunsAboveThreshold(t *testing.T) {
	ops := &fakeOps{
		observeRes: &llm.ObserveResult{},
		promoteRes: &llm.PromoteResult{
			Promoted: []llm.PromotedFact{{Priority: "🔴", Content: strings.Repeat("big fact ", 100)}},
		},
		compactRes: []llm.MemoryItem{{Priority: "🔴", Content: "compacted"}},
	}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1, ReflectionThreshold: 1 << 30, PromotionThreshold: 10, CompactionThreshold: 50})

	if err := s.AppendCandidates("s1", []Candidate{{TS: "t", Priority: PriorityMedium, Content: strings.Repeat("word ", 30)}}); err != nil {
		t.Fatal(err)
	}

	p.ObserveTurn(context.Background(), "s1", "U1", "user message text", "assistant reply text")

	if ops.compactCalls != 1 {
		t.Fatalf("compactCalls = %d, want 1", ops.compactCalls)
	}
	persistent := s.LoadPersistent()
	if len(persistent) != 1 || persistent[0].Content != "compacted" {
		t.Errorf("persistent = %+v", persistent)
	}
}

func TestReflectionCompressesInPlace(t *testing.T) {
	ops := &fakeOps{
		observeRes: &llm.ObserveResult{Observations: []llm.ObservedFact{{Priority: "🟢", Content: "new one"}}},
		reflectRes: []llm.MemoryItem{{ID: "obs_20250601_001", Priority: "🔴", Content: "merged summary"}},
	}
	p, s := newTestPipeline(t, ops, PipelineConfig{MinTurnTokens: 1, ReflectionThreshold: 5, PromotionThreshold: 1 << 30})

	seed := []ObservationItem{
		{ID: "obs_20250601_001", Priority: PriorityLow, Content: strings.Repeat("chatter ", 20), SessionDate: "2025-06-01", Source: SourceObserver},
		{ID: "obs_20250601_002", Priority: PriorityLow, Content: strings.Repeat("noise ", 20), SessionDate: "2025-06-01", Source: SourceObserver},
	}
	if err := s.SaveObservations("1.1", seed); err != nil {
		t.Fatal(err)
	}

	p.ObserveTurn(context.Background(), "1.1", "U1", "user message text", "assistant reply text")

	obs := s.LoadObservations("1.1")
	if len(obs) != 1 {
		t.Fatalf("observations = %+v", obs)
	}
	// Surviving item keeps its ID and original source but takes the new content.
	if obs[0].ID != "obs_20250601_001" || obs[0].Content != "merged summary" || obs[0].Priority != PriorityHigh {
		t.Errorf("reflected item = %+v", obs[0])
	}
	if meta := s.LoadMeta("1.1"); meta.ReflectionCount != 1 {
		t.Errorf("ReflectionCount = %d, want 1", meta.ReflectionCount)
	}
}
