package memory

import (
	"context"
	"log/slog"
	"time"

	"lookout/bot/internal/llm"
	"lookout/bot/internal/tokens"
)

// Ops is the subset of LLM operations the pipeline needs. *llm.Client
// satisfies it; tests substitute fakes.
type Ops interface {
	Observe(ctx context.Context, existing []llm.MemoryItem, userMsg, assistantMsg string) (*llm.ObserveResult, error)
	Reflect(ctx context.Context, items []llm.MemoryItem) ([]llm.MemoryItem, error)
	Promote(ctx context.Context, candidates []llm.CandidateInput, existing []llm.MemoryItem) (*llm.PromoteResult, error)
	Compact(ctx context.Context, items []llm.MemoryItem, targetTokens int) ([]llm.MemoryItem, error)
}

// PipelineConfig carries the pipeline thresholds.
type PipelineConfig struct {
	MinTurnTokens       int
	ReflectionThreshold int
	PromotionThreshold  int
	CompactionThreshold int
}

// Pipeline runs the observe → candidates → promote → compact progression.
// It is invoked inline after each engine round-trip and therefore self-paced
// with user input. Every failure is logged and dropped — memory is additive,
// never load-bearing for the conversation itself.
type Pipeline struct {
	store  *Store
	ops    Ops
	cfg    PipelineConfig
	logger *slog.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(store *Store, ops Ops, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: store, ops: ops, cfg: cfg, logger: logger}
}

// ObserveTurn processes one completed round-trip for thread threadTS.
func (p *Pipeline) ObserveTurn(ctx context.Context, threadTS, userID, userMsg, assistantMsg string) {
	if err := p.store.AppendConversation(threadTS, ConversationTurn{
		TS:        time.Now().UTC(),
		UserID:    userID,
		User:      userMsg,
		Assistant: assistantMsg,
	}); err != nil {
		p.logger.Warn("failed to append conversation log", "thread_ts", threadTS, "error", err)
	}

	if tokens.Estimate(userMsg)+tokens.Estimate(assistantMsg) < p.cfg.MinTurnTokens {
		return
	}

	if err := p.store.EnqueuePending(threadTS, ConversationTurn{
		TS:        time.Now().UTC(),
		UserID:    userID,
		User:      userMsg,
		Assistant: assistantMsg,
	}); err != nil {
		p.logger.Warn("failed to enqueue pending turn", "thread_ts", threadTS, "error", err)
	}

	existing := p.store.LoadObservations(threadTS)
	res, err := p.ops.Observe(ctx, toMemoryItems(existing), userMsg, assistantMsg)
	if err != nil {
		p.logger.Warn("observe round failed", "thread_ts", threadTS, "error", err)
		return
	}
	p.store.ClearPending(threadTS)

	now := time.Now().UTC()
	var fresh []ObservationItem
	for _, fact := range res.Observations {
		fresh = append(fresh, ObservationItem{
			ID:          p.store.NextObsID(now),
			Priority:    normalizePriority(fact.Priority),
			Content:     fact.Content,
			SessionDate: now.Format("2006-01-02"),
			CreatedAt:   now,
			Source:      SourceObserver,
		})
	}
	if len(fresh) > 0 {
		all := append(existing, fresh...)
		if err := p.store.SaveObservations(threadTS, all); err != nil {
			p.logger.Warn("failed to save observations", "thread_ts", threadTS, "error", err)
			return
		}
		if err := p.store.SaveNewObservations(threadTS, fresh); err != nil {
			p.logger.Warn("failed to save new observations", "thread_ts", threadTS, "error", err)
		}
	}

	if len(res.Candidates) > 0 {
		cands := make([]Candidate, 0, len(res.Candidates))
		for _, c := range res.Candidates {
			cands = append(cands, Candidate{
				TS:       now.Format(time.RFC3339Nano),
				Priority: PriorityMedium,
				Content:  c,
			})
		}
		if err := p.store.AppendCandidates(threadTS, cands); err != nil {
			p.logger.Warn("failed to append candidates", "thread_ts", threadTS, "error", err)
		}
	}

	meta := p.store.LoadMeta(threadTS)
	meta.LastObservedAt = now
	meta.TotalSessionsObserved++
	if err := p.store.SaveMeta(threadTS, meta); err != nil {
		p.logger.Warn("failed to save memory meta", "thread_ts", threadTS, "error", err)
	}

	p.maybeReflect(ctx, threadTS)
	p.maybePromote(ctx)
}

// maybeReflect compresses a session's observations in place once they exceed
// the reflection threshold.
func (p *Pipeline) maybeReflect(ctx context.Context, threadTS string) {
	meta := p.store.LoadMeta(threadTS)
	if meta.ObservationTokens <= p.cfg.ReflectionThreshold {
		return
	}
	existing := p.store.LoadObservations(threadTS)
	compressed, err := p.ops.Reflect(ctx, toMemoryItems(existing))
	if err != nil {
		p.logger.Warn("reflection round failed", "thread_ts", threadTS, "error", err)
		return
	}

	byID := make(map[string]ObservationItem, len(existing))
	for _, it := range existing {
		byID[it.ID] = it
	}
	now := time.Now().UTC()
	var items []ObservationItem
	for _, m := range compressed {
		if prev, ok := byID[m.ID]; ok {
			prev.Priority = normalizePriority(m.Priority)
			prev.Content = m.Content
			items = append(items, prev)
			continue
		}
		items = append(items, ObservationItem{
			ID:          p.store.NextObsID(now),
			Priority:    normalizePriority(m.Priority),
			Content:     m.Content,
			SessionDate: now.Format("2006-01-02"),
			CreatedAt:   now,
			Source:      SourceReflector,
		})
	}
	if err := p.store.SaveObservations(threadTS, items); err != nil {
		p.logger.Warn("failed to save reflected observations", "thread_ts", threadTS, "error", err)
		return
	}
	meta = p.store.LoadMeta(threadTS)
	meta.ReflectionCount++
	if err := p.store.SaveMeta(threadTS, meta); err != nil {
		p.logger.Warn("failed to save memory meta", "thread_ts", threadTS, "error", err)
	}
	p.logger.Info("session observations reflected", "thread_ts", threadTS,
		"items", len(items), "reflection_count", meta.ReflectionCount)
}

// maybePromote runs cross-session promotion when the total candidate pool
// exceeds the promotion threshold. Commit order matters: the new persistent
// file is written first, candidates are cleared only afterwards, so an LLM
// or write failure leaves everything untouched.
func (p *Pipeline) maybePromote(ctx context.Context) {
	pool := p.store.LoadAllCandidates()
	total := 0
	var inputs []llm.CandidateInput
	for _, cands := range pool {
		for _, c := range cands {
			total += tokens.Estimate(c.Content)
			inputs = append(inputs, llm.CandidateInput{TS: c.TS, Priority: c.Priority, Content: c.Content})
		}
	}
	if total <= p.cfg.PromotionThreshold {
		return
	}

	persistent := p.store.LoadPersistent()
	res, err := p.ops.Promote(ctx, inputs, persistentToMemoryItems(persistent))
	if err != nil {
		p.logger.Warn("promotion round failed", "error", err)
		return
	}

	now := time.Now().UTC()
	byID := make(map[string]int, len(persistent))
	for i, it := range persistent {
		byID[it.ID] = i
	}
	merged := persistent
	for _, fact := range res.Promoted {
		// A fact carrying an existing id updates that item in place instead
		// of duplicating it.
		if i, ok := byID[fact.ID]; ok && fact.ID != "" {
			merged[i].Priority = normalizePriority(fact.Priority)
			merged[i].Content = fact.Content
			merged[i].PromotedAt = now
			if len(fact.SourceObsIDs) > 0 {
				merged[i].SourceObsIDs = fact.SourceObsIDs
			}
			continue
		}
		merged = append(merged, PersistentItem{
			ID:           p.store.NextLtmID(now),
			Priority:     normalizePriority(fact.Priority),
			Content:      fact.Content,
			PromotedAt:   now,
			SourceObsIDs: fact.SourceObsIDs,
		})
	}
	if err := p.store.ReplacePersistent(merged); err != nil {
		p.logger.Warn("failed to commit promoted memory", "error", err)
		return
	}
	p.store.ClearAllCandidates()
	p.logger.Info("candidates promoted", "promoted", len(res.Promoted),
		"rejected", len(res.Rejected), "persistent_items", len(merged))

	if PersistentTokens(merged) > p.cfg.CompactionThreshold {
		p.compactPersistent(ctx, merged)
	}
}

// compactPersistent rewrites long-term memory to fit the compaction target.
// ReplacePersistent snapshots the pre-compaction file into archive/ first.
func (p *Pipeline) compactPersistent(ctx context.Context, items []PersistentItem) {
	target := p.cfg.CompactionThreshold / 2
	compacted, err := p.ops.Compact(ctx, persistentToMemoryItems(items), target)
	if err != nil {
		p.logger.Warn("compaction round failed", "error", err)
		return
	}
	byID := make(map[string]PersistentItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	now := time.Now().UTC()
	var out []PersistentItem
	for _, m := range compacted {
		if prev, ok := byID[m.ID]; ok {
			prev.Priority = normalizePriority(m.Priority)
			prev.Content = m.Content
			out = append(out, prev)
			continue
		}
		out = append(out, PersistentItem{
			ID:         p.store.NextLtmID(now),
			Priority:   normalizePriority(m.Priority),
			Content:    m.Content,
			PromotedAt: now,
		})
	}
	if err := p.store.ReplacePersistent(out); err != nil {
		p.logger.Warn("failed to commit compacted memory", "error", err)
		return
	}
	p.logger.Info("persistent memory compacted", "items", len(out), "tokens", PersistentTokens(out))
}

// PersistentStats reports the long-term memory size, for status commands.
func (p *Pipeline) PersistentStats() (items, tokenCount int) {
	persistent := p.store.LoadPersistent()
	return len(persistent), PersistentTokens(persistent)
}

func toMemoryItems(items []ObservationItem) []llm.MemoryItem {
	out := make([]llm.MemoryItem, 0, len(items))
	for _, it := range items {
		out = append(out, llm.MemoryItem{ID: it.ID, Priority: it.Priority, Content: it.Content})
	}
	return out
}

func persistentToMemoryItems(items []PersistentItem) []llm.MemoryItem {
	out := make([]llm.MemoryItem, 0, len(items))
	for _, it := range items {
		out = append(out, llm.MemoryItem{ID: it.ID, Priority: it.Priority, Content: it.Content})
	}
	return out
}

func normalizePriority(p string) string {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p
	default:
		return PriorityLow
	}
}
