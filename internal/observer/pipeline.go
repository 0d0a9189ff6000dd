package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"lookout/bot/internal/llm"
	"lookout/bot/internal/tokens"
)

// Ops is the slice of LLM operations the pipeline needs. *llm.Client
// satisfies it.
type Ops interface {
	Digest(ctx context.Context, channelID, existing string, judged []llm.ChannelMessage) (*llm.DigestResult, error)
	Compress(ctx context.Context, digest string, targetTokens int) (*llm.DigestResult, error)
	Judge(ctx context.Context, in llm.JudgeInput) ([]llm.JudgeItem, error)
	Respond(ctx context.Context, digest string, trigger llm.ChannelMessage, nearby []llm.ChannelMessage) (string, error)
}

// Transport is the Slack surface the pipeline acts through.
type Transport interface {
	AddReaction(channelID, ts, emoji string) error
	PostMessage(channelID, threadTS, text string) (string, error)
}

// Reporter receives debug records for pipeline decisions. May be nil.
type Reporter interface {
	Report(kind string, fields map[string]any)
}

// Config holds the pipeline thresholds.
type Config struct {
	PendingThreshold    int // tokens of pending text that trigger a run
	DigestFoldThreshold int // judged+pending tokens that trigger a digest fold
	DigestMaxTokens     int // digest size that triggers compression
	DigestTargetTokens  int // compression target
	TriggerWords        []string
	BotUserID           string
}

// Pipeline runs the per-channel observation cycle: fold, filter, judge,
// react, maybe intervene, commit. Runs are single-flight per channel.
type Pipeline struct {
	store     *Store
	ops       Ops
	transport Transport
	cooldown  *Cooldown
	mentions  *MentionTracker
	reporter  Reporter
	cfg       Config
	clock     clockwork.Clock
	logger    *slog.Logger

	runningMu sync.Mutex
	running   map[string]bool

	// OnIntervention, when set, is notified after an autonomous post so the
	// bridge can open a follow-up session on the thread the message landed
	// in. userID is the author of the trigger message, possibly empty.
	OnIntervention func(channelID, threadTS, userID string)
}

// NewPipeline wires the observation cycle.
func NewPipeline(store *Store, ops Ops, transport Transport, cooldown *Cooldown, mentions *MentionTracker, reporter Reporter, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		ops:       ops,
		transport: transport,
		cooldown:  cooldown,
		mentions:  mentions,
		reporter:  reporter,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		running:   make(map[string]bool),
	}
}

// Collect buffers one incoming channel message and reports whether the
// channel is due for a judge run. Thread replies go to their thread buffer,
// roots to pending.
func (p *Pipeline) Collect(channelID string, msg Message) (bool, error) {
	if msg.ThreadTS != "" && msg.ThreadTS != msg.TS {
		if err := p.store.AppendThreadMessage(channelID, msg); err != nil {
			return false, err
		}
	} else {
		msg.ThreadTS = ""
		if err := p.store.AppendPending(channelID, msg); err != nil {
			return false, err
		}
	}
	return p.due(channelID, msg.Text), nil
}

func (p *Pipeline) due(channelID, latestText string) bool {
	lower := strings.ToLower(latestText)
	for _, w := range p.cfg.TriggerWords {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	total := 0
	for _, m := range p.store.LoadPending(channelID) {
		total += tokens.Estimate(m.Text)
	}
	for _, msgs := range p.store.LoadThreadBuffers(channelID) {
		for _, m := range msgs {
			total += tokens.Estimate(m.Text)
		}
	}
	return total >= p.cfg.PendingThreshold
}

// Run executes one observation cycle for the channel. A concurrent call for
// the same channel returns immediately; the buffered messages are picked up
// by the in-flight run's successor.
func (p *Pipeline) Run(ctx context.Context, channelID string) {
	p.runningMu.Lock()
	if p.running[channelID] {
		p.runningMu.Unlock()
		return
	}
	p.running[channelID] = true
	p.runningMu.Unlock()
	defer func() {
		p.runningMu.Lock()
		delete(p.running, channelID)
		p.runningMu.Unlock()
	}()

	p.run(ctx, channelID)
}

func (p *Pipeline) run(ctx context.Context, channelID string) {
	pending := p.store.LoadPending(channelID)
	threads := p.store.LoadThreadBuffers(channelID)
	if len(pending) == 0 && len(threads) == 0 {
		return
	}

	digest, err := p.maybeFold(ctx, channelID)
	if err != nil {
		// No buffer movement on a failed fold; the next trigger retries with
		// everything still in place.
		return
	}

	// Messages in threads the bot is already answering directly still
	// progress through the buffers, but the judge never sees them and no
	// reaction is considered for them.
	judgePending, judgeThreads := p.filterHandled(pending, threads)

	if len(judgePending) > 0 || len(judgeThreads) > 0 {
		items, err := p.ops.Judge(ctx, llm.JudgeInput{
			ChannelID:     channelID,
			Digest:        digest.Content,
			Judged:        toLLM(p.store.LoadJudged(channelID)),
			Pending:       toLLM(judgePending),
			ThreadBuffers: toLLMThreads(judgeThreads),
			BotUserID:     p.cfg.BotUserID,
		})
		if err != nil {
			// No buffer movement on failure; everything is re-judged next run.
			p.logger.Warn("judge pass failed", "channel", channelID, "error", err)
			return
		}

		p.react(channelID, items)
		p.maybeIntervene(ctx, channelID, digest.Content, judgePending, judgeThreads, items)
	}

	if err := p.store.CommitJudged(channelID, pending, threads); err != nil {
		p.logger.Error("failed to commit judged buffer", "channel", channelID, "error", err)
	}
}

// maybeFold folds the judged buffer into the digest when the accumulated text
// outgrows the fold threshold, then compresses the digest when it outgrows
// its own cap. A failed round returns an error so the caller aborts the pass
// without moving any buffers.
func (p *Pipeline) maybeFold(ctx context.Context, channelID string) (Digest, error) {
	digest := p.store.LoadDigest(channelID)
	judged := p.store.LoadJudged(channelID)

	total := 0
	for _, m := range judged {
		total += tokens.Estimate(m.Text)
	}
	for _, m := range p.store.LoadPending(channelID) {
		total += tokens.Estimate(m.Text)
	}

	if len(judged) > 0 && total > p.cfg.DigestFoldThreshold {
		res, err := p.ops.Digest(ctx, channelID, digest.Content, toLLM(judged))
		if err != nil {
			p.logger.Warn("digest fold failed", "channel", channelID, "error", err)
			return digest, err
		}
		digest.Content = res.Content
		digest.Meta.TokenCount = res.TokenCount
		digest.Meta.LastDigestedAt = p.clock.Now()
		if err := p.store.ReplaceDigest(channelID, digest); err != nil {
			p.logger.Error("failed to persist digest", "channel", channelID, "error", err)
			return digest, err
		}
		if err := p.store.ClearJudged(channelID); err != nil {
			p.logger.Error("failed to clear judged buffer", "channel", channelID, "error", err)
		}
	}

	if digest.Meta.TokenCount > p.cfg.DigestMaxTokens {
		res, err := p.ops.Compress(ctx, digest.Content, p.cfg.DigestTargetTokens)
		if err != nil {
			p.logger.Warn("digest compression failed", "channel", channelID, "error", err)
			return digest, err
		}
		now := p.clock.Now()
		digest.Content = res.Content
		digest.Meta.TokenCount = res.TokenCount
		digest.Meta.LastCompressedAt = &now
		if err := p.store.ReplaceDigest(channelID, digest); err != nil {
			p.logger.Error("failed to persist compressed digest", "channel", channelID, "error", err)
		}
	}
	return digest, nil
}

func (p *Pipeline) filterHandled(pending []Message, threads map[string][]Message) ([]Message, map[string][]Message) {
	if p.mentions == nil {
		return pending, threads
	}
	var keep []Message
	for _, m := range pending {
		if p.mentions.Handled(m.TS) {
			continue
		}
		keep = append(keep, m)
	}
	kept := make(map[string][]Message, len(threads))
	for ts, msgs := range threads {
		if p.mentions.Handled(ts) {
			continue
		}
		kept[ts] = msgs
	}
	return keep, kept
}

// react delivers emoji reactions immediately. Reaction failures are logged
// and skipped; they never block the rest of the pass.
func (p *Pipeline) react(channelID string, items []llm.JudgeItem) {
	for _, it := range items {
		if it.ReactionType != "react" || it.ReactionContent == "" {
			continue
		}
		target := it.ReactionTarget
		if target == "" || target == "channel" {
			target = it.TS
		}
		emoji := strings.Trim(it.ReactionContent, ":")
		if err := p.transport.AddReaction(channelID, target, emoji); err != nil {
			p.logger.Warn("reaction failed", "channel", channelID, "ts", target, "emoji", emoji, "error", err)
		}
	}
}

// maybeIntervene posts at most one unsolicited message per pass: the
// highest-importance intervene verdict that clears the cooldown gate.
func (p *Pipeline) maybeIntervene(ctx context.Context, channelID, digest string, pending []Message, threads map[string][]Message, items []llm.JudgeItem) bool {
	var candidates []llm.JudgeItem
	for _, it := range items {
		if it.ReactionType == "intervene" {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Importance > candidates[j].Importance
	})
	pick := candidates[0]

	score := p.cooldown.Allow(channelID, int(pick.Importance))
	if p.reporter != nil {
		p.reporter.Report("intervention_gate", map[string]any{
			"channel":     channelID,
			"ts":          pick.TS,
			"importance":  score.Importance,
			"time_factor": fmt.Sprintf("%.4f", score.TimeFactor),
			"freq_factor": fmt.Sprintf("%.4f", score.FreqFactor),
			"final":       fmt.Sprintf("%.4f", score.Final),
			"passed":      score.Passed,
			"mode":        score.Mode,
		})
	}
	if !score.Passed {
		return false
	}

	text := pick.ReactionContent
	var triggerUser string
	if trigger, nearby, ok := p.triggerContext(pick.TS, pending, threads); ok {
		triggerUser = trigger.User
		if generated, err := p.ops.Respond(ctx, digest, trigger, nearby); err == nil && generated != "" {
			text = generated
		} else if err != nil {
			p.logger.Warn("responder failed, using judge draft", "channel", channelID, "error", err)
		}
	}
	if text == "" {
		return false
	}

	threadTS := ""
	if rest, ok := strings.CutPrefix(pick.ReactionTarget, "thread:"); ok {
		threadTS = rest
	}
	postedTS, err := p.transport.PostMessage(channelID, threadTS, text)
	if err != nil {
		p.logger.Error("intervention post failed", "channel", channelID, "error", err)
		return false
	}
	p.cooldown.Record(channelID)

	if p.OnIntervention != nil {
		// A channel-level post starts its own thread; replies continue there.
		root := threadTS
		if root == "" {
			root = postedTS
		}
		p.OnIntervention(channelID, root, triggerUser)
	}
	return true
}

// triggerContext finds the judged message and its surrounding buffer.
func (p *Pipeline) triggerContext(ts string, pending []Message, threads map[string][]Message) (llm.ChannelMessage, []llm.ChannelMessage, bool) {
	for _, m := range pending {
		if m.TS == ts {
			return toLLM([]Message{m})[0], toLLM(pending), true
		}
	}
	for _, msgs := range threads {
		for _, m := range msgs {
			if m.TS == ts {
				return toLLM([]Message{m})[0], toLLM(msgs), true
			}
		}
	}
	return llm.ChannelMessage{}, nil, false
}

// Context renders the channel-observation block injected into engine turns:
// the digest plus, for thread turns, the thread's own buffer.
func (p *Pipeline) Context(channelID, threadTS string) string {
	digest := p.store.LoadDigest(channelID)
	var parts []string
	if digest.Content != "" {
		parts = append(parts, "Channel digest:\n"+digest.Content)
	}
	if threadTS != "" {
		if msgs := p.store.LoadThreadBuffers(channelID)[threadTS]; len(msgs) > 0 {
			var b strings.Builder
			b.WriteString("Recent thread messages:\n")
			for _, m := range msgs {
				fmt.Fprintf(&b, "<%s> %s\n", m.User, m.Text)
			}
			parts = append(parts, strings.TrimRight(b.String(), "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

// MarkHandled records that a thread is being answered directly, so the
// observer skips it for the mention TTL.
func (p *Pipeline) MarkHandled(threadTS string) {
	if p.mentions != nil {
		p.mentions.Mark(threadTS)
	}
}

func toLLM(msgs []Message) []llm.ChannelMessage {
	out := make([]llm.ChannelMessage, len(msgs))
	for i, m := range msgs {
		out[i] = llm.ChannelMessage{TS: m.TS, User: m.User, Text: m.Text, ThreadTS: m.ThreadTS}
	}
	return out
}

func toLLMThreads(threads map[string][]Message) map[string][]llm.ChannelMessage {
	if len(threads) == 0 {
		return nil
	}
	out := make(map[string][]llm.ChannelMessage, len(threads))
	for ts, msgs := range threads {
		out[ts] = toLLM(msgs)
	}
	return out
}

// Stale reports channels whose pending buffer has sat untouched longer than
// maxAge; the bridge sweeps these on a timer so a quiet channel still gets
// judged eventually.
func (p *Pipeline) Stale(maxAge time.Duration) []string {
	now := p.clock.Now()
	var out []string
	for _, ch := range p.store.Channels() {
		mtime, ok := p.store.PendingModTime(ch)
		if !ok {
			continue
		}
		if now.Sub(mtime) >= maxAge {
			out = append(out, ch)
		}
	}
	return out
}
