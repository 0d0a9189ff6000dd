package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lookout/bot/internal/tokens"
)

// ChannelMessage is the transport-independent view of one channel message
// shown to the digest and judge operations.
type ChannelMessage struct {
	TS       string `json:"ts"`
	User     string `json:"user"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// MemoryItem is an identified memory entry used by reflect/promote/compact.
type MemoryItem struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
	Content  string `json:"content"`
}

func renderMessages(msgs []ChannelMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.ThreadTS != "" {
			fmt.Fprintf(&b, "[%s] (thread %s) <%s> %s\n", m.TS, m.ThreadTS, m.User, m.Text)
		} else {
			fmt.Fprintf(&b, "[%s] <%s> %s\n", m.TS, m.User, m.Text)
		}
	}
	return b.String()
}

// --- Digest ---

// DigestResult is a refreshed channel digest.
type DigestResult struct {
	Content    string
	TokenCount int
}

// Digest folds judged messages into the existing channel digest.
func (c *Client) Digest(ctx context.Context, channelID, existing string, judged []ChannelMessage) (*DigestResult, error) {
	user := fmt.Sprintf("Channel: %s\n\nExisting digest:\n%s\n\nNew messages:\n%s",
		channelID, existing, renderMessages(judged))
	text, err := c.complete(ctx, c.judgeModel, digestSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(text)
	return &DigestResult{Content: content, TokenCount: tokens.Estimate(content)}, nil
}

// Compress shrinks a digest toward targetTokens. If the first round misses
// the target, a second round runs with explicit overshoot feedback; the
// second round's output is returned even if it still overshoots.
func (c *Client) Compress(ctx context.Context, digest string, targetTokens int) (*DigestResult, error) {
	user := fmt.Sprintf("Target: at most %d tokens.\n\n%s", targetTokens, digest)
	text, err := c.complete(ctx, c.compressModel, compressSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(text)
	count := tokens.Estimate(content)
	if count > targetTokens {
		over := count - targetTokens
		retry := fmt.Sprintf("You exceeded the target by %d tokens. Compress harder.\nTarget: at most %d tokens.\n\n%s",
			over, targetTokens, content)
		text, err = c.complete(ctx, c.compressModel, compressSystemPrompt, retry)
		if err != nil {
			return nil, err
		}
		content = strings.TrimSpace(text)
		count = tokens.Estimate(content)
	}
	return &DigestResult{Content: content, TokenCount: count}, nil
}

// --- Judge ---

// JudgeItem is the judge's verdict on a single channel message.
type JudgeItem struct {
	TS              string  `json:"ts"`
	Importance      float64 `json:"importance"`       // 0..10
	ReactionType    string  `json:"reaction_type"`    // none | react | intervene
	ReactionTarget  string  `json:"reaction_target"`  // message ts, "channel", or "thread:<ts>"
	ReactionContent string  `json:"reaction_content"` // emoji name or message draft

	AddressedToMe  bool   `json:"addressed_to_me"`
	RelatedToMe    bool   `json:"related_to_me"`
	IsInstruction  bool   `json:"is_instruction"`
	Emotion        string `json:"emotion,omitempty"`
	ContextMeaning string `json:"context_meaning,omitempty"`
}

// JudgeInput carries everything the judge sees for one pipeline run.
type JudgeInput struct {
	ChannelID     string
	Digest        string
	Judged        []ChannelMessage
	Pending       []ChannelMessage
	ThreadBuffers map[string][]ChannelMessage
	BotUserID     string
}

// legacyJudgment is the old single-verdict judge output. Still translated
// defensively: some prompts in the wild return it.
type legacyJudgment struct {
	Importance      float64 `json:"importance"`
	ReactionType    string  `json:"reaction_type"`
	ReactionTarget  string  `json:"reaction_target"`
	ReactionContent string  `json:"reaction_content"`
}

// Judge evaluates pending messages for importance and reactions.
func (c *Client) Judge(ctx context.Context, in JudgeInput) ([]JudgeItem, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel: %s\nBot user: %s\n\nDigest:\n%s\n", in.ChannelID, in.BotUserID, in.Digest)
	if len(in.Judged) > 0 {
		fmt.Fprintf(&b, "\nRecently judged (context only):\n%s", renderMessages(in.Judged))
	}
	for threadTS, msgs := range in.ThreadBuffers {
		fmt.Fprintf(&b, "\nThread %s:\n%s", threadTS, renderMessages(msgs))
	}
	fmt.Fprintf(&b, "\nNew messages to judge:\n%s", renderMessages(in.Pending))

	text, err := c.complete(ctx, c.judgeModel, judgeSystemPrompt, b.String())
	if err != nil {
		return nil, err
	}

	payload := extractJSON(text)
	var items []JudgeItem
	if err := json.Unmarshal([]byte(payload), &items); err == nil {
		return items, nil
	}

	// Legacy path: a single aggregated judgment object. Translate it into
	// one item targeting the newest pending message.
	var legacy legacyJudgment
	if err := json.Unmarshal([]byte(payload), &legacy); err != nil || len(in.Pending) == 0 {
		return nil, fmt.Errorf("%w: unparseable judge output", ErrTransient)
	}
	newest := in.Pending[len(in.Pending)-1]
	item := JudgeItem{
		TS:              newest.TS,
		Importance:      legacy.Importance,
		ReactionType:    legacy.ReactionType,
		ReactionTarget:  legacy.ReactionTarget,
		ReactionContent: legacy.ReactionContent,
	}
	if item.ReactionType == "" {
		item.ReactionType = "none"
	}
	if item.ReactionTarget == "" {
		item.ReactionTarget = newest.TS
	}
	return []JudgeItem{item}, nil
}

// --- Observe ---

// ObservedFact is one structured observation proposed by the observer.
type ObservedFact struct {
	Priority string `json:"priority"` // 🔴 🟡 🟢
	Content  string `json:"content"`
}

// ObserveResult carries new observations plus free-form long-term candidates.
type ObserveResult struct {
	Observations []ObservedFact `json:"observations"`
	Candidates   []string       `json:"candidates"`
}

// Observe distills one conversation round-trip into observations and
// long-term-memory candidates, given the session's existing observations.
func (c *Client) Observe(ctx context.Context, existing []MemoryItem, userMsg, assistantMsg string) (*ObserveResult, error) {
	raw, _ := json.Marshal(existing)
	user := fmt.Sprintf("Existing observations:\n%s\n\nUser message:\n%s\n\nAssistant reply:\n%s",
		raw, userMsg, assistantMsg)
	text, err := c.complete(ctx, c.judgeModel, observeSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var res ObserveResult
	if err := decodeJSON(text, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reflect compresses a session's observations in place, preserving IDs where
// possible.
func (c *Client) Reflect(ctx context.Context, items []MemoryItem) ([]MemoryItem, error) {
	raw, _ := json.Marshal(items)
	text, err := c.complete(ctx, c.compressModel, reflectSystemPrompt, string(raw))
	if err != nil {
		return nil, err
	}
	var out []MemoryItem
	if err := decodeJSON(text, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Promote ---

// CandidateInput is one candidate shown to the promoter.
type CandidateInput struct {
	TS       string `json:"ts"`
	Priority string `json:"priority"`
	Content  string `json:"content"`
}

// PromotedFact is a candidate the promoter accepted into long-term memory.
// ID is set when the fact updates an existing persistent item; empty for new
// facts.
type PromotedFact struct {
	ID           string   `json:"id,omitempty"`
	Priority     string   `json:"priority"`
	Content      string   `json:"content"`
	SourceObsIDs []string `json:"source_obs_ids,omitempty"`
}

// PromoteResult splits candidates into promoted facts and rejected contents.
type PromoteResult struct {
	Promoted []PromotedFact `json:"promoted"`
	Rejected []string       `json:"rejected"`
}

// Promote adjudicates all pending candidates against existing persistent
// memory.
func (c *Client) Promote(ctx context.Context, candidates []CandidateInput, existing []MemoryItem) (*PromoteResult, error) {
	candRaw, _ := json.Marshal(candidates)
	existRaw, _ := json.Marshal(existing)
	user := fmt.Sprintf("Candidates:\n%s\n\nExisting long-term memory:\n%s", candRaw, existRaw)
	text, err := c.complete(ctx, c.compressModel, promoteSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var res PromoteResult
	if err := decodeJSON(text, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Compact rewrites persistent memory to fit targetTokens.
func (c *Client) Compact(ctx context.Context, items []MemoryItem, targetTokens int) ([]MemoryItem, error) {
	raw, _ := json.Marshal(items)
	user := fmt.Sprintf("Target: at most %d tokens total.\n\n%s", targetTokens, raw)
	text, err := c.complete(ctx, c.compressModel, compactSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var out []MemoryItem
	if err := decodeJSON(text, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Intervention responder ---

// Respond regenerates an intervention message conditioned on the channel
// digest, the trigger message, and nearby context. Used instead of the
// judge's draft when a dedicated responder is wired.
func (c *Client) Respond(ctx context.Context, digest string, trigger ChannelMessage, nearby []ChannelMessage) (string, error) {
	user := fmt.Sprintf("Digest:\n%s\n\nTrigger message:\n%s\n\nNearby context:\n%s",
		digest, renderMessages([]ChannelMessage{trigger}), renderMessages(nearby))
	text, err := c.complete(ctx, c.compressModel, respondSystemPrompt, user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
