package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack"

	"lookout/bot/internal/engine"
	"lookout/bot/internal/lifecycle"
	"lookout/bot/internal/plugin"
	"lookout/bot/internal/tokens"
)

const (
	// maxInlineChars is Slack's practical limit for one message body.
	maxInlineChars = 3900

	// previewLines is how much of a long channel-root answer stays inline.
	previewLines = 3

	// staleAfter is how long a placeholder can go without updates before it
	// is considered lost to scroll.
	staleAfter = 10 * time.Second
)

// Presentation carries the transport coordinates for rendering one result.
type Presentation struct {
	ChannelID string
	ThreadTS  string // thread root the conversation lives in
	MsgTS     string // the user message that triggered this run

	// LastMsgTS is the "thinking" placeholder; progress and the final result
	// are rendered into it. Rebound when the placeholder goes stale.
	LastMsgTS string

	// IsChannelRoot marks a conversation whose placeholder sits at the
	// channel top level; long answers fold into the thread below it.
	IsChannelRoot bool

	// ContextTokens is the session's last known context consumption, for the
	// gauge footer.
	ContextTokens int

	mu         sync.Mutex
	lastUpdate time.Time
	compacting bool
}

// Presenter turns engine results into Slack calls.
type Presenter struct {
	api       SlackAPI
	clock     clockwork.Clock
	logger    *slog.Logger
	lifecycle *lifecycle.Manager
	plugins   *plugin.Host

	// GenerateImage handles IMAGE_GEN markers; nil disables them.
	GenerateImage func(ctx context.Context, channelID, threadTS, prompt string) error
}

// NewPresenter wires a presenter. lifecycle and plugins may be nil (marker
// side effects degrade to log lines).
func NewPresenter(api SlackAPI, clock clockwork.Clock, lc *lifecycle.Manager, plugins *plugin.Host, logger *slog.Logger) *Presenter {
	return &Presenter{api: api, clock: clock, lifecycle: lc, plugins: plugins, logger: logger}
}

// Progress renders accumulated assistant text into the placeholder, with a
// context gauge footer. Detects and replaces stale placeholders.
func (p *Presenter) Progress(ctx context.Context, pres *Presentation, text string) {
	pres.mu.Lock()
	last := pres.lastUpdate
	wasCompacting := pres.compacting
	pres.compacting = false
	pres.mu.Unlock()

	if !last.IsZero() && p.clock.Now().Sub(last) > staleAfter && p.placeholderBuried(ctx, pres) {
		p.rebindPlaceholder(ctx, pres)
	}

	body := clampInline(text)
	if wasCompacting {
		body = "_컨텍스트 정리 완료_\n\n" + body
	}
	footer := renderGauge(pres.ContextTokens)
	p.updatePlaceholder(ctx, pres, body+"\n\n"+footer)
}

// Compacting switches the placeholder to a compaction notice; the next
// progress tick transitions it to "compaction complete".
func (p *Presenter) Compacting(ctx context.Context, pres *Presentation, trigger, message string) {
	pres.mu.Lock()
	pres.compacting = true
	pres.mu.Unlock()

	note := "_컨텍스트 정리 중…_"
	if trigger == "manual" {
		note = "_컨텍스트 정리 중 (수동)…_"
	}
	if message != "" {
		note += "\n" + message
	}
	p.updatePlaceholder(ctx, pres, note)
}

// Process renders a final result.
func (p *Presenter) Process(ctx context.Context, pres *Presentation, res *engine.Result) {
	switch {
	case res.Interrupted:
		p.updatePlaceholder(ctx, pres, "(중단됨)")
		return
	case res.Error != "":
		p.updatePlaceholder(ctx, pres, "❌ "+res.Error)
		return
	}

	text := strings.TrimSpace(res.Clean)
	if text == "" {
		text = "(응답 없음)"
	}

	lines := strings.Split(text, "\n")
	switch {
	case pres.IsChannelRoot && len(lines) > previewLines:
		preview := strings.Join(lines[:previewLines], "\n") + "\n…"
		p.updatePlaceholder(ctx, pres, preview)
		p.postPaginated(ctx, pres, text)
	case len(text) > maxInlineChars:
		pages := paginate(text, maxInlineChars)
		p.updatePlaceholder(ctx, pres, pages[0])
		for _, page := range pages[1:] {
			p.postReply(ctx, pres, page)
		}
	default:
		p.updatePlaceholder(ctx, pres, text)
	}

	if res.Details != "" {
		p.postPaginated(ctx, pres, res.Details)
	}

	p.sideEffects(ctx, pres, res)
}

func (p *Presenter) sideEffects(ctx context.Context, pres *Presentation, res *engine.Result) {
	for _, path := range res.Files {
		p.upload(ctx, pres, path, false)
	}
	for _, path := range res.Attachments {
		p.upload(ctx, pres, path, true)
	}

	if p.GenerateImage != nil {
		for _, prompt := range res.ImageGenPrompts {
			if err := p.GenerateImage(ctx, pres.ChannelID, pres.ThreadTS, prompt); err != nil {
				p.logger.Error("image generation failed", "thread_ts", pres.ThreadTS, "error", err)
				p.postReply(ctx, pres, "❌ 이미지 생성 실패: "+err.Error())
			}
		}
	}

	if res.ListRun != "" && p.plugins != nil {
		p.plugins.Dispatch(ctx, plugin.HookCommand, &plugin.Event{
			ChannelID: pres.ChannelID,
			ThreadTS:  pres.ThreadTS,
			Command:   "listrun",
			Args:      []string{res.ListRun},
		})
	}

	if (res.UpdateRequested || res.RestartRequested) && p.lifecycle != nil {
		kind := lifecycle.KindUpdate
		if res.RestartRequested {
			kind = lifecycle.KindRestart
		}
		if err := p.lifecycle.Request(kind, false); err != nil {
			p.postReply(ctx, pres, fmt.Sprintf("⚠️ %s 보류: %s — `!%s force`로 강제 실행", kind, err.Error(), kind))
		}
	}
}

func (p *Presenter) upload(ctx context.Context, pres *Presentation, path string, attachment bool) {
	title := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		title = path[i+1:]
	}
	_, err := p.api.UploadFileContext(ctx, slack.UploadFileParameters{
		File:            path,
		Filename:        title,
		Title:           title,
		Channel:         pres.ChannelID,
		ThreadTimestamp: pres.ThreadTS,
	})
	if err != nil {
		p.logger.Error("file upload failed", "path", path, "attachment", attachment, "error", err)
		p.postReply(ctx, pres, fmt.Sprintf("❌ 파일 업로드 실패 (%s): %s", title, err.Error()))
	}
}

// updatePlaceholder edits the placeholder in place; when the edit fails, it
// falls back to posting a fresh message and rebinds.
func (p *Presenter) updatePlaceholder(ctx context.Context, pres *Presentation, text string) {
	_, _, _, err := p.api.UpdateMessageContext(ctx, pres.ChannelID, pres.LastMsgTS,
		slack.MsgOptionText(text, false))
	if err != nil {
		p.logger.Warn("placeholder update failed, posting fresh", "thread_ts", pres.ThreadTS, "error", err)
		opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if !pres.IsChannelRoot && pres.ThreadTS != "" {
			opts = append(opts, slack.MsgOptionTS(pres.ThreadTS))
		}
		if _, ts, postErr := p.api.PostMessageContext(ctx, pres.ChannelID, opts...); postErr == nil {
			pres.LastMsgTS = ts
		}
	}
	pres.mu.Lock()
	pres.lastUpdate = p.clock.Now()
	pres.mu.Unlock()
}

// placeholderBuried reports whether other authors posted after the
// placeholder, i.e. it has scrolled out of view.
func (p *Presenter) placeholderBuried(ctx context.Context, pres *Presentation) bool {
	if pres.ThreadTS == "" {
		// An unthreaded conversation (plain DM) has no reply chain to scan.
		return false
	}
	msgs, _, _, err := p.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: pres.ChannelID,
		Timestamp: pres.ThreadTS,
		Oldest:    pres.LastMsgTS,
	})
	if err != nil {
		p.logger.Warn("reply lookup failed", "thread_ts", pres.ThreadTS, "error", err)
		return false
	}
	for _, m := range msgs {
		if m.Timestamp > pres.LastMsgTS && m.BotID == "" {
			return true
		}
	}
	return false
}

// rebindPlaceholder posts a new thinking message and retargets updates at
// it; the old placeholder is left as-is.
func (p *Presenter) rebindPlaceholder(ctx context.Context, pres *Presentation) {
	opts := []slack.MsgOption{slack.MsgOptionText("🤔 생각 중…", false)}
	if !pres.IsChannelRoot && pres.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(pres.ThreadTS))
	}
	_, ts, err := p.api.PostMessageContext(ctx, pres.ChannelID, opts...)
	if err != nil {
		p.logger.Warn("stale placeholder replacement failed", "thread_ts", pres.ThreadTS, "error", err)
		return
	}
	p.logger.Info("stale placeholder replaced", "thread_ts", pres.ThreadTS, "old", pres.LastMsgTS, "new", ts)
	pres.LastMsgTS = ts
}

func (p *Presenter) postPaginated(ctx context.Context, pres *Presentation, text string) {
	for _, page := range paginate(text, maxInlineChars) {
		p.postReply(ctx, pres, page)
	}
}

func (p *Presenter) postReply(ctx context.Context, pres *Presentation, text string) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if pres.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(pres.ThreadTS))
	}
	_, _, err := p.api.PostMessageContext(ctx, pres.ChannelID, opts...)
	if err != nil {
		p.logger.Error("thread reply failed", "thread_ts", pres.ThreadTS, "error", err)
	}
}

// paginate splits text into chunks of at most limit bytes, preferring newline
// boundaries so code blocks and lists stay readable. Cuts never land inside a
// multi-byte rune.
func paginate(text string, limit int) []string {
	var pages []string
	for len(text) > limit {
		hard := runeBoundary(text, limit)
		cut := strings.LastIndex(text[:hard], "\n")
		if cut <= 0 {
			cut = hard
		}
		pages = append(pages, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		pages = append(pages, text)
	}
	return pages
}

func clampInline(text string) string {
	if len(text) <= maxInlineChars {
		return text
	}
	return "…" + text[runeBoundary(text, len(text)-maxInlineChars):]
}

// runeBoundary backs a byte offset up to the start of the rune it lands in.
func runeBoundary(text string, i int) int {
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// renderGauge draws the context-window bar for the placeholder footer.
func renderGauge(used int) string {
	if used <= 0 {
		return "`░░░░░░░░░░` 0%"
	}
	pct := used * 100 / tokens.ContextWindow
	if pct > 100 {
		pct = 100
	}
	filled := pct / 10
	bar := strings.Repeat("▓", filled) + strings.Repeat("░", 10-filled)
	return fmt.Sprintf("`%s` %d%%", bar, pct)
}
