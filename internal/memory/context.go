package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"lookout/bot/internal/tokens"
)

// ContextBuilder assembles the per-turn context injection block from
// persistent memory, session observations, previous-turn diffs, and channel
// observation context. Ordering is fixed: long-term → session →
// new-observations → channel.
type ContextBuilder struct {
	store  *Store
	budget int // token cap for the assembled block
	now    func() time.Time
}

// NewContextBuilder creates a builder with the given token budget.
func NewContextBuilder(store *Store, budget int) *ContextBuilder {
	return &ContextBuilder{store: store, budget: budget, now: time.Now}
}

// Build returns the injection block for a turn on threadTS. channelContext is
// the digest-plus-recent-buffers block scoped to the thread, empty when the
// observer has nothing. An empty return means nothing to inject.
func (b *ContextBuilder) Build(threadTS, channelContext string) string {
	longTerm := b.renderLongTerm()
	session := b.renderSessionBlocks(threadTS)
	fresh := b.renderNewObservations(threadTS)
	channel := ""
	if channelContext != "" {
		channel = "<channel-observation>\n" + channelContext + "\n</channel-observation>"
	}

	assemble := func(sessionBlocks []string) string {
		var parts []string
		if longTerm != "" {
			parts = append(parts, longTerm)
		}
		if len(sessionBlocks) > 0 {
			parts = append(parts, "<observational-memory>\n"+strings.Join(sessionBlocks, "\n")+"\n</observational-memory>")
		}
		if fresh != "" {
			parts = append(parts, fresh)
		}
		if channel != "" {
			parts = append(parts, channel)
		}
		return strings.Join(parts, "\n\n")
	}

	block := assemble(session)
	// Over budget: drop oldest session-date blocks first. Long-term memory is
	// never truncated.
	for len(session) > 0 && tokens.Estimate(block) > b.budget {
		session = session[1:]
		block = assemble(session)
	}

	if block != "" {
		b.store.SaveInjectionSnapshot(threadTS, block)
	}
	return block
}

func (b *ContextBuilder) renderLongTerm() string {
	items := b.store.LoadPersistent()
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<long-term-memory>\n")
	for _, it := range items {
		fmt.Fprintf(&sb, "- %s %s\n", it.Priority, it.Content)
	}
	sb.WriteString("</long-term-memory>")
	return sb.String()
}

// renderSessionBlocks groups a session's observations by session date,
// oldest first, each dated block annotated with a relative-time label.
func (b *ContextBuilder) renderSessionBlocks(threadTS string) []string {
	items := b.store.LoadObservations(threadTS)
	if len(items) == 0 {
		return nil
	}
	byDate := make(map[string][]ObservationItem)
	for _, it := range items {
		byDate[it.SessionDate] = append(byDate[it.SessionDate], it)
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	blocks := make([]string, 0, len(dates))
	for _, d := range dates {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %s:\n", d, b.relativeDate(d))
		for _, it := range byDate[d] {
			fmt.Fprintf(&sb, "- %s %s\n", it.Priority, it.Content)
		}
		blocks = append(blocks, strings.TrimRight(sb.String(), "\n"))
	}
	return blocks
}

func (b *ContextBuilder) renderNewObservations(threadTS string) string {
	items := b.store.LoadNewObservations(threadTS)
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<new-observations>\n")
	for _, it := range items {
		fmt.Fprintf(&sb, "- %s %s\n", it.Priority, it.Content)
	}
	sb.WriteString("</new-observations>")
	return sb.String()
}

// relativeDate renders a YYYY-MM-DD date relative to today.
func (b *ContextBuilder) relativeDate(date string) string {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return ""
	}
	today := b.now().UTC().Truncate(24 * time.Hour)
	days := int(today.Sub(d.UTC().Truncate(24*time.Hour)).Hours() / 24)
	switch {
	case days <= 0:
		return "(오늘)"
	case days == 1:
		return "(어제)"
	default:
		return fmt.Sprintf("(%d일 전)", days)
	}
}
