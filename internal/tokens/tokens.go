// Package tokens provides approximate token counting for threshold checks.
package tokens

// charsPerToken is the approximate number of characters per token for English
// text. Used for threshold estimation only — not exact token counting.
const charsPerToken = 4

// ContextWindow is the engine's fixed context window size, used only for
// rendering the usage gauge.
const ContextWindow = 200000

// Estimate returns an approximate token count for the given text.
// Uses the common heuristic of ~4 characters per token. This is intentionally
// approximate — every consumer treats the result as a configurable soft
// threshold, not a hard boundary, so an exact tokenizer would add a dependency
// for no benefit.
//
// len(text) counts bytes, not runes. For multi-byte UTF-8 content (CJK, emoji)
// this overestimates, which errs in the safe direction: compression and
// promotion trigger slightly earlier than necessary.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}
