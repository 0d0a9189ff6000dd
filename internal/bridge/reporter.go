package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/slack-go/slack"
)

// DebugReporter posts structured pipeline traces to a configured debug
// channel. Transmission failures are silenced: observability must never
// disturb the pipeline.
type DebugReporter struct {
	api       SlackAPI
	channelID string
	logger    *slog.Logger
}

// NewDebugReporter creates a reporter; an empty channelID disables posting.
func NewDebugReporter(api SlackAPI, channelID string, logger *slog.Logger) *DebugReporter {
	return &DebugReporter{api: api, channelID: channelID, logger: logger}
}

// Report implements observer.Reporter.
func (r *DebugReporter) Report(kind string, fields map[string]any) {
	if r == nil || r.channelID == "" {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "`%s`", kind)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	_, _, err := r.api.PostMessageContext(context.Background(), r.channelID,
		slack.MsgOptionText(b.String(), false))
	if err != nil {
		r.logger.Debug("debug report dropped", "kind", kind, "error", err)
	}
}
