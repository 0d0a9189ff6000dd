package bridge

import (
	"context"

	"github.com/slack-go/slack"

	"lookout/bot/internal/observer"
)

// SlackAPI is the slice of the Slack Web API the bridge uses. *slack.Client
// satisfies it; tests substitute a fake.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	UploadFileContext(ctx context.Context, params slack.UploadFileParameters) (*slack.FileSummary, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

var _ SlackAPI = (*slack.Client)(nil)

// SlackTransport adapts the Web API to the observer pipeline's transport
// needs. It is a separate type from Bot so the pipeline can be wired before
// the bot exists.
type SlackTransport struct {
	api SlackAPI
}

// NewSlackTransport wraps a Slack API client.
func NewSlackTransport(api SlackAPI) *SlackTransport {
	return &SlackTransport{api: api}
}

// AddReaction implements observer.Transport.
func (t *SlackTransport) AddReaction(channelID, ts, emoji string) error {
	return t.api.AddReactionContext(context.Background(), emoji, slack.NewRefToMessage(channelID, ts))
}

// PostMessage implements observer.Transport.
func (t *SlackTransport) PostMessage(channelID, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := t.api.PostMessageContext(context.Background(), channelID, opts...)
	return ts, err
}

var _ observer.Transport = (*SlackTransport)(nil)
