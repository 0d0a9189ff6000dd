// Package llm wraps the Anthropic API behind one method per pipeline
// operation: digest, compress, judge, observe, reflect, promote, compact, and
// the intervention responder.
//
// Every operation returns a typed result or ErrTransient. Callers in the
// background pipelines log and return without committing on failure — a
// failed round is retried on the next trigger, never propagated.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
)

// ErrTransient marks a failed LLM round. The caller must not commit any state
// movement that depended on the round's output.
var ErrTransient = errors.New("transient llm failure")

const defaultMaxTokens = 4096

// Client issues pipeline LLM calls. The judge model handles high-volume
// judging and digest folding; the compress model handles compression rounds,
// where output quality compounds across rewrites.
type Client struct {
	client        anthropic.Client
	judgeModel    anthropic.Model
	compressModel anthropic.Model
	maxTokens     int64
	logger        *slog.Logger
}

// New creates a client with the given models.
func New(apiKey, judgeModel, compressModel string, logger *slog.Logger) *Client {
	return &Client{
		client:        anthropic.NewClient(option.WithAPIKey(apiKey)),
		judgeModel:    anthropic.Model(judgeModel),
		compressModel: anthropic.Model(compressModel),
		maxTokens:     defaultMaxTokens,
		logger:        logger,
	}
}

// complete sends one system+user round and returns the response text,
// retrying transient API errors with exponential backoff.
func (c *Client) complete(ctx context.Context, model anthropic.Model, system, user string) (string, error) {
	start := time.Now()
	text, err := backoff.Retry(ctx, func() (string, error) {
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     model,
			MaxTokens: c.maxTokens,
			System: []anthropic.TextBlockParam{
				{Type: "text", Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
			},
		})
		if err != nil {
			return "", err
		}
		for _, block := range msg.Content {
			if block.Type == "text" {
				return block.Text, nil
			}
		}
		return "", backoff.Permanent(fmt.Errorf("no text content in response"))
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))

	if err != nil {
		c.logger.Warn("llm call failed", "model", model, "duration", time.Since(start), "error", err)
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	c.logger.Debug("llm call completed", "model", model, "duration", time.Since(start))
	return text, nil
}

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON pulls the first JSON payload out of a model response, tolerating
// markdown fences and surrounding prose.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	// Fall back to the outermost bracket pair, whichever opener comes first:
	// an array wrapped in prose must not be truncated to its first element.
	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')
	start, closer := objStart, byte('}')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		start, closer = arrStart, ']'
	}
	if start >= 0 {
		if end := strings.LastIndexByte(text, closer); end > start {
			return text[start : end+1]
		}
	}
	return text
}

// decodeJSON unmarshals a model response into v, treating malformed output as
// a transient failure (the next round usually produces valid JSON).
func decodeJSON(text string, v any) error {
	if err := json.Unmarshal([]byte(extractJSON(text)), v); err != nil {
		return fmt.Errorf("%w: malformed model JSON: %v", ErrTransient, err)
	}
	return nil
}
