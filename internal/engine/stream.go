package engine

import (
	"bufio"
	"encoding/json"
	"io"
	"time"
)

// progressInterval throttles OnProgress callbacks. Slack edits are
// rate-limited, so streaming every chunk would trip the transport.
const progressInterval = 2 * time.Second

// maxLineBytes bounds a single stream line. Engine result lines can carry
// whole file contents.
const maxLineBytes = 1024 * 1024

// streamEvent is one parsed NDJSON line from the engine. The message field is
// kept raw because its shape depends on the event type: an object with content
// blocks for assistant events, a free-text string for compact events.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	// result
	Result      string `json:"result,omitempty"`
	Usage       *Usage `json:"usage,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`

	// compact
	Trigger string `json:"trigger,omitempty"`
}

// assistantMessage is the message payload of an assistant event.
type assistantMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
}

// consumeStream reads engine events from r until the stream ends, building
// the application-level Result. Unknown event types are ignored; non-JSON
// lines are kept in the debug trace.
func consumeStream(r io.Reader, req Request) *Result {
	res := &Result{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var accumulated string
	var lastProgress time.Time
	sawResult := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			res.DebugTrace = append(res.DebugTrace, string(line))
			continue
		}

		switch ev.Type {
		case "system":
			if ev.Subtype == "init" && ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}

		case "assistant":
			var msg assistantMessage
			if ev.Message == nil || json.Unmarshal(ev.Message, &msg) != nil {
				continue
			}
			for _, block := range msg.Content {
				if block.Type == "text" {
					accumulated += block.Text
				}
			}
			if req.OnProgress != nil && time.Since(lastProgress) >= progressInterval {
				lastProgress = time.Now()
				req.OnProgress(accumulated)
			}

		case "compact":
			if req.OnCompact != nil {
				trigger := ev.Trigger
				if trigger == "" {
					trigger = "auto"
				}
				var text string
				if ev.Message != nil {
					_ = json.Unmarshal(ev.Message, &text)
				}
				req.OnCompact(trigger, text)
			}

		case "result":
			sawResult = true
			res.Success = true
			res.Output = ev.Result
			res.Interrupted = ev.Interrupted
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
			if ev.Usage != nil {
				res.Usage = ev.Usage
			}

		default:
			// Unknown object types are ignored per protocol.
		}
	}

	if !sawResult {
		// Stream ended without a terminal event: treat accumulated text as a
		// partial interrupted output so the caller can still render something.
		res.Success = true
		res.Interrupted = true
		res.Output = accumulated
	}

	parseMarkers(res.Output, res)
	return res
}
