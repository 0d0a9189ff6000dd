package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Remote calls an engine HTTP service. One POST per engine call; the response
// body is the same NDJSON stream the local CLI writes to stdout. Interrupts
// address the in-flight request by thread_ts, which the request also carries,
// so the service can cancel it server-side.
type Remote struct {
	baseURL string
	timeout time.Duration
	client  *http.Client // no client timeout — the run context bounds the stream
	logger  *slog.Logger
}

// NewRemote creates an HTTP runner against the given engine base URL.
func NewRemote(baseURL string, timeout time.Duration, logger *slog.Logger) *Remote {
	return &Remote{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: 0},
		logger:  logger,
	}
}

// remoteRequest is the JSON body of a run request.
type remoteRequest struct {
	ThreadTS  string `json:"thread_ts"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Run POSTs the request and consumes the streamed response body.
func (r *Remote) Run(ctx context.Context, req Request) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	body, err := json.Marshal(remoteRequest{
		ThreadTS:  req.ThreadTS,
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		Role:      string(req.Role),
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(runCtx, http.MethodPost, r.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Redelivery of the same call must not double-execute server-side.
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())
	httpReq.Header.Set("X-Thread-TS", req.ThreadTS)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, ErrNotFound
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine service returned %d", resp.StatusCode)
	}

	res := consumeStream(resp.Body, req)
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	return res, nil
}

// Interrupt fires a best-effort interrupt at the service. Errors are logged
// and dropped: the pending-prompt entry is the durable record of intent.
func (r *Remote) Interrupt(threadTS string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/interrupt/"+threadTS, nil)
		if err != nil {
			return
		}
		resp, err := r.client.Do(req)
		if err != nil {
			r.logger.Debug("engine interrupt failed", "thread_ts", threadTS, "error", err)
			return
		}
		resp.Body.Close()
	}()
}

var _ Runner = (*Remote)(nil)
