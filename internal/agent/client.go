package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devcontrol/devcontrol/internal/protocol"
)

// Client calls an agent's /trigger endpoint.
type Client struct {
	http  *http.Client
	token string
}

// NewClient returns a client whose requests give up after timeout. The
// timeout must cover the agent's own run timeout.
func NewClient(token string, timeout time.Duration) *Client {
	return &Client{
		http:  &http.Client{Timeout: timeout},
		token: token,
	}
}

// Trigger runs req on the agent at baseURL. A completed run is returned
// with a nil error whether it succeeded or failed. Refusals map to
// ErrUnknownAction, ErrUnauthorized and ErrBusy; anything else is a
// transport error worth retrying.
func (c *Client) Trigger(ctx context.Context, baseURL string, req protocol.TriggerRequest) (*protocol.TriggerResponse, error) {
	var body bytes.Buffer
	if err := protocol.EncodeRequest(&body, &req); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/trigger", &body)
	if err != nil {
		return nil, fmt.Errorf("build trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", req.Action, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	resp, decodeErr := protocol.DecodeResponse(httpResp.Body)
	detail := ""
	if decodeErr == nil {
		detail = resp.Error
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
		if decodeErr != nil {
			return nil, fmt.Errorf("trigger %s: %w", req.Action, decodeErr)
		}
		return resp, nil
	case http.StatusInternalServerError:
		// A run that exited or timed out is a result. Spawn failures and
		// runs cut short by agent shutdown carry exit code -1 and retry.
		if decodeErr == nil && (resp.ExitCode >= 0 || resp.TimedOut) {
			return resp, nil
		}
		return nil, fmt.Errorf("trigger %s: agent error: %s", req.Action, detail)
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, detail)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: agent rejected token", ErrUnauthorized)
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrBusy, detail)
	default:
		return nil, fmt.Errorf("trigger %s: unexpected status %d: %s", req.Action, httpResp.StatusCode, detail)
	}
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownAction) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotConfigured)
}
