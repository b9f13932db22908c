package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/syntrixbase/agentfeed/internal/auth"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// StartRequest asks the host process to begin relaying a stream.
type StartRequest struct {
	TopicKey  string            `json:"topicKey"`
	Token     string            `json:"token"`
	RequestID string            `json:"requestId"`
	Params    map[string]string `json:"params,omitempty"`
}

type startResponse struct {
	StreamID string `json:"streamId"`
}

type stopRequest struct {
	StreamID string `json:"streamId"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Host is the process that owns the upstream connection and publishes its
// frames onto the shared bus.
type Host interface {
	// StartRelay starts relaying and returns the stream id the host
	// assigned. Frames for the stream may reach the bus before it returns.
	StartRelay(ctx context.Context, req StartRequest) (string, error)

	// StopRelay stops a relay started by StartRelay.
	StopRelay(ctx context.Context, streamID string) error
}

// HTTPHost talks to a host process over JSON/HTTP.
type HTTPHost struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// NewHTTPHost creates a host client for baseURL.
func NewHTTPHost(baseURL string, client *http.Client, logger *slog.Logger) (*HTTPHost, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: host url %q", transport.ErrInvalidTarget, baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHost{base: u, client: client, logger: logger.With("component", "relay-host")}, nil
}

// StartRelay implements Host.
func (h *HTTPHost) StartRelay(ctx context.Context, req StartRequest) (string, error) {
	var resp startResponse
	if err := h.post(ctx, "/relay/start", req, auth.BearerHeader(req.Token), &resp); err != nil {
		return "", err
	}
	if resp.StreamID == "" {
		return "", fmt.Errorf("relay start: empty stream id in response")
	}
	return resp.StreamID, nil
}

// StopRelay implements Host. Stopping an unknown stream is not an error.
func (h *HTTPHost) StopRelay(ctx context.Context, streamID string) error {
	err := h.post(ctx, "/relay/stop", stopRequest{StreamID: streamID}, "", nil)
	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		h.logger.Debug("Relay already stopped", "streamId", streamID)
		return nil
	}
	return err
}

func (h *HTTPHost) post(ctx context.Context, path string, body any, authz string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("relay %s: read response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			msg = er.Message
		}
		return transport.StatusError(resp.StatusCode, msg)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("relay %s: decode response: %w", path, err)
	}
	return nil
}
