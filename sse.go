package chatwire

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
	"sync"

	"github.com/tmaxmax/go-sse"
)

// SSETransportOption represents the options for the SSETransport.
type SSETransportOption func(*SSETransport)

// SSETransport implements the Transport contract over the classic MCP SSE
// scheme: a long-lived GET stream delivers server messages, and the first
// event on that stream (type "endpoint") names the URL the client must POST
// its own messages to. Subsequent "message" events carry JSON-RPC payloads.
//
// Malformed events are reported through the error handler and skipped; the
// stream stays open. Context cancellation closes the stream silently.
type SSETransport struct {
	connectURL string
	httpClient *http.Client
	logger     *slog.Logger
	auth       OAuthProvider

	maxPayloadSize int

	mu         sync.Mutex
	handlers   TransportHandlers
	messageURL string
	cancel     context.CancelFunc
	closed     bool
}

// WithSSEHTTPClient sets a custom HTTP client.
func WithSSEHTTPClient(client *http.Client) SSETransportOption {
	return func(t *SSETransport) {
		t.httpClient = client
	}
}

// WithSSELogger sets the logger for the transport.
func WithSSELogger(logger *slog.Logger) SSETransportOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithSSEAuthProvider sets the OAuth provider used for bearer tokens and
// 401 challenges.
func WithSSEAuthProvider(provider OAuthProvider) SSETransportOption {
	return func(t *SSETransport) {
		t.auth = provider
	}
}

// WithSSEMaxPayloadSize sets the maximum size of a single event received
// from the server. Oversized events end the stream.
func WithSSEMaxPayloadSize(size int) SSETransportOption {
	return func(t *SSETransport) {
		t.maxPayloadSize = size
	}
}

// NewSSETransport creates an SSE transport that connects to the event
// stream at connectURL.
func NewSSETransport(connectURL string, options ...SSETransportOption) *SSETransport {
	t := &SSETransport{
		connectURL: connectURL,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// SetHandlers installs the inbound callbacks. Must be called before Start.
func (t *SSETransport) SetHandlers(handlers TransportHandlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = handlers
}

// Start opens the event stream and blocks until the server announced the
// message endpoint, the context is cancelled, or the stream fails.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	sCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.mu.Unlock()

	resp, err := t.connect(sCtx, false)
	if err != nil {
		return err
	}

	ready := make(chan error, 1)
	go t.listen(sCtx, resp.Body, ready)

	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case err := <-ready:
		return err
	}
}

// connect performs the GET for the event stream, running the single
// authorize-and-retry cycle on a 401 challenge.
func (t *SSETransport) connect(ctx context.Context, retried bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		metadataURL := extractResourceMetadataURL(resp)
		resp.Body.Close()
		if retried || t.auth == nil {
			return nil, &UnauthorizedError{}
		}
		if err := t.auth.Authorize(ctx, t.connectURL, metadataURL); err != nil {
			return nil, &UnauthorizedError{Cause: err}
		}
		return t.connect(ctx, true)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp, nil
}

// Send transmits a JSON-encoded message to the announced message endpoint
// through an HTTP POST request.
func (t *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	t.mu.Lock()
	messageURL := t.messageURL
	t.mu.Unlock()

	if messageURL == "" {
		return errors.New("no message endpoint: transport not started")
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return t.send(ctx, messageURL, msgBs, false)
}

func (t *SSETransport) send(ctx context.Context, messageURL string, body []byte, retried bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		metadataURL := extractResourceMetadataURL(resp)
		if retried || t.auth == nil {
			return &UnauthorizedError{}
		}
		if err := t.auth.Authorize(ctx, t.connectURL, metadataURL); err != nil {
			return &UnauthorizedError{Cause: err}
		}
		return t.send(ctx, messageURL, body, true)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Close tears the transport down. It is safe to call more than once.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	onClose := t.handlers.OnClose
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if onClose != nil {
		onClose()
	}
	return nil
}

func (t *SSETransport) authorize(ctx context.Context, req *http.Request) error {
	if t.auth == nil {
		return nil
	}
	token, err := t.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (t *SSETransport) listen(ctx context.Context, body io.ReadCloser, ready chan<- error) {
	defer body.Close()

	var config *sse.ReadConfig
	if t.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: t.maxPayloadSize}
	}

	endpointSeen := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !endpointSeen {
				ready <- fmt.Errorf("stream ended before endpoint event: %w", err)
				return
			}
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				t.reportError(fmt.Errorf("failed to read SSE message: %w", err))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// The endpoint URL must parse before any message can be sent;
			// a malformed one is fatal to the session.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("failed to parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}

			t.mu.Lock()
			t.messageURL = u.String()
			t.mu.Unlock()

			if !endpointSeen {
				endpointSeen = true
				ready <- nil
			}
		case "message":
			if !endpointSeen {
				t.reportError(errors.New("received message before endpoint event"))
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				t.reportError(fmt.Errorf("failed to unmarshal message: %w", err))
				continue
			}
			if err := msg.Validate(); err != nil {
				t.reportError(fmt.Errorf("invalid message: %w", err))
				continue
			}

			t.mu.Lock()
			onMessage := t.handlers.OnMessage
			t.mu.Unlock()

			if onMessage != nil {
				onMessage(msg)
			}
		default:
			t.logger.Debug("unhandled event type", "type", ev.Type)
		}
	}
}

func (t *SSETransport) reportError(err error) {
	t.mu.Lock()
	onError := t.handlers.OnError
	t.mu.Unlock()

	if onError != nil {
		onError(err)
		return
	}
	t.logger.Error("transport error", "err", err)
}

var _ Transport = (*SSETransport)(nil)
