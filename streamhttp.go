package chatwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"
)

const sessionIDHeader = "Mcp-Session-Id"

// StreamableHTTPTransportOption represents the options for the
// StreamableHTTPTransport.
type StreamableHTTPTransportOption func(*StreamableHTTPTransport)

// StreamableHTTPTransport implements the Transport contract over the MCP
// streamable HTTP scheme: every outbound message is an HTTP POST whose
// response is a JSON object, a JSON array, or a text/event-stream carrying
// JSON-RPC messages. The transport tracks the session id the server assigns
// and echoes it on every subsequent request, attaches bearer tokens from an
// optional OAuthProvider, and runs one authorize-and-retry cycle when a
// request is answered with 401.
//
// An optional GET listener attaches a server-to-client event stream for
// unsolicited messages. The listener is best effort: servers that do not
// offer it answer 405 and the transport carries on without one.
type StreamableHTTPTransport struct {
	url        string
	httpClient *http.Client
	headers    http.Header
	auth       OAuthProvider
	logger     *slog.Logger

	listen         bool
	maxPayloadSize int

	mu        sync.Mutex
	handlers  TransportHandlers
	sessionID string
	cancel    context.CancelFunc
	closed    bool
}

// WithStreamHTTPClient sets a custom HTTP client.
func WithStreamHTTPClient(client *http.Client) StreamableHTTPTransportOption {
	return func(t *StreamableHTTPTransport) {
		t.httpClient = client
	}
}

// WithStreamHTTPHeaders adds extra headers to every request.
func WithStreamHTTPHeaders(headers http.Header) StreamableHTTPTransportOption {
	return func(t *StreamableHTTPTransport) {
		t.headers = headers
	}
}

// WithStreamHTTPAuthProvider sets the OAuth provider used for bearer tokens
// and 401 challenges.
func WithStreamHTTPAuthProvider(provider OAuthProvider) StreamableHTTPTransportOption {
	return func(t *StreamableHTTPTransport) {
		t.auth = provider
	}
}

// WithStreamHTTPLogger sets the logger for the transport.
func WithStreamHTTPLogger(logger *slog.Logger) StreamableHTTPTransportOption {
	return func(t *StreamableHTTPTransport) {
		t.logger = logger
	}
}

// WithStreamHTTPInboundStream enables the GET listener for unsolicited
// server messages.
func WithStreamHTTPInboundStream() StreamableHTTPTransportOption {
	return func(t *StreamableHTTPTransport) {
		t.listen = true
	}
}

// WithStreamHTTPMaxPayloadSize sets the maximum size of a single SSE event
// received from the server.
func WithStreamHTTPMaxPayloadSize(size int) StreamableHTTPTransportOption {
	return func(t *StreamableHTTPTransport) {
		t.maxPayloadSize = size
	}
}

// NewStreamableHTTPTransport creates a streamable HTTP transport talking to
// the MCP endpoint at url.
func NewStreamableHTTPTransport(url string, options ...StreamableHTTPTransportOption) *StreamableHTTPTransport {
	t := &StreamableHTTPTransport{
		url:        url,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// SetHandlers installs the inbound callbacks. Must be called before Start.
func (t *StreamableHTTPTransport) SetHandlers(handlers TransportHandlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = handlers
}

// Start attaches the optional inbound event stream. POSTing does not
// require it, so Start returns immediately.
func (t *StreamableHTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	lCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.mu.Unlock()

	if t.listen {
		go t.listenInbound(lCtx)
	}
	return nil
}

// Close tears the transport down. It is safe to call more than once.
func (t *StreamableHTTPTransport) Close() error {
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

// Send POSTs one message. Responses carrying JSON-RPC payloads are routed to
// the message handler; an event-stream response is drained in the
// background so Send does not block on long-running streams.
func (t *StreamableHTTPTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	resp, err := t.post(ctx, msgBs, false)
	if err != nil {
		return err
	}

	if sessID := resp.Header.Get(sessionIDHeader); sessID != "" {
		t.mu.Lock()
		t.sessionID = sessID
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		resp.Body.Close()
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		go t.readEventStream(ctx, resp.Body)
		return nil
	case "application/json":
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		t.dispatch(body)
		return nil
	default:
		resp.Body.Close()
		return fmt.Errorf("unexpected content type: %q", mediaType)
	}
}

// post performs one POST, running the single authorize-and-retry cycle on a
// 401 challenge. retried marks the second attempt; its 401 is terminal.
func (t *StreamableHTTPTransport) post(ctx context.Context, body []byte, retried bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := t.decorate(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	metadataURL := extractResourceMetadataURL(resp)
	resp.Body.Close()

	if retried || t.auth == nil {
		return nil, &UnauthorizedError{}
	}
	if err := t.auth.Authorize(ctx, t.url, metadataURL); err != nil {
		return nil, &UnauthorizedError{Cause: err}
	}
	return t.post(ctx, body, true)
}

// decorate adds the session id, bearer token, and configured extra headers.
func (t *StreamableHTTPTransport) decorate(ctx context.Context, req *http.Request) error {
	t.mu.Lock()
	sessID := t.sessionID
	t.mu.Unlock()

	if sessID != "" {
		req.Header.Set(sessionIDHeader, sessID)
	}
	for key, values := range t.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if t.auth != nil {
		token, err := t.auth.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return nil
}

// listenInbound attaches the optional GET event stream. Servers without one
// answer 405, which is not an error.
func (t *StreamableHTTPTransport) listenInbound(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.reportError(fmt.Errorf("failed to create request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := t.decorate(ctx, req); err != nil {
		t.reportError(err)
		return
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			t.reportError(fmt.Errorf("failed to open inbound stream: %w", err))
		}
		return
	}

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		t.logger.Debug("server does not offer an inbound stream", "status", resp.StatusCode)
		return
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.reportError(fmt.Errorf("unexpected status code on inbound stream: %d", resp.StatusCode))
		return
	}

	t.readEventStream(ctx, resp.Body)
}

// readEventStream consumes one SSE body, dispatching every message event.
// A malformed event is reported and skipped; the stream stays open.
func (t *StreamableHTTPTransport) readEventStream(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	var config *sse.ReadConfig
	if t.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: t.maxPayloadSize}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				t.reportError(fmt.Errorf("failed to read event stream: %w", err))
			}
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		t.dispatch([]byte(ev.Data))
	}
}

// dispatch decodes a response body holding either a single JSON-RPC message
// or a batch array of them and hands each valid message to the message
// handler. Malformed payloads are reported without closing the transport.
func (t *StreamableHTTPTransport) dispatch(body []byte) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return
	}

	var msgs []JSONRPCMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			t.reportError(fmt.Errorf("failed to unmarshal message batch: %w", err))
			return
		}
	} else {
		var msg JSONRPCMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			t.reportError(fmt.Errorf("failed to unmarshal message: %w", err))
			return
		}
		msgs = []JSONRPCMessage{msg}
	}

	t.mu.Lock()
	onMessage := t.handlers.OnMessage
	t.mu.Unlock()

	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			t.reportError(fmt.Errorf("invalid message: %w", err))
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (t *StreamableHTTPTransport) reportError(err error) {
	t.mu.Lock()
	onError := t.handlers.OnError
	t.mu.Unlock()

	if onError != nil {
		onError(err)
		return
	}
	t.logger.Error("transport error", "err", err)
}

// SessionID returns the session id assigned by the server, if any.
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

var _ Transport = (*StreamableHTTPTransport)(nil)
