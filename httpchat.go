package chatwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// streamDoneSentinel ends a chunk event stream.
const streamDoneSentinel = "[DONE]"

// chatRequestBody is the wire form of a ChatRequest.
type chatRequestBody struct {
	ID        string      `json:"id"`
	Trigger   ChatTrigger `json:"trigger"`
	MessageID string      `json:"messageId,omitempty"`
	Messages  []*Message  `json:"messages"`
}

// HTTPChatTransportOption represents the options for the HTTPChatTransport.
type HTTPChatTransportOption func(*HTTPChatTransport)

// HTTPChatTransport implements ChatTransport over HTTP: it POSTs the
// conversation to the chat endpoint and reads the response as a
// text/event-stream of chunks, terminated by a [DONE] event. Resumption
// GETs the per-chat stream endpoint; a 204 means the server has no active
// stream for the chat.
type HTTPChatTransport struct {
	api        string
	httpClient *http.Client
	headers    http.Header

	maxPayloadSize int
}

// WithHTTPChatClient sets a custom HTTP client.
func WithHTTPChatClient(client *http.Client) HTTPChatTransportOption {
	return func(t *HTTPChatTransport) {
		t.httpClient = client
	}
}

// WithHTTPChatHeaders adds extra headers to every request.
func WithHTTPChatHeaders(headers http.Header) HTTPChatTransportOption {
	return func(t *HTTPChatTransport) {
		t.headers = headers
	}
}

// WithHTTPChatMaxPayloadSize sets the maximum size of a single chunk event.
func WithHTTPChatMaxPayloadSize(size int) HTTPChatTransportOption {
	return func(t *HTTPChatTransport) {
		t.maxPayloadSize = size
	}
}

// NewHTTPChatTransport creates a chat transport POSTing to the given API
// endpoint.
func NewHTTPChatTransport(api string, options ...HTTPChatTransportOption) *HTTPChatTransport {
	t := &HTTPChatTransport{
		api:        api,
		httpClient: http.DefaultClient,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// SubmitMessages sends the conversation and returns the response chunk
// stream.
func (t *HTTPChatTransport) SubmitMessages(ctx context.Context, req ChatRequest) (iter.Seq2[Chunk, error], error) {
	body, err := json.Marshal(chatRequestBody{
		ID:        req.ChatID,
		Trigger:   req.Trigger,
		MessageID: req.MessageID,
		Messages:  req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.api, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	t.addHeaders(httpReq)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send messages: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return t.chunkStream(ctx, resp), nil
}

// ReconnectToStream reattaches to an in-progress response stream. A 204
// answer means no stream is active and yields a nil sequence.
func (t *HTTPChatTransport) ReconnectToStream(ctx context.Context, req ChatRequest) (iter.Seq2[Chunk, error], error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.api+"/"+req.ChatID+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	t.addHeaders(httpReq)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reconnect: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return t.chunkStream(ctx, resp), nil
}

func (t *HTTPChatTransport) addHeaders(req *http.Request) {
	for key, values := range t.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
}

// chunkStream turns an SSE response body into a chunk sequence. The body is
// closed when the sequence ends, whichever side stops first.
func (t *HTTPChatTransport) chunkStream(ctx context.Context, resp *http.Response) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		defer resp.Body.Close()

		var config *sse.ReadConfig
		if t.maxPayloadSize > 0 {
			config = &sse.ReadConfig{MaxEventSize: t.maxPayloadSize}
		}

		for ev, err := range sse.Read(resp.Body, config) {
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				yield(Chunk{}, fmt.Errorf("failed to read chunk stream: %w", err))
				return
			}
			if ev.Data == streamDoneSentinel {
				return
			}

			var chunk Chunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				yield(Chunk{}, fmt.Errorf("failed to unmarshal chunk: %w", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

var _ ChatTransport = (*HTTPChatTransport)(nil)
