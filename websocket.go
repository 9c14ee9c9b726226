package chatwire

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsFrameType identifies a frame on the chat socket.
type wsFrameType string

// The socket frame types. The server streams chunk frames and closes the
// response with an end frame; error carries a terminal server-side failure,
// and no-active answers a resume request when nothing is streaming.
const (
	wsFrameChunk    wsFrameType = "chunk"
	wsFrameEnd      wsFrameType = "end"
	wsFrameError    wsFrameType = "error"
	wsFrameNoActive wsFrameType = "no-active"
)

// wsFrame is the envelope exchanged on the chat socket.
type wsFrame struct {
	Type  wsFrameType `json:"type"`
	Chunk *Chunk      `json:"chunk,omitempty"`
	Error string      `json:"error,omitempty"`
}

// WebSocketChatTransportOption represents the options for the
// WebSocketChatTransport.
type WebSocketChatTransportOption func(*WebSocketChatTransport)

// WebSocketChatTransport implements ChatTransport over a WebSocket. Each
// request dials a fresh socket, writes the conversation, and reads chunk
// frames until the server sends an end frame. With auto-reconnect enabled a
// dropped socket is redialed once and the stream resumed in place.
type WebSocketChatTransport struct {
	url        string
	httpClient *http.Client
	headers    http.Header

	autoReconnect bool
}

// WithWSChatClient sets the HTTP client used for the WebSocket handshake.
func WithWSChatClient(client *http.Client) WebSocketChatTransportOption {
	return func(t *WebSocketChatTransport) {
		t.httpClient = client
	}
}

// WithWSChatHeaders adds extra headers to the WebSocket handshake.
func WithWSChatHeaders(headers http.Header) WebSocketChatTransportOption {
	return func(t *WebSocketChatTransport) {
		t.headers = headers
	}
}

// WithWSChatAutoReconnect redials a dropped socket once and resumes the
// stream instead of failing it.
func WithWSChatAutoReconnect() WebSocketChatTransportOption {
	return func(t *WebSocketChatTransport) {
		t.autoReconnect = true
	}
}

// NewWebSocketChatTransport creates a chat transport dialing the given
// WebSocket URL.
func NewWebSocketChatTransport(url string, options ...WebSocketChatTransportOption) *WebSocketChatTransport {
	t := &WebSocketChatTransport{
		url: url,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// SubmitMessages sends the conversation and returns the response chunk
// stream.
func (t *WebSocketChatTransport) SubmitMessages(ctx context.Context, req ChatRequest) (iter.Seq2[Chunk, error], error) {
	conn, err := t.dial(ctx, req)
	if err != nil {
		return nil, err
	}
	return t.stream(ctx, conn, req, nil), nil
}

// ReconnectToStream reattaches to an in-progress response stream. A
// no-active frame means nothing is streaming and yields a nil sequence.
func (t *WebSocketChatTransport) ReconnectToStream(ctx context.Context, req ChatRequest) (iter.Seq2[Chunk, error], error) {
	req.Trigger = TriggerResumeStream

	conn, err := t.dial(ctx, req)
	if err != nil {
		return nil, err
	}

	var first wsFrame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	if first.Type == wsFrameNoActive {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil
	}

	return t.stream(ctx, conn, req, &first), nil
}

// dial opens a socket and writes the request envelope.
func (t *WebSocketChatTransport) dial(ctx context.Context, req ChatRequest) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: t.headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial chat socket: %w", err)
	}

	body := chatRequestBody{
		ID:        req.ChatID,
		Trigger:   req.Trigger,
		MessageID: req.MessageID,
		Messages:  req.Messages,
	}
	if err := wsjson.Write(ctx, conn, body); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return conn, nil
}

// stream reads frames until an end frame or a failure. first, when non-nil,
// is a frame already read off the socket and is delivered before reading
// more.
func (t *WebSocketChatTransport) stream(ctx context.Context, conn *websocket.Conn, req ChatRequest, first *wsFrame) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		defer func() {
			conn.Close(websocket.StatusNormalClosure, "")
		}()

		reconnected := false

		deliver := func(frame wsFrame) (done, ok bool) {
			switch frame.Type {
			case wsFrameChunk:
				if frame.Chunk == nil {
					yield(Chunk{}, errors.New("chunk frame without chunk"))
					return true, false
				}
				return false, yield(*frame.Chunk, nil)
			case wsFrameEnd, wsFrameNoActive:
				return true, false
			case wsFrameError:
				yield(Chunk{}, fmt.Errorf("server error: %s", frame.Error))
				return true, false
			default:
				yield(Chunk{}, fmt.Errorf("unknown frame type: %q", frame.Type))
				return true, false
			}
		}

		if first != nil {
			if done, ok := deliver(*first); done || !ok {
				return
			}
		}

		for {
			var frame wsFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				if ctx.Err() != nil {
					return
				}
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}

				if t.autoReconnect && !reconnected {
					reconnected = true
					resumeReq := req
					resumeReq.Trigger = TriggerResumeStream
					next, dialErr := t.dial(ctx, resumeReq)
					if dialErr == nil {
						conn.Close(websocket.StatusNormalClosure, "")
						conn = next
						continue
					}
				}

				yield(Chunk{}, fmt.Errorf("failed to read frame: %w", err))
				return
			}

			if done, ok := deliver(frame); done || !ok {
				return
			}
		}
	}
}

var _ ChatTransport = (*WebSocketChatTransport)(nil)
