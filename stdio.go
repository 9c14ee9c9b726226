package chatwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// StdioTransportOption represents the options for the StdioTransport.
type StdioTransportOption func(*StdioTransport)

// StdioTransport implements the Transport contract over an io.Reader and
// io.Writer pair carrying newline-delimited JSON-RPC messages, the framing
// used when an MCP server runs as a subprocess speaking on stdin/stdout.
//
// Writes are funneled through a single goroutine so concurrent Sends cannot
// interleave frames. A malformed inbound line is reported through the error
// handler and skipped; EOF closes the transport.
type StdioTransport struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	mu       sync.Mutex
	handlers TransportHandlers

	writes    chan stdioWrite
	done      chan struct{}
	closeOnce sync.Once
}

type stdioWrite struct {
	msg  []byte
	errs chan error
}

// WithStdioLogger sets the logger for the transport.
func WithStdioLogger(logger *slog.Logger) StdioTransportOption {
	return func(t *StdioTransport) {
		t.logger = logger
	}
}

// NewStdioTransport creates a stdio transport reading server messages from
// reader and writing client messages to writer.
func NewStdioTransport(reader io.Reader, writer io.Writer, options ...StdioTransportOption) *StdioTransport {
	t := &StdioTransport{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
		writes: make(chan stdioWrite),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// SetHandlers installs the inbound callbacks. Must be called before Start.
func (t *StdioTransport) SetHandlers(handlers TransportHandlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = handlers
}

// Start begins the read and write pumps.
func (t *StdioTransport) Start(ctx context.Context) error {
	select {
	case <-t.done:
		return errors.New("transport closed")
	default:
	}

	go t.processWrites()
	go t.listen()
	return nil
}

// Send queues one message for writing and waits until it hit the writer.
func (t *StdioTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Newline framing delimits messages on the pipe.
	msgBs = append(msgBs, '\n')

	w := stdioWrite{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errors.New("transport closed")
	case t.writes <- w:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errors.New("transport closed")
	case err := <-w.errs:
		return err
	}
}

// Close tears the transport down. It is safe to call more than once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		onClose := t.handlers.OnClose
		t.mu.Unlock()

		if onClose != nil {
			onClose()
		}
	})
	return nil
}

func (t *StdioTransport) processWrites() {
	for {
		var w stdioWrite
		select {
		case <-t.done:
			return
		case w = <-t.writes:
		}

		_, err := t.writer.Write(w.msg)
		w.errs <- err
	}
}

func (t *StdioTransport) listen() {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(t.reader)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.reportError(fmt.Errorf("failed to read message: %w", err))
			}
			_ = t.Close()
			return
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
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
	}
}

func (t *StdioTransport) reportError(err error) {
	t.mu.Lock()
	onError := t.handlers.OnError
	t.mu.Unlock()

	if onError != nil {
		onError(err)
		return
	}
	t.logger.Error("transport error", "err", err)
}

var _ Transport = (*StdioTransport)(nil)
