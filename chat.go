package chatwire

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ChatStatus is the state of a chat session's request cycle.
type ChatStatus string

// The chat status values. A session is submitted once a request was
// dispatched, streaming once the first token-level write happened, and ready
// when no request is in flight.
const (
	StatusReady     ChatStatus = "ready"
	StatusSubmitted ChatStatus = "submitted"
	StatusStreaming ChatStatus = "streaming"
	StatusError     ChatStatus = "error"
)

// ChatTrigger tells the transport why a request is being made.
type ChatTrigger string

// The request triggers.
const (
	TriggerSubmitMessage     ChatTrigger = "submit-message"
	TriggerRegenerateMessage ChatTrigger = "regenerate-message"
	TriggerResumeStream      ChatTrigger = "resume-stream"
)

// ChatRequest is the payload handed to a ChatTransport.
type ChatRequest struct {
	// ChatID identifies the session.
	ChatID string
	// Trigger is the reason for the request.
	Trigger ChatTrigger
	// MessageID is the id the response message will use, when known.
	MessageID string
	// Messages is the conversation so far.
	Messages []*Message
}

// ChatTransport opens chunk streams for a chat session. Implementations move
// the bytes; the session controller owns all state.
type ChatTransport interface {
	// SubmitMessages sends the conversation and returns the response chunk
	// stream. The stream ends when the response is complete or yields an
	// error.
	SubmitMessages(ctx context.Context, req ChatRequest) (iter.Seq2[Chunk, error], error)

	// ReconnectToStream reattaches to a server-tracked in-progress stream.
	// It returns a nil sequence (and nil error) when the server has no
	// active stream for the session.
	ReconnectToStream(ctx context.Context, req ChatRequest) (iter.Seq2[Chunk, error], error)
}

// ChatEventType identifies a chat change notification.
type ChatEventType string

// The chat event types.
const (
	ChatEventMessagesChanged ChatEventType = "messages-changed"
	ChatEventStatusChanged   ChatEventType = "status-changed"
)

// ChatEvent is a change notification delivered to chat watchers.
type ChatEvent struct {
	Type ChatEventType
}

// ChatWatcher receives chat change notifications. Implementations must not
// block; events are delivered synchronously from the mutating goroutine.
type ChatWatcher interface {
	OnChatEvent(event ChatEvent)
}

// activeResponse pairs the in-flight streaming state with its cancellation
// handle. At most one exists per chat at a time.
type activeResponse struct {
	state  *StreamingState
	cancel context.CancelFunc
}

// ChatOption configures a Chat.
type ChatOption func(*Chat)

// Chat orchestrates a chat session: it sends user messages, folds the
// response chunk stream into an assistant message through the stream
// processor, applies the auto-continuation rules for resolved tool calls, and
// exposes status and abort semantics. All message mutation is serialized
// through one SerialJobExecutor, so tool-result writes cannot interleave with
// in-flight stream writes.
type Chat struct {
	id         string
	transport  ChatTransport
	generateID func() string
	maxSteps   int
	logger     *slog.Logger

	onToolCall        func(ctx context.Context, call ToolCall) (any, error)
	onData            func(part *Part)
	onError           func(err error)
	onFinish          func(message *Message)
	metadataValidator Validator
	dataValidators    map[string]Validator

	executor SerialJobExecutor

	mu          sync.RWMutex
	messages    []*Message
	status      ChatStatus
	err         error
	active      *activeResponse
	watchers    map[int]ChatWatcher
	nextWatcher int
}

var defaultChatMaxSteps = 1

// WithChatMessages seeds the session with an existing conversation.
func WithChatMessages(messages []*Message) ChatOption {
	return func(c *Chat) {
		c.messages = messages
	}
}

// WithChatMaxSteps bounds automatic continuation: once the last assistant
// message holds this many steps, resolved tool calls no longer trigger a
// follow-up request. The default of 1 disables auto-continuation.
func WithChatMaxSteps(maxSteps int) ChatOption {
	return func(c *Chat) {
		c.maxSteps = maxSteps
	}
}

// WithChatIDGenerator sets the generator used for message ids.
func WithChatIDGenerator(generate func() string) ChatOption {
	return func(c *Chat) {
		c.generateID = generate
	}
}

// WithChatLogger sets the logger for the chat session.
func WithChatLogger(logger *slog.Logger) ChatOption {
	return func(c *Chat) {
		c.logger = logger
	}
}

// WithChatToolCallHandler sets the callback invoked when a tool input becomes
// available for client-side execution. A non-nil result is recorded as the
// tool output.
func WithChatToolCallHandler(handler func(ctx context.Context, call ToolCall) (any, error)) ChatOption {
	return func(c *Chat) {
		c.onToolCall = handler
	}
}

// WithChatDataHandler sets the observer for data parts, including transient
// ones.
func WithChatDataHandler(handler func(part *Part)) ChatOption {
	return func(c *Chat) {
		c.onData = handler
	}
}

// WithChatErrorHandler sets the handler receiving error chunks and stream
// failures.
func WithChatErrorHandler(handler func(err error)) ChatOption {
	return func(c *Chat) {
		c.onError = handler
	}
}

// WithChatFinishHandler sets the callback invoked with the final assistant
// message when a response stream completes normally.
func WithChatFinishHandler(handler func(message *Message)) ChatOption {
	return func(c *Chat) {
		c.onFinish = handler
	}
}

// WithChatMetadataValidator validates merged message metadata against a
// schema.
func WithChatMetadataValidator(validator Validator) ChatOption {
	return func(c *Chat) {
		c.metadataValidator = validator
	}
}

// WithChatDataValidator validates the payload of data parts with the given
// name.
func WithChatDataValidator(name string, validator Validator) ChatOption {
	return func(c *Chat) {
		c.dataValidators[name] = validator
	}
}

// NewChat creates a chat session backed by the given transport. An empty id
// is replaced with a generated one.
func NewChat(id string, transport ChatTransport, options ...ChatOption) *Chat {
	c := &Chat{
		id:             id,
		transport:      transport,
		generateID:     func() string { return uuid.New().String() },
		logger:         slog.Default(),
		status:         StatusReady,
		dataValidators: make(map[string]Validator),
		watchers:       make(map[int]ChatWatcher),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.maxSteps == 0 {
		c.maxSteps = defaultChatMaxSteps
	}
	if c.id == "" {
		c.id = c.generateID()
	}

	return c
}

// ID returns the session id.
func (c *Chat) ID() string { return c.id }

// Status returns the current session status.
func (c *Chat) Status() ChatStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err returns the error of the last failed request, or nil.
func (c *Chat) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Messages returns a snapshot of the conversation. The returned slice is a
// copy; the messages themselves are shared and must be treated as read-only.
func (c *Chat) Messages() []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := make([]*Message, len(c.messages))
	copy(msgs, c.messages)
	return msgs
}

// LastMessage returns the newest message, or nil for an empty session.
func (c *Chat) LastMessage() *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Subscribe registers a watcher for chat events and returns a function that
// removes it.
func (c *Chat) Subscribe(watcher ChatWatcher) func() {
	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = watcher
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// SubmitMessage appends a user message to the conversation and sends the
// conversation to the transport, streaming the assistant response into the
// session. It blocks until the response cycle, including any automatic
// continuations, has finished.
func (c *Chat) SubmitMessage(ctx context.Context, message *Message) error {
	if message.ID == "" {
		message.ID = c.generateID()
	}
	if message.Role == "" {
		message.Role = RoleUser
	}

	c.mu.Lock()
	c.messages = append(c.messages, message)
	c.mu.Unlock()
	c.emit(ChatEvent{Type: ChatEventMessagesChanged})

	return c.triggerRequest(ctx, TriggerSubmitMessage)
}

// ResubmitLastUserMessage drops a trailing assistant message, if any, and
// re-sends the conversation. A session without remaining messages is left
// untouched.
func (c *Chat) ResubmitLastUserMessage(ctx context.Context) error {
	c.mu.Lock()
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == RoleAssistant {
		c.messages = c.messages[:n-1]
		c.mu.Unlock()
		c.emit(ChatEvent{Type: ChatEventMessagesChanged})
	} else {
		c.mu.Unlock()
	}

	if len(c.Messages()) == 0 {
		return nil
	}

	return c.triggerRequest(ctx, TriggerRegenerateMessage)
}

// ResumeStream reconnects to a server-tracked in-progress response stream.
// When the server reports no active stream the session simply returns to
// ready.
func (c *Chat) ResumeStream(ctx context.Context) error {
	return c.triggerRequest(ctx, TriggerResumeStream)
}

// AddToolResult records the result of a client-executed tool call on the last
// message. The patch goes through the session's job queue without waiting for
// it to run, so calling it from inside the tool-call handler is safe. When no
// request is in flight and the patched message has every tool call of its
// last step resolved, a follow-up request is triggered automatically, bounded
// by the configured max steps. When a request is still streaming, the
// continuation check runs after that request finishes instead.
func (c *Chat) AddToolResult(ctx context.Context, toolCallID string, result any) error {
	c.executor.Enqueue(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		var last *Message
		if len(c.messages) > 0 {
			last = c.messages[len(c.messages)-1]
		}
		if last != nil {
			for _, p := range last.Parts {
				if p.IsTool() && p.ToolCallID == toolCallID {
					p.ToolState = ToolStateOutputAvailable
					p.Output = result
					break
				}
			}
		}
		status := c.status
		c.mu.Unlock()
		c.emit(ChatEvent{Type: ChatEventMessagesChanged})

		// An ongoing request runs its own continuation check on completion.
		if status == StatusSubmitted || status == StatusStreaming {
			return nil
		}

		if last != nil && last.ToolCallsComplete() {
			// Trigger without waiting: triggerRequest routes its writes
			// through the executor this job is currently occupying.
			go func() {
				if err := c.triggerRequest(context.WithoutCancel(ctx), TriggerSubmitMessage); err != nil {
					c.logger.Error("failed to continue after tool result", "err", err)
				}
			}()
		}
		return nil
	})
	return nil
}

// Stop aborts the in-flight response, if any. Aborting is not a failure: the
// session transitions to ready and keeps all partial progress.
func (c *Chat) Stop() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active != nil && active.cancel != nil {
		active.cancel()
	}
}

func (c *Chat) setStatus(status ChatStatus, err error) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.err = err
	c.mu.Unlock()

	c.emit(ChatEvent{Type: ChatEventStatusChanged})
}

func (c *Chat) emit(event ChatEvent) {
	c.mu.RLock()
	watchers := make([]ChatWatcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.RUnlock()

	for _, w := range watchers {
		w.OnChatEvent(event)
	}
}

func (c *Chat) triggerRequest(ctx context.Context, trigger ChatTrigger) error {
	c.setStatus(StatusSubmitted, nil)

	c.mu.RLock()
	messageCount := len(c.messages)
	var lastMessage *Message
	if messageCount > 0 {
		lastMessage = c.messages[messageCount-1]
	}
	messages := make([]*Message, messageCount)
	copy(messages, c.messages)
	c.mu.RUnlock()

	maxStep := 0
	if lastMessage != nil {
		maxStep = lastMessage.CountSteps()
	}

	messageID := c.generateID()
	state := NewStreamingState(lastMessage, messageID)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.active = &activeResponse{state: state, cancel: cancel}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	req := ChatRequest{
		ChatID:    c.id,
		Trigger:   trigger,
		MessageID: messageID,
		Messages:  messages,
	}

	var (
		stream iter.Seq2[Chunk, error]
		err    error
	)
	if trigger == TriggerResumeStream {
		stream, err = c.transport.ReconnectToStream(reqCtx, req)
	} else {
		stream, err = c.transport.SubmitMessages(reqCtx, req)
	}
	if err != nil {
		return c.finishRequest(err)
	}
	if stream == nil {
		// No stream to resume.
		c.setStatus(StatusReady, nil)
		return nil
	}

	runJob := func(ctx context.Context, job UpdateJob) error {
		return c.executor.Run(ctx, func(ctx context.Context) error {
			return job(ctx, state, func() { c.commitActiveMessage(state) })
		})
	}

	var streamErr error
	processed := ProcessChunkStream(reqCtx, stream, ProcessorOptions{
		RunJob:            runJob,
		OnToolCall:        c.onToolCall,
		OnData:            c.onData,
		OnError:           c.onError,
		MetadataValidator: c.metadataValidator,
		DataValidators:    c.dataValidators,
	})
	for _, err := range processed {
		if err != nil {
			streamErr = err
			break
		}
	}

	if streamErr == nil && c.onFinish != nil {
		c.onFinish(state.Message)
	}
	if err := c.finishRequest(streamErr); err != nil {
		return err
	}

	// Auto-continuation: when the response ended with every tool call of its
	// last step resolved and we made progress since the request started, send
	// a follow-up request, up to the configured step ceiling.
	if c.shouldResubmit(messageCount, maxStep) {
		return c.triggerRequest(ctx, trigger)
	}
	return nil
}

// finishRequest maps the stream outcome to the session status. Cancellation
// lands on ready, everything else on error.
func (c *Chat) finishRequest(streamErr error) error {
	if streamErr == nil {
		c.setStatus(StatusReady, nil)
		return nil
	}
	if isAbortError(streamErr) {
		c.setStatus(StatusReady, nil)
		return nil
	}
	if c.onError != nil {
		c.onError(streamErr)
	}
	c.setStatus(StatusError, streamErr)
	return streamErr
}

func (c *Chat) shouldResubmit(originalMessageCount, originalMaxStep int) bool {
	if c.maxSteps <= 1 {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.messages) == 0 {
		return false
	}
	last := c.messages[len(c.messages)-1]

	// Require actual progress since the request started, so errors cannot
	// loop forever.
	progressed := len(c.messages) > originalMessageCount || last.CountSteps() != originalMaxStep

	return progressed &&
		last.ToolCallsComplete() &&
		last.CountSteps() < c.maxSteps
}

// commitActiveMessage surfaces the streaming message after a mutation. The
// first commit of a response moves the session from submitted to streaming.
func (c *Chat) commitActiveMessage(state *StreamingState) {
	c.setStatus(StatusStreaming, nil)

	c.mu.Lock()
	if n := len(c.messages); n > 0 && c.messages[n-1].ID == state.Message.ID {
		c.messages[n-1] = state.Message
	} else {
		c.messages = append(c.messages, state.Message)
	}
	c.mu.Unlock()

	c.emit(ChatEvent{Type: ChatEventMessagesChanged})
}
