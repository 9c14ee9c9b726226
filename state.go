package chatwire

// StreamingState is the mutable accumulator a chunk stream is folded into. It
// owns exactly one assistant message plus the lookup maps for the parts that
// are still streaming. A StreamingState is created once per request/response
// cycle and must only be mutated through jobs submitted to a single
// SerialJobExecutor.
type StreamingState struct {
	// Message is the message being assembled. It is handed to the caller as
	// the final result when the chunk stream ends.
	Message *Message

	activeText      map[string]*Part
	activeReasoning map[string]*Part
	partialTools    map[string]*partialToolCall
}

// partialToolCall accumulates the raw JSON text of a streaming tool input.
type partialToolCall struct {
	text     string
	toolName string
	dynamic  bool
}

// NewStreamingState creates the accumulator for one response cycle. When
// lastMessage is an assistant message the state continues it: parts already
// present are kept and new parts append. Any other lastMessage (or nil)
// starts a fresh assistant message with the given id. Continuation only
// inherits finished parts; the open-part maps always start empty, so an
// in-flight part of a previous cycle is never reopened.
func NewStreamingState(lastMessage *Message, messageID string) *StreamingState {
	msg := lastMessage
	if msg == nil || msg.Role != RoleAssistant {
		msg = &Message{
			ID:    messageID,
			Role:  RoleAssistant,
			Parts: []*Part{},
		}
	}
	return &StreamingState{
		Message:         msg,
		activeText:      make(map[string]*Part),
		activeReasoning: make(map[string]*Part),
		partialTools:    make(map[string]*partialToolCall),
	}
}

// sealStep clears the open-part tracking at a step boundary. Parts still open
// are abandoned as tracking entries without being marked done; a later delta
// referencing their id fails, because steps are sealed boundaries for
// streaming ids.
func (s *StreamingState) sealStep() {
	s.activeText = make(map[string]*Part)
	s.activeReasoning = make(map[string]*Part)
}

// findToolPart returns the tool invocation part with the given call id, or
// nil when the message has none. Lookup is a linear scan; messages hold few
// parts.
func (s *StreamingState) findToolPart(toolCallID string) *Part {
	for _, p := range s.Message.Parts {
		if p.IsTool() && p.ToolCallID == toolCallID {
			return p
		}
	}
	return nil
}
