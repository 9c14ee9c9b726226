package chatwire

import "strings"

// Role identifies the author of a message.
type Role string

// The roles a message can carry. System messages are discouraged on the
// client; assistant messages are the ones assembled by the stream processor.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Metadata is a free-form JSON object attached to messages and parts.
type Metadata map[string]any

// MergeMetadata deep-merges b into a and returns the result. Nested objects
// combine key-wise with later values winning on conflicting leaf keys; arrays
// and scalars replace. Neither input is mutated. A nil input yields the other
// input unchanged.
func MergeMetadata(a, b Metadata) Metadata {
	if a == nil {
		if b == nil {
			return nil
		}
		a = Metadata{}
	}
	merged := make(Metadata, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		prev, ok := merged[k]
		if !ok {
			merged[k] = v
			continue
		}
		prevObj, prevIsObj := asObject(prev)
		nextObj, nextIsObj := asObject(v)
		if prevIsObj && nextIsObj {
			merged[k] = map[string]any(MergeMetadata(prevObj, nextObj))
			continue
		}
		merged[k] = v
	}
	return merged
}

func asObject(v any) (Metadata, bool) {
	switch obj := v.(type) {
	case Metadata:
		return obj, true
	case map[string]any:
		return Metadata(obj), true
	default:
		return nil, false
	}
}

// PartType identifies the kind of a message part. Tool parts use the
// "tool-<name>" form; data parts use the "data-<name>" form.
type PartType string

// The fixed part types. Tool and data part types are derived from the tool or
// data name and have no constant here.
const (
	PartTypeText           PartType = "text"
	PartTypeReasoning      PartType = "reasoning"
	PartTypeDynamicTool    PartType = "dynamic-tool"
	PartTypeSourceURL      PartType = "source-url"
	PartTypeSourceDocument PartType = "source-document"
	PartTypeFile           PartType = "file"
	PartTypeStepStart      PartType = "step-start"
)

// toolPartPrefix marks statically-named tool parts, e.g. "tool-get-weather".
const toolPartPrefix = "tool-"

// PartState tracks the lifecycle of a streaming text or reasoning part.
type PartState string

// Streaming part states.
const (
	PartStateStreaming PartState = "streaming"
	PartStateDone      PartState = "done"
)

// ToolState tracks the lifecycle of a tool invocation part.
type ToolState string

// Tool invocation states. ToolStateOutputAvailable and ToolStateOutputError
// are the terminal states.
const (
	ToolStateInputStreaming    ToolState = "input-streaming"
	ToolStateInputAvailable    ToolState = "input-available"
	ToolStateApprovalRequested ToolState = "approval-requested"
	ToolStateApprovalResponded ToolState = "approval-responded"
	ToolStateOutputAvailable   ToolState = "output-available"
	ToolStateOutputError       ToolState = "output-error"
	ToolStateOutputDenied      ToolState = "output-denied"
)

// ToolApproval records the approval detour of a tool invocation.
type ToolApproval struct {
	ID       string `json:"id"`
	Approved *bool  `json:"approved,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Part is one element of a message. Like Chunk it is a tagged union encoded
// as a single flattened struct: Type selects the variant and only that
// variant's fields are populated. Parts are exclusively owned by the one
// message they belong to.
type Part struct {
	Type PartType `json:"type"`

	// Text is the accumulated content of text and reasoning parts.
	Text string `json:"text,omitempty"`

	// State is the streaming state of text and reasoning parts.
	State PartState `json:"state,omitempty"`

	// ProviderMetadata is provider-specific metadata of text, reasoning and
	// source parts.
	ProviderMetadata Metadata `json:"providerMetadata,omitempty"`

	// ToolCallID, ToolName and the fields below describe tool invocation
	// parts. ToolName is only populated on dynamic-tool parts; static tool
	// parts carry the name in their type.
	ToolCallID           string        `json:"toolCallId,omitempty"`
	ToolName             string        `json:"toolName,omitempty"`
	ToolState            ToolState     `json:"toolState,omitempty"`
	Input                any           `json:"input,omitempty"`
	Output               any           `json:"output,omitempty"`
	ErrorText            string        `json:"errorText,omitempty"`
	ProviderExecuted     *bool         `json:"providerExecuted,omitempty"`
	CallProviderMetadata Metadata      `json:"callProviderMetadata,omitempty"`
	Approval             *ToolApproval `json:"approval,omitempty"`

	// SourceID, URL, Title, MediaType and Filename describe source-url,
	// source-document and file parts.
	SourceID  string `json:"sourceId,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// ID and Data describe data parts. A data chunk carrying the id of an
	// existing same-type part replaces that part's data.
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// IsTool reports whether the part is a tool invocation, static or dynamic.
func (p *Part) IsTool() bool {
	return p.Type == PartTypeDynamicTool || strings.HasPrefix(string(p.Type), toolPartPrefix)
}

// IsData reports whether the part is an application-defined data part.
func (p *Part) IsData() bool {
	return strings.HasPrefix(string(p.Type), dataChunkPrefix)
}

// Tool returns the tool name of a tool invocation part, extracted from the
// part type for static tools and from ToolName for dynamic tools. It returns
// an empty string for non-tool parts.
func (p *Part) Tool() string {
	if p.Type == PartTypeDynamicTool {
		return p.ToolName
	}
	if strings.HasPrefix(string(p.Type), toolPartPrefix) {
		return strings.TrimPrefix(string(p.Type), toolPartPrefix)
	}
	return ""
}

// toolPartType forms the part type for a tool invocation.
func toolPartType(toolName string, dynamic bool) PartType {
	if dynamic {
		return PartTypeDynamicTool
	}
	return PartType(toolPartPrefix + toolName)
}

// Message is a single chat message assembled from parts. Parts keep the order
// in which their first chunk was processed.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Metadata Metadata `json:"metadata,omitempty"`
	Parts    []*Part  `json:"parts"`
}

// CountSteps returns the number of step boundaries recorded in the message.
func (m *Message) CountSteps() int {
	n := 0
	for _, p := range m.Parts {
		if p.Type == PartTypeStepStart {
			n++
		}
	}
	return n
}

// lastStepParts returns the parts after the last step boundary, or all parts
// when the message has no step boundary.
func (m *Message) lastStepParts() []*Part {
	start := 0
	for i, p := range m.Parts {
		if p.Type == PartTypeStepStart {
			start = i + 1
		}
	}
	return m.Parts[start:]
}

// ToolCallsComplete reports whether the message is an assistant message whose
// last step contains at least one tool invocation and every tool invocation
// in that step reached a terminal state. A last step without tool parts never
// counts as complete, even when earlier steps do.
func (m *Message) ToolCallsComplete() bool {
	if m == nil || m.Role != RoleAssistant {
		return false
	}
	toolParts := 0
	for _, p := range m.lastStepParts() {
		if !p.IsTool() {
			continue
		}
		toolParts++
		if p.ToolState != ToolStateOutputAvailable && p.ToolState != ToolStateOutputError {
			return false
		}
	}
	return toolParts > 0
}
