package chatwire

import "strings"

// ChunkType identifies the kind of event carried by a Chunk. The set of
// recognized types is closed, with the exception of application-defined data
// chunks whose type carries the "data-" prefix.
type ChunkType string

// The chunk types emitted by an assistant response stream. Text and reasoning
// chunks follow a start/delta/end lifecycle keyed by ID. Tool chunks follow
// input-start/input-delta/input-available and exactly one terminal output
// chunk keyed by ToolCallID.
const (
	ChunkTypeTextStart      ChunkType = "text-start"
	ChunkTypeTextDelta      ChunkType = "text-delta"
	ChunkTypeTextEnd        ChunkType = "text-end"
	ChunkTypeReasoningStart ChunkType = "reasoning-start"
	ChunkTypeReasoningDelta ChunkType = "reasoning-delta"
	ChunkTypeReasoningEnd   ChunkType = "reasoning-end"

	ChunkTypeToolInputStart      ChunkType = "tool-input-start"
	ChunkTypeToolInputDelta      ChunkType = "tool-input-delta"
	ChunkTypeToolInputAvailable  ChunkType = "tool-input-available"
	ChunkTypeToolOutputAvailable ChunkType = "tool-output-available"
	ChunkTypeToolOutputError     ChunkType = "tool-output-error"
	ChunkTypeToolOutputDenied    ChunkType = "tool-output-denied"

	ChunkTypeToolApprovalRequest  ChunkType = "tool-approval-request"
	ChunkTypeToolApprovalResponse ChunkType = "tool-approval-response"

	ChunkTypeSourceURL      ChunkType = "source-url"
	ChunkTypeSourceDocument ChunkType = "source-document"
	ChunkTypeFile           ChunkType = "file"

	ChunkTypeStartStep  ChunkType = "start-step"
	ChunkTypeFinishStep ChunkType = "finish-step"

	ChunkTypeStart           ChunkType = "start"
	ChunkTypeFinish          ChunkType = "finish"
	ChunkTypeMessageMetadata ChunkType = "message-metadata"

	ChunkTypeError ChunkType = "error"
	ChunkTypeAbort ChunkType = "abort"
)

// dataChunkPrefix marks application-defined data chunks, e.g. "data-weather".
const dataChunkPrefix = "data-"

// Chunk is a single wire event of an assistant response stream. It is a tagged
// union: Type selects the variant, and only the fields relevant to that
// variant are populated. Chunks are encoded as newline- or event-delimited
// JSON objects, so a single flattened struct with omitempty fields represents
// every variant.
type Chunk struct {
	// Type selects the chunk variant.
	Type ChunkType `json:"type"`

	// ID scopes text-start/-delta/-end and reasoning chunks to one streaming
	// part, and identifies replaceable data parts.
	ID string `json:"id,omitempty"`

	// Delta carries an incremental piece of text or reasoning content.
	Delta string `json:"delta,omitempty"`

	// ProviderMetadata carries provider-specific metadata for the part the
	// chunk belongs to. A nil value leaves previously-seen metadata intact.
	ProviderMetadata Metadata `json:"providerMetadata,omitempty"`

	// ToolCallID identifies the tool invocation a tool lifecycle chunk
	// belongs to.
	ToolCallID string `json:"toolCallId,omitempty"`

	// ToolName is the declared name of the invoked tool.
	ToolName string `json:"toolName,omitempty"`

	// Dynamic marks a tool whose name was not known ahead of time.
	Dynamic bool `json:"dynamic,omitempty"`

	// InputTextDelta carries an incremental piece of the raw JSON text of a
	// streaming tool input.
	InputTextDelta string `json:"inputTextDelta,omitempty"`

	// Input holds the complete parsed tool input on tool-input-available.
	Input any `json:"input,omitempty"`

	// Output holds the tool result on tool-output-available.
	Output any `json:"output,omitempty"`

	// ErrorText carries the failure description of tool-output-error and
	// error chunks.
	ErrorText string `json:"errorText,omitempty"`

	// ProviderExecuted reports whether the provider already executed the
	// tool. Nil means unspecified; once observed true it stays set on the
	// accumulated part.
	ProviderExecuted *bool `json:"providerExecuted,omitempty"`

	// ApprovalID, Approved and Reason describe the approval detour of a tool
	// invocation: a tool-approval-request chunk names the approval, and the
	// matching tool-approval-response carries the decision.
	ApprovalID string `json:"approvalId,omitempty"`
	Approved   *bool  `json:"approved,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// SourceID, URL, Title, MediaType and Filename describe source-url,
	// source-document and file chunks.
	SourceID  string `json:"sourceId,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// MessageID assigns the message id on a start chunk.
	MessageID string `json:"messageId,omitempty"`

	// MessageMetadata carries metadata to deep-merge into the message on
	// start, finish and message-metadata chunks.
	MessageMetadata Metadata `json:"messageMetadata,omitempty"`

	// FinishReason reports why generation stopped on a finish chunk.
	FinishReason string `json:"finishReason,omitempty"`

	// Data is the payload of a data chunk.
	Data any `json:"data,omitempty"`

	// Transient data chunks never enter message state; they only reach the
	// data observer callback.
	Transient bool `json:"transient,omitempty"`
}

// IsData reports whether the chunk is an application-defined data chunk.
func (c Chunk) IsData() bool {
	return strings.HasPrefix(string(c.Type), dataChunkPrefix)
}

// DataName returns the application-defined name of a data chunk, i.e. the
// part of the type after the "data-" prefix. It returns an empty string for
// non-data chunks.
func (c Chunk) DataName() string {
	if !c.IsData() {
		return ""
	}
	return strings.TrimPrefix(string(c.Type), dataChunkPrefix)
}
