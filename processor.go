package chatwire

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// ToolCall describes a tool invocation handed to the OnToolCall callback.
type ToolCall struct {
	// ToolCallID identifies the invocation.
	ToolCallID string
	// ToolName is the declared tool name.
	ToolName string
	// Input is the complete parsed tool input.
	Input any
	// Dynamic reports whether the tool name was not known ahead of time.
	Dynamic bool
}

// UpdateJob is one state mutation applied by the stream processor. The job
// receives the shared accumulator and a commit function that surfaces the
// mutated message to the caller; commit may be called zero or more times.
type UpdateJob func(ctx context.Context, state *StreamingState, commit func()) error

// JobRunner executes an UpdateJob. The caller supplies it so that every
// mutation runs through one SerialJobExecutor even when several chunk sources
// feed the same message; see Chat for the canonical wiring.
type JobRunner func(ctx context.Context, job UpdateJob) error

// ProcessorOptions configures ProcessChunkStream.
type ProcessorOptions struct {
	// RunJob executes each per-chunk state mutation. Required.
	RunJob JobRunner

	// OnToolCall is invoked when a tool input becomes available for a tool
	// the provider did not execute. The processor blocks on it before moving
	// to the next chunk, keeping client-side tool execution deterministic in
	// the streaming pipeline. A non-nil result is recorded as the tool
	// output.
	OnToolCall func(ctx context.Context, call ToolCall) (any, error)

	// OnData observes data parts, including transient ones that never enter
	// message state.
	OnData func(part *Part)

	// OnError receives the text of error chunks. An error chunk does not
	// terminate the stream by itself.
	OnError func(err error)

	// MetadataValidator, when set, validates the merged message metadata
	// after every metadata-carrying chunk.
	MetadataValidator Validator

	// DataValidators maps data part names to validators for their payloads.
	// A validation failure is fatal to the stream.
	DataValidators map[string]Validator
}

// ProcessChunkStream folds chunks into the streaming message state while
// re-emitting every chunk unchanged, so downstream consumers observe the same
// stream. Each chunk's effect is applied inside a job submitted through
// opts.RunJob before the chunk is emitted, and the job's commit hook runs
// after each effectful mutation.
//
// Malformed references (a delta without a start, a tool output for an unknown
// call id) surface as a ProtocolError that terminates the returned sequence;
// no recovery is attempted. Unknown chunk types that are not data chunks are
// ignored for forward compatibility.
func ProcessChunkStream(
	ctx context.Context,
	chunks iter.Seq2[Chunk, error],
	opts ProcessorOptions,
) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for chunk, err := range chunks {
			if err != nil {
				yield(Chunk{}, err)
				return
			}

			jobErr := opts.RunJob(ctx, func(ctx context.Context, state *StreamingState, commit func()) error {
				return applyChunk(ctx, state, chunk, commit, opts)
			})
			if jobErr != nil {
				yield(Chunk{}, jobErr)
				return
			}

			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// applyChunk dispatches one chunk to the streaming state.
func applyChunk(
	ctx context.Context,
	state *StreamingState,
	chunk Chunk,
	commit func(),
	opts ProcessorOptions,
) error {
	switch chunk.Type {
	case ChunkTypeTextStart:
		part := &Part{
			Type:             PartTypeText,
			State:            PartStateStreaming,
			ProviderMetadata: chunk.ProviderMetadata,
		}
		state.activeText[chunk.ID] = part
		state.Message.Parts = append(state.Message.Parts, part)
		commit()

	case ChunkTypeTextDelta:
		part, ok := state.activeText[chunk.ID]
		if !ok {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ID, Reason: "delta without matching text-start"}
		}
		part.Text += chunk.Delta
		if chunk.ProviderMetadata != nil {
			part.ProviderMetadata = chunk.ProviderMetadata
		}
		commit()

	case ChunkTypeTextEnd:
		part, ok := state.activeText[chunk.ID]
		if !ok {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ID, Reason: "end without matching text-start"}
		}
		part.State = PartStateDone
		if chunk.ProviderMetadata != nil {
			part.ProviderMetadata = chunk.ProviderMetadata
		}
		delete(state.activeText, chunk.ID)
		commit()

	case ChunkTypeReasoningStart:
		part := &Part{
			Type:             PartTypeReasoning,
			State:            PartStateStreaming,
			ProviderMetadata: chunk.ProviderMetadata,
		}
		state.activeReasoning[chunk.ID] = part
		state.Message.Parts = append(state.Message.Parts, part)
		commit()

	case ChunkTypeReasoningDelta:
		part, ok := state.activeReasoning[chunk.ID]
		if !ok {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ID, Reason: "delta without matching reasoning-start"}
		}
		part.Text += chunk.Delta
		if chunk.ProviderMetadata != nil {
			part.ProviderMetadata = chunk.ProviderMetadata
		}
		commit()

	case ChunkTypeReasoningEnd:
		part, ok := state.activeReasoning[chunk.ID]
		if !ok {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ID, Reason: "end without matching reasoning-start"}
		}
		part.State = PartStateDone
		if chunk.ProviderMetadata != nil {
			part.ProviderMetadata = chunk.ProviderMetadata
		}
		delete(state.activeReasoning, chunk.ID)
		commit()

	case ChunkTypeFile:
		state.Message.Parts = append(state.Message.Parts, &Part{
			Type:      PartTypeFile,
			MediaType: chunk.MediaType,
			Filename:  chunk.Filename,
			URL:       chunk.URL,
		})
		commit()

	case ChunkTypeSourceURL:
		state.Message.Parts = append(state.Message.Parts, &Part{
			Type:             PartTypeSourceURL,
			SourceID:         chunk.SourceID,
			URL:              chunk.URL,
			Title:            chunk.Title,
			ProviderMetadata: chunk.ProviderMetadata,
		})
		commit()

	case ChunkTypeSourceDocument:
		state.Message.Parts = append(state.Message.Parts, &Part{
			Type:             PartTypeSourceDocument,
			SourceID:         chunk.SourceID,
			MediaType:        chunk.MediaType,
			Title:            chunk.Title,
			Filename:         chunk.Filename,
			ProviderMetadata: chunk.ProviderMetadata,
		})
		commit()

	case ChunkTypeToolInputStart:
		state.partialTools[chunk.ToolCallID] = &partialToolCall{
			toolName: chunk.ToolName,
			dynamic:  chunk.Dynamic,
		}
		applyToolUpdate(state, toolUpdate{
			toolCallID:       chunk.ToolCallID,
			toolName:         chunk.ToolName,
			dynamic:          chunk.Dynamic,
			state:            ToolStateInputStreaming,
			providerExecuted: chunk.ProviderExecuted,
		})
		commit()

	case ChunkTypeToolInputDelta:
		partial, ok := state.partialTools[chunk.ToolCallID]
		if !ok {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ToolCallID, Reason: "input delta without matching tool-input-start"}
		}
		partial.text += chunk.InputTextDelta

		// Best-effort parse of the accumulated input so far; when nothing can
		// be recovered yet the raw text stays visible.
		input, parseState := ParsePartialJSON(partial.text)
		if parseState == PartialParseFailed {
			input = partial.text
		}

		applyToolUpdate(state, toolUpdate{
			toolCallID: chunk.ToolCallID,
			toolName:   partial.toolName,
			dynamic:    partial.dynamic,
			state:      ToolStateInputStreaming,
			input:      input,
		})
		commit()

	case ChunkTypeToolInputAvailable:
		dynamic := chunk.Dynamic
		if partial, ok := state.partialTools[chunk.ToolCallID]; ok {
			dynamic = dynamic || partial.dynamic
		}
		applyToolUpdate(state, toolUpdate{
			toolCallID:       chunk.ToolCallID,
			toolName:         chunk.ToolName,
			dynamic:          dynamic,
			state:            ToolStateInputAvailable,
			input:            chunk.Input,
			providerExecuted: chunk.ProviderExecuted,
			providerMetadata: chunk.ProviderMetadata,
		})
		commit()

		// Client-side execution is a blocking step in the streaming pipeline,
		// keeping the ordering of tool results deterministic.
		if opts.OnToolCall != nil && !boolValue(chunk.ProviderExecuted) {
			result, err := opts.OnToolCall(ctx, ToolCall{
				ToolCallID: chunk.ToolCallID,
				ToolName:   chunk.ToolName,
				Input:      chunk.Input,
				Dynamic:    dynamic,
			})
			if err != nil {
				return err
			}
			if result != nil {
				applyToolUpdate(state, toolUpdate{
					toolCallID: chunk.ToolCallID,
					toolName:   chunk.ToolName,
					dynamic:    dynamic,
					state:      ToolStateOutputAvailable,
					input:      chunk.Input,
					output:     result,
				})
				commit()
			}
		}

	case ChunkTypeToolOutputAvailable:
		part := state.findToolPart(chunk.ToolCallID)
		if part == nil {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ToolCallID, Reason: "tool output must be preceded by a tool call with the same id"}
		}
		applyToolUpdate(state, toolUpdate{
			toolCallID:       chunk.ToolCallID,
			toolName:         part.Tool(),
			dynamic:          part.Type == PartTypeDynamicTool,
			state:            ToolStateOutputAvailable,
			input:            part.Input,
			output:           chunk.Output,
			providerExecuted: chunk.ProviderExecuted,
		})
		commit()

	case ChunkTypeToolOutputError:
		part := state.findToolPart(chunk.ToolCallID)
		if part == nil {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ToolCallID, Reason: "tool output must be preceded by a tool call with the same id"}
		}
		applyToolUpdate(state, toolUpdate{
			toolCallID:       chunk.ToolCallID,
			toolName:         part.Tool(),
			dynamic:          part.Type == PartTypeDynamicTool,
			state:            ToolStateOutputError,
			input:            part.Input,
			errorText:        chunk.ErrorText,
			providerExecuted: chunk.ProviderExecuted,
		})
		commit()

	case ChunkTypeToolOutputDenied:
		part := state.findToolPart(chunk.ToolCallID)
		if part == nil {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ToolCallID, Reason: "tool output must be preceded by a tool call with the same id"}
		}
		part.ToolState = ToolStateOutputDenied
		commit()

	case ChunkTypeToolApprovalRequest:
		part := state.findToolPart(chunk.ToolCallID)
		if part == nil {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ToolCallID, Reason: "approval request must reference a known tool call"}
		}
		part.ToolState = ToolStateApprovalRequested
		part.Approval = &ToolApproval{ID: chunk.ApprovalID}
		commit()

	case ChunkTypeToolApprovalResponse:
		part := findToolPartByApproval(state, chunk.ApprovalID)
		if part == nil {
			return &ProtocolError{ChunkType: chunk.Type, ID: chunk.ApprovalID, Reason: "approval response must reference a known approval request"}
		}
		part.ToolState = ToolStateApprovalResponded
		part.Approval.Approved = chunk.Approved
		part.Approval.Reason = chunk.Reason
		commit()

	case ChunkTypeStartStep:
		state.Message.Parts = append(state.Message.Parts, &Part{Type: PartTypeStepStart})

	case ChunkTypeFinishStep:
		state.sealStep()

	case ChunkTypeStart:
		if chunk.MessageID != "" {
			state.Message.ID = chunk.MessageID
		}
		if err := updateMessageMetadata(state, chunk.MessageMetadata, opts.MetadataValidator); err != nil {
			return err
		}
		if chunk.MessageID != "" || chunk.MessageMetadata != nil {
			commit()
		}

	case ChunkTypeFinish, ChunkTypeMessageMetadata:
		if err := updateMessageMetadata(state, chunk.MessageMetadata, opts.MetadataValidator); err != nil {
			return err
		}
		if chunk.MessageMetadata != nil {
			commit()
		}

	case ChunkTypeError:
		if opts.OnError != nil {
			opts.OnError(errors.New(chunk.ErrorText))
		}

	case ChunkTypeAbort:
		// The abort chunk only signals cancellation; the source decides
		// whether the stream ends here.

	default:
		if !chunk.IsData() {
			// Unrecognized chunk types pass through untouched so newer
			// servers keep working with older clients.
			return nil
		}
		return applyDataChunk(state, chunk, commit, opts)
	}

	return nil
}

// applyDataChunk handles application-defined data chunks: optional schema
// validation, transient bypass, and replace-by-id for persistent parts.
func applyDataChunk(state *StreamingState, chunk Chunk, commit func(), opts ProcessorOptions) error {
	if validator, ok := opts.DataValidators[chunk.DataName()]; ok {
		if err := validator.Validate(chunk.Data); err != nil {
			return fmt.Errorf("invalid %s chunk: %w", chunk.Type, err)
		}
	}

	// Transient data parts only reach the observer, never message state.
	if chunk.Transient {
		if opts.OnData != nil {
			opts.OnData(&Part{Type: PartType(chunk.Type), ID: chunk.ID, Data: chunk.Data})
		}
		return nil
	}

	var part *Part
	if chunk.ID != "" {
		for _, p := range state.Message.Parts {
			if p.Type == PartType(chunk.Type) && p.ID == chunk.ID {
				part = p
				break
			}
		}
	}

	if part != nil {
		// Same type and id: the payload is replaced, not merged.
		part.Data = chunk.Data
	} else {
		part = &Part{Type: PartType(chunk.Type), ID: chunk.ID, Data: chunk.Data}
		state.Message.Parts = append(state.Message.Parts, part)
	}

	if opts.OnData != nil {
		opts.OnData(part)
	}
	commit()
	return nil
}

// updateMessageMetadata deep-merges metadata into the message and validates
// the merged result when a validator is configured.
func updateMessageMetadata(state *StreamingState, metadata Metadata, validator Validator) error {
	if metadata == nil {
		return nil
	}
	merged := MergeMetadata(state.Message.Metadata, metadata)
	if validator != nil {
		if err := validator.Validate(map[string]any(merged)); err != nil {
			return fmt.Errorf("invalid message metadata: %w", err)
		}
	}
	state.Message.Metadata = merged
	return nil
}

// toolUpdate is one mutation of a tool invocation part.
type toolUpdate struct {
	toolCallID       string
	toolName         string
	dynamic          bool
	state            ToolState
	input            any
	output           any
	errorText        string
	providerExecuted *bool
	providerMetadata Metadata
}

// applyToolUpdate mutates the tool part with the given call id in place, or
// appends a new part on the first occurrence of the id.
func applyToolUpdate(state *StreamingState, u toolUpdate) {
	part := state.findToolPart(u.toolCallID)
	if part == nil {
		part = &Part{
			Type:       toolPartType(u.toolName, u.dynamic),
			ToolCallID: u.toolCallID,
		}
		if u.dynamic {
			part.ToolName = u.toolName
		}
		state.Message.Parts = append(state.Message.Parts, part)
	}

	part.ToolState = u.state
	part.Input = u.input
	part.Output = u.output
	part.ErrorText = u.errorText

	// Once providerExecuted is set it stays for the rest of the stream.
	if u.providerExecuted != nil {
		part.ProviderExecuted = u.providerExecuted
	}

	if u.providerMetadata != nil && u.state == ToolStateInputAvailable {
		part.CallProviderMetadata = u.providerMetadata
	}
}

func findToolPartByApproval(state *StreamingState, approvalID string) *Part {
	for _, p := range state.Message.Parts {
		if p.IsTool() && p.Approval != nil && p.Approval.ID == approvalID {
			return p
		}
	}
	return nil
}

func boolValue(b *bool) bool { return b != nil && *b }
