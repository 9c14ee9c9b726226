package chatwire_test

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"testing"

	"github.com/chatwire/go-chatwire"
)

func chunkSource(chunks ...chatwire.Chunk) iter.Seq2[chatwire.Chunk, error] {
	return func(yield func(chatwire.Chunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// directRunner applies jobs inline. The processor contract only requires
// that all jobs go through one runner; tests that do not exercise
// concurrency skip the executor.
func directRunner(state *chatwire.StreamingState, commits *int) chatwire.JobRunner {
	return func(ctx context.Context, job chatwire.UpdateJob) error {
		return job(ctx, state, func() {
			if commits != nil {
				*commits++
			}
		})
	}
}

func processChunks(
	t *testing.T,
	state *chatwire.StreamingState,
	opts chatwire.ProcessorOptions,
	chunks ...chatwire.Chunk,
) ([]chatwire.Chunk, error) {
	t.Helper()

	var emitted []chatwire.Chunk
	for chunk, err := range chatwire.ProcessChunkStream(context.Background(), chunkSource(chunks...), opts) {
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, chunk)
	}
	return emitted, nil
}

func TestProcessTextStream(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")
	var commits int
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, &commits)}

	chunks := []chatwire.Chunk{
		{Type: chatwire.ChunkTypeStart, MessageID: "srv-msg-1"},
		{Type: chatwire.ChunkTypeStartStep},
		{Type: chatwire.ChunkTypeTextStart, ID: "t1"},
		{Type: chatwire.ChunkTypeTextDelta, ID: "t1", Delta: "Hello, "},
		{Type: chatwire.ChunkTypeTextDelta, ID: "t1", Delta: "world!"},
		{Type: chatwire.ChunkTypeTextEnd, ID: "t1"},
		{Type: chatwire.ChunkTypeFinishStep},
		{Type: chatwire.ChunkTypeFinish},
	}

	emitted, err := processChunks(t, state, opts, chunks...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emitted) != len(chunks) {
		t.Errorf("got %d re-emitted chunks, want %d", len(emitted), len(chunks))
	}

	msg := state.Message
	if msg.ID != "srv-msg-1" {
		t.Errorf("got message id %q, want %q", msg.ID, "srv-msg-1")
	}
	if len(msg.Parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(msg.Parts))
	}
	if msg.Parts[0].Type != chatwire.PartTypeStepStart {
		t.Errorf("got first part %s, want step-start", msg.Parts[0].Type)
	}
	text := msg.Parts[1]
	if text.Type != chatwire.PartTypeText || text.Text != "Hello, world!" {
		t.Errorf("got text part %+v, want completed text", text)
	}
	if text.State != chatwire.PartStateDone {
		t.Errorf("got text state %s, want done", text.State)
	}

	// start-step and finish-step are bookkeeping, not visible updates; the
	// start chunk commits because it assigns the message id.
	wantCommits := 5
	if commits != wantCommits {
		t.Errorf("got %d commits, want %d", commits, wantCommits)
	}
}

func TestProcessOrphanReferences(t *testing.T) {
	type testCase struct {
		name  string
		chunk chatwire.Chunk
	}

	testCases := []testCase{
		{
			name:  "text delta without start",
			chunk: chatwire.Chunk{Type: chatwire.ChunkTypeTextDelta, ID: "t1", Delta: "x"},
		},
		{
			name:  "text end without start",
			chunk: chatwire.Chunk{Type: chatwire.ChunkTypeTextEnd, ID: "t1"},
		},
		{
			name:  "reasoning delta without start",
			chunk: chatwire.Chunk{Type: chatwire.ChunkTypeReasoningDelta, ID: "r1", Delta: "x"},
		},
		{
			name:  "tool input delta without start",
			chunk: chatwire.Chunk{Type: chatwire.ChunkTypeToolInputDelta, ToolCallID: "call-1", InputTextDelta: "{"},
		},
		{
			name:  "tool output without call",
			chunk: chatwire.Chunk{Type: chatwire.ChunkTypeToolOutputAvailable, ToolCallID: "call-1", Output: "x"},
		},
		{
			name:  "tool error without call",
			chunk: chatwire.Chunk{Type: chatwire.ChunkTypeToolOutputError, ToolCallID: "call-1", ErrorText: "x"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			state := chatwire.NewStreamingState(nil, "msg-1")
			opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

			_, err := processChunks(t, state, opts, tc.chunk)

			var protoErr *chatwire.ProtocolError
			if !errors.As(err, &protoErr) {
				t.Fatalf("got %v, want a ProtocolError", err)
			}
		})
	}
}

func TestProcessToolLifecycle(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

	_, err := processChunks(t, state, opts,
		chatwire.Chunk{Type: chatwire.ChunkTypeToolInputStart, ToolCallID: "call-1", ToolName: "get-weather"},
		chatwire.Chunk{Type: chatwire.ChunkTypeToolInputDelta, ToolCallID: "call-1", InputTextDelta: `{"locat`},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(state.Message.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(state.Message.Parts))
	}
	part := state.Message.Parts[0]
	if part.Type != "tool-get-weather" {
		t.Errorf("got part type %s, want tool-get-weather", part.Type)
	}
	if part.ToolState != chatwire.ToolStateInputStreaming {
		t.Errorf("got tool state %s, want input-streaming", part.ToolState)
	}
	// The dangling key cannot be recovered yet.
	if !reflect.DeepEqual(part.Input, map[string]any{}) {
		t.Errorf("got partial input %#v, want empty object", part.Input)
	}

	_, err = processChunks(t, state, opts,
		chatwire.Chunk{Type: chatwire.ChunkTypeToolInputDelta, ToolCallID: "call-1", InputTextDelta: `ion":"Paris"`},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(part.Input, map[string]any{"location": "Paris"}) {
		t.Errorf("got partial input %#v, want recovered location", part.Input)
	}

	_, err = processChunks(t, state, opts,
		chatwire.Chunk{
			Type:       chatwire.ChunkTypeToolInputAvailable,
			ToolCallID: "call-1",
			ToolName:   "get-weather",
			Input:      map[string]any{"location": "Paris"},
		},
		chatwire.Chunk{
			Type:       chatwire.ChunkTypeToolOutputAvailable,
			ToolCallID: "call-1",
			Output:     map[string]any{"temperature": float64(18)},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(state.Message.Parts) != 1 {
		t.Fatalf("got %d parts after lifecycle, want 1", len(state.Message.Parts))
	}
	if part.ToolState != chatwire.ToolStateOutputAvailable {
		t.Errorf("got tool state %s, want output-available", part.ToolState)
	}
	if !reflect.DeepEqual(part.Output, map[string]any{"temperature": float64(18)}) {
		t.Errorf("got output %#v", part.Output)
	}
}

func TestProcessToolCallCallback(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")

	var calls []chatwire.ToolCall
	opts := chatwire.ProcessorOptions{
		RunJob: directRunner(state, nil),
		OnToolCall: func(_ context.Context, call chatwire.ToolCall) (any, error) {
			calls = append(calls, call)
			return map[string]any{"ok": true}, nil
		},
	}

	_, err := processChunks(t, state, opts,
		chatwire.Chunk{
			Type:       chatwire.ChunkTypeToolInputAvailable,
			ToolCallID: "call-1",
			ToolName:   "get-weather",
			Input:      map[string]any{"location": "Paris"},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	part := state.Message.Parts[0]
	if part.ToolState != chatwire.ToolStateOutputAvailable {
		t.Errorf("got tool state %s, want output-available after callback result", part.ToolState)
	}
	if !reflect.DeepEqual(part.Output, map[string]any{"ok": true}) {
		t.Errorf("got output %#v", part.Output)
	}
}

func TestProcessToolCallCallbackSkipsProviderExecuted(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")

	called := false
	opts := chatwire.ProcessorOptions{
		RunJob: directRunner(state, nil),
		OnToolCall: func(context.Context, chatwire.ToolCall) (any, error) {
			called = true
			return nil, nil
		},
	}

	executed := true
	_, err := processChunks(t, state, opts,
		chatwire.Chunk{
			Type:             chatwire.ChunkTypeToolInputAvailable,
			ToolCallID:       "call-1",
			ToolName:         "web-search",
			Input:            map[string]any{"q": "go"},
			ProviderExecuted: &executed,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("callback invoked for provider-executed tool")
	}
	if state.Message.Parts[0].ToolState != chatwire.ToolStateInputAvailable {
		t.Errorf("got tool state %s, want input-available", state.Message.Parts[0].ToolState)
	}
}

func TestProcessMetadataMerge(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

	_, err := processChunks(t, state, opts,
		chatwire.Chunk{
			Type:            chatwire.ChunkTypeStart,
			MessageMetadata: chatwire.Metadata{"start": "s1", "shared": map[string]any{"k1": "a"}},
		},
		chatwire.Chunk{
			Type:            chatwire.ChunkTypeFinish,
			MessageMetadata: chatwire.Metadata{"finish": "f1", "shared": map[string]any{"k1": "e", "k6": "f"}},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := chatwire.Metadata{
		"start":  "s1",
		"finish": "f1",
		"shared": map[string]any{"k1": "e", "k6": "f"},
	}
	if !reflect.DeepEqual(state.Message.Metadata, want) {
		t.Errorf("got metadata %#v, want %#v", state.Message.Metadata, want)
	}
}

func TestProcessMetadataValidation(t *testing.T) {
	validator, err := chatwire.CompileSchema([]byte(`{
		"type": "object",
		"properties": {"count": {"type": "number"}},
		"required": ["count"]
	}`))
	if err != nil {
		t.Fatalf("failed to compile schema: %v", err)
	}

	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{
		RunJob:            directRunner(state, nil),
		MetadataValidator: validator,
	}

	_, err = processChunks(t, state, opts,
		chatwire.Chunk{
			Type:            chatwire.ChunkTypeMessageMetadata,
			MessageMetadata: chatwire.Metadata{"count": "not a number"},
		},
	)
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestProcessDataPartReplace(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")

	var observed []*chatwire.Part
	opts := chatwire.ProcessorOptions{
		RunJob: directRunner(state, nil),
		OnData: func(part *chatwire.Part) { observed = append(observed, part) },
	}

	_, err := processChunks(t, state, opts,
		chatwire.Chunk{Type: "data-weather", ID: "w1", Data: map[string]any{"status": "loading"}},
		chatwire.Chunk{Type: "data-weather", ID: "w1", Data: map[string]any{"status": "done", "temp": float64(18)}},
		chatwire.Chunk{Type: "data-weather", Data: map[string]any{"status": "extra"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var dataParts []*chatwire.Part
	for _, p := range state.Message.Parts {
		if p.IsData() {
			dataParts = append(dataParts, p)
		}
	}
	// Same id replaces in place; a part without id always appends.
	if len(dataParts) != 2 {
		t.Fatalf("got %d data parts, want 2", len(dataParts))
	}
	want := map[string]any{"status": "done", "temp": float64(18)}
	if !reflect.DeepEqual(dataParts[0].Data, want) {
		t.Errorf("got replaced payload %#v, want %#v", dataParts[0].Data, want)
	}
	if len(observed) != 3 {
		t.Errorf("observer saw %d parts, want 3", len(observed))
	}
}

func TestProcessTransientDataPart(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")

	var observed []*chatwire.Part
	opts := chatwire.ProcessorOptions{
		RunJob: directRunner(state, nil),
		OnData: func(part *chatwire.Part) { observed = append(observed, part) },
	}

	_, err := processChunks(t, state, opts,
		chatwire.Chunk{Type: "data-progress", Data: float64(50), Transient: true},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(state.Message.Parts) != 0 {
		t.Errorf("transient data entered message state: %d parts", len(state.Message.Parts))
	}
	if len(observed) != 1 {
		t.Fatalf("observer saw %d parts, want 1", len(observed))
	}
	if observed[0].Data != float64(50) {
		t.Errorf("got observed payload %v, want 50", observed[0].Data)
	}
}

func TestProcessDataPartValidation(t *testing.T) {
	validator, err := chatwire.CompileSchema([]byte(`{
		"type": "object",
		"properties": {"temp": {"type": "number"}},
		"required": ["temp"]
	}`))
	if err != nil {
		t.Fatalf("failed to compile schema: %v", err)
	}

	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{
		RunJob:         directRunner(state, nil),
		DataValidators: map[string]chatwire.Validator{"weather": validator},
	}

	_, err = processChunks(t, state, opts,
		chatwire.Chunk{Type: "data-weather", Data: map[string]any{"wrong": true}},
	)
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestProcessFinishStepSealsOpenParts(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

	_, err := processChunks(t, state, opts,
		chatwire.Chunk{Type: chatwire.ChunkTypeTextStart, ID: "t1"},
		chatwire.Chunk{Type: chatwire.ChunkTypeFinishStep},
		chatwire.Chunk{Type: chatwire.ChunkTypeTextDelta, ID: "t1", Delta: "late"},
	)

	var protoErr *chatwire.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("got %v, want a ProtocolError for a delta across a step boundary", err)
	}
}

func TestProcessErrorChunk(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")

	var received []error
	opts := chatwire.ProcessorOptions{
		RunJob:  directRunner(state, nil),
		OnError: func(err error) { received = append(received, err) },
	}

	emitted, err := processChunks(t, state, opts,
		chatwire.Chunk{Type: chatwire.ChunkTypeError, ErrorText: "provider overloaded"},
		chatwire.Chunk{Type: chatwire.ChunkTypeTextStart, ID: "t1"},
	)
	if err != nil {
		t.Fatalf("error chunk terminated the stream: %v", err)
	}

	if len(received) != 1 || received[0].Error() != "provider overloaded" {
		t.Errorf("got error callback %v", received)
	}
	if len(emitted) != 2 {
		t.Errorf("got %d emitted chunks, want 2", len(emitted))
	}
}

func TestProcessUnknownChunkIgnored(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

	emitted, err := processChunks(t, state, opts,
		chatwire.Chunk{Type: "future-chunk-type"},
	)
	if err != nil {
		t.Fatalf("unknown chunk type failed the stream: %v", err)
	}
	if len(emitted) != 1 {
		t.Errorf("unknown chunk was not re-emitted")
	}
	if len(state.Message.Parts) != 0 {
		t.Errorf("unknown chunk mutated state: %d parts", len(state.Message.Parts))
	}
}

func TestProcessApprovalDetour(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

	approved := false
	_, err := processChunks(t, state, opts,
		chatwire.Chunk{
			Type:       chatwire.ChunkTypeToolInputAvailable,
			ToolCallID: "call-1",
			ToolName:   "delete-file",
			Input:      map[string]any{"path": "/tmp/x"},
		},
		chatwire.Chunk{Type: chatwire.ChunkTypeToolApprovalRequest, ToolCallID: "call-1", ApprovalID: "appr-1"},
		chatwire.Chunk{Type: chatwire.ChunkTypeToolApprovalResponse, ApprovalID: "appr-1", Approved: &approved, Reason: "too risky"},
		chatwire.Chunk{Type: chatwire.ChunkTypeToolOutputDenied, ToolCallID: "call-1"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	part := state.Message.Parts[0]
	if part.ToolState != chatwire.ToolStateOutputDenied {
		t.Errorf("got tool state %s, want output-denied", part.ToolState)
	}
	if part.Approval == nil || part.Approval.ID != "appr-1" || part.Approval.Reason != "too risky" {
		t.Errorf("got approval %+v", part.Approval)
	}
	if part.Approval.Approved == nil || *part.Approval.Approved {
		t.Errorf("got approved %v, want false", part.Approval.Approved)
	}
}

func TestProcessContinuationKeepsFinishedParts(t *testing.T) {
	prior := &chatwire.Message{
		ID:   "msg-1",
		Role: chatwire.RoleAssistant,
		Parts: []*chatwire.Part{
			{Type: chatwire.PartTypeStepStart},
			{Type: "tool-get-weather", ToolCallID: "call-1", ToolState: chatwire.ToolStateOutputAvailable},
		},
	}

	state := chatwire.NewStreamingState(prior, "unused-id")
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

	_, err := processChunks(t, state, opts,
		chatwire.Chunk{Type: chatwire.ChunkTypeStartStep},
		chatwire.Chunk{Type: chatwire.ChunkTypeTextStart, ID: "t1"},
		chatwire.Chunk{Type: chatwire.ChunkTypeTextDelta, ID: "t1", Delta: "The weather is mild."},
		chatwire.Chunk{Type: chatwire.ChunkTypeTextEnd, ID: "t1"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state.Message != prior {
		t.Fatal("continuation did not keep the prior message")
	}
	if got := len(prior.Parts); got != 4 {
		t.Fatalf("got %d parts, want 4", got)
	}
	if prior.Parts[3].Text != "The weather is mild." {
		t.Errorf("got continuation text %q", prior.Parts[3].Text)
	}
	if prior.CountSteps() != 2 {
		t.Errorf("got %d steps, want 2", prior.CountSteps())
	}
}

func TestProcessSourceAndFileChunks(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

	_, err := processChunks(t, state, opts,
		chatwire.Chunk{Type: chatwire.ChunkTypeSourceURL, SourceID: "s1", URL: "https://example.com", Title: "Example"},
		chatwire.Chunk{Type: chatwire.ChunkTypeSourceDocument, SourceID: "d1", MediaType: "application/pdf", Title: "Paper"},
		chatwire.Chunk{Type: chatwire.ChunkTypeFile, URL: "blob:1", MediaType: "image/png", Filename: "chart.png"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(state.Message.Parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(state.Message.Parts))
	}
	if state.Message.Parts[0].Type != chatwire.PartTypeSourceURL || state.Message.Parts[0].URL != "https://example.com" {
		t.Errorf("got source part %+v", state.Message.Parts[0])
	}
	if state.Message.Parts[2].Type != chatwire.PartTypeFile || state.Message.Parts[2].Filename != "chart.png" {
		t.Errorf("got file part %+v", state.Message.Parts[2])
	}
}

func TestProcessSourceErrorStopsStream(t *testing.T) {
	state := chatwire.NewStreamingState(nil, "msg-1")
	opts := chatwire.ProcessorOptions{RunJob: directRunner(state, nil)}

	sourceErr := errors.New("connection reset")
	source := func(yield func(chatwire.Chunk, error) bool) {
		if !yield(chatwire.Chunk{Type: chatwire.ChunkTypeTextStart, ID: "t1"}, nil) {
			return
		}
		yield(chatwire.Chunk{}, sourceErr)
	}

	var got error
	count := 0
	for _, err := range chatwire.ProcessChunkStream(context.Background(), source, opts) {
		if err != nil {
			got = err
			break
		}
		count++
	}

	if !errors.Is(got, sourceErr) {
		t.Errorf("got %v, want the source error", got)
	}
	if count != 1 {
		t.Errorf("got %d chunks before the failure, want 1", count)
	}
}
