package chatwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"
)

// TransportHandlers are the callbacks a Transport invokes for inbound
// traffic. OnMessage receives every well-formed JSON-RPC message, OnError
// receives recoverable transport faults (a malformed frame does not tear the
// connection down), and OnClose fires once when the transport shuts down.
type TransportHandlers struct {
	OnMessage func(msg JSONRPCMessage)
	OnError   func(err error)
	OnClose   func()
}

// Transport moves JSON-RPC messages between the client and an MCP server.
// SetHandlers must be called before Start; Send may only be called after
// Start returned without error.
type Transport interface {
	// Start establishes the connection. It returns once the transport is
	// ready to Send.
	Start(ctx context.Context) error

	// Send transmits one message to the server.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// SetHandlers installs the inbound callbacks.
	SetHandlers(handlers TransportHandlers)

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// clientState tracks the MCP client lifecycle.
type clientState int

const (
	stateUninitialized clientState = iota
	stateInitializing
	stateReady
	stateClosed
)

// response resolves one outstanding request: either the correlated server
// message or a terminal client-side error.
type response struct {
	msg JSONRPCMessage
	err error
}

// ToolCallRepairer is an optional hook invoked when tool input fails schema
// validation before a tools/call. It receives the original call and the
// validation error and may return a corrected call. Returning nil re-raises
// the validation error; returning an error wraps both failures in a
// RepairError.
type ToolCallRepairer func(ctx context.Context, call CallToolParams, validationErr error) (*CallToolParams, error)

// MCPClientOption is a function that configures an MCP client.
type MCPClientOption func(*MCPClient)

// MCPClient implements a Model Context Protocol client over a pluggable
// Transport. It manages the initialize handshake, correlates requests with
// responses through monotonically increasing integer ids, asserts server
// capabilities before each operation, and converts the server's tool list
// into callable tools.
//
// A client must be created with NewMCPClient and connected with Connect
// before any operation. Close releases the transport and rejects every
// outstanding request; it is safe to call at any time and more than once.
type MCPClient struct {
	transport Transport
	info      Info
	logger    *slog.Logger

	schemas         map[string]Validator
	onUncaughtError func(err error)
	repairToolCall  ToolCallRepairer
	requestTimeout  time.Duration

	mu                 sync.Mutex
	state              clientState
	nextID             int64
	pending            map[int64]chan response
	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	instructions       string
}

var defaultMCPRequestTimeout = 60 * time.Second

// WithMCPLogger sets the logger for the client.
func WithMCPLogger(logger *slog.Logger) MCPClientOption {
	return func(c *MCPClient) {
		c.logger = logger
	}
}

// WithMCPSchemas puts the client in explicit-schema mode: Tools exposes only
// the named tools and validates their input with the given validators
// instead of the schemas the server declares. A nil map (the default) is
// automatic mode, which exposes every server tool with its declared schema.
func WithMCPSchemas(schemas map[string]Validator) MCPClientOption {
	return func(c *MCPClient) {
		c.schemas = schemas
	}
}

// WithMCPUncaughtErrorHandler sets the observer for faults outside any
// request/response pair: server-initiated methods the client does not
// handle, responses with unknown ids, and transport-reported errors.
func WithMCPUncaughtErrorHandler(handler func(err error)) MCPClientOption {
	return func(c *MCPClient) {
		c.onUncaughtError = handler
	}
}

// WithMCPToolCallRepairer sets the tool-call repair hook.
func WithMCPToolCallRepairer(repairer ToolCallRepairer) MCPClientOption {
	return func(c *MCPClient) {
		c.repairToolCall = repairer
	}
}

// WithMCPRequestTimeout bounds how long a single request waits for its
// response.
func WithMCPRequestTimeout(timeout time.Duration) MCPClientOption {
	return func(c *MCPClient) {
		c.requestTimeout = timeout
	}
}

// NewMCPClient creates an MCP client talking through the given transport.
// The info parameter identifies this client to the server during the
// initialize handshake. The client is not connected until Connect is called.
func NewMCPClient(info Info, transport Transport, options ...MCPClientOption) *MCPClient {
	c := &MCPClient{
		transport: transport,
		info:      info,
		logger:    slog.Default(),
		pending:   make(map[int64]chan response),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultMCPRequestTimeout
	}

	return c
}

// Connect starts the transport and performs the initialize handshake: it
// sends the client's protocol version and capabilities, verifies the
// server's protocol version against the supported revisions, records the
// server's capabilities, and acknowledges with notifications/initialized.
// Any handshake failure closes the client before returning.
func (c *MCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateUninitialized {
		c.mu.Unlock()
		return errors.New("client already connected")
	}
	c.state = stateInitializing
	c.mu.Unlock()

	c.transport.SetHandlers(TransportHandlers{
		OnMessage: c.handleMessage,
		OnError:   c.reportError,
		OnClose:   func() { _ = c.Close() },
	})

	if err := c.transport.Start(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to start transport: %w", err)
	}

	params := initializeParams{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}
	res, err := c.request(ctx, methodInitialize, params)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if !slices.Contains(supportedProtocolVersions, result.ProtocolVersion) {
		_ = c.Close()
		return fmt.Errorf("unsupported protocol version: %s", result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.instructions = result.Instructions
	c.state = stateReady
	c.mu.Unlock()

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// Close shuts the client down, rejecting every outstanding request. It is
// idempotent.
func (c *MCPClient) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: errors.New("client closed")}
	}

	return c.transport.Close()
}

// ServerInfo returns the server's identification from the handshake.
func (c *MCPClient) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server declared during the
// handshake.
func (c *MCPClient) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// ProtocolVersion returns the protocol revision negotiated during the
// handshake.
func (c *MCPClient) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// Instructions returns the optional usage instructions the server sent
// during the handshake.
func (c *MCPClient) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// Ping checks that the server is responsive.
func (c *MCPClient) Ping(ctx context.Context) error {
	if err := c.assertReady(); err != nil {
		return err
	}
	_, err := c.request(ctx, methodPing, nil)
	return err
}

// ListTools retrieves one page of the server's tool list.
func (c *MCPClient) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.assertCapability(methodToolsList); err != nil {
		return ListToolsResult{}, err
	}

	res, err := c.request(ctx, methodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to unmarshal tools list: %w", err)
	}
	return result, nil
}

// CallTool executes a server tool and returns its result.
func (c *MCPClient) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.assertCapability(methodToolsCall); err != nil {
		return CallToolResult{}, err
	}

	res, err := c.request(ctx, methodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	return result, nil
}

// ListPrompts retrieves one page of the server's prompt list.
func (c *MCPClient) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if err := c.assertCapability(methodPromptsList); err != nil {
		return ListPromptsResult{}, err
	}

	res, err := c.request(ctx, methodPromptsList, params)
	if err != nil {
		return ListPromptsResult{}, err
	}

	var result ListPromptsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListPromptsResult{}, fmt.Errorf("failed to unmarshal prompts list: %w", err)
	}
	return result, nil
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *MCPClient) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.assertCapability(methodPromptsGet); err != nil {
		return GetPromptResult{}, err
	}

	res, err := c.request(ctx, methodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, err
	}

	var result GetPromptResult
	if err := json.Unmarshal(res, &result); err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to unmarshal prompt: %w", err)
	}
	return result, nil
}

// ListResources retrieves one page of the server's resource list.
func (c *MCPClient) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.assertCapability(methodResourcesList); err != nil {
		return ListResourcesResult{}, err
	}

	res, err := c.request(ctx, methodResourcesList, params)
	if err != nil {
		return ListResourcesResult{}, err
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to unmarshal resources list: %w", err)
	}
	return result, nil
}

// ReadResource retrieves the contents of a specific resource.
func (c *MCPClient) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.assertCapability(methodResourcesRead); err != nil {
		return ReadResourceResult{}, err
	}

	res, err := c.request(ctx, methodResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, err
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to unmarshal resource: %w", err)
	}
	return result, nil
}

// Tools fetches the full tool list (following pagination) and converts it
// into callable tools. In automatic mode every server tool is exposed as a
// dynamic tool validated against the schema the server declared; in
// explicit-schema mode only the configured tools are exposed, validated with
// the configured validators.
func (c *MCPClient) Tools(ctx context.Context) (map[string]*CallableTool, error) {
	tools := make(map[string]*CallableTool)

	cursor := ""
	for {
		page, err := c.ListTools(ctx, ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}

		for _, t := range page.Tools {
			if c.schemas != nil {
				validator, ok := c.schemas[t.Name]
				if !ok {
					continue
				}
				tools[t.Name] = &CallableTool{
					Name:        t.Name,
					Description: t.Description,
					InputSchema: t.InputSchema,
					validator:   validator,
					client:      c,
				}
				continue
			}

			schema, err := augmentToolSchema(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
			}
			validator, err := CompileSchema(schema)
			if err != nil {
				return nil, fmt.Errorf("failed to compile schema for tool %s: %w", t.Name, err)
			}
			tools[t.Name] = &CallableTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
				Dynamic:     true,
				validator:   validator,
				client:      c,
			}
		}

		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallableTool is a server tool converted into a directly invocable object.
// Dynamic marks tools exposed in automatic mode, whose schema comes from the
// server rather than the caller.
type CallableTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Dynamic     bool

	validator Validator
	client    *MCPClient
}

// Call validates the input and executes the tool on the server. A validation
// failure is handed to the client's repair hook when one is configured; a
// successful repair replaces the call before sending.
func (t *CallableTool) Call(ctx context.Context, input any) (CallToolResult, error) {
	args, err := json.Marshal(input)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal tool input: %w", err)
	}

	call := CallToolParams{Name: t.Name, Arguments: args}

	if t.validator != nil {
		if vErr := t.validator.Validate(input); vErr != nil {
			repaired, err := t.client.repair(ctx, call, vErr)
			if err != nil {
				return CallToolResult{}, err
			}
			call = repaired
		}
	}

	return t.client.CallTool(ctx, call)
}

// repair runs the tool-call repair hook for a failed validation. Without a
// hook, or when the hook declines, the validation error stands.
func (c *MCPClient) repair(ctx context.Context, call CallToolParams, validationErr error) (CallToolParams, error) {
	if c.repairToolCall == nil {
		return CallToolParams{}, fmt.Errorf("invalid input for tool %s: %w", call.Name, validationErr)
	}

	repaired, err := c.repairToolCall(ctx, call, validationErr)
	if err != nil {
		return CallToolParams{}, &RepairError{Cause: err, Original: validationErr}
	}
	if repaired == nil {
		return CallToolParams{}, fmt.Errorf("invalid input for tool %s: %w", call.Name, validationErr)
	}
	return *repaired, nil
}

// augmentToolSchema normalizes a server-declared input schema: a missing
// schema becomes an empty object schema, a missing properties map is filled
// in, and additionalProperties is forced to false so undeclared arguments
// are rejected.
func augmentToolSchema(schema json.RawMessage) (json.RawMessage, error) {
	obj := make(map[string]any)
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &obj); err != nil {
			return nil, err
		}
	}

	if _, ok := obj["type"]; !ok {
		obj["type"] = "object"
	}
	if _, ok := obj["properties"]; !ok {
		obj["properties"] = map[string]any{}
	}
	obj["additionalProperties"] = false

	return json.Marshal(obj)
}

func (c *MCPClient) assertReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return errors.New("client closed")
	case stateUninitialized:
		return errors.New("client not connected")
	}
	return nil
}

// assertCapability verifies the server declared the capability backing a
// method before anything is sent.
func (c *MCPClient) assertCapability(method string) error {
	if err := c.assertReady(); err != nil {
		return err
	}

	c.mu.Lock()
	caps := c.serverCapabilities
	c.mu.Unlock()

	switch method {
	case methodToolsList, methodToolsCall:
		if caps.Tools == nil {
			return fmt.Errorf("server does not support tools (method %s)", method)
		}
	case methodPromptsList, methodPromptsGet:
		if caps.Prompts == nil {
			return fmt.Errorf("server does not support prompts (method %s)", method)
		}
	case methodResourcesList, methodResourcesRead:
		if caps.Resources == nil {
			return fmt.Errorf("server does not support resources (method %s)", method)
		}
	}
	return nil
}

// request sends one JSON-RPC request and blocks until the correlated
// response, the request timeout, or context cancellation. Cancellation is
// reported as an abort.
func (c *MCPClient) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil, errors.New("client closed")
	}
	c.nextID++
	id := c.nextID
	resCh := make(chan response, 1)
	c.pending[id] = resCh
	c.mu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  paramsBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.requestTimeout)
	defer sCancel()

	if err := c.transport.Send(sCtx, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-sCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if errors.Is(sCtx.Err(), context.Canceled) {
			// Tell the server the request was abandoned so it can stop
			// working on it. Best effort: the abort result stands either way.
			nErr := c.notify(context.WithoutCancel(ctx), methodNotificationsCancelled, notificationsCancelledParams{
				RequestID: strconv.FormatInt(id, 10),
				Reason:    userCancelledReason,
			})
			if nErr != nil {
				c.reportError(fmt.Errorf("failed to send cancelled notification: %w", nErr))
			}
			return nil, fmt.Errorf("request %s: %w", method, ErrAborted)
		}
		return nil, fmt.Errorf("request %s timed out: %w", method, sCtx.Err())
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, &ClientError{
				Message: res.msg.Error.Message,
				Code:    res.msg.Error.Code,
				Data:    res.msg.Error.Data,
				Cause:   res.msg.Error,
			}
		}
		return res.msg.Result, nil
	}
}

// notify sends a fire-and-forget JSON-RPC notification.
func (c *MCPClient) notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	return c.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

// handleMessage routes one inbound message. Responses resolve their pending
// request; a response with an unknown id is a protocol violation reported to
// the error observer. Server-initiated requests other than ping are answered
// with a method-not-found error and reported the same way.
func (c *MCPClient) handleMessage(msg JSONRPCMessage) {
	if msg.Method != "" {
		if msg.Method == methodPing && msg.ID != "" {
			if err := c.transport.Send(context.Background(), JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Result:  json.RawMessage("{}"),
			}); err != nil {
				c.reportError(fmt.Errorf("failed to answer ping: %w", err))
			}
			return
		}
		// A server request for anything but ping gets a method-not-found
		// answer; notifications have no id to answer on.
		if msg.ID != "" {
			if err := c.transport.Send(context.Background(), JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Error: &JSONRPCError{
					Code:    jsonRPCMethodNotFoundCode,
					Message: fmt.Sprintf("method %q not found", msg.Method),
				},
			}); err != nil {
				c.reportError(fmt.Errorf("failed to answer %s: %w", msg.Method, err))
			}
		}
		c.reportError(fmt.Errorf("unsupported server message: %s", msg.Method))
		return
	}

	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.reportError(fmt.Errorf("response with malformed id %q", msg.ID))
		return
	}

	c.mu.Lock()
	resCh, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.reportError(fmt.Errorf("response with unknown id %d", id))
		return
	}
	resCh <- response{msg: msg}
}

func (c *MCPClient) reportError(err error) {
	if c.onUncaughtError != nil {
		c.onUncaughtError(err)
		return
	}
	c.logger.Error("uncaught client error", "err", err)
}
