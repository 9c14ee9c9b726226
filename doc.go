// Package chatwire implements the client-side streaming plumbing for AI chat
// applications: it folds an ordered stream of UI message chunks (text,
// reasoning, tool calls, sources, files, metadata, and custom data parts)
// into an incrementally updated assistant message, and drives the
// surrounding chat session lifecycle including tool execution, resumption,
// and automatic continuation.
//
// The package also provides a lightweight Model Context Protocol (MCP)
// client following https://spec.modelcontextprotocol.io/specification/ over
// pluggable transports (streamable HTTP, SSE, stdio), converting server
// tools into directly callable objects.
package chatwire
