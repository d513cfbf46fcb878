// Package mcp implements the client side of attaching to an MCP tool
// server over stdio: a single JSON-RPC 2.0 handshake exchange to prove
// the server is ready, and a retry loop that relaunches the server with
// exponential backoff when the handshake fails.
//
// Frames are newline-delimited JSON. The handshake reads exactly one
// frame; anything after it belongs to whoever owns the attached server.
// Failures are reported as [*TimeoutError], [*InvalidFrameError], or
// [*ProtocolError], all of which match [ErrProtocol] with errors.Is and
// carry the 1-indexed attempt they happened on.
package mcp
