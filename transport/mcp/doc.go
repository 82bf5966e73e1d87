// Package mcp exposes the live test REST API as Model Context Protocol tools.
//
// The Client is a thin proxy: every tool calls the REST API over HTTP and
// formats the response as text for an assistant. The tools are read-mostly
// (list and inspect sessions, question sets and results); running a session
// happens over the websocket endpoint, not here.
//
// Tools:
//   - list_sessions, get_session, reap_session
//   - list_tests, get_test
//   - list_results, get_result
//   - live_test_instructions
//
// The same server is served two ways by the binary: over stdio with the
// "stdio-mcp" command, and as JSON-RPC over HTTP at POST /mcp.
package mcp
