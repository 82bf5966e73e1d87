// Package websocket provides the WebSocket transport for live test sessions.
//
// The websocket package implements:
//   - The connection endpoint mounted at /ws
//   - One bounded outbound queue per connection
//   - The handshake that attaches a connection to a session
//   - Heartbeats used for presence tracking
//
// Architecture:
//
// An Endpoint upgrades each request and runs a Client with a read pump and
// a write pump. The Client is the session's Outbox for that connection: the
// session actor enqueues encoded messages with Send, which never blocks. A
// full queue drops the connection instead of stalling the session.
//
// Message Protocol:
//
// Frames carry one or more newline separated JSON envelopes of the form
// {"type": "...", "payload": {...}}. The first message must be
// create_session, join_session or resume_session. Rejected handshakes keep
// the connection open so the client can retry, except session_full, which
// is followed by a close. A malformed frame gets a protocol_error and the
// connection is closed.
//
// Identity:
//
// The caller of ServeWS supplies the authenticated Principal. Nothing in a
// message body can change who the connection belongs to.
//
// Usage:
//
//	endpoint := websocket.NewEndpoint(liveService, websocket.Options{Logger: logger})
//	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//		endpoint.ServeWS(w, r, principalFromRequest(r))
//	})
//
// Connection Lifecycle:
//
// 1. Client connects and is upgraded
// 2. Client sends a handshake message
// 3. Session attaches the connection and sends its snapshot
// 4. Client sends commands and heartbeats, receives broadcasts
// 5. Disconnection detaches the connection from its session
package websocket
