// Package service is the lobby and read-model layer between the transports
// (websocket, HTTP, MCP) and the session registry.
//
// The Lobby half handles the three handshake messages a connection may open
// with: create_session (teachers only), join_session and resume_session
// (owner only). It validates codes before touching the registry, resolves
// identities from the authenticated Principal and attaches the caller's
// outbox to the session.
//
// The read half lists and summarizes sessions, manages stored question sets
// and reads back completed results when a readable sink is configured.
package service
