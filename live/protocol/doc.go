// Package protocol defines the messages exchanged between connections and
// live sessions.
//
// Every message is a JSON object {"type": "...", "payload": {...}}. A
// websocket frame may carry several messages separated by newlines. Decode
// accepts only client → server variants and reports every failure as
// ErrMalformed; Encode frames any server → client payload.
package protocol
