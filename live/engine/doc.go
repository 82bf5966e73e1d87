// Package engine runs one live test session.
//
// A Session owns all of its state and mutates it from a single goroutine
// (Run). Callers submit operations through methods that queue a closure on the
// session mailbox and wait for the result, so no lock guards the roster,
// answers or status. A read-only Summary is republished atomically after every
// operation for dashboards and listings.
//
// Lifecycle:
//
//	lobby ──start──▶ in_progress ──advance past last / end──▶ completed
//	                   │      ▲
//	    owner drops ───▼      │─── owner returns
//	                  paused ──pause timeout──▶ completed
//
// Connections are attached as Outbox values. Sending never blocks: an outbox
// that refuses a message is dropped from the session and its owner follows
// the normal disconnect path. Students who disconnect keep their answers and
// are marked absent once the absence grace expires; they may rejoin at any
// point before completion.
//
// Completion happens exactly once. The final results are sent to every
// attached connection and handed to a results.Sink in the background.
package engine
