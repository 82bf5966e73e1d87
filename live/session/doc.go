// Package session is the registry of live test sessions.
//
// The Manager allocates short join codes, starts one engine.Session goroutine
// per code and resolves codes typed by students. Codes are drawn with
// cryptographic randomness from an alphabet without look-alike characters and
// are matched case-insensitively.
//
// Completed sessions stay resolvable for a retention window so late readers
// can still fetch their summary. ReapExpired removes them afterwards; Reap
// removes one immediately.
//
// Usage:
//
//	registry := session.NewManager(ctx, session.Options{Sink: sink})
//
//	sess, err := registry.Create(session.CreateRequest{
//		Owner:     "teacher-1",
//		Title:     "Fractions",
//		Questions: test.Questions,
//	})
//
//	sess, err = registry.Resolve("abc234")
package session
