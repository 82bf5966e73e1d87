// Package api provides the HTTP surface of the live test server.
//
// Endpoints:
//
// Sessions:
//   - GET /api/sessions?status=&sort=created|code&order=asc|desc&limit= - List sessions
//   - POST /api/sessions - Create a session owned by the caller (teachers only)
//   - GET /api/sessions/{code} - Summary and roster
//   - DELETE /api/sessions/{code} - Remove a completed session (409 while running)
//
// Question sets:
//   - GET /api/tests - List stored tests
//   - GET /api/tests/{id} - Get one test, including answers
//   - POST /api/tests - Save a test (teachers only)
//
// Results:
//   - GET /api/results - List completed session results
//   - GET /api/results/{id} - Get one result record
//
// Other:
//   - GET /api/health - Liveness and session count
//   - GET /ws - WebSocket upgrade for live sessions
//
// The caller is identified by the X-Auth-User, X-Auth-Role (teacher or
// student) and X-Auth-Name headers set by the upstream auth layer. Requests
// without them are treated as anonymous students.
//
// Errors are returned as JSON with an appropriate HTTP status code:
//
//	{
//	  "error": "session not found"
//	}
package api
