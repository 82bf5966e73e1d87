package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/engine"
	"github.com/wricardo/livetest/live/protocol"
	"github.com/wricardo/livetest/live/results"
	"github.com/wricardo/livetest/live/service"
	"github.com/wricardo/livetest/live/session"
	"github.com/wricardo/livetest/transport/websocket"
)

// MockLiveService implements service.LiveService for testing
type MockLiveService struct {
	// Lobby
	CreateSessionFunc func(ctx context.Context, p service.Principal, req *protocol.CreateSession) (*engine.Session, error)
	JoinSessionFunc   func(ctx context.Context, p service.Principal, req *protocol.JoinSession, out engine.Outbox) (*engine.Session, string, error)
	ResumeSessionFunc func(ctx context.Context, p service.Principal, req *protocol.ResumeSession, out engine.Outbox) (*engine.Session, error)

	// Sessions
	ListSessionsFunc func(ctx context.Context, opts service.ListOptions) ([]engine.Summary, error)
	GetSessionFunc   func(ctx context.Context, code string) (*engine.Snapshot, error)
	ReapSessionFunc  func(ctx context.Context, code string) error

	// Question sets
	ListTestsFunc func(ctx context.Context) ([]*content.TestInfo, error)
	LoadTestFunc  func(ctx context.Context, id string) (*content.Test, error)
	SaveTestFunc     func(ctx context.Context, id string, t *content.Test) error
	RefreshTestsFunc func(ctx context.Context) error

	// Results
	ListResultsFunc func(ctx context.Context) ([]*results.Record, error)
	LoadResultFunc  func(ctx context.Context, id string) (*results.Record, error)
}

func (m *MockLiveService) CreateSession(ctx context.Context, p service.Principal, req *protocol.CreateSession) (*engine.Session, error) {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, p, req)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *MockLiveService) JoinSession(ctx context.Context, p service.Principal, req *protocol.JoinSession, out engine.Outbox) (*engine.Session, string, error) {
	if m.JoinSessionFunc != nil {
		return m.JoinSessionFunc(ctx, p, req, out)
	}
	return nil, "", engine.ErrSessionNotFound
}

func (m *MockLiveService) ResumeSession(ctx context.Context, p service.Principal, req *protocol.ResumeSession, out engine.Outbox) (*engine.Session, error) {
	if m.ResumeSessionFunc != nil {
		return m.ResumeSessionFunc(ctx, p, req, out)
	}
	return nil, engine.ErrSessionNotFound
}

func (m *MockLiveService) Health(ctx context.Context) *service.Health {
	return &service.Health{Status: "ok", Time: time.Now()}
}

func (m *MockLiveService) ListSessions(ctx context.Context, opts service.ListOptions) ([]engine.Summary, error) {
	if m.ListSessionsFunc != nil {
		return m.ListSessionsFunc(ctx, opts)
	}
	return []engine.Summary{}, nil
}

func (m *MockLiveService) GetSession(ctx context.Context, code string) (*engine.Snapshot, error) {
	if m.GetSessionFunc != nil {
		return m.GetSessionFunc(ctx, code)
	}
	return &engine.Snapshot{Summary: engine.Summary{Code: code, Status: engine.StatusLobby}}, nil
}

func (m *MockLiveService) ReapSession(ctx context.Context, code string) error {
	if m.ReapSessionFunc != nil {
		return m.ReapSessionFunc(ctx, code)
	}
	return nil
}

func (m *MockLiveService) ListTests(ctx context.Context) ([]*content.TestInfo, error) {
	if m.ListTestsFunc != nil {
		return m.ListTestsFunc(ctx)
	}
	return []*content.TestInfo{}, nil
}

func (m *MockLiveService) LoadTest(ctx context.Context, id string) (*content.Test, error) {
	if m.LoadTestFunc != nil {
		return m.LoadTestFunc(ctx, id)
	}
	return &content.Test{ID: id, Title: "Test"}, nil
}

func (m *MockLiveService) RefreshTests(ctx context.Context) error {
	if m.RefreshTestsFunc != nil {
		return m.RefreshTestsFunc(ctx)
	}
	return nil
}

func (m *MockLiveService) SaveTest(ctx context.Context, id string, t *content.Test) error {
	if m.SaveTestFunc != nil {
		return m.SaveTestFunc(ctx, id, t)
	}
	return nil
}

func (m *MockLiveService) ListResults(ctx context.Context) ([]*results.Record, error) {
	if m.ListResultsFunc != nil {
		return m.ListResultsFunc(ctx)
	}
	return []*results.Record{}, nil
}

func (m *MockLiveService) LoadResult(ctx context.Context, id string) (*results.Record, error) {
	if m.LoadResultFunc != nil {
		return m.LoadResultFunc(ctx, id)
	}
	return nil, results.ErrResultNotFound
}

// Test helpers
func setupTestServer(mockService *MockLiveService) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	endpoint := websocket.NewEndpoint(mockService, websocket.Options{Logger: logger})
	return NewServer(mockService, endpoint, logger)
}

func makeRequest(method, path string, body interface{}) *http.Request {
	var bodyBytes []byte
	if body != nil {
		bodyBytes, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewBuffer(bodyBytes))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func asTeacher(req *http.Request) *http.Request {
	req.Header.Set(HeaderUser, "teacher-1")
	req.Header.Set(HeaderRole, "teacher")
	req.Header.Set(HeaderName, "Ms. Rivera")
	return req
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder, target interface{}) {
	if err := json.Unmarshal(w.Body.Bytes(), target); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := setupTestServer(&MockLiveService{})
	w := httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest("GET", "/api/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp service.Health
	parseResponse(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("Expected status ok, got %s", resp.Status)
	}
}

func TestPrincipalFromRequest(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected service.Principal
	}{
		{
			name:     "Anonymous",
			headers:  nil,
			expected: service.Principal{Role: protocol.RoleStudent},
		},
		{
			name:     "Teacher",
			headers:  map[string]string{HeaderUser: "t1", HeaderRole: "Teacher", HeaderName: "Ms. T"},
			expected: service.Principal{Identity: "t1", DisplayName: "Ms. T", Role: protocol.RoleTeacher},
		},
		{
			name:     "Unknown role is a student",
			headers:  map[string]string{HeaderUser: "s1", HeaderRole: "admin"},
			expected: service.Principal{Identity: "s1", Role: protocol.RoleStudent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := principalFromRequest(req); got != tt.expected {
				t.Errorf("Expected %+v, got %+v", tt.expected, got)
			}
		})
	}
}

// Session Tests

func TestCreateSession(t *testing.T) {
	questions := []content.Question{{Prompt: "1 + 1 = ?", Options: []string{"1", "2"}, CorrectAnswer: "2", Points: 1}}

	tests := []struct {
		name           string
		teacher        bool
		setupMock      func(*MockLiveService)
		expectedStatus int
		validateResp   func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name:    "Teacher creates a session",
			teacher: true,
			setupMock: func(m *MockLiveService) {
				m.CreateSessionFunc = func(ctx context.Context, p service.Principal, req *protocol.CreateSession) (*engine.Session, error) {
					if p.Identity != "teacher-1" || !p.IsTeacher() {
						t.Errorf("Expected teacher principal, got %+v", p)
					}
					return engine.New(engine.Config{Code: "ABC234", Title: req.Title, Owner: p.Identity, Questions: req.Questions})
				}
			},
			expectedStatus: http.StatusCreated,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp engine.Summary
				parseResponse(t, w, &resp)
				if resp.Code != "ABC234" || resp.Status != engine.StatusLobby || resp.QuestionCount != 1 {
					t.Errorf("Unexpected summary: %+v", resp)
				}
			},
		},
		{
			name:    "Student is forbidden",
			teacher: false,
			setupMock: func(m *MockLiveService) {
				m.CreateSessionFunc = func(ctx context.Context, p service.Principal, req *protocol.CreateSession) (*engine.Session, error) {
					return nil, &engine.Error{Kind: protocol.TypeUnauthorized, Reason: "only teachers can create sessions"}
				}
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:    "Invalid content",
			teacher: true,
			setupMock: func(m *MockLiveService) {
				m.CreateSessionFunc = func(ctx context.Context, p service.Principal, req *protocol.CreateSession) (*engine.Session, error) {
					return nil, fmt.Errorf("%w: no questions", service.ErrInvalidContent)
				}
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &MockLiveService{}
			if tt.setupMock != nil {
				tt.setupMock(mockService)
			}

			server := setupTestServer(mockService)
			w := httptest.NewRecorder()
			req := makeRequest("POST", "/api/sessions", protocol.CreateSession{Title: "Quiz", Questions: questions})
			if tt.teacher {
				asTeacher(req)
			}

			server.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.validateResp != nil {
				tt.validateResp(t, w)
			}
		})
	}
}

func TestListSessions(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		setupMock      func(*MockLiveService)
		expectedStatus int
		validateResp   func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name:  "List with options",
			query: "?status=in_progress&sort=code&order=asc&limit=2",
			setupMock: func(m *MockLiveService) {
				m.ListSessionsFunc = func(ctx context.Context, opts service.ListOptions) ([]engine.Summary, error) {
					expected := service.ListOptions{Status: engine.StatusInProgress, Sort: "code", Order: "asc", Limit: 2}
					if opts != expected {
						t.Errorf("Expected options %+v, got %+v", expected, opts)
					}
					return []engine.Summary{{Code: "AAAAAA"}, {Code: "BBBBBB"}}, nil
				}
			},
			expectedStatus: http.StatusOK,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp map[string]interface{}
				parseResponse(t, w, &resp)
				if resp["count"].(float64) != 2 {
					t.Errorf("Expected count 2, got %v", resp["count"])
				}
			},
		},
		{
			name:           "Invalid limit",
			query:          "?limit=many",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Invalid status",
			query:          "?status=sleeping",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:  "Invalid sort",
			query: "?sort=score",
			setupMock: func(m *MockLiveService) {
				m.ListSessionsFunc = func(ctx context.Context, opts service.ListOptions) ([]engine.Summary, error) {
					return nil, fmt.Errorf("%w: sort %q", service.ErrInvalidListOptions, opts.Sort)
				}
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "Handle service error",
			setupMock: func(m *MockLiveService) {
				m.ListSessionsFunc = func(ctx context.Context, opts service.ListOptions) ([]engine.Summary, error) {
					return nil, fmt.Errorf("registry error")
				}
			},
			expectedStatus: http.StatusInternalServerError,
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp map[string]string
				parseResponse(t, w, &resp)
				if resp["error"] != "registry error" {
					t.Errorf("Expected error 'registry error', got %s", resp["error"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &MockLiveService{}
			if tt.setupMock != nil {
				tt.setupMock(mockService)
			}

			server := setupTestServer(mockService)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, makeRequest("GET", "/api/sessions"+tt.query, nil))

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.validateResp != nil {
				tt.validateResp(t, w)
			}
		})
	}
}

func TestGetSession(t *testing.T) {
	tests := []struct {
		name           string
		code           string
		setupMock      func(*MockLiveService)
		expectedStatus int
	}{
		{
			name: "Existing session",
			code: "ABC234",
			setupMock: func(m *MockLiveService) {
				m.GetSessionFunc = func(ctx context.Context, code string) (*engine.Snapshot, error) {
					return &engine.Snapshot{
						Summary: engine.Summary{Code: code, Status: engine.StatusInProgress},
						Roster:  []protocol.RosterEntry{{Identity: "ana", DisplayName: "Ana", State: "connected"}},
					}, nil
				}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "Unknown session",
			code: "ZZZZZZ",
			setupMock: func(m *MockLiveService) {
				m.GetSessionFunc = func(ctx context.Context, code string) (*engine.Snapshot, error) {
					return nil, engine.ErrSessionNotFound
				}
			},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &MockLiveService{}
			if tt.setupMock != nil {
				tt.setupMock(mockService)
			}

			server := setupTestServer(mockService)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, makeRequest("GET", "/api/sessions/"+tt.code, nil))

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Code == http.StatusOK {
				var resp map[string]interface{}
				parseResponse(t, w, &resp)
				if resp["code"] != tt.code {
					t.Errorf("Expected code %s, got %v", tt.code, resp["code"])
				}
				if roster := resp["roster"].([]interface{}); len(roster) != 1 {
					t.Errorf("Expected 1 roster entry, got %d", len(roster))
				}
			}
		})
	}
}

func TestDeleteSession(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{name: "Completed session", err: nil, expectedStatus: http.StatusOK},
		{name: "Unknown session", err: engine.ErrSessionNotFound, expectedStatus: http.StatusNotFound},
		{name: "Running session", err: session.ErrSessionActive, expectedStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reaped string
			mockService := &MockLiveService{
				ReapSessionFunc: func(ctx context.Context, code string) error {
					reaped = code
					return tt.err
				},
			}

			server := setupTestServer(mockService)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, makeRequest("DELETE", "/api/sessions/abc234", nil))

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if reaped != "abc234" {
				t.Errorf("Expected reap of abc234, got %q", reaped)
			}
		})
	}
}

// Question Set Tests

func TestTests(t *testing.T) {
	t.Run("List", func(t *testing.T) {
		server := setupTestServer(&MockLiveService{
			ListTestsFunc: func(ctx context.Context) ([]*content.TestInfo, error) {
				return []*content.TestInfo{{ID: "fractions", QuestionCount: 3}}, nil
			},
		})
		w := httptest.NewRecorder()
		server.ServeHTTP(w, makeRequest("GET", "/api/tests", nil))

		var resp []content.TestInfo
		parseResponse(t, w, &resp)
		if len(resp) != 1 || resp[0].ID != "fractions" {
			t.Errorf("Expected fractions, got %+v", resp)
		}
	})

	t.Run("Get strips extension", func(t *testing.T) {
		server := setupTestServer(&MockLiveService{
			LoadTestFunc: func(ctx context.Context, id string) (*content.Test, error) {
				if id != "fractions" {
					t.Errorf("Expected id fractions, got %s", id)
				}
				return &content.Test{ID: id, Title: "Fractions"}, nil
			},
		})
		w := httptest.NewRecorder()
		server.ServeHTTP(w, makeRequest("GET", "/api/tests/fractions.yaml", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("Get unknown", func(t *testing.T) {
		server := setupTestServer(&MockLiveService{
			LoadTestFunc: func(ctx context.Context, id string) (*content.Test, error) {
				return nil, content.ErrTestNotFound
			},
		})
		w := httptest.NewRecorder()
		server.ServeHTTP(w, makeRequest("GET", "/api/tests/nope", nil))

		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
	})

	t.Run("Save", func(t *testing.T) {
		var saved *content.Test
		server := setupTestServer(&MockLiveService{
			SaveTestFunc: func(ctx context.Context, id string, test *content.Test) error {
				saved = test
				return nil
			},
		})
		w := httptest.NewRecorder()
		body := content.Test{ID: "warmup", Title: "Warmup"}
		server.ServeHTTP(w, asTeacher(makeRequest("POST", "/api/tests", body)))

		if w.Code != http.StatusCreated {
			t.Errorf("Expected status 201, got %d", w.Code)
		}
		if saved == nil || saved.Title != "Warmup" {
			t.Errorf("Expected Warmup to be saved, got %+v", saved)
		}
	})

	t.Run("Save invalid", func(t *testing.T) {
		server := setupTestServer(&MockLiveService{
			SaveTestFunc: func(ctx context.Context, id string, test *content.Test) error {
				return fmt.Errorf("%w: at least one question is required", content.ErrInvalidTest)
			},
		})
		w := httptest.NewRecorder()
		server.ServeHTTP(w, asTeacher(makeRequest("POST", "/api/tests", content.Test{ID: "empty"})))

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("Save requires teacher", func(t *testing.T) {
		server := setupTestServer(&MockLiveService{})
		w := httptest.NewRecorder()
		server.ServeHTTP(w, makeRequest("POST", "/api/tests", content.Test{ID: "warmup"}))

		if w.Code != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", w.Code)
		}
	})

	t.Run("Refresh", func(t *testing.T) {
		calls := 0
		server := setupTestServer(&MockLiveService{
			RefreshTestsFunc: func(ctx context.Context) error {
				calls++
				return nil
			},
		})
		w := httptest.NewRecorder()
		server.ServeHTTP(w, asTeacher(makeRequest("POST", "/api/tests/refresh", nil)))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if calls != 1 {
			t.Errorf("Expected 1 refresh, got %d", calls)
		}
	})

	t.Run("Refresh requires teacher", func(t *testing.T) {
		server := setupTestServer(&MockLiveService{
			RefreshTestsFunc: func(ctx context.Context) error {
				t.Error("Expected refresh not to run for a student")
				return nil
			},
		})
		w := httptest.NewRecorder()
		server.ServeHTTP(w, makeRequest("POST", "/api/tests/refresh", nil))

		if w.Code != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", w.Code)
		}
	})

	t.Run("Save malformed body", func(t *testing.T) {
		server := setupTestServer(&MockLiveService{})
		w := httptest.NewRecorder()
		req := asTeacher(httptest.NewRequest("POST", "/api/tests", strings.NewReader("{")))
		server.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

// Result Tests

func TestResults(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		mock           *MockLiveService
		expectedStatus int
	}{
		{
			name: "List",
			path: "/api/results",
			mock: &MockLiveService{
				ListResultsFunc: func(ctx context.Context) ([]*results.Record, error) {
					return []*results.Record{{ID: "r1", Code: "ABC234"}}, nil
				},
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "List without store",
			path: "/api/results",
			mock: &MockLiveService{
				ListResultsFunc: func(ctx context.Context) ([]*results.Record, error) {
					return nil, service.ErrResultsUnavailable
				},
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name: "Get",
			path: "/api/results/r1",
			mock: &MockLiveService{
				LoadResultFunc: func(ctx context.Context, id string) (*results.Record, error) {
					return &results.Record{ID: id}, nil
				},
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Get unknown",
			path:           "/api/results/missing",
			mock:           &MockLiveService{},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(tt.mock)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, makeRequest("GET", tt.path, nil))

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestWebSocket(t *testing.T) {
	principals := make(chan service.Principal, 1)
	mockService := &MockLiveService{
		JoinSessionFunc: func(ctx context.Context, p service.Principal, req *protocol.JoinSession, out engine.Outbox) (*engine.Session, string, error) {
			principals <- p
			return nil, "", engine.ErrSessionNotFound
		},
	}
	ts := httptest.NewServer(setupTestServer(mockService))
	defer ts.Close()

	header := http.Header{}
	header.Set(HeaderUser, "ana")
	header.Set(HeaderRole, "student")
	header.Set(HeaderName, "Ana")
	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	data, _ := protocol.Encode(protocol.TypeJoinSession, protocol.JoinSession{Code: "ABC234"})
	if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(reply, &env); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if env.Type != protocol.TypeSessionNotFound {
		t.Errorf("Expected session_not_found, got %s", env.Type)
	}
	principal := <-principals
	if principal.Identity != "ana" || principal.DisplayName != "Ana" || principal.Role != protocol.RoleStudent {
		t.Errorf("Unexpected principal: %+v", principal)
	}
}
