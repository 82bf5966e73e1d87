package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/engine"
	"github.com/wricardo/livetest/live/protocol"
	"github.com/wricardo/livetest/live/results"
	"github.com/wricardo/livetest/live/session"
)

// Lobby turns handshake messages into attached session connections.
type Lobby interface {
	CreateSession(ctx context.Context, p Principal, req *protocol.CreateSession) (*engine.Session, error)
	JoinSession(ctx context.Context, p Principal, req *protocol.JoinSession, out engine.Outbox) (*engine.Session, string, error)
	ResumeSession(ctx context.Context, p Principal, req *protocol.ResumeSession, out engine.Outbox) (*engine.Session, error)
}

// LiveService is the full surface used by the HTTP, websocket and MCP layers.
type LiveService interface {
	Lobby

	Health(ctx context.Context) *Health

	// Sessions
	ListSessions(ctx context.Context, opts ListOptions) ([]engine.Summary, error)
	GetSession(ctx context.Context, code string) (*engine.Snapshot, error)
	ReapSession(ctx context.Context, code string) error

	// Question sets
	ListTests(ctx context.Context) ([]*content.TestInfo, error)
	LoadTest(ctx context.Context, id string) (*content.Test, error)
	SaveTest(ctx context.Context, id string, t *content.Test) error
	RefreshTests(ctx context.Context) error

	// Results
	ListResults(ctx context.Context) ([]*results.Record, error)
	LoadResult(ctx context.Context, id string) (*results.Record, error)
}

type liveServiceImpl struct {
	sessions Registry
	tests    TestProvider
	store    results.Store
	logger   *slog.Logger
}

// NewLiveService wires the registry, question sets and results store. store
// may be nil when no configured sink can read records back.
func NewLiveService(sessions Registry, tests TestProvider, store results.Store, logger *slog.Logger) LiveService {
	if logger == nil {
		logger = slog.Default()
	}
	return &liveServiceImpl{
		sessions: sessions,
		tests:    tests,
		store:    store,
		logger:   logger.With("component", "lobby"),
	}
}

func (s *liveServiceImpl) CreateSession(ctx context.Context, p Principal, req *protocol.CreateSession) (*engine.Session, error) {
	if !p.IsTeacher() || p.Identity == "" {
		return nil, &engine.Error{Kind: protocol.TypeUnauthorized, Reason: "only teachers can create sessions"}
	}

	title := req.Title
	questions := req.Questions
	if req.TestID != "" {
		test, err := s.tests.LoadTest(req.TestID)
		if err != nil {
			if errors.Is(err, content.ErrTestNotFound) {
				return nil, fmt.Errorf("%w: test %q not found", ErrInvalidContent, req.TestID)
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		questions = test.Questions
		if title == "" {
			title = test.Title
		}
	}
	if err := content.ValidateQuestions(questions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	sess, err := s.sessions.Create(session.CreateRequest{
		Owner:           p.Identity,
		Title:           title,
		TestID:          req.TestID,
		Questions:       questions,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// JoinSession attaches out as a student. The identity comes from the
// principal when authenticated; anonymous callers may name themselves or get
// a generated identity. The identity used is returned.
func (s *liveServiceImpl) JoinSession(ctx context.Context, p Principal, req *protocol.JoinSession, out engine.Outbox) (*engine.Session, string, error) {
	identity := req.Identity
	if p.Identity != "" {
		if identity != "" && identity != p.Identity {
			return nil, "", &engine.Error{Kind: protocol.TypeUnauthorized, Reason: "identity does not match the authenticated user"}
		}
		identity = p.Identity
	}
	if identity == "" {
		identity = anonymousIdentity()
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = p.DisplayName
	}

	// Malformed codes never reach the registry.
	if !session.ValidCode(req.Code, s.sessions.CodeLength()) {
		return nil, identity, engine.ErrSessionNotFound
	}
	sess, err := s.sessions.Resolve(req.Code)
	if err != nil {
		return nil, identity, err
	}

	if err := sess.Join(ctx, identity, displayName, out); err != nil {
		s.logger.Info("join rejected", "code", sess.Code(), "identity", identity, "error", err)
		return nil, identity, err
	}
	return sess, identity, nil
}

func (s *liveServiceImpl) ResumeSession(ctx context.Context, p Principal, req *protocol.ResumeSession, out engine.Outbox) (*engine.Session, error) {
	if p.Identity == "" {
		return nil, &engine.Error{Kind: protocol.TypeUnauthorized, Reason: "resuming requires an authenticated owner"}
	}
	if !session.ValidCode(req.Code, s.sessions.CodeLength()) {
		return nil, engine.ErrSessionNotFound
	}
	sess, err := s.sessions.Resolve(req.Code)
	if err != nil {
		return nil, err
	}
	if err := sess.ResumeOwner(ctx, p.Identity, out); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *liveServiceImpl) Health(ctx context.Context) *Health {
	return &Health{
		Status:   "ok",
		Sessions: len(s.sessions.List()),
		Time:     time.Now().UTC(),
	}
}

func (s *liveServiceImpl) ListSessions(ctx context.Context, opts ListOptions) ([]engine.Summary, error) {
	switch opts.Sort {
	case "", "created", "code":
	default:
		return nil, fmt.Errorf("%w: sort %q, use created or code", ErrInvalidListOptions, opts.Sort)
	}
	switch opts.Order {
	case "", "asc", "desc":
	default:
		return nil, fmt.Errorf("%w: order %q, use asc or desc", ErrInvalidListOptions, opts.Order)
	}

	list := make([]engine.Summary, 0)
	for _, sess := range s.sessions.List() {
		sum := sess.Summary()
		if opts.Status != "" && sum.Status != opts.Status {
			continue
		}
		list = append(list, sum)
	}

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if opts.Order != "asc" {
			a, b = b, a
		}
		if opts.Sort == "code" {
			return a.Code < b.Code
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if opts.Limit > 0 && len(list) > opts.Limit {
		list = list[:opts.Limit]
	}
	return list, nil
}

func (s *liveServiceImpl) GetSession(ctx context.Context, code string) (*engine.Snapshot, error) {
	sess, err := s.sessions.Resolve(code)
	if err != nil {
		return nil, err
	}
	snap, err := sess.Snapshot(ctx)
	if errors.Is(err, engine.ErrSessionClosed) {
		// Run has stopped; the last published summary is still accurate.
		return &engine.Snapshot{Summary: sess.Summary()}, nil
	}
	return snap, err
}

func (s *liveServiceImpl) ReapSession(ctx context.Context, code string) error {
	return s.sessions.Reap(code)
}

func (s *liveServiceImpl) ListTests(ctx context.Context) ([]*content.TestInfo, error) {
	return s.tests.ListTests()
}

// RefreshTests drops cached question sets so edits made on disk are picked
// up by the next load. Sessions already running keep their questions.
func (s *liveServiceImpl) RefreshTests(ctx context.Context) error {
	s.tests.RefreshCache()
	s.logger.Info("question set cache refreshed")
	return nil
}

func (s *liveServiceImpl) LoadTest(ctx context.Context, id string) (*content.Test, error) {
	return s.tests.LoadTest(id)
}

func (s *liveServiceImpl) SaveTest(ctx context.Context, id string, t *content.Test) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", content.ErrInvalidTest)
	}
	if err := s.tests.SaveTest(id, t); err != nil {
		return err
	}
	s.logger.Info("test saved", "test_id", id, "questions", len(t.Questions))
	return nil
}

func (s *liveServiceImpl) ListResults(ctx context.Context) ([]*results.Record, error) {
	if s.store == nil {
		return nil, ErrResultsUnavailable
	}
	return s.store.List(ctx)
}

func (s *liveServiceImpl) LoadResult(ctx context.Context, id string) (*results.Record, error) {
	if s.store == nil {
		return nil, ErrResultsUnavailable
	}
	return s.store.Load(ctx, id)
}

func anonymousIdentity() string {
	return "anonymous-" + uuid.NewString()[:8]
}
