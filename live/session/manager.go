package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/engine"
	"github.com/wricardo/livetest/live/results"
)

// Alphabet of session codes. Look-alike characters (0/O, 1/I) are left out.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultCodeLength  = 6
	DefaultMaxAttempts = 16
	DefaultRetention   = 30 * time.Second
)

var (
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique session code")
	ErrSessionActive      = errors.New("session is not completed")
)

// Options configure a Manager.
type Options struct {
	CodeLength  int
	MaxAttempts int
	// Retention is how long completed sessions stay resolvable.
	Retention time.Duration
	Settings  engine.Settings
	Sink      results.Sink
	Logger    *slog.Logger
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Owner           string
	Title           string
	TestID          string
	Questions       []content.Question
	MaxParticipants int
}

type entry struct {
	session *engine.Session
	cancel  context.CancelFunc
}

// Manager is the registry of live sessions, keyed by code.
type Manager struct {
	ctx      context.Context
	opts     Options
	base     *slog.Logger
	logger   *slog.Logger
	generate func() (string, error)

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewManager creates a registry. Sessions run until ctx is cancelled, they
// are reaped, or Shutdown is called.
func NewManager(ctx context.Context, opts Options) *Manager {
	if opts.CodeLength <= 0 {
		opts.CodeLength = DefaultCodeLength
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		ctx:      ctx,
		opts:     opts,
		base:     logger,
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]*entry),
	}
	m.generate = func() (string, error) { return GenerateCode(opts.CodeLength) }
	return m
}

// Create allocates a fresh code and starts a session owned by req.Owner.
func (m *Manager) Create(req CreateRequest) (*engine.Session, error) {
	settings := m.opts.Settings
	if req.MaxParticipants > 0 {
		settings.MaxParticipants = req.MaxParticipants
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	code, err := m.allocate()
	if err != nil {
		return nil, err
	}

	sess, err := engine.New(engine.Config{
		Code:      code,
		Title:     req.Title,
		Owner:     req.Owner,
		TestID:    req.TestID,
		Questions: req.Questions,
		Settings:  settings,
		Sink:      m.opts.Sink,
		Logger:    m.base,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.sessions[code] = &entry{session: sess, cancel: cancel}
	go sess.Run(ctx)

	m.logger.Info("session created", "code", code, "owner", req.Owner, "questions", len(req.Questions))
	return sess, nil
}

// allocate must be called with mu held.
func (m *Manager) allocate() (string, error) {
	for i := 0; i < m.opts.MaxAttempts; i++ {
		code, err := m.generate()
		if err != nil {
			return "", fmt.Errorf("generate session code: %w", err)
		}
		if _, taken := m.sessions[code]; !taken {
			return code, nil
		}
		m.logger.Debug("session code collision", "attempt", i+1)
	}
	return "", ErrCodeSpaceExhausted
}

// Resolve finds a session by code, ignoring case.
func (m *Manager) Resolve(code string) (*engine.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[NormalizeCode(code)]
	if !ok {
		return nil, engine.ErrSessionNotFound
	}
	return e.session, nil
}

// List returns every registered session, newest first.
func (m *Manager) List() []*engine.Session {
	m.mu.RLock()
	list := make([]*engine.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		list = append(list, e.session)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Summary().CreatedAt.After(list[j].Summary().CreatedAt)
	})
	return list
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap removes a completed session immediately.
func (m *Manager) Reap(code string) error {
	code = NormalizeCode(code)

	m.mu.Lock()
	e, ok := m.sessions[code]
	if !ok {
		m.mu.Unlock()
		return engine.ErrSessionNotFound
	}
	if e.session.Summary().Status != engine.StatusCompleted {
		m.mu.Unlock()
		return ErrSessionActive
	}
	delete(m.sessions, code)
	m.mu.Unlock()

	e.cancel()
	m.logger.Info("session reaped", "code", code)
	return nil
}

// ReapExpired removes completed sessions with no live connections whose
// retention window ended before now. It returns the number removed.
func (m *Manager) ReapExpired(now time.Time) int {
	cutoff := now.Add(-m.opts.Retention)

	m.mu.Lock()
	var reaped []*entry
	for code, e := range m.sessions {
		sum := e.session.Summary()
		if sum.Status != engine.StatusCompleted || sum.ActiveConnections > 0 {
			continue
		}
		if sum.CompletedAt == nil || sum.CompletedAt.After(cutoff) {
			continue
		}
		delete(m.sessions, code)
		reaped = append(reaped, e)
	}
	m.mu.Unlock()

	for _, e := range reaped {
		e.cancel()
	}
	if len(reaped) > 0 {
		m.logger.Info("reaped expired sessions", "count", len(reaped), "remaining", m.Count())
	}
	return len(reaped)
}

// Shutdown stops every session and waits for them to finish, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for code, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, code)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		select {
		case <-e.session.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown sessions: %w", ctx.Err())
		}
	}

	m.logger.Info("all sessions stopped", "count", len(entries))
	return nil
}

// GenerateCode returns a random code of n characters from Alphabet.
func GenerateCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		// len(Alphabet) divides 256, so the modulo is unbiased.
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf), nil
}

// NormalizeCode upper-cases and trims a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code has the given length and only uses Alphabet.
func ValidCode(code string, length int) bool {
	code = NormalizeCode(code)
	if len(code) != length {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

// CodeLength returns the configured code length.
func (m *Manager) CodeLength() int {
	return m.opts.CodeLength
}
