package service

import (
	"errors"
	"time"

	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/engine"
	"github.com/wricardo/livetest/live/protocol"
	"github.com/wricardo/livetest/live/session"
)

var (
	// ErrInvalidContent marks a create request whose questions cannot be run.
	ErrInvalidContent     = errors.New("invalid test content")
	ErrInvalidListOptions = errors.New("invalid list options")
	ErrResultsUnavailable = errors.New("results store not configured")
)

// Principal is the caller as established by the upstream auth layer.
type Principal struct {
	Identity    string
	DisplayName string
	Role        protocol.Role
}

func (p Principal) IsTeacher() bool {
	return p.Role == protocol.RoleTeacher
}

// Registry is the session registry used by the service.
type Registry interface {
	Create(req session.CreateRequest) (*engine.Session, error)
	Resolve(code string) (*engine.Session, error)
	List() []*engine.Session
	Reap(code string) error
	CodeLength() int
}

// TestProvider supplies stored question sets.
type TestProvider interface {
	LoadTest(id string) (*content.Test, error)
	ListTests() ([]*content.TestInfo, error)
	SaveTest(id string, t *content.Test) error
	RefreshCache()
}

// ListOptions filter and order ListSessions.
type ListOptions struct {
	Status engine.Status
	// Sort is "created" (default) or "code".
	Sort string
	// Order is "desc" (default) or "asc".
	Order string
	Limit int
}

// Health is the payload of the health endpoint.
type Health struct {
	Status   string    `json:"status"`
	Sessions int       `json:"sessions"`
	Time     time.Time `json:"time"`
}
