package engine

import (
	"log/slog"
	"time"

	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/protocol"
	"github.com/wricardo/livetest/live/results"
)

// Status is the lifecycle phase of a session.
type Status string

const (
	StatusLobby      Status = "lobby"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
)

// ConnState is the presence of a participant.
type ConnState string

const (
	Connected    ConnState = "connected"
	Reconnecting ConnState = "reconnecting" // socket open, heartbeats missing
	Disconnected ConnState = "disconnected" // socket gone, grace deadline armed
	Absent       ConnState = "absent"       // grace deadline passed
)

// Completion reasons.
const (
	ReasonFinished     = "finished"
	ReasonEndedByOwner = "ended_by_owner"
	ReasonPauseTimeout = "pause_timeout"
	ReasonFault        = "fault"

	// ReasonShutdown completes sessions still running when the process stops.
	ReasonShutdown = "shutdown"
)

// Outbox is the session's handle on one attached connection. Send must not
// block; it returns false when the message could not be queued.
type Outbox interface {
	Send(msg []byte) bool
	Close()
	LastSeen() time.Time
}

// Participant is a student's durable record within a session.
type Participant struct {
	Identity        string
	DisplayName     string
	State           ConnState
	JoinedAt        time.Time
	DisconnectedAt  time.Time
	AbsenceDeadline time.Time
	Answers         map[int]string

	out Outbox
}

// Settings are the timing and capacity policies of a session.
type Settings struct {
	// AbsenceGrace is how long a disconnected student stays "disconnected"
	// before being marked absent.
	AbsenceGrace time.Duration
	// PauseTimeout is how long the session waits for its owner to return.
	PauseTimeout time.Duration
	// StallAfter marks a connected student "reconnecting" when no heartbeat
	// was seen for this long. Zero disables stall detection.
	StallAfter      time.Duration
	TickInterval    time.Duration
	MaxParticipants int
	SinkTimeout     time.Duration
	MailboxSize     int
	Now             func() time.Time
}

// DefaultSettings returns the production policies.
func DefaultSettings() Settings {
	return Settings{
		AbsenceGrace: 60 * time.Second,
		PauseTimeout: 10 * time.Minute,
		StallAfter:   10 * time.Second,
		TickInterval: time.Second,
		SinkTimeout:  10 * time.Second,
		MailboxSize:  64,
		Now:          time.Now,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.AbsenceGrace <= 0 {
		s.AbsenceGrace = d.AbsenceGrace
	}
	if s.PauseTimeout <= 0 {
		s.PauseTimeout = d.PauseTimeout
	}
	if s.StallAfter < 0 {
		s.StallAfter = 0
	}
	if s.TickInterval <= 0 {
		s.TickInterval = d.TickInterval
	}
	if s.SinkTimeout <= 0 {
		s.SinkTimeout = d.SinkTimeout
	}
	if s.MailboxSize <= 0 {
		s.MailboxSize = d.MailboxSize
	}
	if s.MaxParticipants < 0 {
		s.MaxParticipants = 0
	}
	if s.Now == nil {
		s.Now = d.Now
	}
	return s
}

// Config describes a session to create.
type Config struct {
	Code      string
	Title     string
	Owner     string
	TestID    string
	Questions []content.Question
	Settings  Settings
	Sink      results.Sink
	Logger    *slog.Logger
}

// Summary is a lock-free view of a session, republished after every operation.
type Summary struct {
	Code              string     `json:"code"`
	Title             string     `json:"title"`
	Owner             string     `json:"owner"`
	TestID            string     `json:"test_id,omitempty"`
	Status            Status     `json:"status"`
	CurrentIndex      int        `json:"current_index"`
	QuestionCount     int        `json:"question_count"`
	Participants      int        `json:"participants"`
	Connected         int        `json:"connected"`
	OwnerConnected    bool       `json:"owner_connected"`
	ActiveConnections int        `json:"active_connections"`
	CompletionReason  string     `json:"completion_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Snapshot is a Summary plus the roster, read through the mailbox.
type Snapshot struct {
	Summary
	Roster []protocol.RosterEntry `json:"roster"`
}
