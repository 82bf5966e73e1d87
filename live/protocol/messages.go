package protocol

import (
	"fmt"
	"strings"

	"github.com/wricardo/livetest/live/content"
)

// Type names a message variant on the wire.
type Type string

// Client → server.
const (
	TypeCreateSession       Type = "create_session"
	TypeJoinSession         Type = "join_session"
	TypeResumeSession       Type = "resume_session"
	TypeStartTest           Type = "start_test"
	TypeSubmitAnswer        Type = "submit_answer"
	TypeAdvanceQuestion     Type = "advance_question"
	TypeLeaveSession        Type = "leave_session"
	TypeEndTest             Type = "end_test"
	TypeTeacherComment      Type = "teacher_comment"
	TypeRequestParticipants Type = "request_participants"
)

// Server → client.
const (
	TypeSessionCreated    Type = "session_created"
	TypeJoined            Type = "joined"
	TypeAcknowledged      Type = "acknowledged"
	TypeParticipantUpdate Type = "participant_update"
	TypeProgressUpdate    Type = "progress_update"
	TypeAnswerReceived    Type = "answer_received"
	TypeQuestionBroadcast Type = "question_broadcast"
	TypeSessionCompleted  Type = "session_completed"
	TypeSessionResumed    Type = "session_resumed"
	TypeComment           Type = "comment"
	TypeProtocolError     Type = "protocol_error"
)

// Rejections. Each carries a Rejection payload. TypeSessionPaused is also
// broadcast to students when the owner drops.
const (
	TypeUnauthorized      Type = "unauthorized"
	TypeSessionNotFound   Type = "session_not_found"
	TypeSessionClosed     Type = "session_closed"
	TypeSessionFull       Type = "session_full"
	TypeStaleSubmission   Type = "stale_submission"
	TypeSessionPaused     Type = "session_paused"
	TypeInvalidTransition Type = "invalid_transition"
	TypeInvalidContent    Type = "invalid_content"
)

// Role is the part a connection plays in a session.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// CreateSession opens a new session. Questions come either inline or from a
// stored test referenced by TestID.
type CreateSession struct {
	Title           string             `json:"title"`
	TestID          string             `json:"test_id,omitempty"`
	Questions       []content.Question `json:"questions,omitempty"`
	MaxParticipants int                `json:"max_participants,omitempty"`
}

func (m *CreateSession) Validate() error {
	if strings.TrimSpace(m.TestID) == "" && len(m.Questions) == 0 {
		return fmt.Errorf("test_id or questions is required")
	}
	if m.MaxParticipants < 0 {
		return fmt.Errorf("max_participants must not be negative")
	}
	return nil
}

type JoinSession struct {
	Code        string `json:"code"`
	Identity    string `json:"identity,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (m *JoinSession) Validate() error {
	if strings.TrimSpace(m.Code) == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}

// ResumeSession reattaches the owner to a session it created.
type ResumeSession struct {
	Code string `json:"code"`
}

func (m *ResumeSession) Validate() error {
	if strings.TrimSpace(m.Code) == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}

type StartTest struct{}

// SubmitAnswer is decoded whatever its index; the session rejects indexes
// other than the open question as stale.
type SubmitAnswer struct {
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer"`
}

type AdvanceQuestion struct{}

type LeaveSession struct{}

type EndTest struct{}

// TeacherComment goes to every participant, or to Identity only when set.
type TeacherComment struct {
	Text     string `json:"text"`
	Identity string `json:"identity,omitempty"`
}

func (m *TeacherComment) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

type RequestParticipants struct{}

type SessionCreated struct {
	Code          string `json:"code"`
	Title         string `json:"title"`
	QuestionCount int    `json:"question_count"`
}

type Joined struct {
	Code            string        `json:"code"`
	Title           string        `json:"title"`
	Status          string        `json:"status"`
	Role            Role          `json:"role"`
	Identity        string        `json:"identity"`
	QuestionCount   int           `json:"question_count"`
	Roster          []RosterEntry `json:"roster"`
	CurrentQuestion *Question     `json:"current_question,omitempty"`
	YourAnswer      *string       `json:"your_answer,omitempty"`
}

type RosterEntry struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

type Acknowledged struct {
	QuestionIndex int `json:"question_index"`
}

type ParticipantUpdate struct {
	Roster []RosterEntry `json:"roster"`
}

type ProgressUpdate struct {
	QuestionIndex int `json:"question_index"`
	AnsweredCount int `json:"answered_count"`
	Total         int `json:"total"`
}

// AnswerReceived tells the owner what one student answered. It is never
// sent to students.
type AnswerReceived struct {
	Identity      string `json:"identity"`
	DisplayName   string `json:"display_name"`
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer"`
}

type QuestionBroadcast struct {
	Index    int      `json:"index"`
	Question Question `json:"question"`
}

type SessionCompleted struct {
	Code    string              `json:"code"`
	Reason  string              `json:"reason"`
	Results []ParticipantResult `json:"results"`
}

type Comment struct {
	Text string `json:"text"`
}

// Rejection is the payload of every rejection type and of ProtocolError.
type Rejection struct {
	Reason string `json:"reason"`
}

// Question is the wire view of a question. The answer key is only filled in
// for the owner.
type Question struct {
	Index           int                      `json:"index"`
	Prompt          string                   `json:"prompt"`
	Type            content.QuestionType     `json:"type"`
	Options         []string                 `json:"options,omitempty"`
	Points          int                      `json:"points"`
	CorrectAnswer   string                   `json:"correct_answer,omitempty"`
	WeightedOptions []content.WeightedOption `json:"weighted_options,omitempty"`
}

// StudentQuestion strips the answer key from q.
func StudentQuestion(index int, q content.Question) Question {
	return Question{
		Index:   index,
		Prompt:  q.Prompt,
		Type:    q.Kind(),
		Options: q.Choices(),
		Points:  q.MaxPoints(),
	}
}

// OwnerQuestion is StudentQuestion plus the answer key.
func OwnerQuestion(index int, q content.Question) Question {
	view := StudentQuestion(index, q)
	view.CorrectAnswer = q.CorrectAnswer
	view.WeightedOptions = q.WeightedOptions
	return view
}

// ParticipantResult is one participant's final ledger.
type ParticipantResult struct {
	Identity    string          `json:"identity"`
	DisplayName string          `json:"display_name"`
	State       string          `json:"state"`
	Answers     map[int]string  `json:"answers"`
	Grades      []content.Grade `json:"grades"`
	Score       int             `json:"score"`
	MaxScore    int             `json:"max_score"`
}
