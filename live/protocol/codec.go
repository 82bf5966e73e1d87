package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed message")

// Envelope is the framing shared by every message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

type validator interface {
	Validate() error
}

// inbound lists the variants a client may send.
var inbound = map[Type]func() any{
	TypeCreateSession:       func() any { return &CreateSession{} },
	TypeJoinSession:         func() any { return &JoinSession{} },
	TypeResumeSession:       func() any { return &ResumeSession{} },
	TypeStartTest:           func() any { return &StartTest{} },
	TypeSubmitAnswer:        func() any { return &SubmitAnswer{} },
	TypeAdvanceQuestion:     func() any { return &AdvanceQuestion{} },
	TypeLeaveSession:        func() any { return &LeaveSession{} },
	TypeEndTest:             func() any { return &EndTest{} },
	TypeTeacherComment:      func() any { return &TeacherComment{} },
	TypeRequestParticipants: func() any { return &RequestParticipants{} },
}

// Decode parses one client frame into a pointer to its variant struct.
func Decode(data []byte) (any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	factory, ok := inbound[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}

	msg := factory()
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		if payload[0] != '{' {
			return nil, fmt.Errorf("%w: payload of %s must be an object", ErrMalformed, env.Type)
		}
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}

	if v, ok := msg.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}

	return msg, nil
}

// Encode frames a payload under the given type.
func Encode(t Type, payload any) ([]byte, error) {
	data, err := json.Marshal(outbound{Type: t, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return data, nil
}

// Reject frames a rejection of the given kind.
func Reject(t Type, reason string) []byte {
	data, err := Encode(t, Rejection{Reason: reason})
	if err != nil {
		// Rejection always marshals.
		panic(err)
	}
	return data
}

// TypeOf returns the type of an inbound variant.
func TypeOf(msg any) Type {
	switch msg.(type) {
	case *CreateSession:
		return TypeCreateSession
	case *JoinSession:
		return TypeJoinSession
	case *ResumeSession:
		return TypeResumeSession
	case *StartTest:
		return TypeStartTest
	case *SubmitAnswer:
		return TypeSubmitAnswer
	case *AdvanceQuestion:
		return TypeAdvanceQuestion
	case *LeaveSession:
		return TypeLeaveSession
	case *EndTest:
		return TypeEndTest
	case *TeacherComment:
		return TypeTeacherComment
	case *RequestParticipants:
		return TypeRequestParticipants
	}
	return ""
}
