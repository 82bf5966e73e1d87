package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wricardo/livetest/live/protocol"
)

var ErrResultNotFound = errors.New("result not found")

// Record is the finalized outcome of one session, handed to sinks once.
type Record struct {
	ID            string                       `json:"id"`
	Code          string                       `json:"code"`
	Title         string                       `json:"title"`
	Owner         string                       `json:"owner"`
	TestID        string                       `json:"test_id,omitempty"`
	Reason        string                       `json:"reason"`
	QuestionCount int                          `json:"question_count"`
	CreatedAt     time.Time                    `json:"created_at"`
	StartedAt     *time.Time                   `json:"started_at,omitempty"`
	CompletedAt   time.Time                    `json:"completed_at"`
	Participants  []protocol.ParticipantResult `json:"participants"`
}

// NewRecord returns a record with a fresh id.
func NewRecord() *Record {
	return &Record{ID: uuid.NewString()}
}

// Sink receives finalized records. Delivery guarantees belong to the sink.
type Sink interface {
	Submit(ctx context.Context, rec *Record) error
}

// Store is a sink that can read its records back.
type Store interface {
	Sink
	Load(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
}

// Fanout submits every record to each sink in turn.
type Fanout []Sink

func (f Fanout) Submit(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Submit(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// FirstStore returns the first sink that can read records back, or nil.
func FirstStore(sinks ...Sink) Store {
	for _, s := range sinks {
		if st, ok := s.(Store); ok {
			return st
		}
	}
	return nil
}

func validate(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	return nil
}
