package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/protocol"
	"github.com/wricardo/livetest/live/results"
)

// Session is the single writer of one live test. Every operation is queued on
// its mailbox and applied by the Run goroutine, one at a time.
type Session struct {
	code      string
	title     string
	owner     string
	testID    string
	questions []content.Question
	settings  Settings
	sink      results.Sink
	logger    *slog.Logger

	mailbox  chan func()
	done     chan struct{}
	summary  atomic.Pointer[Summary]
	handoffs sync.WaitGroup

	// Owned by the Run goroutine.
	status        Status
	current       int
	participants  map[string]*Participant
	order         []string
	ownerOut      Outbox
	ownerDeadline time.Time
	createdAt     time.Time
	startedAt     time.Time
	completedAt   time.Time
	reason        string
	overflowed    []Outbox
}

// New validates cfg and returns a session in the lobby. Call Run to start
// processing operations.
func New(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.Code) == "" {
		return nil, fmt.Errorf("session code is required")
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		return nil, fmt.Errorf("session owner is required")
	}
	if err := content.ValidateQuestions(cfg.Questions); err != nil {
		return nil, fmt.Errorf("invalid questions: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := cfg.Settings.withDefaults()
	s := &Session{
		code:         cfg.Code,
		title:        cfg.Title,
		owner:        cfg.Owner,
		testID:       cfg.TestID,
		questions:    append([]content.Question(nil), cfg.Questions...),
		settings:     settings,
		sink:         cfg.Sink,
		logger:       logger.With("component", "session", "code", cfg.Code),
		mailbox:      make(chan func(), settings.MailboxSize),
		done:         make(chan struct{}),
		status:       StatusLobby,
		participants: make(map[string]*Participant),
	}
	s.createdAt = s.now()
	// The owner must attach before the pause timeout or the lobby is abandoned.
	s.ownerDeadline = s.createdAt.Add(settings.PauseTimeout)
	s.publish()
	return s, nil
}

// Run processes operations and deadlines until ctx is cancelled. Cancelling
// completes a session that is still running.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case fn := <-s.mailbox:
			fn()
		case <-ticker.C:
			s.guard("tick", s.checkDeadlines)
		}
	}
}

func (s *Session) Code() string  { return s.code }
func (s *Session) Title() string { return s.title }
func (s *Session) Owner() string { return s.owner }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Summary returns the view published after the last operation.
func (s *Session) Summary() Summary {
	return *s.summary.Load()
}

// Join attaches a student. On rejection nothing is sent to out; the caller
// reports the error.
func (s *Session) Join(ctx context.Context, identity, displayName string, out Outbox) error {
	return s.do(ctx, "join", func() error { return s.join(identity, displayName, out) })
}

// ResumeOwner attaches (or reattaches) the owner's connection. On rejection
// nothing is sent to out.
func (s *Session) ResumeOwner(ctx context.Context, identity string, out Outbox) error {
	return s.do(ctx, "resume", func() error { return s.resumeOwner(identity, out) })
}

func (s *Session) Start(ctx context.Context, identity string) error {
	return s.do(ctx, "start", func() error { return s.start(identity) })
}

func (s *Session) SubmitAnswer(ctx context.Context, identity string, index int, answer string) error {
	return s.do(ctx, "submit", func() error { return s.submit(identity, index, answer) })
}

func (s *Session) Advance(ctx context.Context, identity string) error {
	return s.do(ctx, "advance", func() error { return s.advance(identity) })
}

// End completes the session early at the owner's request.
func (s *Session) End(ctx context.Context, identity string) error {
	return s.do(ctx, "end", func() error { return s.end(identity) })
}

// Comment sends owner text to every student, or to one when to is set.
func (s *Session) Comment(ctx context.Context, identity, text, to string) error {
	return s.do(ctx, "comment", func() error { return s.comment(identity, text, to) })
}

// RequestParticipants sends the roster to the caller only.
func (s *Session) RequestParticipants(ctx context.Context, identity string) error {
	return s.do(ctx, "participants", func() error { return s.requestParticipants(identity) })
}

// Disconnect detaches out from identity. It is a no-op when out is no longer
// the identity's current connection.
func (s *Session) Disconnect(ctx context.Context, identity string, out Outbox) error {
	return s.do(ctx, "disconnect", func() error {
		s.detach(identity, out)
		return nil
	})
}

// CheckDeadlines evaluates absence, stall and pause deadlines now instead of
// waiting for the next tick.
func (s *Session) CheckDeadlines(ctx context.Context) error {
	return s.do(ctx, "check_deadlines", s.checkDeadlines)
}

// Snapshot returns the summary and roster as seen by the Run goroutine.
func (s *Session) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := s.do(ctx, "snapshot", func() error {
		snap = &Snapshot{Summary: s.buildSummary(), Roster: s.roster()}
		return nil
	})
	return snap, err
}

// do queues fn on the mailbox and waits for its result.
func (s *Session) do(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reply := make(chan error, 1)
	cmd := func() { reply <- s.guard(op, fn) }

	select {
	case s.mailbox <- cmd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guard applies fn, contains panics as session faults and republishes the
// summary.
func (s *Session) guard(op string, fn func() error) (err error) {
	defer s.publish()
	defer func() {
		if r := recover(); r != nil {
			s.fault(op, r)
			err = ErrSessionClosed
		}
	}()

	err = fn()
	s.flushOverflow()
	return err
}

func (s *Session) fault(op string, r any) {
	s.logger.Error("session fault", "op", op, "panic", r, "stack", string(debug.Stack()))
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("fault while completing session", "panic", r)
			s.status = StatusCompleted
		}
	}()
	s.overflowed = nil
	s.complete(ReasonFault)
}

func (s *Session) shutdown() {
	s.guard("shutdown", func() error {
		if s.status != StatusCompleted {
			s.complete(ReasonShutdown)
		}
		s.closeAll()
		return nil
	})
	s.handoffs.Wait()
}

func (s *Session) now() time.Time {
	return s.settings.Now()
}

func (s *Session) join(identity, displayName string, out Outbox) error {
	if s.status == StatusCompleted {
		return ErrSessionClosed
	}
	if identity == "" {
		return reject(protocol.TypeUnauthorized, "identity is required")
	}
	if identity == s.owner {
		return reject(protocol.TypeUnauthorized, "the owner resumes the session instead of joining it")
	}

	now := s.now()
	p, ok := s.participants[identity]
	if !ok {
		if limit := s.settings.MaxParticipants; limit > 0 && len(s.order) >= limit {
			return reject(protocol.TypeSessionFull, "session is limited to %d participants", limit)
		}
		name := displayName
		if name == "" {
			name = identity
		}
		p = &Participant{
			Identity:    identity,
			DisplayName: name,
			JoinedAt:    now,
			Answers:     make(map[int]string),
		}
		s.participants[identity] = p
		s.order = append(s.order, identity)
		s.logger.Info("participant joined", "identity", identity, "roster", len(s.order))
	} else {
		if p.out != nil && p.out != out {
			p.out.Close()
		}
		if displayName != "" {
			p.DisplayName = displayName
		}
		s.logger.Info("participant reconnected", "identity", identity, "previous_state", p.State)
	}

	p.out = out
	p.State = Connected
	p.DisconnectedAt = time.Time{}
	p.AbsenceDeadline = time.Time{}

	joined := protocol.Joined{
		Code:          s.code,
		Title:         s.title,
		Status:        string(s.status),
		Role:          protocol.RoleStudent,
		Identity:      identity,
		QuestionCount: len(s.questions),
		Roster:        s.roster(),
	}
	if s.status == StatusInProgress {
		q := protocol.StudentQuestion(s.current, s.questions[s.current])
		joined.CurrentQuestion = &q
		if a, ok := p.Answers[s.current]; ok {
			joined.YourAnswer = &a
		}
	}
	s.send(out, protocol.TypeJoined, joined)
	s.broadcastRoster()
	return nil
}

func (s *Session) resumeOwner(identity string, out Outbox) error {
	if identity != s.owner {
		return reject(protocol.TypeUnauthorized, "only the session owner can resume it")
	}
	if s.status == StatusCompleted {
		return ErrSessionClosed
	}

	if s.ownerOut != nil && s.ownerOut != out {
		s.ownerOut.Close()
	}
	s.ownerOut = out
	s.ownerDeadline = time.Time{}

	resumed := s.status == StatusPaused
	if resumed {
		s.status = StatusInProgress
	}

	joined := protocol.Joined{
		Code:          s.code,
		Title:         s.title,
		Status:        string(s.status),
		Role:          protocol.RoleTeacher,
		Identity:      identity,
		QuestionCount: len(s.questions),
		Roster:        s.roster(),
	}
	if s.status == StatusInProgress {
		q := protocol.OwnerQuestion(s.current, s.questions[s.current])
		joined.CurrentQuestion = &q
	}
	s.send(out, protocol.TypeJoined, joined)

	if s.status == StatusInProgress {
		s.sendProgress()
	}
	if resumed {
		s.logger.Info("owner returned, session resumed", "question", s.current)
		s.broadcastStudents(protocol.TypeSessionResumed, nil)
	}
	return nil
}

func (s *Session) start(identity string) error {
	if identity != s.owner {
		return s.fail(identity, reject(protocol.TypeUnauthorized, "only the owner can start the test"))
	}
	switch s.status {
	case StatusLobby:
	case StatusCompleted:
		return s.fail(identity, ErrSessionClosed)
	default:
		return s.fail(identity, reject(protocol.TypeInvalidTransition, "cannot start a test that is %s", s.status))
	}

	s.status = StatusInProgress
	s.current = 0
	s.startedAt = s.now()
	s.logger.Info("test started", "participants", len(s.order), "questions", len(s.questions))
	s.broadcastQuestion()
	return nil
}

func (s *Session) submit(identity string, index int, answer string) error {
	p, ok := s.participants[identity]
	if !ok {
		return s.fail(identity, reject(protocol.TypeUnauthorized, "only participants can submit answers"))
	}

	switch s.status {
	case StatusCompleted:
		return s.fail(identity, ErrSessionClosed)
	case StatusPaused:
		return s.fail(identity, reject(protocol.TypeSessionPaused, "waiting for the teacher to reconnect"))
	case StatusLobby:
		return s.fail(identity, reject(protocol.TypeStaleSubmission, "the test has not started"))
	}

	if index != s.current {
		return s.fail(identity, reject(protocol.TypeStaleSubmission,
			"question %d is not open, the current question is %d", index, s.current))
	}

	p.Answers[index] = answer
	s.send(p.out, protocol.TypeAcknowledged, protocol.Acknowledged{QuestionIndex: index})
	s.send(s.ownerOut, protocol.TypeAnswerReceived, protocol.AnswerReceived{
		Identity:      identity,
		DisplayName:   p.DisplayName,
		QuestionIndex: index,
		Answer:        answer,
	})
	s.sendProgress()
	return nil
}

func (s *Session) advance(identity string) error {
	if identity != s.owner {
		return s.fail(identity, reject(protocol.TypeUnauthorized, "only the owner can advance the test"))
	}
	switch s.status {
	case StatusInProgress:
	case StatusCompleted:
		return s.fail(identity, ErrSessionClosed)
	default:
		return s.fail(identity, reject(protocol.TypeInvalidTransition, "cannot advance a test that is %s", s.status))
	}

	s.current++
	if s.current >= len(s.questions) {
		s.complete(ReasonFinished)
		return nil
	}

	s.logger.Info("advanced", "question", s.current)
	s.broadcastQuestion()
	return nil
}

func (s *Session) end(identity string) error {
	if identity != s.owner {
		return s.fail(identity, reject(protocol.TypeUnauthorized, "only the owner can end the test"))
	}
	if s.status == StatusCompleted {
		return s.fail(identity, ErrSessionClosed)
	}
	s.complete(ReasonEndedByOwner)
	return nil
}

func (s *Session) comment(identity, text, to string) error {
	if identity != s.owner {
		return s.fail(identity, reject(protocol.TypeUnauthorized, "only the owner can comment"))
	}
	if s.status == StatusCompleted {
		return s.fail(identity, ErrSessionClosed)
	}

	msg := protocol.Comment{Text: text}
	if to == "" {
		s.broadcastStudents(protocol.TypeComment, msg)
		return nil
	}

	p, ok := s.participants[to]
	if !ok {
		s.logger.Debug("comment for unknown participant dropped", "to", to)
		return nil
	}
	s.send(p.out, protocol.TypeComment, msg)
	return nil
}

func (s *Session) requestParticipants(identity string) error {
	out := s.outboxFor(identity)
	if out == nil {
		return ErrUnauthorized
	}
	s.send(out, protocol.TypeParticipantUpdate, protocol.ParticipantUpdate{Roster: s.roster()})
	return nil
}

// detach releases out if it is still identity's current connection.
func (s *Session) detach(identity string, out Outbox) bool {
	if out == nil {
		return false
	}
	now := s.now()

	if identity == s.owner {
		if s.ownerOut != out {
			return false
		}
		s.ownerOut = nil
		out.Close()
		if s.status == StatusCompleted {
			return true
		}

		s.ownerDeadline = now.Add(s.settings.PauseTimeout)
		if s.status == StatusInProgress {
			s.status = StatusPaused
			s.logger.Warn("owner disconnected, session paused", "deadline", s.ownerDeadline)
			s.broadcastStudents(protocol.TypeSessionPaused, protocol.Rejection{Reason: "the teacher disconnected"})
		} else {
			s.logger.Warn("owner disconnected", "status", s.status, "deadline", s.ownerDeadline)
		}
		return true
	}

	p, ok := s.participants[identity]
	if !ok || p.out != out {
		return false
	}
	p.out = nil
	out.Close()
	if s.status == StatusCompleted {
		p.State = Disconnected
		return true
	}

	p.State = Disconnected
	p.DisconnectedAt = now
	p.AbsenceDeadline = now.Add(s.settings.AbsenceGrace)
	s.logger.Info("participant disconnected", "identity", identity, "deadline", p.AbsenceDeadline)
	s.broadcastRoster()
	return true
}

func (s *Session) checkDeadlines() error {
	if s.status == StatusCompleted {
		return nil
	}
	now := s.now()

	if s.ownerOut == nil && !s.ownerDeadline.IsZero() && !now.Before(s.ownerDeadline) {
		s.logger.Warn("owner did not return in time", "status", s.status)
		s.complete(ReasonPauseTimeout)
		return nil
	}

	changed := false
	for _, id := range s.order {
		p := s.participants[id]
		switch p.State {
		case Disconnected:
			if !now.Before(p.AbsenceDeadline) {
				p.State = Absent
				changed = true
				s.logger.Info("participant marked absent", "identity", id)
			}
		case Connected:
			if s.stalled(p.out, now) {
				p.State = Reconnecting
				changed = true
			}
		case Reconnecting:
			if !s.stalled(p.out, now) {
				p.State = Connected
				changed = true
			}
		}
	}

	if changed {
		s.broadcastRoster()
	}
	return nil
}

func (s *Session) stalled(out Outbox, now time.Time) bool {
	if s.settings.StallAfter == 0 || out == nil {
		return false
	}
	seen := out.LastSeen()
	return !seen.IsZero() && now.Sub(seen) > s.settings.StallAfter
}

// complete is the only way into StatusCompleted. It emits the results exactly
// once, hands them to the sink and closes every connection.
func (s *Session) complete(reason string) {
	if s.status == StatusCompleted {
		return
	}

	s.status = StatusCompleted
	s.completedAt = s.now()
	s.reason = reason
	s.ownerDeadline = time.Time{}

	res := s.buildResults()
	s.send(s.ownerOut, protocol.TypeSessionCompleted, protocol.SessionCompleted{
		Code:    s.code,
		Reason:  reason,
		Results: res,
	})
	for i, id := range s.order {
		p := s.participants[id]
		if p.out == nil {
			continue
		}
		s.send(p.out, protocol.TypeSessionCompleted, protocol.SessionCompleted{
			Code:    s.code,
			Reason:  reason,
			Results: res[i : i+1],
		})
	}

	s.logger.Info("session completed", "reason", reason, "participants", len(s.order))
	s.handoff(res)
	s.closeAll()
}

func (s *Session) handoff(res []protocol.ParticipantResult) {
	if s.sink == nil {
		return
	}

	rec := results.NewRecord()
	rec.Code = s.code
	rec.Title = s.title
	rec.Owner = s.owner
	rec.TestID = s.testID
	rec.Reason = s.reason
	rec.QuestionCount = len(s.questions)
	rec.CreatedAt = s.createdAt
	rec.CompletedAt = s.completedAt
	rec.Participants = res
	if !s.startedAt.IsZero() {
		started := s.startedAt
		rec.StartedAt = &started
	}

	s.handoffs.Add(1)
	go func() {
		defer s.handoffs.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.settings.SinkTimeout)
		defer cancel()

		if err := s.sink.Submit(ctx, rec); err != nil {
			s.logger.Error("results handoff failed", "record_id", rec.ID, "error", err)
			return
		}
		s.logger.Info("results handed off", "record_id", rec.ID)
	}()
}

func (s *Session) buildResults() []protocol.ParticipantResult {
	maxScore := content.MaxScore(s.questions)
	res := make([]protocol.ParticipantResult, 0, len(s.order))

	for _, id := range s.order {
		p := s.participants[id]
		r := protocol.ParticipantResult{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			State:       string(p.State),
			Answers:     make(map[int]string, len(p.Answers)),
			Grades:      make([]content.Grade, 0, len(s.questions)),
			MaxScore:    maxScore,
		}
		for i, q := range s.questions {
			g := q.Unanswered()
			if a, ok := p.Answers[i]; ok {
				r.Answers[i] = a
				g = q.Grade(a)
			}
			g.QuestionIndex = i
			r.Grades = append(r.Grades, g)
			r.Score += g.Points
		}
		res = append(res, r)
	}
	return res
}

func (s *Session) closeAll() {
	if s.ownerOut != nil {
		s.ownerOut.Close()
		s.ownerOut = nil
	}
	for _, id := range s.order {
		p := s.participants[id]
		if p.out != nil {
			p.out.Close()
			p.out = nil
			p.State = Disconnected
		}
	}
}

func (s *Session) broadcastQuestion() {
	q := s.questions[s.current]
	s.send(s.ownerOut, protocol.TypeQuestionBroadcast, protocol.QuestionBroadcast{
		Index:    s.current,
		Question: protocol.OwnerQuestion(s.current, q),
	})
	s.broadcastStudents(protocol.TypeQuestionBroadcast, protocol.QuestionBroadcast{
		Index:    s.current,
		Question: protocol.StudentQuestion(s.current, q),
	})
}

func (s *Session) broadcastRoster() {
	msg, err := protocol.Encode(protocol.TypeParticipantUpdate, protocol.ParticipantUpdate{Roster: s.roster()})
	if err != nil {
		s.logger.Error("encode roster", "error", err)
		return
	}
	s.sendRaw(s.ownerOut, msg)
	s.sendToStudents(msg)
}

func (s *Session) broadcastStudents(t protocol.Type, payload any) {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		s.logger.Error("encode broadcast", "type", t, "error", err)
		return
	}
	s.sendToStudents(msg)
}

func (s *Session) sendToStudents(msg []byte) {
	for _, id := range s.order {
		s.sendRaw(s.participants[id].out, msg)
	}
}

// sendProgress tells the owner how many students answered the open question.
// Absent students only count once they have answered.
func (s *Session) sendProgress() {
	answered, total := 0, 0
	for _, id := range s.order {
		p := s.participants[id]
		_, did := p.Answers[s.current]
		if did {
			answered++
		}
		if did || p.State != Absent {
			total++
		}
	}
	s.send(s.ownerOut, protocol.TypeProgressUpdate, protocol.ProgressUpdate{
		QuestionIndex: s.current,
		AnsweredCount: answered,
		Total:         total,
	})
}

func (s *Session) send(out Outbox, t protocol.Type, payload any) {
	if out == nil {
		return
	}
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		s.logger.Error("encode message", "type", t, "error", err)
		return
	}
	s.sendRaw(out, msg)
}

func (s *Session) sendRaw(out Outbox, msg []byte) {
	if out == nil {
		return
	}
	if !out.Send(msg) {
		s.overflowed = append(s.overflowed, out)
	}
}

// fail sends a rejection to the caller's connection and returns it.
func (s *Session) fail(identity string, err *Error) error {
	s.sendRaw(s.outboxFor(identity), err.Message())
	return err
}

// flushOverflow drops every connection whose queue rejected a message.
func (s *Session) flushOverflow() {
	for len(s.overflowed) > 0 {
		out := s.overflowed[0]
		s.overflowed = s.overflowed[1:]

		identity, ok := s.identityOf(out)
		if !ok {
			continue
		}
		s.logger.Warn("output queue overflow, dropping connection", "identity", identity)
		s.detach(identity, out)
	}
}

func (s *Session) outboxFor(identity string) Outbox {
	if identity == s.owner {
		return s.ownerOut
	}
	if p, ok := s.participants[identity]; ok {
		return p.out
	}
	return nil
}

func (s *Session) identityOf(out Outbox) (string, bool) {
	if out == nil {
		return "", false
	}
	if s.ownerOut == out {
		return s.owner, true
	}
	for _, id := range s.order {
		if s.participants[id].out == out {
			return id, true
		}
	}
	return "", false
}

func (s *Session) roster() []protocol.RosterEntry {
	roster := make([]protocol.RosterEntry, 0, len(s.order))
	for _, id := range s.order {
		p := s.participants[id]
		roster = append(roster, protocol.RosterEntry{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			State:       string(p.State),
		})
	}
	return roster
}

func (s *Session) buildSummary() Summary {
	sum := Summary{
		Code:             s.code,
		Title:            s.title,
		Owner:            s.owner,
		TestID:           s.testID,
		Status:           s.status,
		CurrentIndex:     -1,
		QuestionCount:    len(s.questions),
		Participants:     len(s.order),
		OwnerConnected:   s.ownerOut != nil,
		CompletionReason: s.reason,
		CreatedAt:        s.createdAt,
	}
	if s.status == StatusInProgress || s.status == StatusPaused {
		sum.CurrentIndex = s.current
	}
	if s.ownerOut != nil {
		sum.ActiveConnections++
	}
	for _, id := range s.order {
		p := s.participants[id]
		if p.out != nil {
			sum.ActiveConnections++
		}
		if p.State == Connected || p.State == Reconnecting {
			sum.Connected++
		}
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		sum.StartedAt = &t
	}
	if !s.completedAt.IsZero() {
		t := s.completedAt
		sum.CompletedAt = &t
	}
	return sum
}

func (s *Session) publish() {
	sum := s.buildSummary()
	s.summary.Store(&sum)
}
