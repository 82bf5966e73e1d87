package websocket

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wricardo/livetest/live/engine"
	"github.com/wricardo/livetest/live/protocol"
	"github.com/wricardo/livetest/live/service"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 12 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 5 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Time allowed for the session to record a disconnect.
	disconnectWait = 5 * time.Second
)

// Client is one websocket connection. It implements engine.Outbox.
type Client struct {
	id        string
	endpoint  *Endpoint
	conn      *websocket.Conn
	principal service.Principal
	logger    *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	leaveOnce sync.Once
	lastSeen  atomic.Int64

	// Set by the handshake; only touched by readPump.
	session  *engine.Session
	identity string
}

// Send queues msg without blocking. It returns false when the connection is
// closed or its queue is full.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the connection after flushing queued messages.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// LastSeen is the time of the last frame or pong from the peer.
func (c *Client) LastSeen() time.Time {
	n := c.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// readPump pumps frames from the connection into the session until the peer
// goes away, the connection is closed or the client leaves. The socket itself
// is closed by writePump once queued messages are flushed.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.leave()
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.touch()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		for _, frame := range splitFrames(data) {
			if !c.handle(ctx, frame) {
				return
			}
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// writePump pumps queued messages to the connection. Messages queued
// together are batched into one frame, separated by newlines.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if !c.write(message) {
				return
			}

		case <-c.done:
			// Deliver what the session queued before closing, such as the
			// final results.
			for {
				select {
				case message := <-c.send:
					if !c.write(message) {
						return
					}
					continue
				default:
				}
				break
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	w.Write(message)

	// Add queued messages to the current websocket message.
	n := len(c.send)
	for i := 0; i < n; i++ {
		w.Write([]byte{'\n'})
		w.Write(<-c.send)
	}

	return w.Close() == nil
}

// handle applies one decoded frame. It returns false when the connection
// should be closed.
func (c *Client) handle(ctx context.Context, frame []byte) bool {
	msg, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Info("protocol error", "error", err)
		c.Send(protocol.Reject(protocol.TypeProtocolError, err.Error()))
		return false
	}

	if c.session == nil {
		return c.handshake(ctx, msg)
	}
	return c.dispatch(ctx, msg)
}

// handshake attaches the connection to a session. Rejections leave the
// connection open so the client can retry, except session_full which drops
// the connection. It returns false when the connection should be closed.
func (c *Client) handshake(ctx context.Context, msg any) bool {
	lobby := c.endpoint.lobby

	switch m := msg.(type) {
	case *protocol.CreateSession:
		sess, err := lobby.CreateSession(ctx, c.principal, m)
		if err != nil {
			return c.reject(err)
		}
		data, err := protocol.Encode(protocol.TypeSessionCreated, protocol.SessionCreated{
			Code:          sess.Code(),
			Title:         sess.Title(),
			QuestionCount: sess.Summary().QuestionCount,
		})
		if err == nil {
			c.Send(data)
		}
		if _, err := lobby.ResumeSession(ctx, c.principal, &protocol.ResumeSession{Code: sess.Code()}, c); err != nil {
			return c.reject(err)
		}
		c.attach(sess, c.principal.Identity)

	case *protocol.JoinSession:
		sess, identity, err := lobby.JoinSession(ctx, c.principal, m, c)
		if err != nil {
			if !c.reject(err) {
				return false
			}
			if errors.Is(err, engine.ErrSessionFull) {
				c.logger.Info("session full, dropping connection", "code", m.Code)
				return false
			}
			return true
		}
		c.attach(sess, identity)

	case *protocol.ResumeSession:
		sess, err := lobby.ResumeSession(ctx, c.principal, m, c)
		if err != nil {
			return c.reject(err)
		}
		c.attach(sess, c.principal.Identity)

	default:
		c.Send(protocol.Reject(protocol.TypeUnauthorized, "create, join or resume a session first"))
	}
	return true
}

func (c *Client) attach(sess *engine.Session, identity string) {
	c.session = sess
	c.identity = identity
	c.logger = c.logger.With("code", sess.Code(), "identity", identity)
	c.logger.Info("connection attached")
}

// dispatch forwards an in-session message. Rejections are sent by the
// session itself.
func (c *Client) dispatch(ctx context.Context, msg any) bool {
	sess := c.session

	var err error
	switch m := msg.(type) {
	case *protocol.StartTest:
		err = sess.Start(ctx, c.identity)
	case *protocol.SubmitAnswer:
		err = sess.SubmitAnswer(ctx, c.identity, m.QuestionIndex, m.Answer)
	case *protocol.AdvanceQuestion:
		err = sess.Advance(ctx, c.identity)
	case *protocol.EndTest:
		err = sess.End(ctx, c.identity)
	case *protocol.TeacherComment:
		err = sess.Comment(ctx, c.identity, m.Text, m.Identity)
	case *protocol.RequestParticipants:
		err = sess.RequestParticipants(ctx, c.identity)
	case *protocol.LeaveSession:
		c.logger.Info("left session")
		return false
	case *protocol.CreateSession, *protocol.JoinSession, *protocol.ResumeSession:
		c.Send(protocol.Reject(protocol.TypeInvalidTransition, "connection is already attached to a session"))
		return true
	}

	if err != nil {
		c.logger.Debug("operation rejected", "type", protocol.TypeOf(msg), "error", err)
	}

	select {
	case <-sess.Done():
		c.Send(engine.ErrSessionClosed.Message())
		return false
	default:
	}
	return true
}

// reject reports a failed handshake. It returns false when the failure is
// not a typed rejection; the protocol_error sent then closes the connection.
func (c *Client) reject(err error) bool {
	var rejection *engine.Error
	if errors.As(err, &rejection) {
		c.Send(rejection.Message())
		return true
	}
	if errors.Is(err, service.ErrInvalidContent) {
		c.Send(protocol.Reject(protocol.TypeInvalidContent, err.Error()))
		return true
	}
	c.logger.Warn("handshake failed", "error", err)
	c.Send(protocol.Reject(protocol.TypeProtocolError, err.Error()))
	return false
}

// leave tells the session this connection is gone, exactly once.
func (c *Client) leave() {
	c.leaveOnce.Do(func() {
		if c.session == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), disconnectWait)
		defer cancel()
		if err := c.session.Disconnect(ctx, c.identity, c); err != nil && !errors.Is(err, engine.ErrSessionClosed) {
			c.logger.Warn("disconnect failed", "error", err)
		}
		c.logger.Info("connection detached")
	})
}

// splitFrames splits a batched frame into messages, skipping blank lines.
func splitFrames(data []byte) [][]byte {
	var frames [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			frames = append(frames, line)
		}
	}
	return frames
}
