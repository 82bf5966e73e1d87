package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wricardo/livetest/live/service"
)

// DefaultQueueSize bounds the outbound queue of each connection.
const DefaultQueueSize = 256

// Options configure an Endpoint.
type Options struct {
	QueueSize   int
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Endpoint upgrades HTTP requests and runs one Client per connection.
type Endpoint struct {
	lobby     service.Lobby
	queueSize int
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewEndpoint creates an endpoint that attaches connections through lobby.
func NewEndpoint(lobby service.Lobby, opts Options) *Endpoint {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Endpoint{
		lobby:     lobby,
		queueSize: opts.QueueSize,
		logger:    logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (e *Endpoint) ServeWS(w http.ResponseWriter, r *http.Request, principal service.Principal) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	client := &Client{
		id:        id,
		endpoint:  e,
		conn:      conn,
		principal: principal,
		logger:    e.logger.With("conn_id", id),
		send:      make(chan []byte, e.queueSize),
		done:      make(chan struct{}),
	}
	client.logger.Debug("connection opened", "user", principal.Identity, "role", principal.Role)

	// The request context ends with ServeHTTP, so the connection gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.writePump()
	client.readPump(ctx)
}
