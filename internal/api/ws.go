package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/core"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/middleware"
	"github.com/browsergrid/browsergrid/internal/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 64
)

// wsCommand is a client-to-server frame.
type wsCommand struct {
	ID     uint64   `json:"id,omitempty"`
	Op     string   `json:"op"` // subscribe, unsubscribe, execute, batch, ping
	Topics []string `json:"topics,omitempty"`

	ContextID string                 `json:"contextId,omitempty"`
	Action    *types.Action          `json:"action,omitempty"`
	Actions   []types.Action         `json:"actions,omitempty"`
	Options   *executor.BatchOptions `json:"options,omitempty"`
}

// wsFrame is a server-to-client frame.
type wsFrame struct {
	Type  string `json:"type"` // ack, result, error, event, pong
	ID    uint64 `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`

	Result *executor.Result     `json:"result,omitempty"`
	Items  []executor.BatchItem `json:"items,omitempty"`
	Event  *events.Event        `json:"event,omitempty"`
}

// WSServer is the push/subscribe frontend. Clients subscribe to event
// topic patterns and may also issue execute commands on the same socket.
type WSServer struct {
	cfg *config.Config
	svc *core.Service
	srv *http.Server

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

// NewWSServer builds the WebSocket frontend.
func NewWSServer(cfg *config.Config, svc *core.Service) *WSServer {
	s := &WSServer{
		cfg:   cfg,
		svc:   svc,
		conns: make(map[*wsConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the CORS middleware in
			// front of the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler wraps the upgrade endpoint in the shared middleware chain.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws", s.handleUpgrade)
	return middleware.Chain(
		middleware.Recovery,
		middleware.CORS(s.cfg.CORSOrigins),
		middleware.Logging,
		middleware.Auth(s.cfg),
	)(mux)
}

// Start serves until Shutdown.
func (s *WSServer) Start() error {
	log.Info().Str("addr", s.cfg.WSAddr).Msg("WebSocket frontend listening")
	return s.srv.ListenAndServe()
}

// Shutdown closes every connection and stops the listener.
func (s *WSServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	return s.srv.Shutdown(ctx)
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsConn{
		server:    s,
		conn:      conn,
		principal: principal,
		send:      make(chan wsFrame, wsSendBuffer),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// wsConn is one client connection. The reader goroutine owns command
// dispatch; a separate writer goroutine owns all socket writes.
type wsConn struct {
	server    *WSServer
	conn      *websocket.Conn
	principal types.Principal

	send chan wsFrame
	done chan struct{}

	mu  sync.Mutex
	sub *events.Subscription

	closeOnce sync.Once
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.dropSubscription()
		c.conn.Close()
	})
}

func (c *wsConn) dropSubscription() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
}

// enqueue drops the frame if the client cannot keep up; event delivery is
// best-effort end to end.
func (c *wsConn) enqueue(f wsFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		log.Warn().Str("type", f.Type).Msg("Slow WebSocket client, dropping frame")
	}
}

func (c *wsConn) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(maxBodySize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.enqueue(wsFrame{Type: "error", Kind: string(types.KindInvalidArgument), Error: "invalid JSON frame"})
			continue
		}
		c.dispatch(&cmd)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) dispatch(cmd *wsCommand) {
	switch cmd.Op {
	case "ping":
		c.enqueue(wsFrame{Type: "pong", ID: cmd.ID})

	case "subscribe":
		c.subscribe(cmd.Topics)
		c.enqueue(wsFrame{Type: "ack", ID: cmd.ID})

	case "unsubscribe":
		c.dropSubscription()
		c.enqueue(wsFrame{Type: "ack", ID: cmd.ID})

	case "execute":
		if cmd.Action == nil || cmd.ContextID == "" {
			c.enqueue(wsFrame{Type: "error", ID: cmd.ID, Kind: string(types.KindInvalidArgument), Error: "execute requires contextId and action"})
			return
		}
		res, err := c.server.svc.Execute(context.Background(), c.principal, cmd.ContextID, cmd.Action)
		if err != nil {
			c.enqueue(wsFrame{Type: "error", ID: cmd.ID, Kind: string(types.KindOf(err)), Error: err.Error()})
			return
		}
		c.enqueue(wsFrame{Type: "result", ID: cmd.ID, Result: res})

	case "batch":
		if cmd.ContextID == "" {
			c.enqueue(wsFrame{Type: "error", ID: cmd.ID, Kind: string(types.KindInvalidArgument), Error: "batch requires contextId"})
			return
		}
		opts := executor.BatchOptions{StopOnError: true}
		if cmd.Options != nil {
			opts = *cmd.Options
		}
		items, err := c.server.svc.ExecuteBatch(context.Background(), c.principal, cmd.ContextID, cmd.Actions, opts)
		if err != nil {
			c.enqueue(wsFrame{Type: "error", ID: cmd.ID, Kind: string(types.KindOf(err)), Error: err.Error()})
			return
		}
		c.enqueue(wsFrame{Type: "result", ID: cmd.ID, Items: items})

	default:
		c.enqueue(wsFrame{Type: "error", ID: cmd.ID, Kind: string(types.KindInvalidArgument), Error: "unknown op: " + cmd.Op})
	}
}

// subscribe replaces the connection's subscription with one for the given
// patterns and starts the pump forwarding bus events to the socket.
func (c *wsConn) subscribe(patterns []string) {
	c.dropSubscription()

	sub := c.server.svc.Bus().Subscribe(patterns...)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				c.enqueue(wsFrame{Type: "event", Event: &ev})
			case <-c.done:
				return
			}
		}
	}()
}
