package api

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/core"
	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/middleware"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/types"
)

// RPC wire format: each frame is a 4-byte big-endian length followed by a
// msgpack-encoded body. Requests and responses are matched by ID; the
// server answers frames in arrival order per connection.
const (
	rpcMaxFrame    = 8 << 20
	rpcReadTimeout = 5 * time.Minute
)

// RPCRequest is the client frame.
type RPCRequest struct {
	ID     uint64 `msgpack:"id"`
	Op     string `msgpack:"op"`
	APIKey string `msgpack:"apiKey,omitempty"`

	SessionID string               `msgpack:"sessionId,omitempty"`
	ContextID string               `msgpack:"contextId,omitempty"`
	PageID    string               `msgpack:"pageId,omitempty"`
	TTLMs     int64                `msgpack:"ttlMs,omitempty"`
	Metadata  map[string]string    `msgpack:"metadata,omitempty"`
	UserID    string               `msgpack:"userId,omitempty"` // session.list filter
	Config    *types.ContextConfig `msgpack:"config,omitempty"`

	Action  *types.Action          `msgpack:"action,omitempty"`
	Actions []types.Action         `msgpack:"actions,omitempty"`
	Options *executor.BatchOptions `msgpack:"options,omitempty"`
	Limit   int                    `msgpack:"limit,omitempty"`
}

// RPCResponse is the server frame. Exactly one payload field is set on
// success; Kind and Error are set on failure.
type RPCResponse struct {
	ID    uint64 `msgpack:"id"`
	OK    bool   `msgpack:"ok"`
	Kind  string `msgpack:"kind,omitempty"`
	Error string `msgpack:"error,omitempty"`

	Session  *registry.SessionInfo  `msgpack:"session,omitempty"`
	Sessions []registry.SessionInfo `msgpack:"sessions,omitempty"`
	Context  *registry.ContextInfo  `msgpack:"context,omitempty"`
	Contexts []registry.ContextInfo `msgpack:"contexts,omitempty"`
	Page     *registry.PageInfo     `msgpack:"page,omitempty"`

	Result  *executor.Result         `msgpack:"result,omitempty"`
	Items   []executor.BatchItem     `msgpack:"items,omitempty"`
	Records []executor.ActionRecord  `msgpack:"records,omitempty"`
	Metrics *executor.ContextMetrics `msgpack:"metrics,omitempty"`

	Health  *core.HealthStatus `msgpack:"health,omitempty"`
	Catalog *core.Catalog      `msgpack:"catalog,omitempty"`
}

// RPCServer is the binary frontend for high-volume callers.
type RPCServer struct {
	cfg *config.Config
	svc *core.Service

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewRPCServer builds the RPC frontend.
func NewRPCServer(cfg *config.Config, svc *core.Service) *RPCServer {
	return &RPCServer{cfg: cfg, svc: svc, conns: make(map[net.Conn]struct{})}
}

// Start listens and accepts until Shutdown.
func (s *RPCServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.RPCAddr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("RPC frontend listening")
	return s.Serve(ln)
}

// Serve runs the accept loop on an existing listener.
func (s *RPCServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Shutdown stops accepting, closes connections, and waits for handlers.
func (s *RPCServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RPCServer) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(rpcReadTimeout))
		body, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("RPC read error")
			}
			return
		}

		var req RPCRequest
		if err := msgpack.Unmarshal(body, &req); err != nil {
			resp := RPCResponse{Kind: string(types.KindInvalidArgument), Error: "malformed request frame"}
			if writeFrame(conn, &resp) != nil {
				return
			}
			continue
		}

		resp := s.dispatch(&req)
		if err := writeFrame(conn, resp); err != nil {
			log.Debug().Err(err).Msg("RPC write error")
			return
		}
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > rpcMaxFrame {
		return nil, fmt.Errorf("frame size %d out of range", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, resp *RPCResponse) error {
	body, err := msgpack.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func rpcError(id uint64, err error) *RPCResponse {
	return &RPCResponse{ID: id, Kind: string(types.KindOf(err)), Error: err.Error()}
}

func (s *RPCServer) dispatch(req *RPCRequest) *RPCResponse {
	principal, ok := middleware.ResolveAPIKey(s.cfg, req.APIKey)
	if !ok {
		return &RPCResponse{ID: req.ID, Kind: string(types.KindUnauthorized), Error: "invalid or missing API key"}
	}

	ctx := context.Background()
	resp := &RPCResponse{ID: req.ID, OK: true}

	switch req.Op {
	case "session.create":
		sess, err := s.svc.CreateSession(principal, time.Duration(req.TTLMs)*time.Millisecond, req.Metadata)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Session = &sess

	case "session.get":
		sess, err := s.svc.GetSession(principal, req.SessionID)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Session = &sess

	case "session.list":
		sessions, err := s.svc.ListSessions(principal, registry.ListFilter{UserID: req.UserID})
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Sessions = sessions

	case "session.update":
		sess, err := s.svc.UpdateSessionMetadata(principal, req.SessionID, req.Metadata)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Session = &sess

	case "session.extend":
		sess, err := s.svc.ExtendSession(principal, req.SessionID, time.Duration(req.TTLMs)*time.Millisecond)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Session = &sess

	case "session.delete":
		if err := s.svc.DeleteSession(principal, req.SessionID); err != nil {
			return rpcError(req.ID, err)
		}

	case "context.create":
		var ccfg types.ContextConfig
		if req.Config != nil {
			ccfg = *req.Config
		}
		c, err := s.svc.CreateContext(principal, req.SessionID, ccfg)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Context = &c

	case "context.get":
		c, err := s.svc.GetContext(principal, req.ContextID)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Context = &c

	case "context.list":
		contexts, err := s.svc.ListContexts(principal, req.SessionID)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Contexts = contexts

	case "context.close":
		if err := s.svc.CloseContext(principal, req.ContextID); err != nil {
			return rpcError(req.ID, err)
		}

	case "page.create":
		p, err := s.svc.CreatePage(principal, req.ContextID)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Page = &p

	case "page.get":
		p, err := s.svc.GetPage(principal, req.PageID)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Page = &p

	case "page.close":
		if err := s.svc.ClosePage(principal, req.PageID); err != nil {
			return rpcError(req.ID, err)
		}

	case "action.execute":
		if req.Action == nil {
			return &RPCResponse{ID: req.ID, Kind: string(types.KindInvalidArgument), Error: "action is required"}
		}
		res, err := s.svc.Execute(ctx, principal, req.ContextID, req.Action)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Result = res

	case "action.batch":
		opts := executor.BatchOptions{StopOnError: true}
		if req.Options != nil {
			opts = *req.Options
		}
		items, err := s.svc.ExecuteBatch(ctx, principal, req.ContextID, req.Actions, opts)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Items = items

	case "history.get":
		records, err := s.svc.ActionHistory(principal, req.ContextID, req.Limit)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Records = records

	case "metrics.get":
		m, err := s.svc.ContextMetrics(principal, req.ContextID)
		if err != nil {
			return rpcError(req.ID, err)
		}
		resp.Metrics = &m

	case "health":
		h := s.svc.Health()
		resp.Health = &h

	case "catalog":
		cat := s.svc.Catalog()
		resp.Catalog = &cat

	default:
		return &RPCResponse{ID: req.ID, Kind: string(types.KindInvalidArgument), Error: "unknown op: " + req.Op}
	}

	return resp
}
