// Package api exposes the swap engine over JSON-RPC 2.0, with a websocket
// stream pushing audit log events as they are appended.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gerlofvanek/basicswap/internal/engine"
	"github.com/gerlofvanek/basicswap/internal/storage"
	"github.com/gerlofvanek/basicswap/pkg/logging"
)

// Network describes the P2P node to the status endpoints. Nil is allowed;
// the daemon may run without networking in tests.
type Network interface {
	ID() string
	ListenAddrs() []string
	PeerCount() int
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	engine *engine.Engine
	store  *storage.Storage
	net    Network
	log    *logging.Logger
	hub    *Hub

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is one JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates the server and registers all method handlers.
func NewServer(eng *engine.Engine, store *storage.Storage, net Network) *Server {
	s := &Server{
		engine:   eng,
		store:    store,
		net:      net,
		log:      logging.Component("api"),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["offers_post"] = s.offersPost
	s.handlers["offers_revoke"] = s.offersRevoke
	s.handlers["offers_get"] = s.offersGet
	s.handlers["offers_list"] = s.offersList

	s.handlers["bids_post"] = s.bidsPost
	s.handlers["bids_accept"] = s.bidsAccept
	s.handlers["bids_abandon"] = s.bidsAbandon
	s.handlers["bids_update"] = s.bidsUpdate
	s.handlers["bids_get"] = s.bidsGet
	s.handlers["bids_list"] = s.bidsList
	s.handlers["bids_setDebugInd"] = s.bidsSetDebugInd
	s.handlers["bids_events"] = s.bidsEvents

	s.handlers["events_recent"] = s.eventsRecent

	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_status"] = s.nodeStatus
}

// Start binds the listener and serves until Stop.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.hub = NewHub()
	go s.hub.Run(ctx)
	go s.streamEvents(ctx, 2*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", "err", err)
		}
	}()

	s.log.Info("api server started", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Hub returns the websocket hub, nil before Start.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code := InternalError
		if errors.Is(err, engine.ErrInvalidIdentifier) {
			code = InvalidParams
		}
		s.writeError(w, req.ID, code, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
