// Package fakesdb is a fake RPC server for testing. It speaks the
// JSON-RPC WebSocket protocol the client expects, supports stubbed
// responses and failure injection, and can emit live-query push
// notifications on demand.
//
// The WebSocket side is implemented with the gws library.
package fakesdb

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/lxzan/gws"

	"github.com/surrealpool/surrealpool/internal/codec"
	"github.com/surrealpool/surrealpool/pkg/connection"
)

func cryptoRandInt64(rMax int64) int64 {
	if rMax <= 0 {
		return 0
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(rMax))
	return n.Int64()
}

func cryptoRandFloat64() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64()) / float64(1<<53)
}

// FailureType selects how a matched request is sabotaged.
type FailureType string

const (
	FailureNone FailureType = "none"
	// FailureRequestDelay delays before processing the request.
	FailureRequestDelay FailureType = "request_delay"
	// FailureInvalidResponse sends random bytes instead of a valid frame.
	FailureInvalidResponse FailureType = "invalid_response"
	// FailureWebSocketClose sends a close frame with the configured code.
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection closes the underlying TCP connection.
	FailureDropConnection FailureType = "drop_connection"
)

// FailureConfig defines how and when to inject one failure type.
type FailureConfig struct {
	Type FailureType
	// Probability of triggering (0.0 to 1.0).
	Probability float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	CloseCode   uint16
	CloseReason string
}

// RequestMatcher matches incoming RPC requests by method, optionally
// narrowed by a params predicate.
type RequestMatcher struct {
	Method  string
	Matcher func(params []any) bool
}

// StubResponse is a canned response for matching requests.
type StubResponse struct {
	Matcher RequestMatcher
	// Result is the success payload (mutually exclusive with Error).
	Result any
	Error  *connection.RPCError
	// Silent swallows the request without responding, leaving the
	// client to time out.
	Silent   bool
	Failures []FailureConfig
}

// MatchMethod matches by method name only.
func MatchMethod(method string) RequestMatcher {
	return RequestMatcher{Method: method}
}

// SimpleStubResponse stubs a method with a success result.
func SimpleStubResponse(method string, result any) StubResponse {
	return StubResponse{Matcher: MatchMethod(method), Result: result}
}

// ErrorStubResponse stubs a method with an RPC error.
func ErrorStubResponse(method string, code int, message string) StubResponse {
	return StubResponse{
		Matcher: MatchMethod(method),
		Error:   &connection.RPCError{Code: code, Message: message},
	}
}

// SilentStubResponse stubs a method to never answer.
func SilentStubResponse(method string) StubResponse {
	return StubResponse{Matcher: MatchMethod(method), Silent: true}
}

// session is the per-connection server-side state.
type session struct {
	token         string
	namespace     string
	database      string
	authenticated bool
	vars          map[string]any
}

// Server is a fake RPC server with stubbing, failure injection and
// live-query push support.
type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server

	mu             sync.RWMutex
	stubResponses  []StubResponse
	globalFailures []FailureConfig
	connections    map[*gws.Conn]bool
	connSessions   map[*gws.Conn]*session
	liveOwners     map[string]*gws.Conn
	requestCounts  map[string]int

	// RejectAuth makes signin and authenticate fail, for testing the
	// handshake error path. Set before clients connect.
	RejectAuth bool

	// Token returned by successful signins.
	TokenSignIn string

	ctx         context.Context
	cancel      context.CancelFunc
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
}

// Handler implements gws.Handler.
type Handler struct {
	server *Server
}

// NewServer creates a fake server. Use "127.0.0.1:0" for a random port.
func NewServer(addr string) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	c := codec.NewJSON()
	s := &Server{
		addr:          addr,
		connections:   make(map[*gws.Conn]bool),
		connSessions:  make(map[*gws.Conn]*session),
		liveOwners:    make(map[string]*gws.Conn),
		requestCounts: make(map[string]int),
		TokenSignIn:   "fake-signin-token",
		ctx:           ctx,
		cancel:        cancel,
		marshaler:     c,
		unmarshaler:   c,
	}

	handler := &Handler{server: s}
	s.server = gws.NewServer(handler, &gws.ServerOption{})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
			log.Printf("fakesdb: server error: %v", err)
		}
	}
	return s
}

// AddStubResponse registers a stub; stubs match in insertion order.
func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubResponses = append(s.stubResponses, stub)
}

// SetGlobalFailures installs failures applied to every request before
// stub matching.
func (s *Server) SetGlobalFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalFailures = failures
}

// RequestCount reports how many requests for method this server has
// received. Useful for asserting load distribution across servers.
func (s *Server) RequestCount(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestCounts[method]
}

// stopListener wraps the bound listener so the gws accept loop parks
// once the server is stopped: gws.RunListener retries Accept forever on
// error, which busy-loops on a closed listener and starves every other
// test in the process.
type stopListener struct {
	net.Listener
	done <-chan struct{}
}

func (l *stopListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		select {
		case <-l.done:
			select {}
		default:
		}
	}
	return conn, err
}

// Start binds and begins accepting connections.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(&stopListener{Listener: listener, done: s.ctx.Done()}); err != nil {
			if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
				log.Printf("fakesdb: server error: %v", err)
			}
		}
	}()
	return nil
}

// Stop shuts the server down, dropping all connections.
func (s *Server) Stop() error {
	s.cancel()
	s.DropConnections()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// DropConnections abruptly closes every open connection at the TCP
// level, simulating a server crash.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*gws.Conn, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.NetConn().Close()
	}
}

// Address returns the bound address, useful with port 0.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the ws:// RPC endpoint for this server.
func (s *Server) URL() string {
	return "ws://" + s.Address() + "/rpc"
}

// Push sends a live-query notification to the connection that owns
// liveID. It fails if the id is unknown or its connection is gone.
func (s *Server) Push(liveID string, action connection.Action, result any) error {
	s.mu.RLock()
	socket, ok := s.liveOwners[liveID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("fakesdb: no connection owns live query %q", liveID)
	}

	frame := map[string]any{
		"method": "notify",
		"params": map[string]any{
			"id":     liveID,
			"action": action,
			"result": result,
		},
	}
	data, err := s.marshaler.Marshal(frame)
	if err != nil {
		return err
	}
	return socket.WriteMessage(gws.OpcodeText, data)
}

// BroadcastRaw writes data verbatim to every open connection. Used to
// test how clients handle frames that are not valid responses.
func (s *Server) BroadcastRaw(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for socket := range s.connections {
		if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
			log.Printf("fakesdb: broadcast write: %v", err)
		}
	}
}

func (h *Handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.connections[socket] = true
	h.server.connSessions[socket] = &session{}
	h.server.mu.Unlock()
}

func (h *Handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	delete(h.server.connSessions, socket)
	delete(h.server.connections, socket)
	for id, owner := range h.server.liveOwners {
		if owner == socket {
			delete(h.server.liveOwners, id)
		}
	}
	h.server.mu.Unlock()
}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		log.Printf("fakesdb: write pong: %v", err)
	}
}

func (h *Handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *Handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	h.server.mu.RLock()
	globalFailures := h.server.globalFailures
	h.server.mu.RUnlock()

	for _, failure := range globalFailures {
		if shouldTriggerFailure(failure.Probability) {
			if done := h.applyFailure(socket, failure); done {
				return
			}
		}
	}

	var req connection.RPCRequest
	if err := h.server.unmarshaler.Unmarshal(message.Bytes(), &req); err != nil {
		h.sendError(socket, "", -32700, "Parse error")
		return
	}

	h.server.mu.Lock()
	h.server.requestCounts[req.Method]++
	h.server.mu.Unlock()

	// Stubs take precedence over default handling for every method.
	if stub := h.matchStub(&req); stub != nil {
		for _, failure := range stub.Failures {
			if shouldTriggerFailure(failure.Probability) {
				if done := h.applyFailure(socket, failure); done {
					return
				}
			}
		}
		switch {
		case stub.Silent:
		case stub.Error != nil:
			h.sendError(socket, req.ID, stub.Error.Code, stub.Error.Message)
		default:
			h.sendResponse(socket, req.ID, stub.Result)
		}
		return
	}

	switch req.Method {
	case "signin":
		h.handleSignIn(socket, &req)
	case "authenticate":
		h.handleAuthenticate(socket, &req)
	case "use":
		h.handleUse(socket, &req)
	case "invalidate":
		h.handleInvalidate(socket, &req)
	case "let":
		h.handleLet(socket, &req)
	case "unset":
		h.handleUnset(socket, &req)
	case "ping":
		h.sendResponse(socket, req.ID, nil)
	case "version":
		h.sendResponse(socket, req.ID, "fakesdb-1.0.0")
	case "live":
		h.handleLive(socket, &req)
	case "kill":
		h.handleKill(socket, &req)
	default:
		h.handleDefault(socket, &req)
	}
}

func (h *Handler) matchStub(req *connection.RPCRequest) *StubResponse {
	h.server.mu.RLock()
	defer h.server.mu.RUnlock()
	for i := range h.server.stubResponses {
		stub := &h.server.stubResponses[i]
		if stub.Matcher.Method != req.Method {
			continue
		}
		if stub.Matcher.Matcher == nil || stub.Matcher.Matcher(req.Params) {
			return stub
		}
	}
	return nil
}

func (h *Handler) applyFailure(socket *gws.Conn, failure FailureConfig) bool {
	switch failure.Type {
	case FailureRequestDelay:
		time.Sleep(randomDuration(failure.MinDelay, failure.MaxDelay))
		return false

	case FailureInvalidResponse:
		data := make([]byte, 100)
		if _, err := rand.Read(data); err != nil {
			log.Printf("fakesdb: generate invalid response: %v", err)
		}
		if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
			log.Printf("fakesdb: write invalid response: %v", err)
		}
		return true

	case FailureWebSocketClose:
		code := failure.CloseCode
		if code == 0 {
			code = 1001
		}
		reason := failure.CloseReason
		if reason == "" {
			reason = "failure injection"
		}
		socket.WriteClose(code, []byte(reason))
		return true

	case FailureDropConnection:
		socket.NetConn().Close()
		return true
	}
	return false
}

func (h *Handler) handleSignIn(socket *gws.Conn, req *connection.RPCRequest) {
	if h.server.RejectAuth {
		h.sendError(socket, req.ID, -32000, "There was a problem with authentication")
		return
	}

	h.server.mu.Lock()
	if sess := h.server.connSessions[socket]; sess != nil {
		sess.authenticated = true
		sess.token = h.server.TokenSignIn
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, h.server.TokenSignIn)
}

func (h *Handler) handleAuthenticate(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 1 {
		h.sendError(socket, req.ID, -32602, "authenticate requires a token parameter")
		return
	}
	token, ok := req.Params[0].(string)
	if !ok || token == "" {
		h.sendError(socket, req.ID, -32602, "token must be a non-empty string")
		return
	}
	if h.server.RejectAuth {
		h.sendError(socket, req.ID, -32000, "There was a problem with authentication: Invalid token")
		return
	}

	h.server.mu.Lock()
	if sess := h.server.connSessions[socket]; sess != nil {
		sess.authenticated = true
		sess.token = token
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, nil)
}

func (h *Handler) handleUse(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 2 {
		h.sendError(socket, req.ID, -32602, "use requires namespace and database parameters")
		return
	}
	namespace, ok := req.Params[0].(string)
	if !ok {
		h.sendError(socket, req.ID, -32602, "namespace must be a string")
		return
	}
	database, ok := req.Params[1].(string)
	if !ok {
		h.sendError(socket, req.ID, -32602, "database must be a string")
		return
	}

	h.server.mu.Lock()
	if sess := h.server.connSessions[socket]; sess != nil {
		sess.namespace = namespace
		sess.database = database
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, nil)
}

func (h *Handler) handleInvalidate(socket *gws.Conn, req *connection.RPCRequest) {
	h.server.mu.Lock()
	if sess := h.server.connSessions[socket]; sess != nil {
		*sess = session{}
	}
	h.server.mu.Unlock()
	h.sendResponse(socket, req.ID, nil)
}

func (h *Handler) handleLet(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 2 {
		h.sendError(socket, req.ID, -32602, "let requires a key and a value")
		return
	}
	key, ok := req.Params[0].(string)
	if !ok {
		h.sendError(socket, req.ID, -32602, "let key must be a string")
		return
	}

	h.server.mu.Lock()
	if sess := h.server.connSessions[socket]; sess != nil {
		if sess.vars == nil {
			sess.vars = make(map[string]any)
		}
		sess.vars[key] = req.Params[1]
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, nil)
}

func (h *Handler) handleUnset(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 1 {
		h.sendError(socket, req.ID, -32602, "unset requires a key")
		return
	}
	key, ok := req.Params[0].(string)
	if !ok {
		h.sendError(socket, req.ID, -32602, "unset key must be a string")
		return
	}

	h.server.mu.Lock()
	if sess := h.server.connSessions[socket]; sess != nil {
		delete(sess.vars, key)
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, nil)
}

func (h *Handler) handleLive(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 1 {
		h.sendError(socket, req.ID, -32602, "live requires a table parameter")
		return
	}
	id, err := uuid.NewV4()
	if err != nil {
		h.sendError(socket, req.ID, -32603, "failed to generate live query id")
		return
	}

	liveID := id.String()
	h.server.mu.Lock()
	h.server.liveOwners[liveID] = socket
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, liveID)
}

func (h *Handler) handleKill(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 1 {
		h.sendError(socket, req.ID, -32602, "kill requires a live query id")
		return
	}
	liveID, ok := req.Params[0].(string)
	if !ok {
		h.sendError(socket, req.ID, -32602, "live query id must be a string")
		return
	}

	h.server.mu.Lock()
	_, known := h.server.liveOwners[liveID]
	delete(h.server.liveOwners, liveID)
	h.server.mu.Unlock()

	if !known {
		h.sendError(socket, req.ID, -32000, "no such live query")
		return
	}
	h.sendResponse(socket, req.ID, nil)
}

// handleDefault answers unstubbed methods with an echo payload so tests
// can exercise arbitrary RPCs without configuring stubs.
func (h *Handler) handleDefault(socket *gws.Conn, req *connection.RPCRequest) {
	h.server.mu.RLock()
	sess := h.server.connSessions[socket]
	h.server.mu.RUnlock()

	if sess == nil || !sess.authenticated {
		h.sendError(socket, req.ID, -32000, "There was a problem with authentication: Session not found")
		return
	}
	if sess.namespace == "" || sess.database == "" {
		h.sendError(socket, req.ID, -32000, "Specify a namespace and database to use")
		return
	}

	h.sendResponse(socket, req.ID, map[string]any{
		"default": "response",
		"method":  req.Method,
		"params":  req.Params,
	})
}

func (h *Handler) sendResponse(socket *gws.Conn, id string, result any) {
	resp := map[string]any{"id": id, "result": result}
	data, err := h.server.marshaler.Marshal(resp)
	if err != nil {
		h.sendError(socket, id, -32603, fmt.Sprintf("marshal response: %v", err))
		return
	}
	if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
		log.Printf("fakesdb: write response: %v", err)
	}
}

func (h *Handler) sendError(socket *gws.Conn, id string, code int, message string) {
	resp := map[string]any{
		"id":    id,
		"error": &connection.RPCError{Code: code, Message: message},
	}
	data, err := h.server.marshaler.Marshal(resp)
	if err != nil {
		log.Printf("fakesdb: marshal error response: %v", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
		log.Printf("fakesdb: write error response: %v", err)
	}
}

func shouldTriggerFailure(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	return cryptoRandFloat64() < probability
}

func randomDuration(dMin, dMax time.Duration) time.Duration {
	if dMin >= dMax {
		return dMin
	}
	return dMin + time.Duration(cryptoRandInt64(int64(dMax-dMin)))
}

func isUseOfClosedNetworkError(err error) bool {
	return err != nil && strings.HasSuffix(err.Error(), "use of closed network connection")
}
