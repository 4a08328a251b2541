package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"

	"github.com/surrealpool/surrealpool/internal/codec"
	"github.com/surrealpool/surrealpool/pkg/constants"
	"github.com/surrealpool/surrealpool/pkg/logger"
)

// State of a WebSocketConnection. Closed is terminal.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// DefaultDialer is the gorilla dialer used by Connect.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// WebSocketConnection owns exactly one WebSocket and presents a
// request/response and live-subscription API on top of it.
//
// One background goroutine pumps inbound frames for the life of the
// socket. It never blocks on a caller: pending-response channels are
// buffered and ownership is transferred out of the table before
// delivery.
type WebSocketConnection struct {
	conf    Config
	session Session
	logger  logger.Logger

	conn    *gorilla.Conn
	writeMu sync.Mutex

	state     atomic.Int32
	idCounter atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan RPCResponse[json.RawMessage]

	liveMu sync.RWMutex
	live   map[string]chan Notification

	// readyCh is closed exactly once when the handshake completes. It is
	// deliberately separate from the receive loop's lifecycle: Connect
	// must return when the handshake is done, not when the (unbounded)
	// receive stream ends.
	readyCh chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
}

// New creates a disconnected WebSocketConnection from conf.
func New(conf Config) *WebSocketConnection {
	c := conf.withDefaults()
	return &WebSocketConnection{
		conf:    c,
		logger:  c.Logger,
		pending: make(map[string]chan RPCResponse[json.RawMessage]),
		live:    make(map[string]chan Notification),
		readyCh: make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Connect dials the endpoint, starts the receive loop, and performs the
// handshake (authenticate, then select namespace/database). It returns
// as soon as the handshake completes.
func (c *WebSocketConnection) Connect(ctx context.Context) error {
	if c.conf.URL == "" {
		return errors.New("connection URL not set")
	}
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		if c.State() == StateClosed {
			return constants.ErrConnectionClosed
		}
		return fmt.Errorf("connect: connection is %s", c.State())
	}

	conn, resp, err := DefaultDialer.DialContext(ctx, c.conf.URL, nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial %s: %w", c.conf.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c.conn = conn

	// The receive loop must be running before any handshake request is
	// awaited, since handshake responses arrive through it.
	go c.receiveLoop()

	c.state.Store(int32(StateAuthenticating))
	if err := c.handshake(ctx); err != nil {
		c.shutdown(err)
		return err
	}

	c.state.Store(int32(StateReady))
	close(c.readyCh)
	c.logger.Debug("connection ready", "url", c.conf.URL)
	return nil
}

func (c *WebSocketConnection) handshake(ctx context.Context) error {
	if c.conf.Token != "" {
		if err := c.sendRPC(ctx, nil, MethodAuthenticate, c.conf.Token); err != nil {
			return fmt.Errorf("%w: %v", constants.ErrAuthFailed, err)
		}
		c.session.setToken(c.conf.Token)
	} else {
		var token string
		creds := map[string]any{"user": c.conf.Username, "pass": c.conf.Password}
		if err := c.sendRPC(ctx, &token, MethodSignIn, creds); err != nil {
			return fmt.Errorf("%w: %v", constants.ErrAuthFailed, err)
		}
		c.session.setToken(token)
	}

	if err := c.sendRPC(ctx, nil, MethodUse, c.conf.Namespace, c.conf.Database); err != nil {
		return fmt.Errorf("%w: select namespace/database: %v", constants.ErrAuthFailed, err)
	}
	c.session.setScope(c.conf.Namespace, c.conf.Database)
	return nil
}

// State returns the current connection state.
func (c *WebSocketConnection) State() State {
	return State(c.state.Load())
}

// IsReady reports whether the connection accepts requests.
func (c *WebSocketConnection) IsReady() bool {
	return c.State() == StateReady
}

// IsClosed reports whether the connection reached its terminal state.
func (c *WebSocketConnection) IsClosed() bool {
	return c.State() == StateClosed
}

// Session exposes the connection's session state.
func (c *WebSocketConnection) Session() *Session {
	return &c.session
}

func (c *WebSocketConnection) GetUnmarshaler() codec.Unmarshaler {
	return c.conf.Unmarshaler
}

// checkReady gates public operations: requests issued outside Ready are
// rejected immediately, never queued.
func (c *WebSocketConnection) checkReady() error {
	switch c.State() {
	case StateReady:
		return nil
	case StateClosed:
		return constants.ErrConnectionClosed
	default:
		return constants.ErrNotConnected
	}
}

// Send issues an RPC and decodes the result into dest. Concurrent calls
// are safe; each gets its own correlation id and is resolved
// independently, in whatever order responses arrive.
func (c *WebSocketConnection) Send(ctx context.Context, dest any, method string, params ...any) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	return c.sendRPC(ctx, dest, method, params...)
}

func (c *WebSocketConnection) sendRPC(ctx context.Context, dest any, method string, params ...any) error {
	if c.conf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.Timeout)
		defer cancel()
	}

	id := strconv.FormatUint(c.idCounter.Add(1), 10)
	req := &RPCRequest{ID: id, Method: method, Params: params}

	ch, err := c.registerPending(id)
	if err != nil {
		return err
	}
	defer c.removePending(id)

	if err := c.write(req); err != nil {
		return fmt.Errorf("%w: write %s: %v", constants.ErrConnectionClosed, method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", constants.ErrTimeout, method)
		}
		return ctx.Err()
	case <-c.closeCh:
		return constants.ErrConnectionClosed
	case res, open := <-ch:
		if !open {
			return constants.ErrConnectionClosed
		}
		if res.Error != nil {
			return res.Error
		}
		if dest == nil || res.Result == nil {
			return nil
		}
		if err := c.conf.Unmarshaler.Unmarshal([]byte(*res.Result), dest); err != nil {
			return fmt.Errorf("%w: decode %s result: %v", constants.ErrProtocolError, method, err)
		}
		return nil
	}
}

// Live starts a live query and registers the returned id with the
// live-dispatch table before returning, so pushes are routed instead of
// being treated as orphaned frames.
func (c *WebSocketConnection) Live(ctx context.Context, table string, diff bool) (string, error) {
	if err := c.checkReady(); err != nil {
		return "", err
	}
	var id string
	if err := c.sendRPC(ctx, &id, MethodLive, table, diff); err != nil {
		return "", err
	}
	if _, err := c.createLiveChannel(id); err != nil {
		return "", err
	}
	return id, nil
}

// Kill stops a live query and closes its notification channel.
func (c *WebSocketConnection) Kill(ctx context.Context, liveID string) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if err := c.sendRPC(ctx, nil, MethodKill, liveID); err != nil {
		return err
	}
	c.closeLiveChannel(liveID)
	return nil
}

// LiveNotifications returns the channel for liveID, creating it if the
// id was obtained out of band.
func (c *WebSocketConnection) LiveNotifications(liveID string) (chan Notification, error) {
	c.liveMu.RLock()
	ch, ok := c.live[liveID]
	c.liveMu.RUnlock()
	if ok {
		return ch, nil
	}
	return c.createLiveChannel(liveID)
}

// Ping probes the connection with a short timeout.
func (c *WebSocketConnection) Ping(ctx context.Context) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.conf.PingTimeout)
	defer cancel()
	return c.sendRPC(ctx, nil, MethodPing)
}

// Let sets a session variable on the server.
func (c *WebSocketConnection) Let(ctx context.Context, key string, value any) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	return c.sendRPC(ctx, nil, MethodLet, key, value)
}

// Unset removes a session variable.
func (c *WebSocketConnection) Unset(ctx context.Context, key string) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	return c.sendRPC(ctx, nil, MethodUnset, key)
}

// Reset invalidates the server-side session and clears local session
// state. The connection stays open and can be re-authenticated.
func (c *WebSocketConnection) Reset(ctx context.Context) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if err := c.sendRPC(ctx, nil, MethodInvalidate); err != nil {
		return err
	}
	c.session.reset()
	return nil
}

// Close terminates the connection. Every outstanding request is
// resolved with ErrConnectionClosed and every live channel is closed.
// Close is idempotent.
func (c *WebSocketConnection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = constants.ErrConnectionClosed
		close(c.closeCh)

		if c.conn != nil {
			deadline := time.Now().Add(time.Second)
			if d, ok := ctx.Deadline(); ok {
				deadline = d
			}
			msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
			if err := c.conn.WriteControl(gorilla.CloseMessage, msg, deadline); err != nil {
				c.logger.Debug("failed to write close frame", "error", err)
			}
			_ = c.conn.Close()
		}
		c.failAll()
	})
	return nil
}

// shutdown is the internal teardown path for transport errors and
// failed handshakes. It shares the once with Close.
func (c *WebSocketConnection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = cause
		close(c.closeCh)
		_ = c.conn.Close()
		c.failAll()
		c.logger.Debug("connection closed", "cause", cause)
	})
}

// failAll resolves every pending request and live subscription with a
// terminal error by closing their channels.
func (c *WebSocketConnection) failAll() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()

	c.liveMu.Lock()
	for id, ch := range c.live {
		delete(c.live, id)
		close(ch)
	}
	c.liveMu.Unlock()

	c.session.reset()
}

// receiveLoop pumps inbound frames until the socket dies. It runs for
// the life of the connection and only ever suspends on the next frame.
func (c *WebSocketConnection) receiveLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
				// Local close already tore everything down.
			default:
				c.shutdown(fmt.Errorf("%w: %v", constants.ErrConnectionClosed, err))
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame: a "notify" method frame goes to
// the matching live channel, a frame with a known correlation id
// resolves that pending request, anything else is logged and dropped.
func (c *WebSocketConnection) dispatch(data []byte) {
	if method, err := jsonparser.GetString(data, "method"); err == nil && method == MethodNotify {
		c.dispatchNotification(data)
		return
	}

	id, err := jsonparser.GetString(data, "id")
	if err != nil {
		c.logger.Warn("discarding unrecognized frame", "frame", string(data))
		return
	}

	var res RPCResponse[json.RawMessage]
	if err := c.conf.Unmarshaler.Unmarshal(data, &res); err != nil {
		c.logger.Warn("malformed response frame", "id", id, "error", err)
		return
	}

	ch, ok := c.takePending(id)
	if !ok {
		// Most likely the caller already timed out.
		c.logger.Debug("response for unknown request id", "id", id)
		return
	}
	ch <- res
}

func (c *WebSocketConnection) dispatchNotification(data []byte) {
	params, _, _, err := jsonparser.Get(data, "params")
	if err != nil {
		c.logger.Warn("notify frame without params", "frame", string(data))
		return
	}

	var n Notification
	if err := c.conf.Unmarshaler.Unmarshal(params, &n); err != nil {
		c.logger.Warn("malformed notification", "error", err)
		return
	}
	if n.ID == "" {
		c.logger.Warn("notification without live query id")
		return
	}

	c.liveMu.RLock()
	ch, ok := c.live[n.ID]
	c.liveMu.RUnlock()
	if !ok {
		c.logger.Debug("notification for unknown live query", "id", n.ID)
		return
	}

	select {
	case ch <- n:
	default:
		c.logger.Warn("live channel full, dropping notification", "id", n.ID)
	}
}

func (c *WebSocketConnection) registerPending(id string) (chan RPCResponse[json.RawMessage], error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", constants.ErrIDInUse, id)
	}
	// Buffered so the receive loop never blocks on a caller.
	ch := make(chan RPCResponse[json.RawMessage], 1)
	c.pending[id] = ch
	return ch, nil
}

// takePending removes and returns the pending channel for id. Ownership
// transfers to the caller: whoever takes it is the only one delivering
// on or closing it.
func (c *WebSocketConnection) takePending(id string) (chan RPCResponse[json.RawMessage], bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return ch, ok
}

func (c *WebSocketConnection) removePending(id string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, id)
}

const liveChannelBuffer = 100

func (c *WebSocketConnection) createLiveChannel(id string) (chan Notification, error) {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	if _, ok := c.live[id]; ok {
		return nil, fmt.Errorf("%w: %s", constants.ErrIDInUse, id)
	}
	ch := make(chan Notification, liveChannelBuffer)
	c.live[id] = ch
	return ch, nil
}

func (c *WebSocketConnection) closeLiveChannel(id string) {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	if ch, ok := c.live[id]; ok {
		delete(c.live, id)
		close(ch)
	}
}

func (c *WebSocketConnection) write(v any) error {
	data, err := c.conf.Marshaler.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(gorilla.TextMessage, data)
}
