// Package connection implements the single-connection protocol state
// machine: handshake, request/response correlation over a background
// receive loop, and live-query push extraction.
package connection

import (
	"context"
	"time"

	"github.com/surrealpool/surrealpool/internal/codec"
	"github.com/surrealpool/surrealpool/pkg/constants"
	"github.com/surrealpool/surrealpool/pkg/logger"
)

// Client is the operation surface shared by a single connection, the
// pool, and the circuit-breaker wrapper, so they compose freely.
type Client interface {
	// Send issues an RPC and decodes the result into dest (skipped when
	// dest is nil). It suspends the caller until a response, the
	// per-request timeout, or connection teardown.
	Send(ctx context.Context, dest any, method string, params ...any) error
	// Live starts a live query on table and returns the server-assigned
	// subscription id, already registered for dispatch.
	Live(ctx context.Context, table string, diff bool) (string, error)
	// Kill stops the live query with the given id.
	Kill(ctx context.Context, liveID string) error
	// LiveNotifications returns the channel push notifications for the
	// given live query id are delivered on. The channel is closed when
	// the query is killed or the connection dies.
	LiveNotifications(liveID string) (chan Notification, error)
	// Ping is a health probe with a short default timeout.
	Ping(ctx context.Context) error
	// Close tears the client down, failing all in-flight work.
	Close(ctx context.Context) error
	GetUnmarshaler() codec.Unmarshaler
}

// Config carries everything one WebSocketConnection needs. The zero
// value is not usable; populate at least URL, Namespace and Database.
type Config struct {
	// URL is the full RPC endpoint, e.g. "ws://localhost:8000/rpc".
	URL string

	Namespace string
	Database  string

	// Username/Password are used for the signin handshake. If Token is
	// set it takes precedence and authenticate is used instead.
	Username string
	Password string
	Token    string

	// Timeout bounds every request including handshake RPCs.
	// Zero means constants.DefaultTimeout.
	Timeout time.Duration

	// PingTimeout bounds health probes. Zero means constants.DefaultPingTimeout.
	PingTimeout time.Duration

	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout == 0 {
		out.Timeout = constants.DefaultTimeout
	}
	if out.PingTimeout == 0 {
		out.PingTimeout = constants.DefaultPingTimeout
	}
	if out.Marshaler == nil {
		out.Marshaler = codec.NewJSON()
	}
	if out.Unmarshaler == nil {
		out.Unmarshaler = codec.NewJSON()
	}
	if out.Logger == nil {
		out.Logger = logger.Nop{}
	}
	return out
}
