package constants

import "time"

const (
	// CloseMessageCode is the WebSocket close code sent on a clean shutdown.
	CloseMessageCode = 1000

	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultPingTimeout is the default timeout for health probes. It is
	// deliberately short so a wedged connection is detected quickly.
	DefaultPingTimeout = 5 * time.Second
)

const (
	WebsocketScheme       = "ws"
	SecureWebsocketScheme = "wss"
)
