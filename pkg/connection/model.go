package connection

import "github.com/goccy/go-json"

// RPCError represents a JSON-RPC error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (r *RPCError) Error() string {
	return r.Message
}

// RPCRequest is an outbound JSON-RPC frame.
type RPCRequest struct {
	ID     string `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
}

// RPCResponse is an inbound JSON-RPC frame carrying a result or an error
// correlated to a request by ID.
type RPCResponse[T any] struct {
	ID     string    `json:"id"`
	Error  *RPCError `json:"error,omitempty"`
	Result *T        `json:"result,omitempty"`
}

// Notification is a live-query push decoded from the params of an
// inbound "notify" frame. Result is kept raw so the router can apply a
// decryption hook before decoding into the subscriber's type.
type Notification struct {
	ID     string          `json:"id"`
	Action Action          `json:"action"`
	Result json.RawMessage `json:"result"`
}

type Action string

const (
	CreateAction Action = "CREATE"
	UpdateAction Action = "UPDATE"
	DeleteAction Action = "DELETE"
)

// RPC methods consumed by this layer. The statement text passed to
// MethodQuery is opaque here; composing it is the query builder's job.
const (
	MethodSignIn       = "signin"
	MethodSignUp       = "signup"
	MethodAuthenticate = "authenticate"
	MethodInvalidate   = "invalidate"
	MethodUse          = "use"
	MethodLet          = "let"
	MethodUnset        = "unset"
	MethodQuery        = "query"
	MethodLive         = "live"
	MethodKill         = "kill"
	MethodPing         = "ping"
	MethodVersion      = "version"
	MethodNotify       = "notify"
)
