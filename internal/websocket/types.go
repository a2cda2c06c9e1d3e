// internal/websocket/types.go
package websocket

// RPCRequest is a storage operation request from a connected client.
type RPCRequest struct {
	ID     string        `json:"id"`     // request ID, echoed in the response
	Method string        `json:"method"` // App method name, e.g. "SaveCheckpoint"
	Params []interface{} `json:"params"` // positional parameters
}

// RPCResponse answers one RPCRequest.
type RPCResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WSEvent is a server-initiated notification, such as a completed
// broken-symlink sweep.
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSMessage is the wire envelope for every message in either direction.
type WSMessage struct {
	// Kind is one of "rpc_request", "rpc_response", "event".
	Kind string `json:"kind"`

	Request  *RPCRequest  `json:"request,omitempty"`
	Response *RPCResponse `json:"response,omitempty"`
	Event    *WSEvent     `json:"event,omitempty"`
}
