// Package jsonrpc implements the stdio JSON-RPC 2.0 framing and the per-child
// multiplexer that correlates concurrent gateway requests onto a single pipe.
package jsonrpc

import "encoding/json"

// Version is the fixed protocol version for every frame.
const Version = "2.0"

// Frame is one JSON document on the wire, in either direction. Exactly one
// frame per line, newline-terminated. A frame is classified by its fields:
//
//	ID + Method        → request
//	ID + Result/Error  → response
//	Method, no ID      → notification
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether the frame answers an outstanding request.
func (f *Frame) IsResponse() bool {
	return len(f.ID) > 0 && f.Method == ""
}

// IsNotification reports whether the frame is an id-less notification.
func (f *Frame) IsNotification() bool {
	return len(f.ID) == 0 && f.Method != ""
}

// ClientRequest is the JSON-RPC body accepted over HTTP. The client's id is
// echoed back in the HTTP response; the stdio-side id is assigned by the
// gateway and never leaves the process.
type ClientRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ClientResponse is the JSON-RPC body returned over HTTP.
type ClientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}
