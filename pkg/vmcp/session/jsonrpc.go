// Package session implements the MCP session lifecycle: initialize
// handshake, the outstanding-request correlation table, and call_tool /
// list_tools / close, over whichever backend transport (SSE or
// streamable-HTTP) the backend descriptor specifies (spec 4.C).
package session

import "encoding/json"

// jsonrpcVersion is the only JSON-RPC version this gateway speaks.
const jsonrpcVersion = "2.0"

// request is an outgoing JSON-RPC request. The gateway always assigns its
// own string ids (spec 3: "gateway-internal strings"), distinct from the
// client-supplied id, so every request/response pair here uses ID string.
// A notification (e.g. notifications/initialized) simply omits ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is an incoming JSON-RPC reply, correlated back to a request by ID.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a backend-reported JSON-RPC error, forwarded to the client
// verbatim per spec 7 ("Backend JSON-RPC errors are forwarded verbatim").
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

func newRequest(id, method string, params any) (request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return request{}, err
		}
		raw = b
	}
	return request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: raw}, nil
}
