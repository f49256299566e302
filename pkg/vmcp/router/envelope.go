// Package router implements the gateway's single client-facing JSON-RPC
// endpoint (spec 4.E): method classification, the per-client handshake,
// tools/list against the aggregated catalog, and tools/call dispatch to the
// owning backend session.
package router

import (
	"encoding/json"

	"github.com/mcpgateway/vmcp/pkg/vmcp"
)

const jsonrpcVersion = "2.0"

// clientRequest is one inbound JSON-RPC request/notification from a client.
// ID is raw so both numeric and string client-chosen ids round-trip exactly.
type clientRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether req carries no id, i.e. expects no reply.
func (r clientRequest) isNotification() bool { return len(r.ID) == 0 }

// clientResponse is the JSON-RPC envelope written back to the client.
type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *clientError    `json:"error,omitempty"`
}

// clientError mirrors the JSON-RPC error object, with gateway-specific
// fields nested under Data per spec 7 ("every error carries ... a
// correlation_id matching server logs").
type clientError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    *clientErrData `json:"data,omitempty"`
}

type clientErrData struct {
	Kind          vmcp.ErrorKind `json:"kind"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	BackendID     string         `json:"backend_id,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// errorCode maps the gateway's error taxonomy (spec 7) onto JSON-RPC numeric
// codes: the three the spec defines get the reserved JSON-RPC 2.0 codes;
// everything else gets a stable code in the implementation-defined server
// range (-32000 to -32099).
func errorCode(kind vmcp.ErrorKind) int {
	switch kind {
	case vmcp.KindInvalidRequest:
		return -32600
	case vmcp.KindMethodNotFound:
		return -32601
	case vmcp.KindInvalidParams:
		return -32602
	case vmcp.KindForbidden:
		return -32001
	case vmcp.KindNotFound:
		return -32002
	case vmcp.KindAmbiguous:
		return -32003
	case vmcp.KindBackendUnhealthy:
		return -32004
	case vmcp.KindTransportError:
		return -32005
	case vmcp.KindDeadlineExceeded:
		return -32006
	case vmcp.KindCancelled:
		return -32007
	default:
		return -32000
	}
}

// newErrorResponse builds a clientResponse carrying gwErr, preserving id.
func newErrorResponse(id json.RawMessage, gwErr *vmcp.Error) clientResponse {
	return clientResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error: &clientError{
			Code:    errorCode(gwErr.Kind),
			Message: gwErr.Message,
			Data: &clientErrData{
				Kind:          gwErr.Kind,
				CorrelationID: gwErr.CorrelationID,
				BackendID:     gwErr.BackendID,
				LastError:     gwErr.LastError,
			},
		},
	}
}

// newResultResponse builds a successful clientResponse from result.
func newResultResponse(id json.RawMessage, result any) (clientResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return clientResponse{}, err
	}
	return clientResponse{JSONRPC: jsonrpcVersion, ID: id, Result: raw}, nil
}
