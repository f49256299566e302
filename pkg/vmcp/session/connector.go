package session

import (
	"net/http"

	"github.com/mcpgateway/vmcp/pkg/vmcp"
	"github.com/mcpgateway/vmcp/pkg/vmcp/auth"
)

// createSessionTransport validates target.TransportType and constructs the
// Session that will speak it, returning ErrUnsupportedTransport for
// anything other than sse/streamable-http (spec 4.C lists exactly these two
// variants; stdio/grpc/ws/empty are all rejected here, at construction time,
// rather than failing lazily on first use).
func createSessionTransport(
	target *vmcp.BackendTarget,
	httpClient *http.Client,
	outgoing auth.OutgoingAuthenticator,
) (*defaultSession, error) {
	switch target.TransportType {
	case vmcp.TransportSSE, vmcp.TransportStreamableHTTP:
		return newDefaultSession(target, httpClient, outgoing), nil
	default:
		return nil, vmcp.ErrUnsupportedTransport
	}
}

// NewSession is the package's public constructor: it validates target's
// transport and returns a ready-to-use Session. Callers outside this package
// (the session pool, the router) only ever see the Session interface.
func NewSession(target *vmcp.BackendTarget, httpClient *http.Client, outgoing auth.OutgoingAuthenticator) (Session, error) {
	return createSessionTransport(target, httpClient, outgoing)
}
