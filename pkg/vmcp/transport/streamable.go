package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// StreamableClient speaks the streamable-HTTP MCP transport variant: a
// single POST URL carries both directions. The server may answer inline
// (application/json) or upgrade to text/event-stream in the response body
// (spec 4.C, "Streamable HTTP transport").
type StreamableClient struct {
	url        string
	httpClient *http.Client
	headers    map[string]string
}

// NewStreamableClient builds a client POSTing to url.
func NewStreamableClient(url string, httpClient *http.Client, headers map[string]string) *StreamableClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &StreamableClient{url: url, httpClient: httpClient, headers: headers}
}

// Reply is the result of one StreamableClient.Send call: either a single
// inline JSON body, or a channel of SSE frames the caller drains until it
// closes.
type Reply struct {
	JSON    []byte       // set when the response was application/json
	Frames  <-chan Frame // set when the response upgraded to an event-stream
	Header  http.Header  // response headers, e.g. Mcp-Session-Id
	errOnce <-chan error
}

// Err returns the terminal error from a streaming reply, or nil once the
// Frames channel has closed cleanly. Callers should range over Frames fully
// before calling Err.
func (r *Reply) Err() error {
	if r.errOnce == nil {
		return nil
	}
	return <-r.errOnce
}

// Send POSTs body (a JSON-RPC request) and returns the reply, dispatching on
// the response's Content-Type to decide between the inline-JSON and
// SSE-upgrade paths.
func (c *StreamableClient) Send(ctx context.Context, sessionID string, body []byte) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(ct)

	switch mediaType {
	case "text/event-stream":
		return c.streamReply(resp)
	default:
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("streamable-http: status %d: %s", resp.StatusCode, string(data))
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &Reply{JSON: data, Header: resp.Header}, nil
	}
}

func (c *StreamableClient) streamReply(resp *http.Response) (*Reply, error) {
	frames := make(chan Frame, 16)
	errCh := make(chan error, 1)

	go func() {
		defer resp.Body.Close()
		defer close(frames)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		fs := newFrameScanner(scanner)

		for {
			frame, ok, err := fs.Next()
			if err != nil {
				errCh <- err
				return
			}
			if !ok {
				errCh <- nil
				return
			}
			frames <- frame
		}
	}()

	return &Reply{Frames: frames, Header: resp.Header, errOnce: errCh}, nil
}
