// Package transport implements the two backend-facing wire protocols the
// gateway speaks: a reconnecting SSE client (component B of the spec) and a
// streamable-HTTP client that can receive either an inline JSON reply or an
// SSE-upgraded one.
package transport

import (
	"bufio"
	"strings"
)

// Frame is one parsed Server-Sent-Events message: an event name (defaults to
// "message" when absent) and its accumulated data payload.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// frameScanner assembles SSE frames from a line-oriented reader. SSE frames
// are delimited by a blank line; multiple "data:" lines are joined with "\n"
// per the SSE spec.
type frameScanner struct {
	scanner *bufio.Scanner
	event   strings.Builder
	data    []string
	id      string
}

func newFrameScanner(r *bufio.Scanner) *frameScanner {
	return &frameScanner{scanner: r}
}

// Next reads lines until a complete frame is assembled or the stream ends.
// It returns (frame, true, nil) on a complete frame, (zero, false, nil) on
// clean EOF, and (zero, false, err) on a read error.
func (f *frameScanner) Next() (Frame, bool, error) {
	for f.scanner.Scan() {
		line := f.scanner.Text()

		if line == "" {
			if len(f.data) == 0 && f.event.Len() == 0 {
				continue // keep-alive blank line between frames
			}
			event := f.event.String()
			if event == "" {
				event = "message"
			}
			frame := Frame{Event: event, Data: strings.Join(f.data, "\n"), ID: f.id}
			f.event.Reset()
			f.data = nil
			f.id = ""
			return frame, true, nil
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			f.event.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			f.data = append(f.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			f.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive, ignored
		default:
			// malformed line (no recognized field prefix): dropped here, and
			// not reported to the caller (no parse_error event results).
		}
	}

	if err := f.scanner.Err(); err != nil {
		return Frame{}, false, err
	}
	return Frame{}, false, nil
}
