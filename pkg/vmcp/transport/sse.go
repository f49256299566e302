package transport

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mcpgateway/vmcp/pkg/logger"
)

// State is the SSEClient's lifecycle state (spec 4.B).
type State int

// SSE client states.
const (
	StateIdle State = iota
	StateDialing
	StateReading
	StateBackoff
	StateClosed
)

// EventKind classifies what an SSEClient delivers to subscribers.
type EventKind string

// Event kinds delivered to subscribers, per spec 4.B.
const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventFrame        EventKind = "frame"
	EventParseError   EventKind = "parse_error"
)

// Event is one notification delivered to an SSEClient subscriber. Handlers
// must not perform blocking I/O — they may only enqueue; the client already
// ran the blocking I/O to produce the event.
type Event struct {
	Kind   EventKind
	Frame  Frame
	Reason error
	Line   string
}

const subscriberQueueDepth = 64

type subscriber struct {
	queue chan Event
	done  chan struct{}
}

// SSEClient is a single backend's long-lived event-stream reader. One
// instance exists per backend; it owns the stream exclusively and hands
// subscribers only events, never a shared mutable reference (spec 3:
// "Exclusive ownership by the supervising task; subscribers hold only weak
// references").
type SSEClient struct {
	url        string
	httpClient *http.Client
	backoffMin time.Duration
	backoffMax time.Duration

	mu          sync.Mutex
	state       State
	subscribers map[*subscriber]struct{}
	shouldRun   bool
	connected   bool
	lastFrameAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an SSEClient.
type Option func(*SSEClient)

// WithHTTPClient overrides the *http.Client used to dial the stream.
func WithHTTPClient(c *http.Client) Option {
	return func(s *SSEClient) { s.httpClient = c }
}

// WithBackoff overrides the reconnect backoff bounds (defaults 500ms/30s per
// spec section 6's RECONNECT_BACKOFF_MIN_MS/_MAX_MS).
func WithBackoff(minD, maxD time.Duration) Option {
	return func(s *SSEClient) { s.backoffMin, s.backoffMax = minD, maxD }
}

// NewSSEClient builds an SSEClient for url, which must respond to GET with
// text/event-stream. The client is idle until Start is called.
func NewSSEClient(url string, opts ...Option) *SSEClient {
	s := &SSEClient{
		url:         url,
		httpClient:  http.DefaultClient,
		backoffMin:  500 * time.Millisecond,
		backoffMax:  30 * time.Second,
		state:       StateIdle,
		subscribers: make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers handler to receive events. Delivery is via a bounded
// per-subscriber queue; if handler falls behind and the queue fills, the
// subscriber is dropped (spec 4.B: "drops-or-disconnects the subscriber when
// full"). The returned func unsubscribes.
func (s *SSEClient) Subscribe(handler func(Event)) (unsubscribe func()) {
	sub := &subscriber{queue: make(chan Event, subscriberQueueDepth), done: make(chan struct{})}

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.queue:
				if !ok {
					return
				}
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		s.mu.Lock()
		_, registered := s.subscribers[sub]
		delete(s.subscribers, sub)
		s.mu.Unlock()
		// Stop and a queue-full drop already closed done for a subscriber
		// they removed from the map.
		if registered {
			close(sub.done)
		}
	}
}

func (s *SSEClient) publish(ev Event) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- ev:
		default:
			// Queue full: this subscriber is slow. Disconnect it rather than
			// block the reader or grow memory unboundedly.
			s.mu.Lock()
			delete(s.subscribers, sub)
			s.mu.Unlock()
			close(sub.done)
			logger.Warnf("sse subscriber dropped: queue full for %s", s.url)
		}
	}
}

// IsConnected reports whether the reader currently holds an open stream.
func (s *SSEClient) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// State returns the current lifecycle state.
func (s *SSEClient) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins dialing and reading the stream in the background. Calling
// Start more than once is a no-op: at most one reader is ever active per
// spec property 4 (reconnect idempotence).
func (s *SSEClient) Start(ctx context.Context) {
	s.mu.Lock()
	if s.shouldRun {
		s.mu.Unlock()
		return
	}
	s.shouldRun = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
}

// Stop forbids further dials and cancels the reader. Concurrent Stop calls
// are safe and converge on exactly one close (spec property 4).
func (s *SSEClient) Stop() {
	s.mu.Lock()
	if !s.shouldRun {
		s.mu.Unlock()
		return
	}
	s.shouldRun = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateClosed
	s.connected = false
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[*subscriber]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}

func (s *SSEClient) run(ctx context.Context) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoffMin
	b.MaxInterval = s.backoffMax

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateDialing)
		err := s.readOnce(ctx, b)
		s.setConnected(false)

		if ctx.Err() != nil {
			return
		}

		reason := err
		if reason == nil {
			reason = fmt.Errorf("stream closed by server")
		}
		s.publish(Event{Kind: EventDisconnected, Reason: reason})

		s.setState(StateBackoff)
		wait := b.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *SSEClient) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *SSEClient) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// readOnce dials once and reads frames until EOF or error. b is the reconnect
// backoff shared with run; a clean frame received after reconnect resets it,
// so a backend that drops again after running cleanly for a while starts
// back at InitialInterval rather than wherever the previous outage left off.
func (s *SSEClient) readOnce(ctx context.Context, b *backoff.ExponentialBackOff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse dial: unexpected status %d", resp.StatusCode)
	}

	s.setState(StateReading)
	s.setConnected(true)
	s.publish(Event{Kind: EventConnected})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	fs := newFrameScanner(scanner)

	first := true
	for {
		frame, ok, err := fs.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil // clean EOF
		}
		if first {
			b.Reset()
			first = false
		}
		s.mu.Lock()
		s.lastFrameAt = time.Now()
		s.mu.Unlock()
		s.publish(Event{Kind: EventFrame, Frame: frame})
	}
}
