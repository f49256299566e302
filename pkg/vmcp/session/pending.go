package session

import (
	"sync"
	"sync/atomic"
)

// outcome is the terminal result delivered to a sink exactly once: either a
// JSON-RPC response or a locally-originated error (transport_error,
// deadline_exceeded, cancelled, session_closed).
type outcome struct {
	resp response
	err  error
}

// sink is a one-shot completion target for a single outstanding request,
// keyed by JSON-RPC id (spec glossary: "Sink"). Completion is idempotent:
// only the first of {reply, error, cancelled, deadline, session-close} wins,
// enforced by sync.Once so a race between e.g. a late reply and a deadline
// firing can never double-complete the caller (spec property 2).
type sink struct {
	once sync.Once
	ch   chan outcome
}

func newSink() *sink {
	return &sink{ch: make(chan outcome, 1)}
}

// complete delivers o if this is the first call; subsequent calls are no-ops.
func (s *sink) complete(o outcome) {
	s.once.Do(func() { s.ch <- o })
}

// done returns the channel to select on for the terminal outcome.
func (s *sink) done() <-chan outcome { return s.ch }

// pendingTable is the per-session outstanding-request map (spec 3:
// McpSession.pending). Inserts happen before a request is written to the
// wire (to avoid the race where a reply arrives before registration);
// deletes happen from exactly one of: the demultiplexer on reply, the
// timeout/cancel path, or session teardown.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*sink
	seq     atomic.Uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*sink)}
}

// nextID returns a fresh, session-unique request id (spec property 1:
// correlation uniqueness).
func (p *pendingTable) nextID() string {
	n := p.seq.Add(1)
	return "g-" + itoa(n)
}

// register inserts a new sink for id before the request is sent. Returns
// false if id somehow already has a sink (would violate uniqueness).
func (p *pendingTable) register(id string) (*sink, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[id]; exists {
		return nil, false
	}
	s := newSink()
	p.entries[id] = s
	return s, true
}

// remove deletes id from the table without completing its sink; used after
// a write failure, where the caller fails locally instead.
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
}

// resolve routes an incoming response to its sink by id and removes it from
// the table. If no sink exists (late reply after cancel/timeout, or an
// id the session never issued), the frame is dropped; the caller logs it.
func (p *pendingTable) resolve(resp response) (found bool) {
	p.mu.Lock()
	s, ok := p.entries[resp.ID]
	if ok {
		delete(p.entries, resp.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.complete(outcome{resp: resp})
	return true
}

// failAll completes every still-pending sink with err and empties the
// table — used on session teardown (spec 3: "every entry in pending is
// removed exactly once").
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*sink)
	p.mu.Unlock()

	for _, s := range entries {
		s.complete(outcome{err: err})
	}
}

// len reports the number of still-outstanding requests, used by tests to
// assert no leaks.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
