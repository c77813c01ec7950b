package exchange

import (
	"sync"
	"time"

	"github.com/weavemesh/weavenet/pkg/content"
)

// SessionState is the lifecycle phase of a download session.
type SessionState int

const (
	// StateSeeking: providers are being discovered and targeted wants sent.
	StateSeeking SessionState = iota
	// StateBroadcasting: wants go to every connected peer with backoff.
	StateBroadcasting
	// StateSatisfied: the block arrived and was verified.
	StateSatisfied
	// StateTimedOut: the deadline passed without a verified block.
	StateTimedOut
)

func (s SessionState) String() string {
	switch s {
	case StateSeeking:
		return "seeking"
	case StateBroadcasting:
		return "broadcasting"
	case StateSatisfied:
		return "satisfied"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// session is one in-flight download. All concurrent Gets for the same CID
// share one session; the first caller drives it, the rest wait on done.
type session struct {
	id      content.CID
	started time.Time

	mu      sync.Mutex
	state   SessionState
	waiters int

	done   chan struct{}
	block  *content.Block
	err    error
	closed bool
}

func newSession(id content.CID) *session {
	return &session{
		id:      id,
		started: time.Now(),
		state:   StateSeeking,
		done:    make(chan struct{}),
	}
}

func (s *session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = state
}

func (s *session) currentState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// complete resolves the session exactly once.
func (s *session) complete(b *content.Block, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.block = b
	s.err = err
	if err == nil {
		s.state = StateSatisfied
	} else {
		s.state = StateTimedOut
	}
	close(s.done)
}

// release drops one waiter. It reports true when the session is still
// unresolved and nobody is left waiting on it.
func (s *session) release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters--
	return s.waiters <= 0 && !s.closed
}

// result blocks until the session resolves.
func (s *session) result() (*content.Block, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block, s.err
}

// sessionTable enforces single-flight downloads per CID.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

// getOrCreate returns the session for a CID, creating it when absent. The
// second return is true for the caller that must drive the download.
func (st *sessionTable) getOrCreate(id content.CID) (*session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id.String]; ok {
		s.mu.Lock()
		s.waiters++
		s.mu.Unlock()
		return s, false
	}
	s := newSession(id)
	s.waiters = 1
	st.sessions[id.String] = s
	return s, true
}

// lookup returns the live session for a CID, if any.
func (st *sessionTable) lookup(id content.CID) *session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id.String]
}

// drop removes a resolved session from the table.
func (st *sessionTable) drop(id content.CID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id.String)
}

// active returns all live sessions.
func (st *sessionTable) active() []*session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
