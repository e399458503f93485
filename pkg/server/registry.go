package server

import (
	"errors"
	"net"
	"sync"

	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

// DefaultCapacity is the default ceiling on live sessions.
const DefaultCapacity = 50

var (
	// ErrCapacityExceeded rejects a registration when the registry is full.
	ErrCapacityExceeded = errors.New("too many users")

	// ErrNicknameTaken rejects a nickname another live session holds.
	ErrNicknameTaken = errors.New("nickname taken")

	// ErrInvalidName rejects a nickname that violates protocol or server
	// constraints.
	ErrInvalidName = errors.New("invalid nickname")
)

// Registry owns all live sessions. Every state-changing operation runs under
// one coarse mutex: with a 50-session ceiling the lock is never contended
// enough to matter, and a single critical section is what keeps the capacity
// and nickname-uniqueness invariants easy to reason about. Broadcast fan-out
// also runs under the lock, which gives every recipient a total order over
// broadcasts.
//
// A session passes through two phases. Register reserves a slot, so the
// capacity ceiling covers connections still mid-handshake, but only Activate
// makes the session broadcast-visible. Until then the handshake goroutine is
// the session's sole writer: the plaintext accept cannot be interleaved with
// broadcast frames the connecting client has no way to parse yet, and the
// encryption upgrade happens before any other goroutine can touch the
// session.
type Registry struct {
	mu       sync.Mutex
	pending  map[uint64]*Session
	sessions map[uint64]*Session
	byNick   map[string]uint64
	nextID   uint64
	capacity int
	metrics  *Metrics
}

// NewRegistry creates a registry with the given capacity; zero or negative
// means DefaultCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		pending:  make(map[uint64]*Session),
		sessions: make(map[uint64]*Session, capacity),
		byNick:   make(map[string]uint64, capacity),
		nextID:   1,
		capacity: capacity,
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(m *Metrics) {
	r.metrics = m
}

// Register allocates a session for a new connection. The capacity check and
// the insert happen in one critical section, so concurrent registrations can
// never overshoot the ceiling. The session receives no broadcasts until
// Activate.
func (r *Registry) Register(conn net.Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions)+len(r.pending) >= r.capacity {
		if r.metrics != nil {
			r.metrics.RecordSessionRejected()
		}
		return nil, ErrCapacityExceeded
	}

	id := r.nextID
	r.nextID++

	sess := newSession(id, conn)
	r.pending[id] = sess

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.sessions) + len(r.pending))
		r.metrics.RecordSessionCreated()
	}
	return sess, nil
}

// Activate makes a registered session broadcast-visible. Called once the
// handshake is done: the accept has been written and, on an encrypted
// deployment, the session has its codec. Activating a removed or unknown id
// is a no-op.
func (r *Registry) Activate(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.pending[id]
	if !ok {
		return
	}
	delete(r.pending, id)
	r.sessions[id] = sess
}

// SetNickname assigns or changes a session's nickname. Uniqueness is checked
// against all live sessions; on success every other session is notified with
// a nicked join (first nickname) or rename message. The notification happens
// inside the same critical section so rename and join notices are observed in
// a consistent order everywhere.
func (r *Registry) SetNickname(id uint64, nick string) error {
	if err := protocol.ValidateNickname(nick); err != nil {
		return ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrChannelClosed
	}

	if holder, taken := r.byNick[nick]; taken {
		if holder == id {
			return nil // no-op rename to the current nickname
		}
		return ErrNicknameTaken
	}

	prev := sess.Nickname()
	delete(r.byNick, prev)
	r.byNick[nick] = id
	sess.setNickname(nick)

	var notice protocol.Message
	if prev == "" {
		notice = protocol.Message{Kind: protocol.KindNickedJoin, Nick: nick}
	} else {
		notice = protocol.Message{Kind: protocol.KindNickedNickChange, Nick: prev, Body: nick}
	}
	r.broadcastLocked(notice, id)
	return nil
}

// Broadcast sends a message to every live session except the excluded one
// (0 excludes nobody; session ids start at 1). Delivery is best-effort: a
// failed send removes that session and the fan-out continues.
func (r *Registry) Broadcast(m protocol.Message, excludeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(m, excludeID)
}

// broadcastLocked performs the fan-out. Callers hold r.mu.
func (r *Registry) broadcastLocked(m protocol.Message, excludeID uint64) {
	var dead []uint64
	delivered := 0
	for id, sess := range r.sessions {
		if id == excludeID {
			continue
		}
		if err := sess.Send(m); err != nil {
			debugLog.Printf("session %d: broadcast send failed (%s): %v", id, m.Kind, err)
			dead = append(dead, id)
			continue
		}
		delivered++
	}

	for _, id := range dead {
		r.removeLocked(id)
	}

	if r.metrics != nil {
		r.metrics.RecordBroadcast(delivered, len(dead))
	}
}

// Remove releases a session's identifier and nickname and closes its
// channel. Removing an unknown id is a no-op.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id uint64) {
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	} else if sess, ok = r.pending[id]; ok {
		delete(r.pending, id)
	} else {
		return
	}
	if nick := sess.Nickname(); nick != "" {
		delete(r.byNick, nick)
	}
	sess.Close()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.sessions) + len(r.pending))
		r.metrics.RecordSessionDisconnected()
	}
}

// Count returns the number of live sessions, handshaking ones included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) + len(r.pending)
}

// Nicknames returns the nicknames of all named live sessions.
func (r *Registry) Nicknames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	nicks := make([]string, 0, len(r.byNick))
	for nick := range r.byNick {
		nicks = append(nicks, nick)
	}
	return nicks
}

// CloseAll tears down every session, releasing all identifiers.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		sess.Close()
	}
	for _, sess := range r.pending {
		sess.Close()
	}
	r.pending = make(map[uint64]*Session)
	r.sessions = make(map[uint64]*Session, r.capacity)
	r.byNick = make(map[string]uint64, r.capacity)

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(0)
	}
}
