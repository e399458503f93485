package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/bcmp-chat/bcmp/pkg/envelope"
	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

// ErrChannelClosed means the peer went away mid-write.
var ErrChannelClosed = errors.New("channel closed")

// Session is the server-side state for one connected client: identifier,
// optional nickname, the byte channel, and the envelope codec when the server
// runs encrypted. A session moves Connected (no nickname) → Named →
// Disconnected; the registry owns the transitions.
type Session struct {
	ID   uint64
	conn net.Conn

	reader *bufio.Reader
	codec  envelope.Codec // nil in plaintext mode

	mu      sync.RWMutex // protects nickname
	nick    string
	writeMu sync.Mutex // serializes whole envelopes/frames on the wire
}

func newSession(id uint64, conn net.Conn) *Session {
	return &Session{
		ID:     id,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Nickname returns the session's nickname, empty while still anonymous.
func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

func (s *Session) setNickname(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

// Named reports whether the client has announced a nickname.
func (s *Session) Named() bool {
	return s.Nickname() != ""
}

// EnableEncryption switches the session to envelope framing. Called once by
// the handshake goroutine, after the plaintext CONN_ENCRYPTED accept and
// before Registry.Activate makes the session broadcast-visible; no other
// goroutine can hold the session yet, so the codec is never written
// concurrently with a Send or Receive.
func (s *Session) EnableEncryption(codec envelope.Codec) {
	s.codec = codec
}

// RemoteAddr returns the peer address for logging.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send encodes the message, seals it when the session is encrypted, and
// writes it to the peer. Writes are serialized per session so concurrent
// broadcasts never interleave bytes of two frames.
func (s *Session) Send(m protocol.Message) error {
	frame, err := protocol.EncodeMessage(m)
	if err != nil {
		return err
	}

	out := frame
	if s.codec != nil {
		out, err = s.codec.Seal(frame)
		if err != nil {
			return err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Receive blocks until the next complete message arrives and returns it
// decoded. io.EOF means the peer disconnected cleanly. Receive never touches
// registry state, so a blocked read cannot stall bookkeeping.
func (s *Session) Receive() (protocol.Message, error) {
	if s.codec == nil {
		return protocol.ReadMessage(s.reader)
	}

	frame, err := s.codec.ReadEnvelope(s.reader)
	if err != nil {
		return protocol.Message{}, err
	}

	msg, n, err := protocol.Decode(frame)
	if err != nil {
		if errors.Is(err, protocol.ErrNeedMoreData) {
			// An envelope shorter than the frame it claims to carry.
			return protocol.Message{}, io.ErrUnexpectedEOF
		}
		return protocol.Message{}, err
	}
	if n != len(frame) {
		return protocol.Message{}, fmt.Errorf("envelope carries %d trailing bytes", len(frame)-n)
	}
	return msg, nil
}

// Close shuts the underlying channel. Safe to call more than once.
func (s *Session) Close() error {
	return s.conn.Close()
}
