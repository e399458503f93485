// Package client implements the BCMP client side: dialing, the
// accept/encrypt/reject handshake, and a background read pump. Consumers
// (the terminal UI) only ever see protocol messages; frame and envelope
// bytes stay inside pkg/protocol and pkg/envelope.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bcmp-chat/bcmp/pkg/envelope"
	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

var (
	// ErrRejected carries the server's rejection reason (capacity, usually).
	ErrRejected = errors.New("connection rejected")

	// ErrEncryptionRequired means the server wants envelopes but the client
	// was not configured with a scheme and key.
	ErrEncryptionRequired = errors.New("server requires encryption")

	// ErrClosed means Send was called after the connection shut down.
	ErrClosed = errors.New("connection closed")
)

// Options configures a connection.
type Options struct {
	// Scheme and Key enable the encrypted transport. Both ends must agree on
	// the scheme; the key is shared out of band.
	Scheme envelope.Scheme
	Key    []byte

	// DialTimeout bounds the TCP connect; zero means 10 seconds.
	DialTimeout time.Duration
}

// Connection is a live client connection to a BCMP server.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	codec  envelope.Codec

	writeMu sync.Mutex

	// Incoming delivers decoded server messages; it closes when the read
	// pump stops. Errors then holds the terminal error, if any.
	incoming chan protocol.Message
	errs     chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects, performs the handshake and starts the read pump. The
// returned connection is ready for Send; the caller has not announced a
// nickname yet.
func Dial(addr string, opts Options) (*Connection, error) {
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		incoming: make(chan protocol.Message, 64),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}

	if err := c.handshake(opts); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// handshake consumes the plaintext accept message and upgrades to envelopes
// when the server asks for them.
func (c *Connection) handshake(opts Options) error {
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(c.reader)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}

	switch msg.Kind {
	case protocol.KindConnAccepted:
		return nil

	case protocol.KindConnEncrypted:
		if opts.Scheme == envelope.SchemeNone || opts.Scheme == "" {
			return ErrEncryptionRequired
		}
		codec, err := envelope.NewCodec(opts.Scheme, opts.Key)
		if err != nil {
			return err
		}
		c.codec = codec
		return nil

	case protocol.KindConnRejected:
		return fmt.Errorf("%w: %s", ErrRejected, msg.Body)

	default:
		return fmt.Errorf("unexpected handshake message %s", msg.Kind)
	}
}

// Incoming returns the channel of decoded server messages.
func (c *Connection) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Err returns the terminal error after Incoming closes, or nil on a clean
// shutdown.
func (c *Connection) Err() error {
	select {
	case err := <-c.errs:
		return err
	default:
		return nil
	}
}

// Send encodes, optionally seals, and writes one message.
func (c *Connection) Send(m protocol.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	frame, err := protocol.EncodeMessage(m)
	if err != nil {
		return err
	}
	out := frame
	if c.codec != nil {
		out, err = c.codec.Seal(frame)
		if err != nil {
			return err
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(out)
	return err
}

// SetNickname sends a nickname announcement or change.
func (c *Connection) SetNickname(nick string) error {
	msg, err := protocol.New(protocol.KindNickChange, nick)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendChat sends one chat line; slash-prefixed lines go out as commands.
func (c *Connection) SendChat(body string) error {
	kind := protocol.KindChat
	if len(body) > 0 && body[0] == '/' {
		kind = protocol.KindCommand
	}
	msg, err := protocol.New(kind, body)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// readLoop pumps decoded messages into the incoming channel until the
// connection dies.
func (c *Connection) readLoop() {
	defer close(c.incoming)

	for {
		msg, err := c.receive()
		if err != nil {
			select {
			case <-c.closed:
				// Close initiated locally; not an error.
			default:
				if !errors.Is(err, io.EOF) {
					c.errs <- err
				}
			}
			return
		}

		select {
		case c.incoming <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) receive() (protocol.Message, error) {
	if c.codec == nil {
		return protocol.ReadMessage(c.reader)
	}

	frame, err := c.codec.ReadEnvelope(c.reader)
	if err != nil {
		return protocol.Message{}, err
	}
	msg, _, err := protocol.Decode(frame)
	return msg, err
}

// Close shuts down the connection; Incoming drains and closes shortly after.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
