package client

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcmp-chat/bcmp/pkg/envelope"
	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

// stubServer accepts exactly one connection and hands it to the test.
func stubServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return listener.Addr().String(), conns
}

func acceptConn(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func writeMessage(t *testing.T, conn net.Conn, m protocol.Message) {
	t.Helper()
	require.NoError(t, protocol.EncodeTo(conn, m))
}

func TestDialAccepted(t *testing.T) {
	addr, conns := stubServer(t)

	dialed := make(chan *Connection, 1)
	dialErr := make(chan error, 1)
	go func() {
		c, err := Dial(addr, Options{})
		dialed <- c
		dialErr <- err
	}()

	server := acceptConn(t, conns)
	writeMessage(t, server, protocol.Message{Kind: protocol.KindConnAccepted})

	c := <-dialed
	require.NoError(t, <-dialErr)
	defer c.Close()

	// Server traffic lands on the incoming channel, decoded.
	chat, err := protocol.NewNicked(protocol.KindNickedChat, "alice", "welcome")
	require.NoError(t, err)
	writeMessage(t, server, chat)

	select {
	case got := <-c.Incoming():
		assert.Equal(t, chat, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived")
	}

	// Client traffic arrives framed on the wire.
	require.NoError(t, c.SetNickname("alice"))
	reader := bufio.NewReader(server)
	got, err := protocol.ReadMessage(reader)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindNickChange, got.Kind)
	assert.Equal(t, "alice", got.Body)
}

func TestDialRejected(t *testing.T) {
	addr, conns := stubServer(t)

	dialErr := make(chan error, 1)
	go func() {
		_, err := Dial(addr, Options{})
		dialErr <- err
	}()

	server := acceptConn(t, conns)
	rejection, err := protocol.New(protocol.KindConnRejected, "too many users")
	require.NoError(t, err)
	writeMessage(t, server, rejection)

	err = <-dialErr
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "too many users")
}

func TestDialEncryptionRequired(t *testing.T) {
	addr, conns := stubServer(t)

	dialErr := make(chan error, 1)
	go func() {
		_, err := Dial(addr, Options{})
		dialErr <- err
	}()

	server := acceptConn(t, conns)
	writeMessage(t, server, protocol.Message{Kind: protocol.KindConnEncrypted})

	assert.ErrorIs(t, <-dialErr, ErrEncryptionRequired)
}

func TestDialEncrypted(t *testing.T) {
	addr, conns := stubServer(t)

	key := make([]byte, envelope.KeySize)
	for i := range key {
		key[i] = byte(i)
	}

	dialed := make(chan *Connection, 1)
	dialErr := make(chan error, 1)
	go func() {
		c, err := Dial(addr, Options{Scheme: envelope.SchemeAEAD, Key: key})
		dialed <- c
		dialErr <- err
	}()

	server := acceptConn(t, conns)
	// The accept itself is the last plaintext message.
	writeMessage(t, server, protocol.Message{Kind: protocol.KindConnEncrypted})

	c := <-dialed
	require.NoError(t, <-dialErr)
	defer c.Close()

	codec, err := envelope.NewCodec(envelope.SchemeAEAD, key)
	require.NoError(t, err)

	// Everything after the handshake travels sealed, both directions.
	require.NoError(t, c.SendChat("secret"))
	reader := bufio.NewReader(server)
	frame, err := codec.ReadEnvelope(reader)
	require.NoError(t, err)
	got, _, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindChat, got.Kind)
	assert.Equal(t, "secret", got.Body)

	chat, err := protocol.NewNicked(protocol.KindNickedChat, "bob", "reply")
	require.NoError(t, err)
	plain, err := protocol.EncodeMessage(chat)
	require.NoError(t, err)
	sealed, err := codec.Seal(plain)
	require.NoError(t, err)
	_, err = server.Write(sealed)
	require.NoError(t, err)

	select {
	case msg := <-c.Incoming():
		assert.Equal(t, chat, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no sealed message arrived")
	}
}

func TestSendChatSlashBecomesCommand(t *testing.T) {
	addr, conns := stubServer(t)

	dialed := make(chan *Connection, 1)
	go func() {
		c, _ := Dial(addr, Options{})
		dialed <- c
	}()

	server := acceptConn(t, conns)
	writeMessage(t, server, protocol.Message{Kind: protocol.KindConnAccepted})

	c := <-dialed
	require.NotNil(t, c)
	defer c.Close()

	require.NoError(t, c.SendChat("/who"))
	require.NoError(t, c.SendChat("plain text"))

	reader := bufio.NewReader(server)
	first, err := protocol.ReadMessage(reader)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindCommand, first.Kind)
	assert.Equal(t, "/who", first.Body)

	second, err := protocol.ReadMessage(reader)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindChat, second.Kind)
}

func TestSendAfterClose(t *testing.T) {
	addr, conns := stubServer(t)

	dialed := make(chan *Connection, 1)
	go func() {
		c, _ := Dial(addr, Options{})
		dialed <- c
	}()

	server := acceptConn(t, conns)
	writeMessage(t, server, protocol.Message{Kind: protocol.KindConnAccepted})

	c := <-dialed
	require.NotNil(t, c)
	c.Close()

	assert.ErrorIs(t, c.SendChat("too late"), ErrClosed)
}

func TestIncomingClosesOnServerEOF(t *testing.T) {
	addr, conns := stubServer(t)

	dialed := make(chan *Connection, 1)
	go func() {
		c, _ := Dial(addr, Options{})
		dialed <- c
	}()

	server := acceptConn(t, conns)
	writeMessage(t, server, protocol.Message{Kind: protocol.KindConnAccepted})

	c := <-dialed
	require.NotNil(t, c)
	defer c.Close()

	server.Close()

	select {
	case _, ok := <-c.Incoming():
		assert.False(t, ok, "incoming should close on EOF")
	case <-time.After(2 * time.Second):
		t.Fatal("incoming never closed")
	}
	// A clean EOF is not an error.
	assert.NoError(t, c.Err())
}
