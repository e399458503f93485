package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

// wsPair dials a throwaway HTTP server and returns both ends of one upgraded
// WebSocket connection.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()

	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-upgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade never completed")
	}
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestWebSocketConnReadSkipsEmptyMessages(t *testing.T) {
	client, server := wsPair(t)

	// A zero-length binary message is legal traffic and must not read as
	// end-of-stream.
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, nil))
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte("payload")))

	conn := NewWebSocketConn(client)
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestWebSocketConnCarriesFrames(t *testing.T) {
	client, server := wsPair(t)

	msg, err := protocol.NewNicked(protocol.KindNickedChat, "alice", "over websocket")
	require.NoError(t, err)
	frame, err := protocol.EncodeMessage(msg)
	require.NoError(t, err)

	// Deliver the frame split across messages, one of them empty; the frame
	// reader on the adapter must reassemble it.
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, frame[:2]))
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, nil))
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, frame[2:]))

	got, err := protocol.ReadMessage(NewWebSocketConn(client))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestWebSocketConnRejectsTextMessages(t *testing.T) {
	client, server := wsPair(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("not binary")))

	conn := NewWebSocketConn(client)
	_, err := conn.Read(make([]byte, 8))
	assert.Error(t, err)
}
