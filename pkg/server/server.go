package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bcmp-chat/bcmp/pkg/database"
	"github.com/bcmp-chat/bcmp/pkg/envelope"
	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

// debugLog is silent by default; EnableDebugLogging routes it to stderr.
var debugLog = log.New(io.Discard, "", 0)

// Server accepts connections, registers sessions and dispatches decoded
// messages to the registry.
type Server struct {
	config   ServerConfig
	registry *Registry
	codec    envelope.Codec // nil in plaintext mode
	history  *database.DB   // nil when history is disabled

	listener   net.Listener
	wsServer   *http.Server
	wsListener net.Listener
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a server from a resolved configuration.
func NewServer(config ServerConfig) (*Server, error) {
	codec, err := envelope.NewCodec(config.Scheme, config.Key)
	if err != nil {
		return nil, err
	}

	var history *database.DB
	if config.HistoryPath != "" {
		history, err = database.Open(config.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
	}

	return &Server{
		config:   config,
		registry: NewRegistry(config.MaxUsers),
		codec:    codec,
		history:  history,
		shutdown: make(chan struct{}),
	}, nil
}

// Registry exposes the session registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// SetMetrics attaches metrics to the server and its registry.
func (s *Server) SetMetrics(m *Metrics) {
	s.registry.SetMetrics(m)
}

// EnableDebugLogging turns on per-message debug output.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(log.Writer(), "debug: ", log.Flags())
}

// Addr returns the TCP listen address once the server has started.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start begins listening and accepting connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddr, s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	if s.config.Encrypted() {
		log.Printf("TCP server listening on %s (encrypted, scheme %s)", listener.Addr(), s.config.Scheme)
	} else {
		log.Printf("TCP server listening on %s (unencrypted)", listener.Addr())
	}

	if s.config.WebSocketPort != 0 {
		if err := s.startWebSocket(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}

	s.wg.Wait()
	s.registry.CloseAll()

	if s.history != nil {
		return s.history.Close()
	}
	return nil
}

// acceptLoop accepts incoming TCP connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		// Connection goroutines are not tracked by the WaitGroup: Stop
		// unblocks them by closing their sessions via CloseAll.
		go s.handleConnection(conn)
	}
}

// handleConnection runs the whole lifecycle of one client connection:
// register, accept (or reject at capacity), optional encryption upgrade,
// then the message loop.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	sess, err := s.registry.Register(conn)
	if errors.Is(err, ErrCapacityExceeded) {
		// The rejection is surfaced to the client before teardown, always in
		// plaintext: the peer has not switched to envelopes yet.
		log.Printf("Rejected %s: %v", conn.RemoteAddr(), err)
		rejection, _ := protocol.New(protocol.KindConnRejected, err.Error())
		if data, encErr := protocol.EncodeMessage(rejection); encErr == nil {
			conn.Write(data)
		}
		return
	}
	if err != nil {
		log.Printf("Failed to register %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer s.disconnect(sess)

	debugLog.Printf("session %d: connected from %s", sess.ID, sess.RemoteAddr())

	// The accept is the last plaintext message on an encrypted deployment;
	// everything after it travels in envelopes. The session stays out of the
	// broadcast set until the upgrade is done, so nothing can write to the
	// channel between the accept and the first envelope.
	acceptKind := protocol.KindConnAccepted
	if s.codec != nil {
		acceptKind = protocol.KindConnEncrypted
	}
	if err := sess.Send(protocol.Message{Kind: acceptKind}); err != nil {
		log.Printf("session %d: failed to send accept: %v", sess.ID, err)
		return
	}
	if s.codec != nil {
		sess.EnableEncryption(s.codec)
	}
	s.registry.Activate(sess.ID)

	idleTimeout := time.Duration(s.config.IdleTimeoutSeconds) * time.Second

	for {
		if idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		msg, err := sess.Receive()
		if err != nil {
			s.logDisconnect(sess, err)
			return
		}

		if err := s.handleMessage(sess, msg); err != nil {
			// Handler errors are write failures; the read loop will see the
			// closed channel, so just log and stop.
			log.Printf("session %d: handle error: %v", sess.ID, err)
			return
		}
	}
}

// logDisconnect classifies why a session's read loop ended. Protocol errors
// are fatal to the single connection, never to the server.
func (s *Server) logDisconnect(sess *Session, err error) {
	switch {
	case errors.Is(err, io.EOF):
		log.Printf("session %d [%s] disconnected", sess.ID, sess.Nickname())
	case errors.Is(err, envelope.ErrDecryptionFailed),
		errors.Is(err, protocol.ErrUnknownDiscriminant),
		errors.Is(err, protocol.ErrMalformedNickedPayload),
		errors.Is(err, protocol.ErrInvalidUTF8):
		log.Printf("session %d [%s] dropped: protocol error: %v", sess.ID, sess.Nickname(), err)
	default:
		log.Printf("session %d [%s] read error: %v", sess.ID, sess.Nickname(), err)
	}
}

// disconnect removes the session and announces the departure of named users.
func (s *Server) disconnect(sess *Session) {
	nick := sess.Nickname()
	s.registry.Remove(sess.ID)
	if nick != "" {
		s.registry.Broadcast(protocol.Message{Kind: protocol.KindNickedLeave, Nick: nick}, sess.ID)
	}
}
