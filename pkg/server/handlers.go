package server

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

// handleMessage dispatches one decoded client message. Returned errors are
// write failures on the sender's own channel; everything else is answered
// in-band with a ServerNotice.
func (s *Server) handleMessage(sess *Session, msg protocol.Message) error {
	debugLog.Printf("session %d [%s]: recv %s", sess.ID, sess.Nickname(), msg)
	if m := s.registry.metrics; m != nil {
		m.RecordMessageReceived(msg.Kind.String())
	}

	switch msg.Kind {
	case protocol.KindNickChange:
		return s.handleNickChange(sess, msg.Body)
	case protocol.KindChat:
		return s.handleChat(sess, msg.Body)
	case protocol.KindCommand:
		return s.handleCommand(sess, msg.Body)
	case protocol.KindPing:
		return sess.Send(protocol.Message{Kind: protocol.KindPong})
	default:
		// A client sending server-originated kinds is out of contract but
		// harmless; tell it and move on.
		return sess.Send(protocol.FormatNotice("unexpected message kind %s", msg.Kind))
	}
}

// handleNickChange validates and applies a nickname. Rejections keep the
// connection open so the client can retry.
func (s *Server) handleNickChange(sess *Session, nick string) error {
	if err := s.validateNickname(nick); err != nil {
		return sess.Send(protocol.FormatNotice("invalid nickname: %v", err))
	}

	err := s.registry.SetNickname(sess.ID, nick)
	switch {
	case errors.Is(err, ErrNicknameTaken):
		return sess.Send(protocol.FormatNotice("nickname %q is taken", nick))
	case errors.Is(err, ErrInvalidName):
		return sess.Send(protocol.FormatNotice("invalid nickname %q", nick))
	case err != nil:
		return err
	}
	return nil
}

// validateNickname applies the server's policy on top of the protocol's
// structural constraints.
func (s *Server) validateNickname(nick string) error {
	if err := protocol.ValidateNickname(nick); err != nil {
		return err
	}
	if len(nick) > s.config.MaxNicknameLength {
		return fmt.Errorf("longer than %d bytes", s.config.MaxNicknameLength)
	}
	if strings.TrimSpace(nick) != nick || strings.TrimSpace(nick) == "" {
		return errors.New("leading or trailing whitespace")
	}
	if strings.ContainsAny(nick, "\r\n\t") {
		return errors.New("control characters")
	}
	return nil
}

// handleChat broadcasts a chat line from a named session.
func (s *Server) handleChat(sess *Session, body string) error {
	nick := sess.Nickname()
	if nick == "" {
		return sess.Send(protocol.FormatNotice("nickname required: send a nick change before chatting"))
	}
	if len(body) > s.config.MaxMessageLength {
		return sess.Send(protocol.FormatNotice("message too long (max %d bytes)", s.config.MaxMessageLength))
	}

	if s.history != nil {
		if err := s.history.LogMessage(nick, body); err != nil {
			log.Printf("failed to log message: %v", err)
		}
	}

	out, err := protocol.NewNicked(protocol.KindNickedChat, nick, body)
	if err != nil {
		return sess.Send(protocol.FormatNotice("invalid message: %v", err))
	}
	s.registry.Broadcast(out, sess.ID)
	return nil
}

// handleCommand runs a slash command. /who and /history answer the sender
// directly; /me is broadcast as a nicked command, which clients render as an
// action line.
func (s *Server) handleCommand(sess *Session, command string) error {
	nick := sess.Nickname()
	if nick == "" {
		return sess.Send(protocol.FormatNotice("nickname required: send a nick change before using commands"))
	}

	name, arg := command, ""
	if i := strings.IndexByte(command, ' '); i >= 0 {
		name, arg = command[:i], strings.TrimSpace(command[i+1:])
	}

	switch name {
	case "/who":
		nicks := s.registry.Nicknames()
		return sess.Send(protocol.FormatNotice("%d online: %s", len(nicks), strings.Join(nicks, ", ")))

	case "/history":
		return s.handleHistory(sess, arg)

	case "/me":
		if arg == "" {
			return sess.Send(protocol.FormatNotice("usage: /me <action>"))
		}
		out, err := protocol.NewNicked(protocol.KindNickedCommand, nick, arg)
		if err != nil {
			return sess.Send(protocol.FormatNotice("invalid action: %v", err))
		}
		s.registry.Broadcast(out, sess.ID)
		return nil

	default:
		return sess.Send(protocol.FormatNotice("unknown command %q (try /who, /history, /me)", name))
	}
}

// handleHistory replies with recent chat lines from the history log.
func (s *Server) handleHistory(sess *Session, arg string) error {
	if s.history == nil {
		return sess.Send(protocol.FormatNotice("history is disabled on this server"))
	}

	limit := s.config.ReplayLimit
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return sess.Send(protocol.FormatNotice("usage: /history [count]"))
		}
		if n < limit {
			limit = n
		}
	}

	lines, err := s.history.Recent(limit)
	if err != nil {
		log.Printf("session %d: history query failed: %v", sess.ID, err)
		return sess.Send(protocol.FormatNotice("history unavailable"))
	}
	if len(lines) == 0 {
		return sess.Send(protocol.FormatNotice("no history yet"))
	}

	for _, line := range lines {
		notice := protocol.FormatNotice("[%s] %s> %s",
			line.CreatedAt.Format("15:04"), line.Nickname, line.Body)
		if err := sess.Send(notice); err != nil {
			return err
		}
	}
	return nil
}
