package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind identifies a message type on the wire. The discriminant values are a
// versioned contract between client and server: 0x00, 0x01, 0xFE and 0xFF
// date back to the first protocol revision and must never be reassigned.
type Kind uint8

// Message kind constants (Client → Server)
const (
	KindChat       Kind = 0x00 // plain: chat body
	KindNickChange Kind = 0x01 // plain: requested nickname
	KindCommand    Kind = 0x02 // plain: slash command
	KindPing       Kind = 0x03 // empty
)

// Message kind constants (Server → Client)
const (
	KindPong             Kind = 0x04 // empty
	KindNickedChat       Kind = 0x10 // nicked: sender ++ chat body
	KindNickedNickChange Kind = 0x11 // nicked: old nick ++ new nick
	KindNickedJoin       Kind = 0x12 // nicked: joiner, empty body
	KindNickedLeave      Kind = 0x13 // nicked: leaver, empty body
	KindNickedCommand    Kind = 0x14 // nicked: sender ++ command body
	KindServerNotice     Kind = 0x20 // plain: status or error text
	KindConnEncrypted    Kind = 0xFD // empty: accepted, switch to envelopes
	KindConnAccepted     Kind = 0xFE // empty
	KindConnRejected     Kind = 0xFF // plain: rejection reason
)

// shape describes the payload layout of a message kind.
type shape int

const (
	shapeEmpty shape = iota
	shapePlain
	shapeNicked
)

// kindShapes is the closed enumeration. Decoding rejects any discriminant
// not present here.
var kindShapes = map[Kind]shape{
	KindChat:             shapePlain,
	KindNickChange:       shapePlain,
	KindCommand:          shapePlain,
	KindPing:             shapeEmpty,
	KindPong:             shapeEmpty,
	KindNickedChat:       shapeNicked,
	KindNickedNickChange: shapeNicked,
	KindNickedJoin:       shapeNicked,
	KindNickedLeave:      shapeNicked,
	KindNickedCommand:    shapeNicked,
	KindServerNotice:     shapePlain,
	KindConnEncrypted:    shapeEmpty,
	KindConnAccepted:     shapeEmpty,
	KindConnRejected:     shapePlain,
}

var kindNames = map[Kind]string{
	KindChat:             "CHAT",
	KindNickChange:       "NICK_CHANGE",
	KindCommand:          "COMMAND",
	KindPing:             "PING",
	KindPong:             "PONG",
	KindNickedChat:       "NICKED_CHAT",
	KindNickedNickChange: "NICKED_NICK_CHANGE",
	KindNickedJoin:       "NICKED_JOIN",
	KindNickedLeave:      "NICKED_LEAVE",
	KindNickedCommand:    "NICKED_COMMAND",
	KindServerNotice:     "SERVER_NOTICE",
	KindConnEncrypted:    "CONN_ENCRYPTED",
	KindConnAccepted:     "CONN_ACCEPTED",
	KindConnRejected:     "CONN_REJECTED",
}

// String returns the kind's wire-contract name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(k))
}

// MaxContentLength is the largest frame content the 16-bit length field can
// describe.
const MaxContentLength = 65535

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownKind    = errors.New("unknown message kind")
)

// Message is one protocol message. Kind selects the payload shape: empty
// kinds carry neither field, plain kinds carry Body only, nicked kinds carry
// Nick ahead of Body.
type Message struct {
	Kind Kind
	Nick string
	Body string
}

// String returns a short human-readable form used in logs.
func (m Message) String() string {
	switch kindShapes[m.Kind] {
	case shapeNicked:
		return fmt.Sprintf("%s[%s] %q", m.Kind, m.Nick, m.Body)
	case shapePlain:
		return fmt.Sprintf("%s %q", m.Kind, m.Body)
	default:
		return m.Kind.String()
	}
}

// IsNicked reports whether the message kind carries a nickname prefix.
func (m Message) IsNicked() bool {
	return kindShapes[m.Kind] == shapeNicked
}

// contentLength returns the encoded content length for the message.
func (m Message) contentLength() int {
	switch kindShapes[m.Kind] {
	case shapeNicked:
		return len(m.Nick) + 1 + len(m.Body)
	case shapePlain:
		return len(m.Body)
	default:
		return 0
	}
}

// New builds a message of an empty or plain kind. Empty kinds must be built
// with an empty body; nicked kinds must use NewNicked.
func New(kind Kind, body string) (Message, error) {
	sh, ok := kindShapes[kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, uint8(kind))
	}

	switch sh {
	case shapeNicked:
		return Message{}, fmt.Errorf("%w: kind %s requires a nickname", ErrInvalidPayload, kindNames[kind])
	case shapeEmpty:
		if body != "" {
			return Message{}, fmt.Errorf("%w: kind %s carries no body", ErrInvalidPayload, kindNames[kind])
		}
	}

	if err := validateBody(body); err != nil {
		return Message{}, err
	}

	m := Message{Kind: kind, Body: body}
	if m.contentLength() > MaxContentLength {
		return Message{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidPayload, MaxContentLength)
	}
	return m, nil
}

// NewNicked builds a message of a nicked kind.
func NewNicked(kind Kind, nick, body string) (Message, error) {
	sh, ok := kindShapes[kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, uint8(kind))
	}
	if sh != shapeNicked {
		return Message{}, fmt.Errorf("%w: kind %s carries no nickname", ErrInvalidPayload, kindNames[kind])
	}

	if err := ValidateNickname(nick); err != nil {
		return Message{}, err
	}
	if err := validateBody(body); err != nil {
		return Message{}, err
	}

	m := Message{Kind: kind, Nick: nick, Body: body}
	if m.contentLength() > MaxContentLength {
		return Message{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidPayload, MaxContentLength)
	}
	return m, nil
}

// ValidateNickname checks the protocol-level nickname constraints: non-empty,
// valid UTF-8 and no embedded null (the null byte separates nickname from
// body on the wire).
func ValidateNickname(nick string) error {
	if nick == "" {
		return fmt.Errorf("%w: empty nickname", ErrInvalidPayload)
	}
	if !utf8.ValidString(nick) {
		return fmt.Errorf("%w: nickname is not valid UTF-8", ErrInvalidPayload)
	}
	if strings.IndexByte(nick, 0x00) >= 0 {
		return fmt.Errorf("%w: nickname contains a null byte", ErrInvalidPayload)
	}
	return nil
}

func validateBody(body string) error {
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidPayload)
	}
	if len(body) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidPayload, MaxContentLength)
	}
	return nil
}
