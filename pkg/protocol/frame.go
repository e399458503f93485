package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// HeaderSize is the fixed frame header: 1 discriminant byte plus a 16-bit
// big-endian content length.
const HeaderSize = 3

var (
	// ErrNeedMoreData signals that the buffer does not yet hold a complete
	// frame. It is a normal streaming condition, not a failure: the caller
	// buffers more bytes and retries.
	ErrNeedMoreData = errors.New("need more data")

	ErrUnknownDiscriminant    = errors.New("unknown discriminant")
	ErrMalformedNickedPayload = errors.New("nicked payload missing null separator")
	ErrInvalidUTF8            = errors.New("invalid UTF-8 in frame content")
)

// EncodeMessage serializes a message into a complete frame.
func EncodeMessage(m Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeTo(buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo writes the frame for m to w. Encoding is total for any message
// built through the package constructors; the validation here only catches
// hand-assembled values.
func EncodeTo(w io.Writer, m Message) error {
	sh, ok := kindShapes[m.Kind]
	if !ok {
		return fmt.Errorf("%w: 0x%02X", ErrUnknownKind, uint8(m.Kind))
	}

	length := m.contentLength()
	if length > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidPayload, MaxContentLength)
	}

	header := [HeaderSize]byte{byte(m.Kind)}
	binary.BigEndian.PutUint16(header[1:], uint16(length))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	switch sh {
	case shapeNicked:
		if err := ValidateNickname(m.Nick); err != nil {
			return err
		}
		if _, err := io.WriteString(w, m.Nick); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0x00}); err != nil {
			return err
		}
		fallthrough
	case shapePlain:
		if len(m.Body) > 0 {
			if _, err := io.WriteString(w, m.Body); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode parses one frame from the front of data. It returns the decoded
// message and the number of bytes consumed. When data holds less than a full
// frame it returns ErrNeedMoreData with zero consumption, so a caller can
// accumulate socket reads and retry; no bytes are ever consumed for a frame
// that cannot be fully interpreted.
func Decode(data []byte) (Message, int, error) {
	if len(data) < HeaderSize {
		return Message{}, 0, ErrNeedMoreData
	}

	kind := Kind(data[0])
	length := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < HeaderSize+length {
		return Message{}, 0, ErrNeedMoreData
	}

	content := data[HeaderSize : HeaderSize+length]
	msg, err := decodeContent(kind, content)
	if err != nil {
		return Message{}, 0, err
	}
	return msg, HeaderSize + length, nil
}

// decodeContent maps a discriminant and raw content to a message, enforcing
// the kind's payload shape.
func decodeContent(kind Kind, content []byte) (Message, error) {
	sh, ok := kindShapes[kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: 0x%02X", ErrUnknownDiscriminant, uint8(kind))
	}

	switch sh {
	case shapeEmpty:
		// Length is ignored for empty kinds: the first protocol revision
		// sent descriptive text with CONN_ACCEPTED and TOO_MANY_USERS.
		return Message{Kind: kind}, nil

	case shapePlain:
		if !utf8.Valid(content) {
			return Message{}, ErrInvalidUTF8
		}
		return Message{Kind: kind, Body: string(content)}, nil

	default: // shapeNicked
		sep := bytes.IndexByte(content, 0x00)
		if sep < 0 {
			return Message{}, ErrMalformedNickedPayload
		}
		nick, body := content[:sep], content[sep+1:]
		if len(nick) == 0 {
			return Message{}, fmt.Errorf("%w: empty nickname", ErrMalformedNickedPayload)
		}
		if !utf8.Valid(nick) || !utf8.Valid(body) {
			return Message{}, ErrInvalidUTF8
		}
		return Message{Kind: kind, Nick: string(nick), Body: string(body)}, nil
	}
}

// ReadMessage reads exactly one frame from r, blocking until it is complete.
// Session read loops use this; the incremental Decode serves callers that
// manage their own buffers.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	length := int(binary.BigEndian.Uint16(header[1:3]))
	content := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, content); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}

	return decodeContent(Kind(header[0]), content)
}

// Decoder accumulates stream bytes and yields complete messages. It is the
// convenience wrapper around Decode for callers that receive arbitrary
// splits, e.g. a WebSocket transport delivering partial frames.
type Decoder struct {
	buf []byte
}

// Feed appends raw stream bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message, or ErrNeedMoreData when the buffer
// holds only a partial frame. Any other error is fatal to the stream.
func (d *Decoder) Next() (Message, error) {
	msg, n, err := Decode(d.buf)
	if err != nil {
		return Message{}, err
	}
	d.buf = d.buf[n:]
	return msg, nil
}

// Buffered returns the number of unconsumed bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// FormatNotice builds a ServerNotice message, truncating overlong text
// instead of failing. Notices are server-generated and best-effort.
func FormatNotice(format string, args ...interface{}) Message {
	text := fmt.Sprintf(format, args...)
	if len(text) > MaxContentLength {
		text = strings.ToValidUTF8(text[:MaxContentLength], "")
	}
	return Message{Kind: KindServerNotice, Body: text}
}
