// Package envelope wraps fully encoded protocol frames in encrypted
// envelopes. Two mutually incompatible schemes exist across protocol
// revisions; a deployment picks exactly one and applies it to both directions
// of every connection. Keys are shared out of band — there is no negotiation
// on the wire.
package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the shared key length in bytes for both schemes.
const KeySize = 32

var (
	// ErrNeedMoreData signals a partial envelope: the caller buffers more
	// bytes and retries. Mirrors the frame codec's streaming contract.
	ErrNeedMoreData = errors.New("need more data")

	// ErrDecryptionFailed covers authentication tag mismatches and
	// plaintexts whose own header cannot account for the envelope. The
	// envelope must be discarded whole, never partially processed.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrFrameTooLarge means the frame does not fit the scheme's length
	// field (u16 ciphertext length for AEAD, u8 block count for block).
	ErrFrameTooLarge = errors.New("frame too large for envelope")

	ErrBadKeySize = errors.New("key must be 32 bytes")
)

// Codec seals frames into envelopes and opens envelopes back into frames.
// Seal and Open operate on whole byte slices; ReadEnvelope performs the
// blocking length-prefix-then-exact-remainder read for stream consumers.
type Codec interface {
	// Seal encrypts a complete encoded frame into one envelope.
	Seal(frame []byte) ([]byte, error)

	// Open decrypts one envelope from the front of data, returning the
	// plaintext frame and the bytes consumed. Returns ErrNeedMoreData with
	// zero consumption when data holds a partial envelope.
	Open(data []byte) (frame []byte, consumed int, err error)

	// ReadEnvelope reads exactly one envelope from r and opens it.
	ReadEnvelope(r io.Reader) ([]byte, error)
}

// Scheme names an envelope construction in configuration.
type Scheme string

const (
	SchemeNone  Scheme = "none"
	SchemeAEAD  Scheme = "aead"
	SchemeBlock Scheme = "block"
)

// NewCodec builds the codec for a scheme. SchemeNone returns a nil codec,
// meaning frames travel in the clear.
func NewCodec(scheme Scheme, key []byte) (Codec, error) {
	switch scheme {
	case SchemeNone, "":
		return nil, nil
	case SchemeAEAD:
		return NewAEADCodec(key)
	case SchemeBlock:
		return NewBlockCodec(key)
	default:
		return nil, fmt.Errorf("unknown envelope scheme %q", scheme)
	}
}

// ParseKey decodes a hex-encoded 32-byte shared key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrBadKeySize, len(key))
	}
	return key, nil
}
