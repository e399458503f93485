package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD envelope layout: [u16be ciphertext length][12-byte nonce][ciphertext
// including the 16-byte authentication tag].
const (
	aeadLenSize = 2
	NonceSize   = chacha20poly1305.NonceSize
)

// MaxAEADFrame is the largest frame Seal accepts: the ciphertext (frame plus
// tag) must fit the 16-bit length prefix.
const MaxAEADFrame = 65535 - chacha20poly1305.Overhead

// AEADCodec implements the AEAD framing scheme over ChaCha20-Poly1305.
type AEADCodec struct {
	aead cipher.AEAD
}

// NewAEADCodec builds an AEAD codec from a 32-byte shared key.
func NewAEADCodec(key []byte) (*AEADCodec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrBadKeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &AEADCodec{aead: aead}, nil
}

// Seal encrypts frame under a fresh random nonce. Reusing a nonce with the
// same key breaks the construction, so the nonce is drawn from crypto/rand
// on every call and never derived from a counter that could be rewound.
func (c *AEADCodec) Seal(frame []byte) ([]byte, error) {
	if len(frame) > MaxAEADFrame {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(frame), MaxAEADFrame)
	}

	out := make([]byte, aeadLenSize+NonceSize, aeadLenSize+NonceSize+len(frame)+c.aead.Overhead())
	nonce := out[aeadLenSize : aeadLenSize+NonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}

	out = c.aead.Seal(out, nonce, frame, nil)
	binary.BigEndian.PutUint16(out[:aeadLenSize], uint16(len(out)-aeadLenSize-NonceSize))
	return out, nil
}

// Open decrypts one envelope from the front of data.
func (c *AEADCodec) Open(data []byte) ([]byte, int, error) {
	if len(data) < aeadLenSize {
		return nil, 0, ErrNeedMoreData
	}
	ctLen := int(binary.BigEndian.Uint16(data[:aeadLenSize]))
	total := aeadLenSize + NonceSize + ctLen
	if len(data) < total {
		return nil, 0, ErrNeedMoreData
	}

	nonce := data[aeadLenSize : aeadLenSize+NonceSize]
	ciphertext := data[aeadLenSize+NonceSize : total]

	frame, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, 0, ErrDecryptionFailed
	}
	return frame, total, nil
}

// ReadEnvelope reads one complete envelope from r and opens it.
func (c *AEADCodec) ReadEnvelope(r io.Reader) ([]byte, error) {
	var prefix [aeadLenSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	ctLen := int(binary.BigEndian.Uint16(prefix[:]))

	rest := make([]byte, NonceSize+ctLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	frame, err := c.aead.Open(nil, rest[:NonceSize], rest[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return frame, nil
}
