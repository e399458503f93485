package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bcmp-chat/bcmp/pkg/protocol"
)

// Block envelope layout (legacy scheme): [u8 block count][count × 16 bytes of
// ciphertext]. The frame is zero-padded to a whole number of AES blocks; the
// receiver trims the decrypted buffer using the frame's own header length,
// so padding content carries no meaning.
const BlockSize = aes.BlockSize

// MaxBlockFrame is the largest frame the u8 block count can describe.
const MaxBlockFrame = 255 * BlockSize

// BlockCodec implements the legacy block-cipher framing scheme over AES-256.
// The construction is unauthenticated and IV-less; it survives only for
// interoperability with first-revision peers and carries no integrity claim.
type BlockCodec struct {
	block cipher.Block
}

// NewBlockCodec builds a block codec from a 32-byte shared key.
func NewBlockCodec(key []byte) (*BlockCodec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrBadKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &BlockCodec{block: block}, nil
}

// Seal pads frame to whole blocks with zeros and encrypts it block by block.
func (c *BlockCodec) Seal(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("cannot seal an empty frame")
	}
	if len(frame) > MaxBlockFrame {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(frame), MaxBlockFrame)
	}

	blocks := (len(frame) + BlockSize - 1) / BlockSize
	padded := make([]byte, blocks*BlockSize)
	copy(padded, frame)

	out := make([]byte, 1+len(padded))
	out[0] = byte(blocks)
	for i := 0; i < blocks; i++ {
		c.block.Encrypt(out[1+i*BlockSize:], padded[i*BlockSize:])
	}
	return out, nil
}

// Open decrypts one envelope from the front of data and trims the result to
// the length declared by the decrypted frame's own header.
func (c *BlockCodec) Open(data []byte) ([]byte, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrNeedMoreData
	}
	blocks := int(data[0])
	total := 1 + blocks*BlockSize
	if len(data) < total {
		return nil, 0, ErrNeedMoreData
	}

	frame, err := c.decrypt(data[1:total], blocks)
	if err != nil {
		return nil, 0, err
	}
	return frame, total, nil
}

// ReadEnvelope reads one complete envelope from r and opens it.
func (c *BlockCodec) ReadEnvelope(r io.Reader) ([]byte, error) {
	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, err
	}
	blocks := int(count[0])

	ciphertext := make([]byte, blocks*BlockSize)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return c.decrypt(ciphertext, blocks)
}

func (c *BlockCodec) decrypt(ciphertext []byte, blocks int) ([]byte, error) {
	if blocks == 0 {
		return nil, ErrDecryptionFailed
	}

	plain := make([]byte, blocks*BlockSize)
	for i := 0; i < blocks; i++ {
		c.block.Decrypt(plain[i*BlockSize:], ciphertext[i*BlockSize:])
	}

	// The plaintext's header is authoritative for the true frame length;
	// everything past it is padding.
	if len(plain) < protocol.HeaderSize {
		return nil, ErrDecryptionFailed
	}
	frameLen := protocol.HeaderSize + int(binary.BigEndian.Uint16(plain[1:3]))
	if frameLen > len(plain) {
		return nil, ErrDecryptionFailed
	}
	return plain[:frameLen], nil
}
