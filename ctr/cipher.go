package ctr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"

	ctrstream "github.com/devgianlu/go-ctrstream"
)

const BlockSize = aes.BlockSize

var (
	ErrCipherClosed   = errors.New("cipher closed")
	ErrShortBuffer    = errors.New("destination shorter than source")
	ErrNegativeOffset = errors.New("negative offset")
)

// Cipher decrypts AES-CTR data at arbitrary absolute offsets. The counter
// block is derived from the block index on every call, no keystream
// position survives between calls.
type Cipher struct {
	block  cipher.Block
	policy CounterPolicy
	base   [BlockSize]byte

	counter   [BlockSize]byte
	keystream [BlockSize]byte
}

func NewCipher(params *Params) (*Cipher, error) {
	if len(params.CounterBase) != BlockSize {
		return nil, &ctrstream.CipherError{Err: fmt.Errorf("invalid counter base length: %d", len(params.CounterBase))}
	}

	block, err := aes.NewCipher(params.Key)
	if err != nil {
		return nil, &ctrstream.CipherError{Err: fmt.Errorf("failed initializing aes: %w", err)}
	}

	c := &Cipher{block: block, policy: params.Policy}
	copy(c.base[:], params.CounterBase)
	return c, nil
}

func (c *Cipher) Policy() CounterPolicy {
	return c.policy
}

// Decrypt decrypts src into dst, src being the ciphertext found at the
// absolute stream offset. dst and src may overlap exactly.
func (c *Cipher) Decrypt(dst, src []byte, offset int64) error {
	if c.block == nil {
		return &ctrstream.CipherError{Offset: offset, Err: ErrCipherClosed}
	} else if offset < 0 {
		return &ctrstream.CipherError{Offset: offset, Err: ErrNegativeOffset}
	} else if len(dst) < len(src) {
		return &ctrstream.CipherError{Offset: offset, Err: ErrShortBuffer}
	}

	blockIdx := uint64(offset / BlockSize)
	skip := int(offset % BlockSize)

	for i := 0; i < len(src); {
		c.policy.Derive(&c.counter, &c.base, blockIdx)
		c.block.Encrypt(c.keystream[:], c.counter[:])

		// the first block may start in the middle of the keystream
		i += subtle.XORBytes(dst[i:], src[i:], c.keystream[skip:])
		skip = 0
		blockIdx++
	}

	return nil
}

// Wipe zeroes the counter material and makes the cipher unusable.
func (c *Cipher) Wipe() {
	c.block = nil
	clear(c.base[:])
	clear(c.counter[:])
	clear(c.keystream[:])
}
