package ctr

import (
	"encoding/binary"
	"fmt"
)

// CounterPolicy describes how the counter block of a given block index is
// derived from the counter base.
type CounterPolicy int

const (
	// CounterPolicyFull128 treats the whole counter base as a big-endian
	// 128-bit integer and adds the block index to it with carry.
	CounterPolicyFull128 CounterPolicy = iota
	// CounterPolicyNonce64 keeps the first 8 bytes as a fixed nonce and adds
	// the block index to the last 8 bytes, wrapping at 64 bits.
	CounterPolicyNonce64
)

func ParseCounterPolicy(s string) (CounterPolicy, error) {
	switch s {
	case "", "full128":
		return CounterPolicyFull128, nil
	case "nonce64":
		return CounterPolicyNonce64, nil
	default:
		return 0, fmt.Errorf("unknown counter policy: %s", s)
	}
}

func (p CounterPolicy) String() string {
	switch p {
	case CounterPolicyFull128:
		return "full128"
	case CounterPolicyNonce64:
		return "nonce64"
	default:
		return fmt.Sprintf("CounterPolicy(%d)", int(p))
	}
}

// Derive writes the counter block for blockIndex into dst.
func (p CounterPolicy) Derive(dst, base *[BlockSize]byte, blockIndex uint64) {
	switch p {
	case CounterPolicyFull128:
		hi := binary.BigEndian.Uint64(base[:8])
		lo := binary.BigEndian.Uint64(base[8:])

		sum := lo + blockIndex
		if sum < lo {
			hi++
		}

		binary.BigEndian.PutUint64(dst[:8], hi)
		binary.BigEndian.PutUint64(dst[8:], sum)
	case CounterPolicyNonce64:
		copy(dst[:8], base[:8])
		binary.BigEndian.PutUint64(dst[8:], binary.BigEndian.Uint64(base[8:])+blockIndex)
	default:
		panic("unknown counter policy")
	}
}
