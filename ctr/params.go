package ctr

import (
	"encoding/hex"
	"fmt"

	ctrstream "github.com/devgianlu/go-ctrstream"
)

// Params holds the pre-derived decryption parameters of a stream.
type Params struct {
	Key         []byte
	CounterBase []byte
	Policy      CounterPolicy
}

// NewParams validates and copies key and counterBase.
func NewParams(key, counterBase []byte, policy CounterPolicy) (*Params, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, &ctrstream.ConfigurationError{Field: "key", Err: fmt.Errorf("expected 16, 24 or 32 bytes, got %d", len(key))}
	}

	if len(counterBase) != BlockSize {
		return nil, &ctrstream.ConfigurationError{Field: "counter base", Err: fmt.Errorf("expected %d bytes, got %d", BlockSize, len(counterBase))}
	}

	switch policy {
	case CounterPolicyFull128, CounterPolicyNonce64:
	default:
		return nil, &ctrstream.ConfigurationError{Field: "counter policy", Err: fmt.Errorf("unknown policy %d", policy)}
	}

	p := &Params{Policy: policy}
	p.Key = append([]byte(nil), key...)
	p.CounterBase = append([]byte(nil), counterBase...)
	return p, nil
}

// ParseHexParams decodes hex encoded key and counter base.
func ParseHexParams(keyHex, counterBaseHex string, policy CounterPolicy) (*Params, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, &ctrstream.ConfigurationError{Field: "key", Err: fmt.Errorf("malformed hex: %w", err)}
	}

	counterBase, err := hex.DecodeString(counterBaseHex)
	if err != nil {
		clear(key)
		return nil, &ctrstream.ConfigurationError{Field: "counter base", Err: fmt.Errorf("malformed hex: %w", err)}
	}

	p, err := NewParams(key, counterBase, policy)
	clear(key)
	clear(counterBase)
	return p, err
}

// Wipe zeroes the key material held by p.
func (p *Params) Wipe() {
	clear(p.Key)
	clear(p.CounterBase)
}
