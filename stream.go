package go_ctrstream

// LengthUnknown is the length of a stream whose size has not been declared
// by either the caller or the server. Lengths equal to LengthUnknown must
// never be used in arithmetic or comparisons.
const LengthUnknown int64 = -1

// Progress is emitted every time plaintext bytes are delivered to the consumer.
type Progress struct {
	// SessionId identifies the stream session that produced the bytes.
	SessionId string
	// ChunkSize is the number of network bytes read by the call.
	ChunkSize int
	// Position is the plaintext offset of the next byte to be delivered.
	Position int64
	// Encrypted reports whether the stream is being decrypted.
	Encrypted bool
}

func MinLength(a, b int64) int64 {
	if a == LengthUnknown {
		return b
	} else if b == LengthUnknown {
		return a
	} else if a < b {
		return a
	}

	return b
}
