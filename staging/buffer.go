package staging

import "fmt"

const DefaultThreshold = 8 * 1024

type State int

const (
	// StateFilling accumulates bytes, nothing is released.
	StateFilling State = iota
	// StateDraining serves the staged bytes.
	StateDraining
	// StatePassthrough means the staged bytes have all been consumed.
	StatePassthrough
)

func (s State) String() string {
	switch s {
	case StateFilling:
		return "filling"
	case StateDraining:
		return "draining"
	case StatePassthrough:
		return "passthrough"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Buffer holds back the first threshold bytes of a stream so that the
// consumer sees a contiguous header region regardless of how the stream
// was fragmented.
type Buffer struct {
	buf []byte

	filled   int
	consumed int
	state    State
}

// New creates a Buffer. A zero threshold disables staging entirely.
func New(threshold int) *Buffer {
	if threshold < 0 {
		panic("negative staging threshold")
	}

	b := &Buffer{buf: make([]byte, threshold)}
	b.Reset()
	return b
}

func (b *Buffer) State() State {
	return b.state
}

func (b *Buffer) IsPassthrough() bool {
	return b.state == StatePassthrough
}

func (b *Buffer) Threshold() int {
	return len(b.buf)
}

// Remaining returns how many bytes can still be offered while filling.
func (b *Buffer) Remaining() int {
	if b.state != StateFilling {
		return 0
	}

	return len(b.buf) - b.filled
}

// Offer appends p while filling and returns the number of bytes accepted.
func (b *Buffer) Offer(p []byte) int {
	if b.state != StateFilling {
		return 0
	}

	n := copy(b.buf[b.filled:], p)
	b.filled += n
	if b.filled == len(b.buf) {
		b.state = StateDraining
	}

	return n
}

// Seal stops filling early, used when the stream ends before the threshold.
func (b *Buffer) Seal() {
	if b.state != StateFilling {
		return
	}

	if b.filled == 0 {
		b.state = StatePassthrough
	} else {
		b.state = StateDraining
	}
}

// DrainInto copies staged bytes into dst while draining.
func (b *Buffer) DrainInto(dst []byte) int {
	if b.state != StateDraining {
		return 0
	}

	n := copy(dst, b.buf[b.consumed:b.filled])
	b.consumed += n
	if b.consumed == b.filled {
		b.state = StatePassthrough
	}

	return n
}

// Reset prepares the buffer for a new stream.
func (b *Buffer) Reset() {
	b.Wipe()
	if len(b.buf) == 0 {
		b.state = StatePassthrough
	} else {
		b.state = StateFilling
	}
}

// Wipe zeroes the staged bytes and counters.
func (b *Buffer) Wipe() {
	clear(b.buf)
	b.filled, b.consumed = 0, 0
}
