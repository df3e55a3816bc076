package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	ctrstream "github.com/devgianlu/go-ctrstream"
	"github.com/devgianlu/go-ctrstream/ctr"
	"github.com/devgianlu/go-ctrstream/staging"
	"github.com/devgianlu/go-ctrstream/transport"
	"github.com/google/uuid"
)

type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is a seekable byte stream over an HTTP resource that is optionally
// AES-CTR encrypted. Read, Seek and Open must not be called concurrently,
// Close may be called at any time.
type Session struct {
	id  string
	log ctrstream.Logger

	transport *transport.Transport
	cipher    *ctr.Cipher
	staging   *staging.Buffer
	events    chan<- ctrstream.Progress

	// scratch receives network bytes that cannot go to the caller directly
	scratch  []byte
	maxChunk int

	mu      sync.Mutex
	state   atomic.Int32
	closing atomic.Bool

	req       Request
	encrypted bool
	length    int64
	position  atomic.Int64

	// netOffset is the absolute ciphertext offset of the next network byte
	netOffset int64
	// discard is the number of decrypted bytes still owed to be dropped
	discard int
	// unreported is the number of network bytes not yet carried by a progress event
	unreported int
}

func New(opts *Options) (*Session, error) {
	s := &Session{
		id:       uuid.NewString(),
		log:      opts.Log,
		events:   opts.Events,
		maxChunk: opts.MaxChunkSize,
		length:   ctrstream.LengthUnknown,
	}

	if s.log == nil {
		s.log = &ctrstream.NullLogger{}
	}
	s.log = s.log.WithField("session", s.id)

	if s.maxChunk <= 0 {
		s.maxChunk = DefaultMaxChunkSize
	}

	threshold := opts.StagingThreshold
	if threshold == 0 {
		threshold = staging.DefaultThreshold
	} else if threshold < 0 {
		threshold = 0
	}

	s.staging = staging.New(threshold)
	s.scratch = make([]byte, s.maxChunk+ctr.BlockSize)

	var err error
	s.transport, err = transport.New(&transport.Options{
		Log:            s.log,
		Client:         opts.Client,
		ConnectTimeout: opts.ConnectTimeout,
		ReadTimeout:    opts.ReadTimeout,
		ProxyUrl:       opts.ProxyUrl,
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Position returns the plaintext offset of the next byte Read will return.
func (s *Session) Position() int64 {
	return s.position.Load()
}

func (s *Session) Encrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypted
}

// Length returns the plaintext length of the current range as declared at
// open, or ctrstream.LengthUnknown.
func (s *Session) Length() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Size returns the complete size of the resource if the server reported it.
func (s *Session) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Size()
}

// Open starts streaming req and returns the number of plaintext bytes that
// will be delivered, or ctrstream.LengthUnknown. If opening fails the
// session is closed.
func (s *Session) Open(ctx context.Context, req Request) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateClosed {
		return 0, fmt.Errorf("session already open")
	}

	s.closing.Store(false)
	return s.open(ctx, req)
}

func (s *Session) open(ctx context.Context, req Request) (int64, error) {
	if req.Offset < 0 {
		return 0, &ctrstream.ConfigurationError{Field: "offset", Err: fmt.Errorf("negative offset %d", req.Offset)}
	} else if req.Length < 0 && req.Length != ctrstream.LengthUnknown {
		return 0, &ctrstream.ConfigurationError{Field: "length", Err: fmt.Errorf("negative length %d", req.Length)}
	}

	s.state.Store(int32(StateOpening))

	rng := ctr.Unaligned(req.Offset, req.Length)
	if req.Cipher != nil {
		var err error
		s.cipher, err = ctr.NewCipher(req.Cipher)
		if err != nil {
			_ = s.teardown()
			return 0, err
		}

		rng = ctr.Align(req.Offset, req.Length, ctr.BlockSize)
	}

	declared, err := s.transport.Open(ctx, req.Url, rng.AlignedOffset, rng.AdjustedLength)
	if err != nil {
		_ = s.teardown()
		if s.closing.Load() {
			return 0, ctrstream.ErrSessionClosed
		}

		s.log.WithError(err).Errorf("failed opening %s at %d", ctrstream.ObfuscateUrl(req.Url), req.Offset)
		return 0, err
	}

	s.req = req
	s.encrypted = req.Cipher != nil
	s.netOffset = rng.AlignedOffset
	s.discard = rng.Discard
	s.unreported = 0
	s.position.Store(req.Offset)
	s.staging.Reset()

	s.length = ctrstream.LengthUnknown
	if declared != ctrstream.LengthUnknown {
		s.length = max(declared-int64(rng.Discard), 0)
	}

	s.state.Store(int32(StateOpen))
	s.log.Debugf("opened stream at %d (aligned %d, discard %d, encrypted: %t), length %d",
		req.Offset, rng.AlignedOffset, rng.Discard, s.encrypted, s.length)
	return s.length, nil
}

// Read reads up to len(p) plaintext bytes. While the header region is being
// staged it returns (0, nil): the caller should simply try again.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateOpen {
		return 0, ctrstream.ErrSessionClosed
	} else if len(p) == 0 {
		return 0, nil
	}

	switch s.staging.State() {
	case staging.StateFilling:
		return 0, s.fill()
	case staging.StateDraining:
		n := s.staging.DrainInto(p)
		s.advance(n)
		return n, nil
	default:
		return s.passthrough(p)
	}
}

func (s *Session) fill() error {
	want := min(s.staging.Remaining()+s.discard, len(s.scratch))

	n, err := s.pull(s.scratch[:want])
	if errors.Is(err, io.EOF) {
		// the resource is shorter than the staging threshold
		s.staging.Seal()
		if s.staging.IsPassthrough() {
			return io.EOF
		}

		return nil
	} else if err != nil {
		return err
	}

	s.staging.Offer(s.dropDiscard(s.scratch[:n]))
	return nil
}

func (s *Session) passthrough(p []byte) (int, error) {
	if s.discard == 0 {
		n, err := s.pull(p[:min(len(p), s.maxChunk)])
		if err != nil {
			return 0, err
		}

		s.advance(n)
		return n, nil
	}

	// the owed prefix must not land in the caller's buffer
	n, err := s.pull(s.scratch[:min(len(p)+s.discard, len(s.scratch))])
	if err != nil {
		return 0, err
	}

	n = copy(p, s.dropDiscard(s.scratch[:n]))
	s.advance(n)
	return n, nil
}

// pull reads and decrypts network bytes into buf. Errors other than io.EOF
// terminate the session.
func (s *Session) pull(buf []byte) (int, error) {
	n, err := s.transport.Pull(buf)
	if errors.Is(err, io.EOF) {
		return 0, io.EOF
	} else if err != nil {
		return 0, s.fail(err)
	}

	if n > 0 && s.cipher != nil {
		if err := s.cipher.Decrypt(buf[:n], buf[:n], s.netOffset); err != nil {
			clear(buf[:n])
			return 0, s.fail(err)
		}
	}

	s.netOffset += int64(n)
	s.unreported += n
	return n, nil
}

func (s *Session) dropDiscard(b []byte) []byte {
	if s.discard == 0 {
		return b
	}

	d := min(s.discard, len(b))
	s.discard -= d
	return b[d:]
}

func (s *Session) advance(n int) {
	if n <= 0 {
		return
	}

	pos := s.position.Add(int64(n))
	if s.events == nil {
		s.unreported = 0
		return
	}

	ev := ctrstream.Progress{
		SessionId: s.id,
		ChunkSize: s.unreported,
		Position:  pos,
		Encrypted: s.encrypted,
	}
	s.unreported = 0

	select {
	case s.events <- ev:
	default:
		s.log.Tracef("dropped progress event at %d", pos)
	}
}

func (s *Session) fail(err error) error {
	if s.closing.Load() {
		_ = s.teardown()
		return ctrstream.ErrSessionClosed
	}

	s.log.WithError(err).Errorf("stream failed at %d", s.position.Load())
	_ = s.teardown()
	return err
}

// Seek reopens the stream at the plaintext offset target and returns the
// new declared length. The session must have been opened before.
func (s *Session) Seek(ctx context.Context, target int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.req.Url) == 0 {
		return 0, ctrstream.ErrSessionClosed
	} else if target < 0 {
		return 0, &ctrstream.ConfigurationError{Field: "offset", Err: fmt.Errorf("negative seek target %d", target)}
	}

	req := s.req
	if req.Length != ctrstream.LengthUnknown {
		end := req.Offset + req.Length
		if target > end {
			return 0, &ctrstream.ConfigurationError{Field: "offset", Err: fmt.Errorf("seek target %d beyond end %d", target, end)}
		}

		req.Length = end - target
	}

	req.Offset = target

	_ = s.teardown()
	s.closing.Store(false)
	return s.open(ctx, req)
}

// Abort interrupts a pending Open or Read without waiting for it, the
// interrupted call returns ctrstream.ErrSessionClosed. It does not take the
// session lock.
func (s *Session) Abort() {
	s.closing.Store(true)
	s.transport.Abort()
}

// Close releases the connection and wipes every buffer that held key
// material or plaintext. It is safe to call at any time and more than once.
func (s *Session) Close() error {
	s.Abort()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.req = Request{}
	s.encrypted = false
	s.length = ctrstream.LengthUnknown
	return s.teardown()
}

func (s *Session) teardown() error {
	err := s.transport.Close()

	if s.cipher != nil {
		s.cipher.Wipe()
		s.cipher = nil
	}

	s.staging.Wipe()
	clear(s.scratch)

	s.discard = 0
	s.unreported = 0
	s.state.Store(int32(StateClosed))
	return err
}
