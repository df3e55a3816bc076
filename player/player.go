package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	ctrstream "github.com/devgianlu/go-ctrstream"
	"github.com/devgianlu/go-ctrstream/ctr"
	"github.com/devgianlu/go-ctrstream/session"
)

const DefaultOpenRetries = 3

type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Options struct {
	Log ctrstream.Logger

	Client           *http.Client
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	ProxyUrl         string
	StagingThreshold int
	MaxChunkSize     int

	// CounterPolicy is used for every encrypted stream.
	CounterPolicy ctr.CounterPolicy

	// OpenRetries is how many times a failed open is retried when the
	// failure is temporary. Zero uses DefaultOpenRetries, negative disables retries.
	OpenRetries int
	// OpenRetryInterval is the initial backoff interval, zero uses the backoff default.
	OpenRetryInterval time.Duration
}

type LoadRequest struct {
	Url string
	// KeyHex and CounterBaseHex are both set for encrypted streams.
	KeyHex         string
	CounterBaseHex string
	// Offset is the plaintext byte offset to start from.
	Offset int64
	// Bitrate is in bits per second, zero if unknown.
	Bitrate int
	// Duration overrides the duration computed from the length and bitrate.
	Duration time.Duration
}

type Info struct {
	SessionId       string
	Url             string
	Loaded          bool
	Encrypted       bool
	Position        int64
	PositionSeconds float64
	Length          int64
	Bitrate         int
	Duration        time.Duration
	CustomDuration  bool
}

// Controller owns a single stream session and serializes every operation on it.
type Controller struct {
	log ctrstream.Logger

	sess     *session.Session
	progress chan ctrstream.Progress

	policy        ctr.CounterPolicy
	retries       int
	retryInterval time.Duration

	state atomic.Int32

	cmd  chan controllerCmd
	ev   chan Event
	done chan struct{}
}

type controllerCmdType int

const (
	controllerCmdLoad controllerCmdType = iota
	controllerCmdRead
	controllerCmdSeek
	controllerCmdStop
	controllerCmdInfo
	controllerCmdRelease
)

type controllerCmd struct {
	typ  controllerCmdType
	ctx  context.Context
	data any
	resp chan any
}

type controllerCmdDataSeek struct {
	bytes   int64
	seconds float64
	timed   bool
}

type controllerReadResult struct {
	n   int
	err error
}

type loaded struct {
	req    LoadRequest
	params *ctr.Params
	length int64

	duration       time.Duration
	customDuration bool

	// terminal is set once FinishedPlaying or StreamError was emitted
	terminal bool
}

func NewController(opts *Options) (*Controller, error) {
	c := &Controller{
		log:           opts.Log,
		policy:        opts.CounterPolicy,
		retries:       opts.OpenRetries,
		retryInterval: opts.OpenRetryInterval,
		progress:      make(chan ctrstream.Progress, 128),
		cmd:           make(chan controllerCmd),
		ev:            make(chan Event, 128),
		done:          make(chan struct{}),
	}

	if c.log == nil {
		c.log = &ctrstream.NullLogger{}
	}

	if c.retries == 0 {
		c.retries = DefaultOpenRetries
	} else if c.retries < 0 {
		c.retries = 0
	}

	var err error
	c.sess, err = session.New(&session.Options{
		Log:              c.log,
		Client:           opts.Client,
		ConnectTimeout:   opts.ConnectTimeout,
		ReadTimeout:      opts.ReadTimeout,
		ProxyUrl:         opts.ProxyUrl,
		StagingThreshold: opts.StagingThreshold,
		MaxChunkSize:     opts.MaxChunkSize,
		Events:           c.progress,
	})
	if err != nil {
		return nil, err
	}

	go c.manageLoop()

	return c, nil
}

func (c *Controller) manageLoop() {
	var cur *loaded

loop:
	for {
		select {
		case cmd := <-c.cmd:
			switch cmd.typ {
			case controllerCmdLoad:
				if cur != nil {
					c.unload(cur)
					cur = nil
				}

				var err error
				cur, err = c.load(cmd.ctx, cmd.data.(LoadRequest))
				if err != nil {
					cmd.resp <- err
				} else {
					cmd.resp <- nil
				}
			case controllerCmdRead:
				if cur == nil {
					cmd.resp <- controllerReadResult{err: ctrstream.ErrSessionClosed}
					break
				}

				n, err := c.sess.Read(cmd.data.([]byte))
				if err != nil {
					c.terminate(cur, err)
				}

				cmd.resp <- controllerReadResult{n: n, err: err}
			case controllerCmdSeek:
				if cur == nil {
					cmd.resp <- ctrstream.ErrSessionClosed
					break
				}

				cmd.resp <- c.seek(cmd.ctx, cur, cmd.data.(controllerCmdDataSeek))
			case controllerCmdStop:
				if cur != nil {
					c.unload(cur)
					cur = nil
				}

				cmd.resp <- nil
			case controllerCmdInfo:
				cmd.resp <- c.info(cur)
			case controllerCmdRelease:
				if cur != nil {
					c.unload(cur)
					cur = nil
				}

				c.state.Store(int32(StateReleased))
				cmd.resp <- nil
				break loop
			default:
				panic("unknown controller command")
			}
		case p := <-c.progress:
			c.emit(Event{Type: EventTypeProgress, SessionId: p.SessionId, Progress: p})
		}
	}

	c.flushProgress()
	close(c.done)
	close(c.ev)
}

func (c *Controller) load(ctx context.Context, req LoadRequest) (*loaded, error) {
	var params *ctr.Params
	if len(req.KeyHex) > 0 || len(req.CounterBaseHex) > 0 {
		var err error
		params, err = ctr.ParseHexParams(req.KeyHex, req.CounterBaseHex, c.policy)
		if err != nil {
			c.setupFailed(req, err)
			return nil, err
		}
	}

	length, err := c.open(ctx, session.Request{
		Url:    req.Url,
		Offset: req.Offset,
		Length: ctrstream.LengthUnknown,
		Cipher: params,
	})
	if err != nil {
		if params != nil {
			params.Wipe()
		}

		c.setupFailed(req, err)
		return nil, err
	}

	cur := &loaded{req: req, params: params, length: length}
	if req.Duration > 0 {
		cur.duration = req.Duration
		cur.customDuration = true
	} else if req.Bitrate > 0 && length != ctrstream.LengthUnknown {
		total := length + req.Offset
		cur.duration = time.Duration(float64(total*8) / float64(req.Bitrate) * float64(time.Second))
	}

	c.state.CompareAndSwap(int32(StateUninitialized), int32(StateReady))

	c.log.WithField("session", c.sess.Id()).
		Infof("loaded %s (encrypted: %t, bitrate: %d, duration: %v)", ctrstream.ObfuscateUrl(req.Url), params != nil, req.Bitrate, cur.duration)

	c.emit(Event{
		Type:      EventTypeFinishedLoading,
		SessionId: c.sess.Id(),
		Loading: FinishedLoading{
			Success:   true,
			Url:       req.Url,
			Encrypted: params != nil,
			Bitrate:   req.Bitrate,
			Duration:  cur.duration,
		},
	})

	return cur, nil
}

// open opens the session, retrying temporary transport failures with an
// exponential backoff.
func (c *Controller) open(ctx context.Context, req session.Request) (int64, error) {
	exp := backoff.NewExponentialBackOff()
	if c.retryInterval > 0 {
		exp.InitialInterval = c.retryInterval
	}

	var length int64
	err := backoff.Retry(func() error {
		var err error
		length, err = c.sess.Open(ctx, req)
		if err == nil {
			return nil
		}

		var transportErr *ctrstream.TransportError
		if errors.As(err, &transportErr) && transportErr.Temporary() && ctx.Err() == nil {
			c.log.WithError(err).Warnf("failed opening stream, retrying")
			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.retries)), ctx))
	if err != nil {
		return 0, err
	}

	return length, nil
}

func (c *Controller) setupFailed(req LoadRequest, err error) {
	c.log.WithError(err).Errorf("failed loading %s", ctrstream.ObfuscateUrl(req.Url))

	c.emit(Event{Type: EventTypeSetupError, SessionId: c.sess.Id(), Error: err})
	c.emit(Event{
		Type:      EventTypeFinishedLoading,
		SessionId: c.sess.Id(),
		Loading:   FinishedLoading{Success: false, Url: req.Url, Bitrate: req.Bitrate},
	})
}

func (c *Controller) seek(ctx context.Context, cur *loaded, data controllerCmdDataSeek) error {
	target := data.bytes
	if data.timed {
		if cur.req.Bitrate <= 0 {
			return ctrstream.ErrUnknownBitrate
		} else if data.seconds < 0 {
			return &ctrstream.ConfigurationError{Field: "offset", Err: fmt.Errorf("negative seek position %v", data.seconds)}
		}

		target = int64(data.seconds * float64(cur.req.Bitrate) / 8)
	}

	c.flushProgress()

	length, err := c.sess.Seek(ctx, target)
	if err != nil {
		var cfgErr *ctrstream.ConfigurationError
		if errors.As(err, &cfgErr) && c.sess.State() == session.StateOpen {
			// rejected before the stream was touched
			return err
		}

		c.terminate(cur, err)
		return err
	}

	cur.length = length
	cur.terminal = false
	c.log.Debugf("seeked to %d", target)
	return nil
}

// terminate emits the terminal event for err, at most once per stream.
func (c *Controller) terminate(cur *loaded, err error) {
	if cur.terminal {
		return
	}

	cur.terminal = true
	c.flushProgress()

	if errors.Is(err, ctrstream.ErrSessionClosed) {
		// interrupted by Stop or Release, not a failure of the stream
		return
	} else if errors.Is(err, io.EOF) {
		c.emit(Event{Type: EventTypeFinishedPlaying, SessionId: c.sess.Id()})
	} else {
		c.emit(Event{Type: EventTypeStreamError, SessionId: c.sess.Id(), Error: err})
	}
}

func (c *Controller) unload(cur *loaded) {
	if err := c.sess.Close(); err != nil {
		c.log.WithError(err).Debugf("failed closing session")
	}

	if cur.params != nil {
		cur.params.Wipe()
	}

	c.flushProgress()
}

func (c *Controller) info(cur *loaded) Info {
	if cur == nil {
		return Info{SessionId: c.sess.Id(), Length: ctrstream.LengthUnknown}
	}

	info := Info{
		SessionId:      c.sess.Id(),
		Url:            cur.req.Url,
		Loaded:         true,
		Encrypted:      cur.params != nil,
		Position:       c.sess.Position(),
		Length:         cur.length,
		Bitrate:        cur.req.Bitrate,
		Duration:       cur.duration,
		CustomDuration: cur.customDuration,
	}

	if info.Bitrate > 0 {
		info.PositionSeconds = float64(info.Position*8) / float64(info.Bitrate)
	}

	return info
}

// flushProgress forwards the pending progress notifications so that they
// precede any event emitted next.
func (c *Controller) flushProgress() {
	for {
		select {
		case p := <-c.progress:
			c.emit(Event{Type: EventTypeProgress, SessionId: p.SessionId, Progress: p})
		default:
			return
		}
	}
}

func (c *Controller) emit(ev Event) {
	select {
	case c.ev <- ev:
	default:
		if ev.Type == EventTypeProgress {
			c.log.Tracef("dropped progress event at %d", ev.Progress.Position)
		} else {
			c.log.Warnf("dropped %s event, nobody is listening", ev.Type)
		}
	}
}

// send hands cmd to the loop and waits for its response.
func (c *Controller) send(cmd controllerCmd) (any, error) {
	cmd.resp = make(chan any, 1)

	select {
	case c.cmd <- cmd:
	case <-c.done:
		return nil, ctrstream.ErrReleased
	}

	return <-cmd.resp, nil
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) Receive() <-chan Event {
	return c.ev
}

// Load opens a new stream, closing the current one. Every failure is also
// reported with a SetupError event.
func (c *Controller) Load(ctx context.Context, req LoadRequest) error {
	resp, err := c.send(controllerCmd{typ: controllerCmdLoad, ctx: ctx, data: req})
	if err != nil {
		return err
	} else if resp != nil {
		return resp.(error)
	}

	return nil
}

// Read reads plaintext from the current stream. It returns (0, nil) while
// the beginning of the stream is being staged.
func (c *Controller) Read(p []byte) (int, error) {
	resp, err := c.send(controllerCmd{typ: controllerCmdRead, data: p})
	if err != nil {
		return 0, err
	}

	res := resp.(controllerReadResult)
	return res.n, res.err
}

func (c *Controller) SeekBytes(ctx context.Context, offset int64) error {
	resp, err := c.send(controllerCmd{typ: controllerCmdSeek, ctx: ctx, data: controllerCmdDataSeek{bytes: offset}})
	if err != nil {
		return err
	} else if resp != nil {
		return resp.(error)
	}

	return nil
}

// SeekSeconds seeks to a time position, it requires the bitrate to be known.
func (c *Controller) SeekSeconds(ctx context.Context, seconds float64) error {
	resp, err := c.send(controllerCmd{typ: controllerCmdSeek, ctx: ctx, data: controllerCmdDataSeek{seconds: seconds, timed: true}})
	if err != nil {
		return err
	} else if resp != nil {
		return resp.(error)
	}

	return nil
}

// Stop closes the current stream. A Read blocked on the network is
// interrupted instead of waited for.
func (c *Controller) Stop() error {
	c.sess.Abort()

	_, err := c.send(controllerCmd{typ: controllerCmdStop})
	return err
}

func (c *Controller) Info() (Info, error) {
	resp, err := c.send(controllerCmd{typ: controllerCmdInfo})
	if err != nil {
		return Info{}, err
	}

	return resp.(Info), nil
}

// Release closes the current stream and stops the controller. Every
// operation after Release returns ctrstream.ErrReleased.
func (c *Controller) Release() error {
	c.sess.Abort()

	_, err := c.send(controllerCmd{typ: controllerCmdRelease})
	return err
}
