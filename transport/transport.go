package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ctrstream "github.com/devgianlu/go-ctrstream"
)

var ErrNotOpen = errors.New("transport not open")

type Options struct {
	Log ctrstream.Logger

	// Client is the HTTP client used for requests, leave nil to create one
	// with NewHttpClient(ConnectTimeout, ProxyUrl).
	Client *http.Client
	// ConnectTimeout bounds dialing, the TLS handshake and waiting for the
	// response headers. Only used when Client is nil.
	ConnectTimeout time.Duration
	// ProxyUrl is an optional http(s) or socks5 proxy. Only used when Client is nil.
	ProxyUrl string
	// ReadTimeout bounds every single Pull, zero uses DefaultReadTimeout
	// and a negative value disables it.
	ReadTimeout time.Duration
}

// Transport is a single HTTP GET over a byte range of a resource, exposed
// as a pull based byte source.
type Transport struct {
	log         ctrstream.Logger
	client      *http.Client
	readTimeout time.Duration

	resp *http.Response
	body io.Reader

	declared  int64
	remaining int64
	received  int64
	size      int64

	cancel   context.CancelFunc
	cancelMu sync.Mutex
	timedOut atomic.Bool
}

func New(opts *Options) (*Transport, error) {
	t := &Transport{
		log:         opts.Log,
		client:      opts.Client,
		readTimeout: opts.ReadTimeout,
		declared:    ctrstream.LengthUnknown,
		remaining:   ctrstream.LengthUnknown,
		size:        ctrstream.LengthUnknown,
	}

	if t.log == nil {
		t.log = &ctrstream.NullLogger{}
	}

	if t.readTimeout == 0 {
		t.readTimeout = DefaultReadTimeout
	}

	if t.client == nil {
		var err error
		t.client, err = NewHttpClient(opts.ConnectTimeout, opts.ProxyUrl)
		if err != nil {
			return nil, &ctrstream.ConfigurationError{Field: "proxy", Err: err}
		}
	}

	return t, nil
}

// Open requests the resource starting at offset. A Range header is sent only
// if offset is not zero, length may be ctrstream.LengthUnknown to read until
// the end. The returned length is the number of bytes that will be delivered,
// or ctrstream.LengthUnknown.
//
// ctx bounds the opening only, use Abort or Close to cancel the stream.
func (t *Transport) Open(ctx context.Context, rawUrl string, offset, length int64) (int64, error) {
	if t.body != nil {
		return 0, fmt.Errorf("transport already open")
	} else if offset < 0 {
		return 0, &ctrstream.ConfigurationError{Field: "offset", Err: fmt.Errorf("negative offset %d", offset)}
	}

	u, err := url.Parse(rawUrl)
	if err != nil {
		return 0, &ctrstream.ConfigurationError{Field: "url", Err: err}
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return 0, &ctrstream.ConfigurationError{Field: "url", Err: fmt.Errorf("unsupported scheme: %s", u.Scheme)}
	}

	if length == 0 {
		// nothing to request, a zero length range cannot be expressed
		t.openEmpty(t.size)
		t.log.Debugf("opened %s at %d with nothing left to read", ctrstream.ObfuscateUrl(rawUrl), offset)
		return 0, nil
	}

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	t.cancelMu.Lock()
	t.cancel = cancel
	t.cancelMu.Unlock()
	t.timedOut.Store(false)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return 0, &ctrstream.ConfigurationError{Field: "url", Err: err}
	}

	req.Header.Set("User-Agent", ctrstream.UserAgent())
	if offset != 0 {
		req.Header.Set("Range", rangeHeader(offset, length))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return 0, &ctrstream.TransportError{Op: "open", Err: err}
	}

	if offset != 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		size, err := parseUnsatisfiedRange(resp)
		_ = resp.Body.Close()
		cancel()

		if err == nil && offset >= size {
			t.openEmpty(size)
			t.log.Debugf("opened %s at %d, past the end of %d bytes", ctrstream.ObfuscateUrl(rawUrl), offset, size)
			return 0, nil
		}

		return 0, &ctrstream.TransportError{Op: "open", StatusCode: resp.StatusCode, Status: resp.Status}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		cancel()
		return 0, &ctrstream.TransportError{Op: "open", StatusCode: resp.StatusCode, Status: resp.Status}
	}

	reported := resp.ContentLength
	switch {
	case offset != 0 && resp.StatusCode == http.StatusPartialContent:
		start, _, size, err := parseContentRange(resp)
		if err != nil {
			_ = resp.Body.Close()
			cancel()
			return 0, &ctrstream.TransportError{Op: "open", Err: fmt.Errorf("%w: %w", ctrstream.ErrMalformedResponse, err)}
		} else if start != offset {
			_ = resp.Body.Close()
			cancel()
			return 0, &ctrstream.TransportError{Op: "open", Err: fmt.Errorf("%w: requested range from %d, got %d", ctrstream.ErrMalformedResponse, offset, start)}
		}

		t.size = size
	case offset != 0:
		// the server ignored our Range header and is sending everything
		t.log.Warnf("server ignored range request, skipping %d bytes", offset)

		skipped, err := io.CopyN(io.Discard, resp.Body, offset)
		if err != nil {
			_ = resp.Body.Close()
			cancel()
			return 0, &ctrstream.TransportError{Op: "open", Err: fmt.Errorf("failed skipping to offset %d after %d bytes: %w", offset, skipped, err)}
		}

		t.size = reported
		if reported >= 0 {
			reported -= offset
		}
	default:
		t.size = reported
	}

	if reported < 0 {
		reported = ctrstream.LengthUnknown
	}

	if length != ctrstream.LengthUnknown && reported != ctrstream.LengthUnknown && reported < length {
		t.log.Warn((&ctrstream.ProtocolViolation{Declared: length, Observed: reported}).Error())
	}

	t.resp = resp
	t.declared = ctrstream.MinLength(length, reported)
	t.remaining = t.declared
	t.received = 0
	t.body = &LatencyReader{
		Reader: resp.Body,
		Callback: func(latency time.Duration) {
			t.log.Debugf("body fully received in %v", latency)
		},
	}

	t.log.Debugf("opened %s from %d with status %d, declared length %d",
		ctrstream.ObfuscateUrl(rawUrl), offset, resp.StatusCode, t.declared)
	return t.declared, nil
}

// openEmpty makes the transport deliver io.EOF straight away.
func (t *Transport) openEmpty(size int64) {
	t.resp = nil
	t.body = http.NoBody
	t.size = size
	t.declared = 0
	t.remaining = 0
	t.received = 0
}

// Pull reads up to len(p) bytes. It returns (0, nil) when nothing is
// currently available and io.EOF once the stream is over.
func (t *Transport) Pull(p []byte) (int, error) {
	if t.body == nil {
		return 0, ErrNotOpen
	} else if t.remaining == 0 {
		return 0, io.EOF
	} else if len(p) == 0 {
		return 0, nil
	}

	if t.remaining != ctrstream.LengthUnknown && int64(len(p)) > t.remaining {
		p = p[:t.remaining]
	}

	var timer *time.Timer
	if t.readTimeout > 0 {
		timer = time.AfterFunc(t.readTimeout, func() {
			t.timedOut.Store(true)
			t.Abort()
		})
	}

	n, err := t.body.Read(p)
	if timer != nil {
		timer.Stop()
	}

	if t.timedOut.Load() {
		return 0, &ctrstream.TransportError{Op: "read", Err: ctrstream.ErrReadTimeout}
	}

	if n > 0 {
		t.received += int64(n)
		if t.remaining != ctrstream.LengthUnknown {
			t.remaining -= int64(n)
		}
	}

	if errors.Is(err, io.EOF) {
		if t.remaining > 0 {
			t.log.Warn((&ctrstream.ProtocolViolation{Declared: t.declared, Observed: t.received}).Error())
		}

		t.remaining = 0
		if n > 0 {
			return n, nil
		}

		return 0, io.EOF
	} else if err != nil {
		return 0, &ctrstream.TransportError{Op: "read", Err: err}
	}

	return n, nil
}

// Declared returns the length declared at open.
func (t *Transport) Declared() int64 {
	return t.declared
}

// Remaining returns the bytes left to pull, or ctrstream.LengthUnknown.
func (t *Transport) Remaining() int64 {
	return t.remaining
}

// Size returns the complete size of the resource if the server reported it.
func (t *Transport) Size() int64 {
	return t.size
}

// Abort cancels the current request. It is safe to call concurrently with
// any other method.
func (t *Transport) Abort() {
	t.cancelMu.Lock()
	defer t.cancelMu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
}

// Close releases the connection. The transport can be opened again afterwards.
func (t *Transport) Close() error {
	t.Abort()

	var err error
	if t.resp != nil {
		err = t.resp.Body.Close()
	}

	t.resp = nil
	t.body = nil
	t.declared = ctrstream.LengthUnknown
	t.remaining = ctrstream.LengthUnknown
	t.received = 0

	t.cancelMu.Lock()
	t.cancel = nil
	t.cancelMu.Unlock()

	return err
}
