//go:build test_integration

package session_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	ctrstream "github.com/devgianlu/go-ctrstream"
	"github.com/devgianlu/go-ctrstream/ctr"
	"github.com/devgianlu/go-ctrstream/session"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

var (
	testKey         = []byte{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}
	testCounterBase = []byte{0xf0, 0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff}
)

type SessionIntegrationSuite struct {
	suite.Suite

	plaintext  []byte
	ciphertext []byte
	lastRange  atomic.Value
	server     *httptest.Server
}

func (suite *SessionIntegrationSuite) SetupTest() {
	suite.plaintext = make([]byte, 100_000)
	for i := range suite.plaintext {
		suite.plaintext[i] = byte(i % 251)
	}

	block, err := aes.NewCipher(testKey)
	suite.Require().NoError(err)

	suite.ciphertext = make([]byte, len(suite.plaintext))
	cipher.NewCTR(block, testCounterBase).XORKeyStream(suite.ciphertext, suite.plaintext)

	suite.lastRange.Store("")

	mux := http.NewServeMux()
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		suite.lastRange.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(suite.plaintext))
	})
	mux.HandleFunc("/encrypted", func(w http.ResponseWriter, r *http.Request) {
		suite.lastRange.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(suite.ciphertext))
	})
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(suite.ciphertext[:500]))
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/stall", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(suite.plaintext[:100])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	suite.server = httptest.NewServer(mux)
}

func (suite *SessionIntegrationSuite) TearDownTest() {
	suite.server.Close()
}

func (suite *SessionIntegrationSuite) newSession(threshold, maxChunk int, events chan<- ctrstream.Progress) *session.Session {
	s, err := session.New(&session.Options{
		Log:              &ctrstream.NullLogger{},
		Client:           suite.server.Client(),
		StagingThreshold: threshold,
		MaxChunkSize:     maxChunk,
		Events:           events,
	})
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { _ = s.Close() })
	return s
}

func (suite *SessionIntegrationSuite) params() *ctr.Params {
	params, err := ctr.NewParams(testKey, testCounterBase, ctr.CounterPolicyFull128)
	suite.Require().NoError(err)
	return params
}

// readAll reads until io.EOF, retrying on (0, nil) while the header is staged.
func (suite *SessionIntegrationSuite) readAll(s *session.Session, bufSize int) []byte {
	var out bytes.Buffer
	buf := make([]byte, bufSize)
	for {
		n, err := s.Read(buf)
		out.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			return out.Bytes()
		}
		suite.Require().NoError(err)
	}
}

func (suite *SessionIntegrationSuite) TestPlainFullRead() {
	s := suite.newSession(0, 0, nil)

	length, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/plain", Length: ctrstream.LengthUnknown})
	suite.Require().NoError(err)
	suite.Equal(int64(len(suite.plaintext)), length)
	suite.False(s.Encrypted())
	suite.Equal(session.StateOpen, s.State())

	suite.Equal(suite.plaintext, suite.readAll(s, 4096))
	suite.Equal(int64(len(suite.plaintext)), s.Position())
}

func (suite *SessionIntegrationSuite) TestEncryptedFullRead() {
	s := suite.newSession(0, 0, nil)

	length, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/encrypted", Length: ctrstream.LengthUnknown, Cipher: suite.params()})
	suite.Require().NoError(err)
	suite.Equal(int64(len(suite.plaintext)), length)
	suite.True(s.Encrypted())

	suite.Equal(suite.plaintext, suite.readAll(s, 3000))
}

func (suite *SessionIntegrationSuite) TestEncryptedUnalignedOffset() {
	s := suite.newSession(0, 0, nil)

	length, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/encrypted", Offset: 12345, Length: 1000, Cipher: suite.params()})
	suite.Require().NoError(err)
	suite.Equal(int64(1000), length)
	suite.Equal("bytes=12336-13344", suite.lastRange.Load())
	suite.Equal(int64(12345), s.Position())

	suite.Equal(suite.plaintext[12345:13345], suite.readAll(s, 777))
	suite.Equal(int64(13345), s.Position())
}

func (suite *SessionIntegrationSuite) TestEncryptedUnalignedPassthrough() {
	s := suite.newSession(-1, 0, nil)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/encrypted", Offset: 17, Length: ctrstream.LengthUnknown, Cipher: suite.params()})
	suite.Require().NoError(err)

	buf := make([]byte, 5)
	n, err := s.Read(buf)
	suite.Require().NoError(err)
	suite.Equal(suite.plaintext[17:17+n], buf[:n])

	suite.Equal(suite.plaintext[17+n:], suite.readAll(s, 5003))
}

func (suite *SessionIntegrationSuite) TestPlainOffsetIsNotAligned() {
	s := suite.newSession(0, 0, nil)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/plain", Offset: 12345, Length: ctrstream.LengthUnknown})
	suite.Require().NoError(err)
	suite.Equal("bytes=12345-", suite.lastRange.Load())

	suite.Equal(suite.plaintext[12345:], suite.readAll(s, 4096))
}

func (suite *SessionIntegrationSuite) TestStagingHoldsBackHeader() {
	events := make(chan ctrstream.Progress, 1024)
	s := suite.newSession(8192, 1024, events)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/encrypted", Length: ctrstream.LengthUnknown, Cipher: suite.params()})
	suite.Require().NoError(err)

	buf := make([]byte, 100)
	var zeroReads int
	for {
		n, err := s.Read(buf)
		suite.Require().NoError(err)
		if n > 0 {
			suite.Equal(100, n)
			break
		}

		zeroReads++
	}

	suite.Greater(zeroReads, 0)
	suite.Equal(suite.plaintext[:100], buf)

	select {
	case ev := <-events:
		suite.Equal(s.Id(), ev.SessionId)
		suite.Equal(8192, ev.ChunkSize)
		suite.Equal(int64(100), ev.Position)
		suite.True(ev.Encrypted)
	default:
		suite.Fail("no progress event after first delivery")
	}
}

func (suite *SessionIntegrationSuite) TestShortResourceBelowThreshold() {
	s := suite.newSession(8192, 0, nil)

	length, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/short", Length: ctrstream.LengthUnknown, Cipher: suite.params()})
	suite.Require().NoError(err)
	suite.Equal(int64(500), length)

	suite.Equal(suite.plaintext[:500], suite.readAll(s, 4096))

	n, err := s.Read(make([]byte, 10))
	suite.Equal(0, n)
	suite.ErrorIs(err, io.EOF)
}

func (suite *SessionIntegrationSuite) TestPositionTracksDelivered() {
	events := make(chan ctrstream.Progress, 4096)
	s := suite.newSession(0, 4096, events)

	const offset = 333
	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/encrypted", Offset: offset, Length: ctrstream.LengthUnknown, Cipher: suite.params()})
	suite.Require().NoError(err)

	rng := rand.New(rand.NewSource(42))
	var delivered int64
	for {
		buf := make([]byte, 1+rng.Intn(9000))
		n, err := s.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		suite.Require().NoError(err)

		suite.Equal(suite.plaintext[offset+delivered:offset+delivered+int64(n)], buf[:n])
		delivered += int64(n)
		suite.Equal(offset+delivered, s.Position())
	}

	suite.Equal(int64(len(suite.plaintext)-offset), delivered)

	close(events)
	var last int64 = offset
	var network int
	for ev := range events {
		suite.Greater(ev.Position, last)
		last = ev.Position
		network += ev.ChunkSize
	}

	suite.Equal(int64(len(suite.plaintext)), last)
	// the aligned prefix is read from the network but never delivered
	suite.Equal(len(suite.plaintext)-offset+offset%16, network)
}

func (suite *SessionIntegrationSuite) TestSplitSeekConsistency() {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		k := rng.Intn(len(suite.plaintext) - 1)
		seekTo := k + rng.Intn(len(suite.plaintext)-k)

		s := suite.newSession(0, 0, nil)
		_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/encrypted", Length: ctrstream.LengthUnknown, Cipher: suite.params()})
		suite.Require().NoError(err)

		head := make([]byte, k)
		_, err = io.ReadFull(s, head)
		suite.Require().NoError(err)

		_, err = s.Seek(context.Background(), int64(seekTo))
		suite.Require().NoError(err)
		suite.Equal(int64(seekTo), s.Position())

		tail := suite.readAll(s, 1+rng.Intn(5000))
		suite.Equal(suite.plaintext[:k], head)
		suite.Equal(suite.plaintext[seekTo:], tail)
	}
}

func (suite *SessionIntegrationSuite) TestSeekRecomputesLength() {
	s := suite.newSession(0, 0, nil)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/encrypted", Offset: 100, Length: 1000, Cipher: suite.params()})
	suite.Require().NoError(err)

	length, err := s.Seek(context.Background(), 600)
	suite.Require().NoError(err)
	suite.Equal(int64(500), length)
	suite.Equal(suite.plaintext[600:1100], suite.readAll(s, 64))

	_, err = s.Seek(context.Background(), 2000)
	var cfgErr *ctrstream.ConfigurationError
	suite.Require().ErrorAs(err, &cfgErr)
	suite.Equal("offset", cfgErr.Field)
}

func (suite *SessionIntegrationSuite) TestSeekToEnd() {
	for _, encrypted := range []bool{false, true} {
		s := suite.newSession(0, 0, nil)

		req := session.Request{Url: suite.server.URL + "/plain", Offset: 100, Length: 500}
		if encrypted {
			req.Url = suite.server.URL + "/encrypted"
			req.Cipher = suite.params()
		}

		_, err := s.Open(context.Background(), req)
		suite.Require().NoError(err)

		length, err := s.Seek(context.Background(), 600)
		suite.Require().NoError(err, "encrypted: %t", encrypted)
		suite.Equal(int64(0), length)
		suite.Equal(int64(600), s.Position())

		suite.Empty(suite.readAll(s, 64))
		suite.Equal(session.StateOpen, s.State())

		// seeking back still works
		_, err = s.Seek(context.Background(), 550)
		suite.Require().NoError(err)
		suite.Equal(suite.plaintext[550:600], suite.readAll(s, 64))
	}
}

func (suite *SessionIntegrationSuite) TestSeekToEndOfUnknownLength() {
	for _, encrypted := range []bool{false, true} {
		s := suite.newSession(0, 0, nil)

		req := session.Request{Url: suite.server.URL + "/plain", Length: ctrstream.LengthUnknown}
		if encrypted {
			req.Url = suite.server.URL + "/encrypted"
			req.Cipher = suite.params()
		}

		_, err := s.Open(context.Background(), req)
		suite.Require().NoError(err)

		length, err := s.Seek(context.Background(), int64(len(suite.plaintext)))
		suite.Require().NoError(err, "encrypted: %t", encrypted)
		suite.Equal(int64(0), length)
		suite.Equal("bytes=100000-", suite.lastRange.Load())
		suite.Equal(int64(len(suite.plaintext)), s.Size())
		suite.Empty(suite.readAll(s, 64))
	}
}

func (suite *SessionIntegrationSuite) TestOpenFailureClosesSession() {
	s := suite.newSession(0, 0, nil)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/forbidden", Length: ctrstream.LengthUnknown, Cipher: suite.params()})
	var transportErr *ctrstream.TransportError
	suite.Require().ErrorAs(err, &transportErr)
	suite.Equal(http.StatusForbidden, transportErr.StatusCode)
	suite.False(transportErr.Temporary())
	suite.Equal(session.StateClosed, s.State())

	_, err = s.Read(make([]byte, 10))
	suite.ErrorIs(err, ctrstream.ErrSessionClosed)
}

func (suite *SessionIntegrationSuite) TestOpenInvalidRequest() {
	s := suite.newSession(0, 0, nil)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/plain", Offset: -1, Length: ctrstream.LengthUnknown})
	var cfgErr *ctrstream.ConfigurationError
	suite.Require().ErrorAs(err, &cfgErr)
	suite.Equal("offset", cfgErr.Field)

	_, err = s.Open(context.Background(), session.Request{Url: "ftp://example.com/file", Length: ctrstream.LengthUnknown})
	suite.Require().ErrorAs(err, &cfgErr)
	suite.Equal("url", cfgErr.Field)
	suite.Equal(session.StateClosed, s.State())
}

func (suite *SessionIntegrationSuite) TestCloseDuringBlockedRead() {
	s := suite.newSession(-1, 0, nil)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/stall", Length: ctrstream.LengthUnknown})
	suite.Require().NoError(err)

	head := make([]byte, 100)
	_, err = io.ReadFull(s, head)
	suite.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 100))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	suite.Require().NoError(s.Close())

	select {
	case err := <-done:
		suite.ErrorIs(err, ctrstream.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		suite.Fail("read not unblocked by close")
	}

	suite.Equal(session.StateClosed, s.State())
	suite.NoError(s.Close())
}

func (suite *SessionIntegrationSuite) TestAbortDuringBlockedRead() {
	s := suite.newSession(-1, 0, nil)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/stall", Length: ctrstream.LengthUnknown})
	suite.Require().NoError(err)

	head := make([]byte, 100)
	_, err = io.ReadFull(s, head)
	suite.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 100))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.Abort()

	select {
	case err := <-done:
		suite.ErrorIs(err, ctrstream.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		suite.Fail("read not unblocked by abort")
	}

	suite.Equal(session.StateClosed, s.State())
}

func (suite *SessionIntegrationSuite) TestReopenAfterClose() {
	s := suite.newSession(0, 0, nil)

	_, err := s.Open(context.Background(), session.Request{Url: suite.server.URL + "/encrypted", Length: ctrstream.LengthUnknown, Cipher: suite.params()})
	suite.Require().NoError(err)
	suite.Require().NoError(s.Close())

	_, err = s.Seek(context.Background(), 10)
	suite.ErrorIs(err, ctrstream.ErrSessionClosed)

	_, err = s.Open(context.Background(), session.Request{Url: suite.server.URL + "/plain", Offset: 50, Length: 50})
	suite.Require().NoError(err)
	suite.False(s.Encrypted())
	suite.Equal(suite.plaintext[50:100], suite.readAll(s, 4096))
}

func TestSessionIntegrationSuite(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite.Run(t, new(SessionIntegrationSuite))
}
