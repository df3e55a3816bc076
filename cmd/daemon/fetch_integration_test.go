//go:build test_integration

package main

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	ctrstream "github.com/devgianlu/go-ctrstream"
	"github.com/devgianlu/go-ctrstream/player"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFetchTestServer(t *testing.T) ([]byte, *httptest.Server) {
	plaintext := make([]byte, 70_000)
	for i := range plaintext {
		plaintext[i] = byte(i % 239)
	}

	key, _ := hex.DecodeString(apiTestKeyHex)
	iv, _ := hex.DecodeString(apiTestCounterBaseHex)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mux := http.NewServeMux()
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(plaintext))
	})
	mux.HandleFunc("/encrypted", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(ciphertext))
	})
	mux.HandleFunc("/stall", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(plaintext[:100])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return plaintext, server
}

func newFetchTestController(t *testing.T, server *httptest.Server) *player.Controller {
	ctrl, err := player.NewController(&player.Options{
		Log:         &ctrstream.NullLogger{},
		Client:      server.Client(),
		ReadTimeout: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Release() })
	return ctrl
}

func TestCopyStreamUntilEnd(t *testing.T) {
	plaintext, server := newFetchTestServer(t)
	ctrl := newFetchTestController(t, server)

	require.NoError(t, ctrl.Load(context.Background(), player.LoadRequest{
		Url:            server.URL + "/encrypted",
		KeyHex:         apiTestKeyHex,
		CounterBaseHex: apiTestCounterBaseHex,
		Offset:         1234,
	}))

	var out bytes.Buffer
	written, err := copyStream(context.Background(), &out, ctrl)
	require.NoError(t, err)
	assert.Equal(t, int64(len(plaintext)-1234), written)
	assert.Equal(t, plaintext[1234:], out.Bytes())
}

func TestCopyStreamCancelled(t *testing.T) {
	_, server := newFetchTestServer(t)
	ctrl := newFetchTestController(t, server)

	require.NoError(t, ctrl.Load(context.Background(), player.LoadRequest{Url: server.URL + "/stall"}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := copyStream(ctx, &bytes.Buffer{}, ctrl)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("copy not interrupted by cancellation")
	}

	assert.Eventually(t, func() bool {
		info, err := ctrl.Info()
		return err == nil && !info.Loaded
	}, time.Second, 10*time.Millisecond)
}

func TestCopyStreamAlreadyCancelled(t *testing.T) {
	_, server := newFetchTestServer(t)
	ctrl := newFetchTestController(t, server)

	require.NoError(t, ctrl.Load(context.Background(), player.LoadRequest{Url: server.URL + "/plain"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	written, err := copyStream(ctx, &bytes.Buffer{}, ctrl)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, written)
}

func TestRunFetchToFile(t *testing.T) {
	plaintext, server := newFetchTestServer(t)

	dir := t.TempDir()
	output := filepath.Join(dir, "out.bin")

	cfg, err := loadConfig([]string{
		"--config_dir", dir,
		"--fetch.url", server.URL + "/encrypted",
		"--fetch.key", apiTestKeyHex,
		"--fetch.counter_base", apiTestCounterBaseHex,
		"--fetch.offset", "100",
		"-o", output,
	})
	require.NoError(t, err)

	require.NoError(t, runFetch(context.Background(), cfg, LogrusAdapter{logrus.NewEntry(logrus.New())}))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, plaintext[100:], data)
}

func TestRunFetchInvalidKey(t *testing.T) {
	_, server := newFetchTestServer(t)

	dir := t.TempDir()
	cfg, err := loadConfig([]string{
		"--config_dir", dir,
		"--fetch.url", server.URL + "/encrypted",
		"--fetch.key", "abc",
		"--fetch.counter_base", apiTestCounterBaseHex,
		"-o", filepath.Join(dir, "out.bin"),
	})
	require.NoError(t, err)

	err = runFetch(context.Background(), cfg, LogrusAdapter{logrus.NewEntry(logrus.New())})
	var cfgErr *ctrstream.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
