package session

import (
	"net/http"
	"time"

	ctrstream "github.com/devgianlu/go-ctrstream"
	"github.com/devgianlu/go-ctrstream/ctr"
)

const DefaultMaxChunkSize = 64 * 1024

type Options struct {
	Log ctrstream.Logger

	// Client is the HTTP client used for requests, leave nil to create one
	// from ConnectTimeout and ProxyUrl.
	Client *http.Client
	// ConnectTimeout bounds connection setup, zero uses the transport default.
	ConnectTimeout time.Duration
	// ReadTimeout bounds every network read, zero uses the transport default
	// and a negative value disables it.
	ReadTimeout time.Duration
	// ProxyUrl is an optional http(s) or socks5 proxy.
	ProxyUrl string

	// StagingThreshold is the number of decrypted bytes held back before the
	// first byte is released. Zero uses staging.DefaultThreshold, a negative
	// value disables staging.
	StagingThreshold int
	// MaxChunkSize limits how many bytes are pulled and decrypted at once.
	MaxChunkSize int

	// Events receives a progress notification for every read that delivers
	// bytes. Sends never block, events are dropped if the channel is full.
	Events chan<- ctrstream.Progress
}

type Request struct {
	// Url is the http(s) resource locator.
	Url string
	// Offset is the plaintext offset of the first byte to deliver.
	Offset int64
	// Length is the number of plaintext bytes to deliver, use
	// ctrstream.LengthUnknown to read until the end.
	Length int64
	// Cipher holds the decryption parameters, nil if the resource is not encrypted.
	// The session never modifies them.
	Cipher *ctr.Params
}
