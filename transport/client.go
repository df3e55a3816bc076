package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

// NewHttpClient creates a client suitable for long lived media streams: no
// overall timeout, bounded connection setup and no transparent compression
// so that byte offsets match the resource on the server.
//
// proxyUrl may be empty, an http(s) proxy or a socks5 proxy.
func NewHttpClient(connectTimeout time.Duration, proxyUrl string) (*http.Client, error) {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	if len(proxyUrl) > 0 {
		u, err := url.Parse(proxyUrl)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}

		switch u.Scheme {
		case "http", "https":
			tr.Proxy = http.ProxyURL(u)
		default:
			d, err := proxy.FromURL(u, dialer)
			if err != nil {
				return nil, fmt.Errorf("failed creating proxy dialer: %w", err)
			}

			cd, ok := d.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("proxy dialer for %s does not support contexts", u.Scheme)
			}

			tr.Proxy = nil
			tr.DialContext = cd.DialContext
		}
	}

	return &http.Client{Transport: tr}, nil
}
