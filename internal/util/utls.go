package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// NewUTLSRoundTripper returns an HTTP/1.1 transport whose TLS handshake uses a
// randomized browser-like ClientHello without ALPN, so the server never
// negotiates h2 on a connection net/http would treat as HTTP/1.1.
func NewUTLSRoundTripper(dialer proxy.Dialer) *http.Transport {
	if dialer == nil {
		dialer = proxy.Direct
	}
	dial := contextDialer(dialer)
	return &http.Transport{
		DialContext: dial,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			raw, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			conn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloRandomizedNoALPN)
			if deadline, ok := ctx.Deadline(); ok {
				_ = conn.SetDeadline(deadline)
			}
			if err := conn.HandshakeContext(ctx); err != nil {
				_ = raw.Close()
				return nil, fmt.Errorf("utls handshake with %s: %w", host, err)
			}
			_ = conn.SetDeadline(time.Time{})
			return conn, nil
		},
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
	}
}
