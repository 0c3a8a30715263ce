// Package util holds HTTP plumbing shared by upstream clients.
package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ClientOptions configures NewHTTPClient.
type ClientOptions struct {
	ProxyURL string
	Timeout  time.Duration
	// UTLS dials TLS with a browser-like ClientHello.
	UTLS bool
}

// NewHTTPClient builds an http.Client honouring an optional http(s) or
// socks5 proxy. An invalid proxy URL is logged and ignored.
func NewHTTPClient(opts ClientOptions) *http.Client {
	dialer, proxyFunc, err := proxyDialer(opts.ProxyURL)
	if err != nil {
		log.WithError(err).Warnf("http client: ignoring proxy-url %q", opts.ProxyURL)
		dialer, proxyFunc = proxy.Direct, nil
	}

	var transport http.RoundTripper
	if opts.UTLS {
		transport = NewUTLSRoundTripper(dialer)
	} else {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.Proxy = proxyFunc
		if proxyFunc == nil {
			base.DialContext = contextDialer(dialer)
		}
		transport = base
	}
	return &http.Client{Transport: transport, Timeout: opts.Timeout}
}

func proxyDialer(raw string) (proxy.Dialer, func(*http.Request) (*url.URL, error), error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return proxy.Direct, nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch parsed.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		d, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			return nil, nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		return d, nil, nil
	case "http", "https":
		return proxy.Direct, http.ProxyURL(parsed), nil
	default:
		return nil, nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
}

func contextDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_ = ctx
		return d.Dial(network, addr)
	}
}
