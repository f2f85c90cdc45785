// Package probe implements the six stateless probe kinds (P1-P6) that the
// Batch Runner drives against proxy candidates, plus the dialers each
// protocol needs.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/proxypool/proxypool/internal/model"
	"golang.org/x/net/proxy"
)

// newClient returns an *http.Client that routes through endpoint via proto,
// with redirects disabled (P1 requires allow_redirects=false) and the given
// timeout as the overall request deadline.
func newClient(proto model.Protocol, endpoint string, timeout time.Duration, insecureTLS bool) (*http.Client, error) {
	dialer, err := dialerFor(proto, endpoint, timeout)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext: dialer,
	}
	if proto == model.ProtocolHTTP {
		u := &url.URL{Scheme: "http", Host: endpoint}
		transport.Proxy = http.ProxyURL(u)
		// http.Transport's own dialer is used for the CONNECT/plain-proxy
		// path when Proxy is set; DialContext above is unused in that case.
		transport.DialContext = nil
	}
	if insecureTLS {
		transport.TLSClientConfig = insecureTLSConfig()
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// autoProtocolOrder is the sequence tried when a probe's protocol hint is
// unresolved ("auto" or ""), matching P1's own auto-detection order.
var autoProtocolOrder = []model.Protocol{model.ProtocolHTTP, model.ProtocolSOCKS5, model.ProtocolSOCKS4}

// resolveClientRequest builds a client through endpoint and issues newRequest
// against it, resolving an unresolved protoHint ("auto" or "") by trying
// each candidate protocol in turn until one produces a successful round
// trip — the same http->socks5->socks4 order P1 uses. A concrete protoHint
// is tried as-is, once. Returns the client and protocol that worked (the
// client is reusable for further requests through the same endpoint) along
// with the response; callers must close that response's body.
func resolveClientRequest(protoHint model.Protocol, endpoint string, timeout time.Duration, insecureTLS bool, newRequest func(model.Protocol) (*http.Request, error)) (*http.Client, model.Protocol, *http.Response, error) {
	candidates := []model.Protocol{protoHint}
	if protoHint == "" || protoHint == "auto" {
		candidates = autoProtocolOrder
	}

	var lastErr error
	for _, proto := range candidates {
		client, err := newClient(proto, endpoint, timeout, insecureTLS)
		if err != nil {
			lastErr = err
			continue
		}
		req, err := newRequest(proto)
		if err != nil {
			return nil, proto, nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		return client, proto, resp, nil
	}
	return nil, protoHint, nil, lastErr
}

// resolveClient is resolveClientRequest specialised to a plain GET.
func resolveClient(ctx context.Context, protoHint model.Protocol, endpoint string, timeout time.Duration, insecureTLS bool, probeURL string) (*http.Client, model.Protocol, *http.Response, error) {
	return resolveClientRequest(protoHint, endpoint, timeout, insecureTLS, func(model.Protocol) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	})
}

// dialerFor returns a DialContext func tunnelling through endpoint via proto.
// newClient calls it for every protocol but only keeps the socks4/socks5
// dialers; HTTP proxying goes through Transport.Proxy.
func dialerFor(proto model.Protocol, endpoint string, timeout time.Duration) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	switch proto {
	case model.ProtocolSOCKS5:
		d, err := proxy.SOCKS5("tcp", endpoint, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("build socks5 dialer for %s: %w", endpoint, err)
		}
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := d.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return d.Dial(network, addr)
		}, nil
	case model.ProtocolSOCKS4:
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialSOCKS4(ctx, endpoint, addr, timeout)
		}, nil
	case model.ProtocolHTTP:
		// newClient installs Transport.Proxy instead and discards this
		// dialer; the branch keeps dialerFor total over model.Protocol.
		d := &net.Dialer{Timeout: timeout}
		return d.DialContext, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
}
