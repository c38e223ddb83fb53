// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package egress

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/forgeguard/forgeguard/lib/netutil"
)

const defaultDialTimeout = 10 * time.Second

// Proxy is the filtering HTTP proxy. CONNECT requests become raw TCP
// tunnels (TLS passes through untouched); plain HTTP proxy requests
// are forwarded. Both paths consult the allow-list before any dial,
// and both log the verdict.
type Proxy struct {
	allowlist   *Allowlist
	dialTimeout time.Duration
	transport   *http.Transport
	logger      *slog.Logger
}

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	Allowlist *Allowlist

	// DialTimeout bounds upstream connection attempts. Defaults to 10s.
	DialTimeout time.Duration

	Logger *slog.Logger
}

// NewProxy creates a Proxy.
func NewProxy(config ProxyConfig) (*Proxy, error) {
	if config.Allowlist == nil {
		return nil, fmt.Errorf("egress: Allowlist is required")
	}
	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Proxy{
		allowlist:   config.Allowlist,
		dialTimeout: timeout,
		transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
			// The proxy forwards verbatim; upstream proxies would
			// bypass the filter.
			Proxy: nil,
		},
		logger: logger,
	}, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method == http.MethodConnect {
		p.handleConnect(writer, request)
		return
	}
	p.handleForward(writer, request)
}

// handleConnect admits or refuses a TLS tunnel.
func (p *Proxy) handleConnect(writer http.ResponseWriter, request *http.Request) {
	host, port, err := splitHostPort(request.Host, 443)
	if err != nil {
		http.Error(writer, "malformed CONNECT target", http.StatusBadRequest)
		return
	}

	if !p.allowlist.Allows(host, port) {
		p.logger.Warn("dial refused", "method", "CONNECT", "host", host, "port", port)
		http.Error(writer, "destination not on the egress allow-list", http.StatusForbidden)
		return
	}
	p.logger.Info("dial admitted", "method", "CONNECT", "host", host, "port", port)

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), p.dialTimeout)
	if err != nil {
		p.logger.Warn("upstream dial failed", "host", host, "port", port, "error", err)
		http.Error(writer, "upstream unreachable", http.StatusBadGateway)
		return
	}

	hijacker, ok := writer.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(writer, "connection cannot be hijacked", http.StatusInternalServerError)
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		p.logger.Error("hijack failed", "error", err)
		return
	}

	fmt.Fprint(client, "HTTP/1.1 200 Connection Established\r\n\r\n")

	// Bytes the client sent ahead of our 200 are still in the buffered
	// reader; the bridge drains it first.
	if err := netutil.BridgeReaders(client, buffered, upstream, upstream); err != nil && !netutil.IsExpectedCloseError(err) {
		p.logger.Debug("tunnel closed with error", "host", host, "error", err)
	}
	client.Close()
	upstream.Close()
}

// handleForward proxies a plain HTTP request.
func (p *Proxy) handleForward(writer http.ResponseWriter, request *http.Request) {
	if !request.URL.IsAbs() {
		http.Error(writer, "proxy requests must use an absolute URI", http.StatusBadRequest)
		return
	}

	host, port, err := splitHostPort(request.URL.Host, 80)
	if err != nil {
		http.Error(writer, "malformed request host", http.StatusBadRequest)
		return
	}

	if !p.allowlist.Allows(host, port) {
		p.logger.Warn("dial refused", "method", request.Method, "host", host, "port", port)
		http.Error(writer, "destination not on the egress allow-list", http.StatusForbidden)
		return
	}
	p.logger.Info("dial admitted", "method", request.Method, "host", host, "port", port)

	outbound := request.Clone(request.Context())
	outbound.RequestURI = ""
	removeHopByHopHeaders(outbound.Header)

	response, err := p.transport.RoundTrip(outbound)
	if err != nil {
		p.logger.Warn("forward failed", "host", host, "error", err)
		http.Error(writer, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer response.Body.Close()

	removeHopByHopHeaders(response.Header)
	for key, values := range response.Header {
		for _, value := range values {
			writer.Header().Add(key, value)
		}
	}
	writer.WriteHeader(response.StatusCode)
	if _, err := io.Copy(writer, response.Body); err != nil {
		p.logger.Debug("copying response body", "host", host, "error", err)
	}
}

// hopByHopHeaders are connection-scoped per RFC 9110 section 7.6.1 and
// must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(header http.Header) {
	for _, name := range header.Values("Connection") {
		header.Del(name)
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

// splitHostPort parses "host" or "host:port", applying a default port.
func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	host, portPart, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present.
		return hostport, defaultPort, nil
	}
	port, err := strconv.Atoi(portPart)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("egress: invalid port %q", portPart)
	}
	return host, port, nil
}
