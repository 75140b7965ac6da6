// Package upstream implements the Connection Builder: it opens the single
// TCP byte stream the Agent tunnels onto, either by connecting straight to
// an upstream proxy or by dialing the origin server directly.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/lmika/veilproxy/pkg/errors"
)

// Kind is the tagged variant describing which next hop the builder opens:
// an HTTP proxy (the caller forwards an absolute-URL request line) or a
// SOCKS5 proxy (this package performs the CONNECT handshake itself).
type Kind struct {
	isSocks5  bool
	authority string
}

// NewKind resolves the REMOTE CLI argument's scheme into a Kind, mirroring
// the scheme dispatch of the original agent builder: "http" or an empty
// scheme selects an HTTP proxy, "socks"/"socks5" selects SOCKS5, anything
// else is a fatal startup error.
func NewKind(remote *url.URL) (Kind, error) {
	authority := remote.Host
	if authority == "" {
		return Kind{}, fmt.Errorf("upstream URL %q has no host", remote.String())
	}

	switch remote.Scheme {
	case "http", "":
		return Kind{isSocks5: false, authority: authority}, nil
	case "socks", "socks5":
		return Kind{isSocks5: true, authority: authority}, nil
	default:
		return Kind{}, fmt.Errorf("unsupported proxy scheme %q", remote.Scheme)
	}
}

// String returns this Kind as a scheme://authority URL, for logging.
func (k Kind) String() string {
	kind := "http"
	if k.isSocks5 {
		kind = "socks5"
	}
	return fmt.Sprintf("%s://%s", kind, k.authority)
}

// Open reaches the configured next hop for the given target host:port.
//
// For an HTTP proxy, target is ignored: the caller is expected to write an
// absolute-URL (or CONNECT) request line that the upstream proxy itself
// will interpret, so Open just connects to the proxy's authority.
//
// For a SOCKS5 proxy, Open performs the SOCKS5 CONNECT handshake for
// target and returns the already-tunneled stream; any negotiation failure
// is fatal for the connection.
func (k Kind) Open(ctx context.Context, target string, timeout time.Duration) (net.Conn, error) {
	if k.isSocks5 {
		return dialSOCKS5(ctx, k.authority, target, timeout)
	}
	return dialDirect(ctx, k.authority, timeout)
}

// OpenDirect opens a plain TCP connection straight to target, used by the
// Agent on the direct path (no upstream proxy involved at all).
func OpenDirect(ctx context.Context, target string, timeout time.Duration) (net.Conn, error) {
	return dialDirect(ctx, target, timeout)
}

func dialDirect(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.FromIOErr("dial", err)
	}
	return conn, nil
}

// dialSOCKS5 connects to the configured SOCKS5 proxy and performs the
// standard CONNECT handshake for target, using the proven
// golang.org/x/net/proxy implementation rather than a hand-rolled one.
func dialSOCKS5(ctx context.Context, proxyAddr, target string, timeout time.Duration) (net.Conn, error) {
	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, errors.NewIOError("create SOCKS5 dialer", err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}

	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, errors.FromIOErr("socks5 connect", err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, errors.FromIOErr("socks5 connect", err)
	}
	return conn, nil
}
