// Package agent implements the decision and tunneling core: given one
// accepted client socket, it produces a Request, decides direct vs.
// proxied, performs the matching handshake, and splices the two streams.
package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/lmika/veilproxy/pkg/errors"
	"github.com/lmika/veilproxy/pkg/filter"
	"github.com/lmika/veilproxy/pkg/reqhead"
	"github.com/lmika/veilproxy/pkg/splice"
	"github.com/lmika/veilproxy/pkg/timing"
	"github.com/lmika/veilproxy/pkg/upstream"
)

// failWriteTimeout bounds the best-effort error response write; the
// connection is already being torn down, so this is deliberately short.
const failWriteTimeout = 2 * time.Second

// Agent is read-only after construction and shared by shared-ownership
// reference across every accepted connection; it needs no locking of its
// own (see pkg/filter.Engine for the one piece of state that does).
type Agent struct {
	Engine   *filter.Engine
	Upstream upstream.Kind
	BufSize  int
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Handle executes the per-connection decision tree exactly once. It always
// closes client by the time it returns, on every exit path.
func (a *Agent) Handle(client net.Conn) {
	defer client.Close()

	timer := timing.NewTimer()
	ctx := context.Background()
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	timer.StartParse()
	req, err := reqhead.Read(client, a.BufSize, a.Timeout)
	timer.EndParse()
	if err != nil {
		a.fail(client, err)
		return
	}
	defer req.Close()

	matched := a.Engine.Matches(req.TargetURL)

	timer.StartDial()
	upstreamConn, respondConnect, forwardHead, derr := a.openNextHop(ctx, req, matched)
	timer.EndDial()
	if derr != nil {
		a.fail(client, derr)
		return
	}
	defer upstreamConn.Close()

	if respondConnect {
		if werr := writeDeadlined(client, connectOKResponse, a.Timeout); werr != nil {
			a.fail(client, errors.FromIOErr("write CONNECT response", werr))
			return
		}
	} else if forwardHead {
		if a.Timeout > 0 {
			upstreamConn.SetWriteDeadline(time.Now().Add(a.Timeout))
		}
		if _, werr := req.WriteTo(upstreamConn); werr != nil {
			a.fail(client, errors.FromIOErr("forward request head", werr))
			return
		}
	}

	timer.StartTunnel()
	metrics, serr := splice.Run(client, upstreamConn, a.Timeout)
	timer.EndTunnel()

	// An idle-tunnel timeout is the normal way a splice ends once neither
	// side is sending anything; anything else is a genuine tunnel failure
	// worth a warning.
	logEvent := a.Logger.Info()
	if serr != nil && !errors.IsTimeoutError(serr) {
		logEvent = a.Logger.Warn().Err(serr)
	} else if serr != nil {
		logEvent = logEvent.Err(serr)
	}
	logEvent.
		Str("method", req.Method).
		Str("host", req.Host).
		Bool("matched", matched).
		Int64("client_to_upstream", metrics.ClientToUpstream).
		Int64("upstream_to_client", metrics.UpstreamToClient).
		Str("metrics", timer.Metrics().String()).
		Msg("connection closed")
}

var connectOKResponse = []byte("HTTP/1.1 200 OK\r\n\r\n")

// openNextHop opens the upstream connection for req per the matched
// verdict, and reports whether the caller must respond 200 directly to the
// client (CONNECT on the direct path) or must forward req's raw head.
func (a *Agent) openNextHop(ctx context.Context, req *reqhead.Request, matched bool) (conn net.Conn, respondConnect, forwardHead bool, err error) {
	if matched {
		conn, err = a.Upstream.Open(ctx, req.Host, a.Timeout)
		return conn, false, true, err
	}

	conn, err = upstream.OpenDirect(ctx, req.Host, a.Timeout)
	if err != nil {
		return nil, false, false, err
	}
	if req.Method == "CONNECT" {
		return conn, true, false, nil
	}
	return conn, false, true, nil
}

// fail writes the one-line error response for err to client on a
// best-effort basis and logs it; Handle's deferred Close then shuts the
// client socket down. Write failures here are silently dropped, matching
// the propagation policy: the connection is already being abandoned.
func (a *Agent) fail(client net.Conn, err error) {
	code, msg := 500, "Internal Server Error"
	if e, ok := err.(*errors.Error); ok {
		code, msg = e.StatusCode(), e.StatusMessage()
	}

	line := fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", code, msg)
	_ = writeDeadlined(client, []byte(line), failWriteTimeout)

	a.Logger.Warn().Err(err).Int("status", code).
		Str("error_type", string(errors.GetErrorType(err))).
		Msg("request failed")
}

// writeDeadlined writes data to conn under a write deadline of timeout,
// falling back to failWriteTimeout when timeout resolves to "none
// configured" so this write can never block forever.
func writeDeadlined(conn net.Conn, data []byte, timeout time.Duration) error {
	d := timeout
	if d <= 0 {
		d = failWriteTimeout
	}
	conn.SetWriteDeadline(time.Now().Add(d))

	_, err := conn.Write(data)
	return err
}
