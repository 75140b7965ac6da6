// Package splice implements the bidirectional byte tunnel the Agent hands
// two already-connected sockets to once a path has been chosen.
package splice

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/lmika/veilproxy/pkg/errors"
)

// Metrics reports how many bytes moved in each direction.
type Metrics struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

// Run copies bytes between client and upstream in both directions
// concurrently until both directions have ended. Either side's EOF closes
// only that direction; the other keeps running until its own EOF or error.
// If either direction sits idle longer than timeout, that direction fails
// with a timeout error. On return both sockets have been shut down in both
// directions.
//
// Grounded on the two-goroutine-plus-WaitGroup shape of a one-way copy
// joined at the end, generalized here to refresh a deadline before every
// read so an idle tunnel direction times out instead of blocking forever.
func Run(client, upstream net.Conn, timeout time.Duration) (Metrics, error) {
	var wg sync.WaitGroup
	var metrics Metrics
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := copyDirection(upstream, client, timeout)
		metrics.ClientToUpstream = n
		errs[0] = err
	}()
	go func() {
		defer wg.Done()
		n, err := copyDirection(client, upstream, timeout)
		metrics.UpstreamToClient = n
		errs[1] = err
	}()
	wg.Wait()

	shutdown(client)
	shutdown(upstream)

	for _, err := range errs {
		if err != nil && err != io.EOF {
			return metrics, err
		}
	}
	return metrics, nil
}

// copyDirection copies from src to dst, refreshing the read deadline on
// src before every read so a direction that goes idle for longer than
// timeout fails instead of hanging until process exit.
func copyDirection(dst, src net.Conn, timeout time.Duration) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64

	for {
		if timeout > 0 {
			if err := src.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return total, errors.NewIOError("setting tunnel deadline", err)
			}
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if timeout > 0 {
				if err := dst.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
					return total, errors.NewIOError("setting tunnel deadline", err)
				}
			}
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				closeWrite(dst)
				return total, errors.FromIOErr("tunnel write", werr)
			}
		}

		if rerr != nil {
			closeWrite(dst)
			if rerr == io.EOF {
				return total, nil
			}
			return total, errors.FromIOErr("tunnel read", rerr)
		}
	}
}

// closeWrite half-closes dst's write side so the peer observes EOF on its
// own read, without tearing down the direction still running the other way.
func closeWrite(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}
}

// shutdown fully closes conn once both directions of a splice have ended.
// Non-TCP conns (e.g. a SOCKS5-wrapped stream from golang.org/x/net/proxy)
// only expose Close, so that's the fallback for anything that isn't a
// *net.TCPConn.
func shutdown(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseRead()
		tcpConn.CloseWrite()
	}
	conn.Close()
}
