package agent

import (
	"bytes"
	"io"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lmika/veilproxy/pkg/filter"
	"github.com/lmika/veilproxy/pkg/upstream"
)

// tcpPair returns two connected *net.TCPConn endpoints over loopback.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverCh <- nil
			return
		}
		serverCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-serverCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

// echoListener starts a TCP listener standing in for "the origin server"
// or "the upstream proxy": it echoes back whatever it receives, so tests
// can assert on exactly what the Agent wrote to it.
func echoListener(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func newTestAgent(t *testing.T, matches bool, kind upstream.Kind) *Agent {
	t.Helper()

	engine := filter.NewEngine()
	if matches {
		// "http" as a plain substring rule matches every target_url these
		// tests construct, since target_url always starts with a scheme
		// containing that substring.
		engine.Load(filter.ParseRuleset([]byte("http\n")))
	} else {
		// An empty-but-loaded ruleset deterministically yields false,
		// unlike the no-ruleset-loaded fail-safe default of true.
		engine.Load(filter.ParseRuleset(nil))
	}
	return &Agent{
		Engine:   engine,
		Upstream: kind,
		BufSize:  4096,
		Timeout:  2 * time.Second,
		Logger:   zerolog.Nop(),
	}
}

// TestAgent_DirectGet covers testable property 5 (verbatim forwarding) on
// the direct-HTTP path, corresponding to scenario S3.
func TestAgent_DirectGet(t *testing.T) {
	origin := echoListener(t)
	defer origin.Close()

	a := newTestAgent(t, false, upstream.Kind{})

	client, server := tcpPair(t)
	defer client.Close()

	go a.Handle(server)

	head := "GET / HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
	if _, err := client.Write([]byte(head)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	got := make([]byte, len(head))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read echoed head: %v", err)
	}
	if string(got) != head {
		t.Fatalf("echoed head = %q, want %q", got, head)
	}
}

// TestAgent_ConnectDirect covers testable property 6 and scenario S1: the
// client gets a bare 200 OK, raw_head is never forwarded, and the tunnel
// is transparent afterwards.
func TestAgent_ConnectDirect(t *testing.T) {
	origin := echoListener(t)
	defer origin.Close()

	a := newTestAgent(t, false, upstream.Kind{})

	client, server := tcpPair(t)
	defer client.Close()

	go a.Handle(server)

	head := "CONNECT " + origin.Addr().String() + " HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
	if _, err := client.Write([]byte(head)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	resp := make([]byte, len("HTTP/1.1 200 OK\r\n\r\n"))
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if string(resp) != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("CONNECT response = %q, want bare 200 OK", resp)
	}

	payload := []byte("post-connect bytes")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write tunnel payload: %v", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(client, echoed); err != nil {
		t.Fatalf("read tunneled echo: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Fatalf("tunneled echo = %q, want %q (raw_head must not have reached origin)", echoed, payload)
	}
}

// TestAgent_ProxiedGet covers scenario S2: a matched request is forwarded
// verbatim to the configured upstream proxy authority.
func TestAgent_ProxiedGet(t *testing.T) {
	upstreamStub := echoListener(t)
	defer upstreamStub.Close()

	u, _ := url.Parse("http://" + upstreamStub.Addr().String())
	kind, err := upstream.NewKind(u)
	if err != nil {
		t.Fatalf("NewKind: %v", err)
	}

	a := newTestAgent(t, true, kind)

	client, server := tcpPair(t)
	defer client.Close()

	go a.Handle(server)

	head := "GET http://ads.example/x HTTP/1.1\r\nHost: ads.example\r\n\r\n"
	if _, err := client.Write([]byte(head)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	got := make([]byte, len(head))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read echoed head from upstream stub: %v", err)
	}
	if string(got) != head {
		t.Fatalf("echoed head = %q, want %q", got, head)
	}
}

// TestAgent_MissingHost covers scenario S4.
func TestAgent_MissingHost(t *testing.T) {
	a := newTestAgent(t, false, upstream.Kind{})

	client, server := tcpPair(t)
	defer client.Close()

	go a.Handle(server)

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "HTTP/1.1 400 Host\r\n\r\n" {
		t.Fatalf("response = %q, want %q", resp, "HTTP/1.1 400 Host\r\n\r\n")
	}
}

// TestAgent_ReadTimeout covers scenario S5.
func TestAgent_ReadTimeout(t *testing.T) {
	a := newTestAgent(t, false, upstream.Kind{})
	a.Timeout = 200 * time.Millisecond

	client, server := tcpPair(t)
	defer client.Close()

	go a.Handle(server)

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "HTTP/1.1 408 Timeout\r\n\r\n" {
		t.Fatalf("response = %q, want %q", resp, "HTTP/1.1 408 Timeout\r\n\r\n")
	}
}

// TestAgent_FailLogsErrorType covers the fail() path logging the
// errors.GetErrorType classification alongside the status code.
func TestAgent_FailLogsErrorType(t *testing.T) {
	var logBuf bytes.Buffer
	a := newTestAgent(t, false, upstream.Kind{})
	a.Logger = zerolog.New(&logBuf)

	client, server := tcpPair(t)
	defer client.Close()

	go a.Handle(server)

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if _, err := io.ReadAll(client); err != nil {
		t.Fatalf("read response: %v", err)
	}

	if !strings.Contains(logBuf.String(), `"error_type":"bad_request"`) {
		t.Fatalf("log output = %q, want it to contain error_type=bad_request", logBuf.String())
	}
}

// TestAgent_TunnelTimeoutLoggedAsExpected covers the teardown-logging fix:
// an idle-tunnel timeout is the normal way a splice ends, so it must not be
// logged at warn level like a genuine tunnel failure.
func TestAgent_TunnelTimeoutLoggedAsExpected(t *testing.T) {
	origin := echoListener(t)
	defer origin.Close()

	var logBuf bytes.Buffer
	a := newTestAgent(t, false, upstream.Kind{})
	a.Logger = zerolog.New(&logBuf)
	a.Timeout = 200 * time.Millisecond

	client, server := tcpPair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		a.Handle(server)
		close(done)
	}()

	head := "GET / HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
	if _, err := client.Write([]byte(head)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	got := make([]byte, len(head))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read echoed head: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after idle tunnel timeout")
	}

	if strings.Contains(logBuf.String(), `"level":"warn"`) {
		t.Fatalf("log output = %q, want idle-tunnel timeout logged below warn level", logBuf.String())
	}
	if !strings.Contains(logBuf.String(), "connection closed") {
		t.Fatalf("log output = %q, want a \"connection closed\" teardown entry", logBuf.String())
	}
}
