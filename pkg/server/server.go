// Package server implements the accept loop: bind a listener, hand each
// accepted socket to a shared Agent on its own goroutine, never die on a
// per-connection or per-accept failure.
package server

import (
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lmika/veilproxy/pkg/agent"
)

// Server binds a TCP listener and dispatches every accepted connection to
// agent.Handle on its own goroutine.
type Server struct {
	Addr   string
	Agent  *agent.Agent
	Logger zerolog.Logger

	mu       sync.Mutex
	ln       net.Listener
	shutdown bool
}

// Run binds the listener and serves until Shutdown is called. Every accept
// error short of the listener being deliberately closed is logged and the
// loop continues; no accept error is ever fatal to the process.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.serve(ln)
}

// serve runs the accept loop over an already-bound listener. Split out from
// Run so tests can drive the loop against a listener that manufactures
// specific accept errors.
func (s *Server) serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer ln.Close()

	s.Logger.Info().Str("addr", s.Addr).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}
			s.Logger.Warn().Err(err).Msg("accept error, continuing")
			continue
		}

		go s.Agent.Handle(conn)
	}
}

// Shutdown stops the accept loop by closing its listener. Connections
// already being handled are not drained; no graceful drain is provided.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown = true
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
