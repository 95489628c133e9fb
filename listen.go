package jrpc2

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/haldor-labs/jrpc2/channel"
)

// A ListenState describes the current phase of a Server's listen loop.
type ListenState int32

const (
	// StateStopped is the initial state, and the state after Close returns.
	StateStopped ListenState = iota
	// StateStarting is set while Listen is binding its address.
	StateStarting
	// StateListening is set once the listener is accepting connections.
	StateListening
	// StateStopping is set while Close is draining active connections.
	StateStopping
)

func (s ListenState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("ListenState(%d)", int32(s))
	}
}

// ErrAlreadyListening is declared in error.go.

// nextConnID mints a unique identifier for a connection accepted by the
// server's Listen loop, so OnClientConnected/OnClientDisconnected callbacks
// (and the connected-clients map they key off) have a stable per-client
// handle that is not tied to the underlying network address.
func nextConnID() string {
	return uuid.NewString()
}

// Listen binds addr (as accepted by net.Listen, after splitting through
// Network) and accepts a stream of client connections, each framed by
// framing and dispatched against the server's shared Assigner. Listen does
// not block; it returns once the listener is bound, or reports an error if
// the bind failed. A second call to Listen while the server is already
// listening returns ErrAlreadyListening without altering the existing
// listener.
func (s *Server) Listen(ctx context.Context, addr string, framing channel.Framing) error {
	s.listenMu.Lock()
	if s.listenState != StateStopped {
		s.listenMu.Unlock()
		return ErrAlreadyListening
	}
	s.listenState = StateStarting
	s.listenMu.Unlock()

	if framing == nil {
		framing = channel.Line
	}

	network, address := Network(addr)
	lst, err := new(net.ListenConfig).Listen(ctx, network, address)
	if err != nil {
		s.listenMu.Lock()
		s.listenState = StateStopped
		s.listenErr = err
		s.listenMu.Unlock()
		return err
	}

	s.listenMu.Lock()
	s.listener = lst
	s.framing = framing
	s.listenState = StateListening
	s.listenErr = nil
	s.listenMu.Unlock()

	s.listenWG.Add(1)
	go s.acceptLoop(lst, framing)
	return nil
}

// ListenConfig is a convenience wrapper around Listen that derives the
// address and framing discipline from cfg (see ServerConfig) instead of
// requiring the caller to assemble a channel.Framing by hand.
func (s *Server) ListenConfig(ctx context.Context, cfg *ServerConfig) error {
	if v := cfg.version(); (v == "1.0") != s.legacy {
		s.log("ListenConfig: config version %q differs from the server's wire shape", v)
	}
	return s.Listen(ctx, cfg.Addr(), channel.Delimited(cfg.delimiter()))
}

// ListenState reports the current phase of the server's listen loop.
func (s *Server) ListenState() ListenState {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return s.listenState
}

// Addr reports the network address of the active listener, or "" if the
// server is not listening. It is mainly useful after a Listen on port 0,
// where the operating system picked the port.
func (s *Server) Addr() string {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(lst net.Listener, framing channel.Framing) {
	defer s.listenWG.Done()
	for {
		nc, err := lst.Accept()
		if err != nil {
			s.listenMu.Lock()
			stopping := s.listenState == StateStopping
			s.listenMu.Unlock()
			if !stopping {
				s.reportError(err)
			}
			return
		}

		s.Accept(framing(nc, nc))
	}
}

// Accept binds ch to s as a new tracked connection, exactly as a connection
// accepted by Listen would be: it gets its own conn and request queue,
// fires OnClientConnected/OnClientDisconnected, and participates in
// broadcast Notify. It returns the connection's generated id.
//
// Accept exists so that transports which do their own connection
// acceptance out-of-band from net.Listener -- notably a WebSocket upgrade
// inside an http.Handler -- can still feed connections into the same
// per-client dispatch machinery that Listen uses for stream sockets.
func (s *Server) Accept(ch channel.Channel) string {
	id := nextConnID()
	cn := newConn(s, id)
	s.cmu.Lock()
	s.conns[id] = cn
	s.cmu.Unlock()
	serversActiveGauge.Add(1)

	if s.onClientConnected != nil {
		s.onClientConnected(id)
	}
	cn.start(ch)
	return id
}

// Close stops accepting new connections, waits for the accept loop to exit,
// and then closes every connection still attached to the server. If the
// server is not listening, Close does nothing and returns nil, so it is safe
// to call on a server that was never listening, or more than once.
func (s *Server) Close() error {
	s.listenMu.Lock()
	if s.listenState != StateListening {
		s.listenMu.Unlock()
		return nil
	}
	s.listenState = StateStopping
	lst := s.listener
	s.listenMu.Unlock()

	var err error
	if lst != nil {
		err = lst.Close()
	}
	s.listenWG.Wait()

	// Drain the connections that are still attached; each Stop is a no-op
	// for a connection that already shut down on its own.
	s.cmu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.cmu.Unlock()
	for _, c := range conns {
		c.Stop()
	}

	s.listenMu.Lock()
	s.listenState = StateStopped
	s.listener = nil
	s.listenMu.Unlock()
	return err
}
