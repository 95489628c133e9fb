// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package jrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haldor-labs/jrpc2/channel"
	"github.com/haldor-labs/jrpc2/code"
	"golang.org/x/sync/semaphore"
)

var (
	serverMetrics = new(expvar.Map)

	serversActiveGauge     = new(expvar.Int)
	rpcRequestsCount       = new(expvar.Int)
	rpcErrorsCount         = new(expvar.Int)
	bytesReadCount         = new(expvar.Int)
	bytesWrittenCount      = new(expvar.Int)
	rpcCallsPushed         = new(expvar.Int)
	rpcNotificationsPushed = new(expvar.Int)
)

func init() {
	serverMetrics.Set("servers_active", serversActiveGauge)
	serverMetrics.Set("rpc_requests", rpcRequestsCount)
	serverMetrics.Set("rpc_errors", rpcErrorsCount)
	serverMetrics.Set("bytes_read", bytesReadCount)
	serverMetrics.Set("bytes_written", bytesWrittenCount)
	serverMetrics.Set("calls_pushed", rpcCallsPushed)
	serverMetrics.Set("notifications_pushed", rpcNotificationsPushed)
}

// ServerMetrics returns a map of exported server metrics for use with the
// expvar package. This map is shared among all server instances created by
// NewServer.
func ServerMetrics() *expvar.Map { return serverMetrics }

// A Server is a JSON-RPC 2.0 server. It can bind a single preconstructed
// channel.Channel via Start, or it can drive an entire listener of stream or
// WebSocket clients via Listen, dispatching every inbound request to
// user-defined Handlers bound on a shared Assigner. Each accepted
// connection gets its own conn, so concurrent clients never contend for the
// same in-flight request table.
type Server struct {
	mux Assigner
	sem *semaphore.Weighted

	allowP    bool
	legacy    bool
	log       func(string, ...any)
	rpcLog    RPCLogger
	newctx    func() context.Context
	start     time.Time
	builtin   bool
	decodeCtx func(context.Context, json.RawMessage) (context.Context, json.RawMessage, error)

	cmu   sync.Mutex
	conns map[string]*conn
	solo  *conn // set only when bound via Start

	onNotify             func(*Request)
	onClientConnected    func(id string)
	onClientDisconnected func(id string)
	onError              func(error)

	listenMu    sync.Mutex
	listenState ListenState
	listener    net.Listener
	listenErr   error
	listenWG    sync.WaitGroup
	framing     channel.Framing
}

// NewServer returns a new unstarted server that will dispatch incoming
// JSON-RPC requests according to mux. To bind a single connection, call
// Start; to accept a stream of connections, call Listen. If mux is nil, the
// server starts with an empty method table that can be populated with
// Method.
//
// N.B. It is only safe to modify mux after the server has been started if mux
// itself is safe for concurrent use by multiple goroutines.
func NewServer(mux Assigner, opts *ServerOptions) *Server {
	if mux == nil {
		mux = make(methodMap)
	}
	s := &Server{
		mux:       mux,
		sem:       semaphore.NewWeighted(opts.concurrency()),
		allowP:    opts.allowPush(),
		legacy:    opts.legacy(),
		log:       opts.logFunc(),
		rpcLog:    opts.rpcLog(),
		newctx:    opts.newContext(),
		start:     opts.startTime(),
		builtin:   opts.allowBuiltin(),
		decodeCtx: opts.decodeContext(),
		conns:     make(map[string]*conn),
	}
	return s
}

// methodMap is a minimal Assigner backing Server.Method when NewServer is
// called without an explicit mux.
type methodMap map[string]Handler

func (m methodMap) Assign(_ context.Context, method string) Handler { return m[method] }
func (m methodMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Method registers h to handle the given method name and returns s to allow
// chaining. It panics if s was constructed with an explicit Assigner that is
// not a methodMap; in that case, register methods on the Assigner directly.
func (s *Server) Method(name string, h Handler) *Server {
	m, ok := s.mux.(methodMap)
	if !ok {
		panic("Method requires a server constructed with a nil Assigner")
	}
	m[name] = h
	return s
}

// OnNotify registers a callback invoked for every inbound notification the
// server receives, across all connections. It is called synchronously with
// request dispatch and should not block.
func (s *Server) OnNotify(cb func(*Request)) *Server { s.onNotify = cb; return s }

// OnClientConnected registers a callback invoked when a new stream or
// WebSocket client attaches via Listen. It does not fire for connections
// bound with Start, and never fires for the stateless HTTP transport.
func (s *Server) OnClientConnected(cb func(id string)) *Server { s.onClientConnected = cb; return s }

// OnClientDisconnected registers a callback invoked when a client accepted
// by Listen disconnects.
func (s *Server) OnClientDisconnected(cb func(id string)) *Server {
	s.onClientDisconnected = cb
	return s
}

// OnError registers a callback invoked when a per-client operation (most
// notably a broadcast Notify write) fails. The failing client is not
// otherwise identified; inspect err for detail.
func (s *Server) OnError(cb func(error)) *Server { s.onError = cb; return s }

func (s *Server) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	} else {
		s.log("Unhandled server error: %v", err)
	}
}

// Start enables processing of requests from c and returns. Start does not
// block while the server runs. This function will panic if the server is
// already bound via Start or Listen. It returns s to allow chaining with
// construction.
func (s *Server) Start(c channel.Channel) *Server {
	s.cmu.Lock()
	if s.solo != nil || len(s.conns) != 0 {
		s.cmu.Unlock()
		panic("server is already running")
	}
	if s.start.IsZero() {
		s.start = time.Now().In(time.UTC)
	}
	serversActiveGauge.Add(1)

	cn := newConn(s, "solo")
	s.conns[cn.id] = cn
	s.solo = cn
	s.cmu.Unlock()

	cn.start(c)
	return s
}

// assignLocked resolves the handler for name, applying the built-in rpc.*
// methods first unless they have been disabled.
func (s *Server) assignLocked(ctx context.Context, name string) Handler {
	if s.builtin && strings.HasPrefix(name, "rpc.") {
		switch name {
		case rpcServerInfo:
			return methodFunc(s.handleRPCServerInfo)
		default:
			return nil // reserved
		}
	}
	return s.mux.Assign(ctx, name)
}

// forget removes c from the connection registry and fires
// OnClientDisconnected if c was accepted via Listen. A connection bound with
// Start stays recorded as s.solo, so that Wait can report its exit status.
func (s *Server) forget(c *conn) {
	s.cmu.Lock()
	_, wasListened := s.conns[c.id]
	delete(s.conns, c.id)
	s.cmu.Unlock()
	serversActiveGauge.Add(-1)
	if wasListened && c.id != "solo" && s.onClientDisconnected != nil {
		s.onClientDisconnected(c.id)
	}
}

// ServerInfo returns an atomic snapshot of the current server info for s.
func (s *Server) ServerInfo() *ServerInfo {
	info := &ServerInfo{
		Methods:   []string{"*"},
		Metrics:   make(map[string]any),
		StartTime: s.start,
	}
	serverMetrics.Do(func(kv expvar.KeyValue) {
		info.Metrics[kv.Key] = json.RawMessage(kv.Value.String())
	})
	if n, ok := s.mux.(Namer); ok {
		info.Methods = n.Names()
	}
	return info
}

// ErrPushUnsupported is returned by the Notify and Callback methods if
// server pushes are not enabled.
var ErrPushUnsupported = errors.New("server push is not enabled")

// Notify posts a server-side notification to every connection currently
// attached to the server (via Start or Listen). A write failure on one
// connection is reported through OnError and does not prevent delivery to
// the others.
//
// This is a non-standard extension of JSON-RPC, and may not be supported by
// all clients. Unless s was constructed with the AllowPush option set true,
// this method always reports ErrPushUnsupported without sending anything.
func (s *Server) Notify(ctx context.Context, method string, params any) error {
	if !s.allowP {
		return ErrPushUnsupported
	}
	s.cmu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.cmu.Unlock()

	if len(targets) == 0 {
		return ErrConnClosed
	}
	var last error
	for _, c := range targets {
		if _, err := c.pushReq(ctx, false, method, params); err != nil {
			last = err
			s.reportError(err)
		}
	}
	return last
}

// Callback posts a server-side call to the single connection bound via
// Start. It blocks until a reply is received, ctx ends, or the connection
// terminates. Callback requires a solo (Start-bound) server; for a Listen
// server, push calls to a specific client are out of scope.
//
// Unless s was constructed with the AllowPush option set true, this method
// always reports ErrPushUnsupported without sending anything.
func (s *Server) Callback(ctx context.Context, method string, params any) (*Response, error) {
	if !s.allowP {
		return nil, ErrPushUnsupported
	}
	s.cmu.Lock()
	c := s.solo
	s.cmu.Unlock()
	if c == nil {
		return nil, ErrConnClosed
	}
	rsp, err := c.pushReq(ctx, true, method, params)
	if err != nil {
		return nil, err
	}
	rsp.wait()
	if err := rsp.Error(); err != nil {
		return nil, filterError(err)
	}
	return rsp, nil
}

// Stop shuts down the server: every bound connection (Start or Listen) is
// closed, and the listener (if any) stops accepting new connections. It is
// safe to call this method multiple times or from concurrent goroutines.
func (s *Server) Stop() {
	s.cmu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.cmu.Unlock()
	for _, c := range conns {
		c.Stop()
	}
	s.Close()
}

// ServerStatus describes the status of a stopped connection.
//
// A connection is said to have succeeded if it stopped because the client
// channel closed or because Stop was called. On success, Err == nil, and the
// flag fields indicate the reason why the connection exited. Otherwise, Err
// != nil is the error value that caused the connection to exit.
type ServerStatus struct {
	Err error

	Stopped bool
	Closed  bool
}

// Success reports whether the connection exited without error.
func (s ServerStatus) Success() bool { return s.Err == nil }

// WaitStatus blocks until the solo connection bound by Start terminates, and
// returns the resulting status. It panics if the server was never bound with
// Start.
func (s *Server) WaitStatus() ServerStatus {
	s.cmu.Lock()
	c := s.solo
	s.cmu.Unlock()
	if c == nil {
		panic("WaitStatus called on a server with no solo connection")
	}
	return c.WaitStatus()
}

// Wait blocks until the solo connection bound by Start terminates and
// returns the resulting error. It is equivalent to s.WaitStatus().Err.
func (s *Server) Wait() error { return s.WaitStatus().Err }

// ServerInfo is the concrete type of responses from the rpc.serverInfo method.
type ServerInfo struct {
	Methods   []string       `json:"methods,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	StartTime time.Time      `json:"startTime,omitempty"`
}

// A task represents a pending method invocation received by a connection.
type task struct {
	m Handler

	ctx   context.Context
	hreq  *Request
	batch bool

	val json.RawMessage
	err error
}

type tasks []*task

func (ts tasks) responses(rpcLog RPCLogger) jmessages {
	var rsps jmessages
	for _, task := range ts {
		if task.hreq.id == nil {
			if c := code.FromError(task.err); c != code.ParseError && c != code.InvalidRequest {
				continue
			}
		}
		rsp := &jmessage{ID: task.hreq.id, batch: task.batch}
		if rsp.ID == nil {
			rsp.ID = json.RawMessage("null")
		}
		if task.m == nil {
			rsp.err = errTaskNotExecuted
		}
		if task.err == nil {
			rsp.R = task.val
		} else if e, ok := task.err.(*Error); ok {
			rsp.E = e
		} else if c := code.FromError(task.err); c != code.NoError {
			rsp.E = &Error{Code: c, Message: task.err.Error()}
		} else {
			rsp.E = &Error{Code: code.InternalError, Message: task.err.Error()}
		}
		rpcLog.LogResponse(task.ctx, &Response{
			id:     string(rsp.ID),
			err:    rsp.E,
			result: rsp.R,
		})
		rsps = append(rsps, rsp)
	}
	return rsps
}

// numToDo reports the number of tasks in ts that need to be executed, and the
// number of those that are notifications.
func (ts tasks) numToDo() (todo, notes int) {
	for _, t := range ts {
		if t.err == nil {
			todo++
			if t.hreq.IsNotification() {
				notes++
			}
		}
	}
	return
}
