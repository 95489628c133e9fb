// Package server provides helpers for binding a jrpc2.Server to an
// in-process client, for use by transport bridges such as jhttp that need a
// live client/server pair without a real network connection.
package server

import (
	"github.com/haldor-labs/jrpc2"
	"github.com/haldor-labs/jrpc2/channel"
)

// A Local is a *jrpc2.Server and a *jrpc2.Client connected to each other by
// an in-memory pipe, constructed by NewLocal.
type Local struct {
	Client *jrpc2.Client
	Server *jrpc2.Server
}

// NewLocal constructs a *jrpc2.Server bound to mux and a *jrpc2.Client
// connected to it via an in-memory pipe, using the specified options. If
// opts == nil, it behaves as if the client and server options are also nil.
//
// Closing the returned Local closes the client, which in turn stops the
// server and waits for it to finish.
func NewLocal(mux jrpc2.Assigner, opts *LocalOptions) Local {
	if opts == nil {
		opts = new(LocalOptions)
	}
	cpipe, spipe := channel.Pipe(channel.Line)
	srv := jrpc2.NewServer(mux, opts.Server).Start(spipe)
	return Local{
		Client: jrpc2.NewClient(cpipe, opts.Client),
		Server: srv,
	}
}

// Close closes the channel to the server, waits for the server to exit, and
// reports its exit status.
func (l Local) Close() error {
	cerr := l.Client.Close()
	serr := l.Server.Wait()
	if cerr != nil {
		return cerr
	}
	return serr
}

// LocalOptions control the behaviour of the server and client constructed by
// NewLocal.
type LocalOptions struct {
	Client *jrpc2.ClientOptions
	Server *jrpc2.ServerOptions
}
