package jrpc2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/haldor-labs/jrpc2/channel"
)

// A State describes the current phase of a Client's connection lifecycle,
// as driven by Connect, Close, and the reconnect supervisor started by
// NewReconnectingClient.
//
//	Idle --connect--> Connecting --open--> Open
//	Open --remote close--> Retrying (remainingRetries>0) --timer--> Connecting
//	Retrying --exhausted--> Closed
//	Any  --local close--> Closed
//
// A Client built directly with NewClient (handed an already-open channel)
// starts in, and stays in, StateOpen until Close is called; it has no
// Dialer and so never enters StateRetrying.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateRetrying:
		return "retrying"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrClientClosed is returned by Call, Notify, and Batch when the client has
// no bound channel and no recorded failure: a client built with
// NewReconnectingClient before its first successful Connect, including one
// closed before it ever connected. Once a connection has been bound, calls
// made after it ends report the error that ended it instead.
var ErrClientClosed = errors.New("client is closed")

// NewReconnectingClient constructs a Client in StateIdle that dials its
// connection lazily: call Connect to establish the first connection. If the
// connection subsequently drops for a reason other than a local Close, the
// client automatically redials, waiting cfg.ReconnectDelay between attempts,
// before giving up and transitioning to StateClosed. The cfg.Retries budget
// applies to each disconnect separately: a client that reconnects
// successfully starts the next outage with its full allowance again.
//
// In-flight calls at the moment of disconnect are not replayed onto the new
// connection; they settle against the abandoned correlation table via
// their own per-call deadlines. This mirrors the stream client's retry
// semantics: reconnection is best-effort and stateless across attempts.
func NewReconnectingClient(dial Dialer, cfg *ClientConfig, opts *ClientOptions) *Client {
	cbctx, cbcancel := context.WithCancel(context.Background())
	timeout := cfg.timeout()
	if timeout == 0 {
		timeout = opts.timeout()
	}
	c := &Client{
		done:    new(sync.WaitGroup),
		log:     opts.logFunc(),
		snote:   opts.handleNotification(),
		scall:   opts.handleCallback(),
		chook:   opts.handleCancel(),
		encode:  opts.encodeContext(),
		legacy:  cfg.version() == "1.0" || opts.legacy(),
		timeout: timeout,

		cbctx:    cbctx,
		cbcancel: cbcancel,

		pending:   make(map[string]*Response),
		nextID:    1,
		state:     StateIdle,
		dial:      dial,
		retries:   cfg.retries(),
		retryWait: cfg.reconnectDelay(),
	}
	return c
}

// OnServerDisconnected registers a callback invoked whenever the connection
// drops for a reason other than a local Close call -- once per disconnect,
// whether or not a reconnect attempt follows. It is not called for the
// terminal Close initiated by the application itself.
func (c *Client) OnServerDisconnected(cb func(error)) { c.onDiscon = cb }

// State reports the client's current connection phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server using the Dialer supplied to
// NewReconnectingClient and blocks until the connection is open or ctx
// ends. It is an error to call Connect on a Client built with NewClient
// (which has no Dialer and is already StateOpen), or on one that is not
// currently StateIdle.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.dial == nil {
		c.mu.Unlock()
		return errors.New("client has no dialer; construct with NewReconnectingClient")
	}
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: client is %s, not idle", st)
	}
	c.state = StateConnecting
	dial := c.dial
	c.mu.Unlock()

	ch, err := dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	c.bind(ch)

	c.done.Add(1)
	go c.superviseReconnect()
	return nil
}

// superviseReconnect watches the reader goroutine bound by the most recent
// bind call. When it exits because of something other than a local Close,
// it drives the Retrying -> Connecting -> Open cycle until the connection
// is restored or the retry budget is exhausted.
func (c *Client) superviseReconnect() {
	defer c.done.Done()
	for {
		c.mu.Lock()
		done := c.readerDone
		c.mu.Unlock()
		if done == nil {
			return
		}
		<-done

		c.mu.Lock()
		localClose := c.err == errClientStopped
		dial := c.dial
		discErr := c.err
		c.mu.Unlock()

		if localClose || dial == nil {
			return // Close already drove the state to StateClosed.
		}
		if c.onDiscon != nil {
			c.onDiscon(discErr)
		}

		if !c.redial(dial) {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return
		}
	}
}

// redial retries dial until it succeeds, the retry budget for this
// disconnect is exhausted, or the client transitions to StateClosed out from
// under it (checked each iteration via c.state). It reports whether a new
// connection was bound.
//
// The budget is per disconnect: c.retries is never mutated, so a client that
// recovers from one drop has its full allowance available for the next.
func (c *Client) redial(dial Dialer) bool {
	for remaining := c.retries; remaining > 0; remaining-- {
		c.mu.Lock()
		c.state = StateRetrying
		wait := c.retryWait
		c.mu.Unlock()

		time.Sleep(wait)

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return false
		}
		c.state = StateConnecting
		c.mu.Unlock()

		ch, err := dial(context.Background())
		if err != nil {
			c.log("Reconnect attempt failed: %v", err)
			continue
		}
		c.mu.Lock()
		c.state = StateOpen
		c.mu.Unlock()
		c.bind(ch)
		return true
	}
	return false
}

// NewReconnectingStreamClient is a convenience wrapper around
// NewReconnectingClient for the stream transport: each (re)connect attempt
// opens a fresh network connection to addr (as accepted by Network), framed
// with framing. An empty addr falls back to cfg.Target, and a nil framing
// uses delimiter framing with cfg's configured delimiter.
func NewReconnectingStreamClient(addr string, framing channel.Framing, cfg *ClientConfig, opts *ClientOptions) *Client {
	if addr == "" {
		addr = cfg.target()
	}
	if framing == nil {
		framing = channel.Delimited(cfg.delimiter())
	}
	return NewReconnectingClient(dialStream(addr, framing), cfg, opts)
}

// dialStream returns a Dialer for the stream transport: each call opens a
// fresh network connection to addr, framed with framing (default
// channel.Line).
func dialStream(addr string, framing channel.Framing) Dialer {
	if framing == nil {
		framing = channel.Line
	}
	return func(ctx context.Context) (channel.Channel, error) {
		network, address := Network(addr)
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return framing(conn, conn), nil
	}
}
