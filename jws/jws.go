// Package jws implements the WebSocket transport for a jrpc2 client and
// server, adapting a *websocket.Conn from github.com/gorilla/websocket to
// the channel.Channel interface used throughout this module.
//
// Each WebSocket text message carries exactly one delimiter-terminated
// JSON-RPC frame, the same wire shape the stream transport uses, so that
// framing.Buffer, message.go's decoder, and every log or replay tool built
// against the delimited stream format work unmodified against a WS
// connection.
package jws

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haldor-labs/jrpc2"
	"github.com/haldor-labs/jrpc2/channel"
)

// Options control the behaviour of a WebSocket channel. A nil *Options is
// ready for use and provides the defaults described for each field.
type Options struct {
	// Delimiter terminates each outbound WS text message and is stripped
	// from each inbound one. Defaults to a single newline, matching the
	// stream transport.
	Delimiter []byte

	// PerMessageDeflate enables the permessage-deflate WebSocket extension
	// (RFC 7692) on both the client dialer and the server upgrader.
	PerMessageDeflate bool

	// HandshakeTimeout bounds Dial's handshake. Defaults to 45s, matching
	// gorilla/websocket's own default.
	HandshakeTimeout time.Duration

	// Upgrader customizes the server-side HTTP-to-WebSocket upgrade. Its
	// fields are used as given, except EnableCompression, which is
	// controlled by PerMessageDeflate.
	Upgrader websocket.Upgrader
}

func (o *Options) delimiter() []byte {
	if o == nil || len(o.Delimiter) == 0 {
		return []byte("\n")
	}
	return o.Delimiter
}

func (o *Options) deflate() bool { return o != nil && o.PerMessageDeflate }

func (o *Options) handshakeTimeout() time.Duration {
	if o == nil || o.HandshakeTimeout <= 0 {
		return 45 * time.Second
	}
	return o.HandshakeTimeout
}

func (o *Options) upgrader() websocket.Upgrader {
	up := websocket.Upgrader{}
	if o != nil {
		up = o.Upgrader
	}
	up.EnableCompression = o.deflate()
	return up
}

// Dial opens a WebSocket connection to url and returns it as a
// channel.Channel, for use with jrpc2.NewClient. The context governs only
// the handshake; once established the channel is independent of ctx.
func Dial(ctx context.Context, url string, opts *Options) (channel.Channel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  opts.handshakeTimeout(),
		EnableCompression: opts.deflate(),
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newConn(conn, opts.delimiter(), opts.deflate()), nil
}

// Dialer returns a jrpc2.Dialer that dials url anew on every call, for use
// with jrpc2.NewReconnectingClient so a dropped WebSocket connection is
// re-established automatically.
func Dialer(url string, opts *Options) jrpc2.Dialer {
	return func(ctx context.Context) (channel.Channel, error) {
		return Dial(ctx, url, opts)
	}
}

// DialerFromConfig builds a jrpc2.Dialer from the WebSocket fields of cfg:
// the dial URL comes from cfg.Target, and cfg.Delimiter and
// cfg.PerMessageDeflate carry into the channel options.
func DialerFromConfig(cfg *jrpc2.ClientConfig) jrpc2.Dialer {
	return Dialer(cfg.Target, &Options{
		Delimiter:         []byte(cfg.Delimiter),
		PerMessageDeflate: cfg.PerMessageDeflate,
	})
}

// NewHandler returns an http.Handler that upgrades every request to a
// WebSocket connection and binds it to srv via Server.Accept, so concurrent
// WS clients are dispatched exactly like concurrent stream clients accepted
// through Server.Listen: OnClientConnected/OnClientDisconnected fire, and
// each connection gets its own request queue.
func NewHandler(srv *jrpc2.Server, opts *Options) http.Handler {
	up := opts.upgrader()
	delim := opts.delimiter()
	deflate := opts.deflate()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.Accept(newConn(conn, delim, deflate))
	})
}

// wsChannel adapts a *websocket.Conn to channel.Channel.
type wsChannel struct {
	conn  *websocket.Conn
	delim []byte
}

func newConn(conn *websocket.Conn, delim []byte, deflate bool) *wsChannel {
	conn.EnableWriteCompression(deflate)
	return &wsChannel{conn: conn, delim: delim}
}

// Send implements part of channel.Channel. It appends the configured
// delimiter to msg before writing it as a single WS text message.
func (c *wsChannel) Send(msg []byte) error {
	out := make([]byte, 0, len(msg)+len(c.delim))
	out = append(out, msg...)
	out = append(out, c.delim...)
	return c.conn.WriteMessage(websocket.TextMessage, out)
}

// Recv implements part of channel.Channel. It reads the next WS message and
// strips the configured delimiter before returning it.
func (c *wsChannel) Recv() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return bytes.TrimSuffix(data, c.delim), nil
	}
}

// Close implements part of channel.Channel.
func (c *wsChannel) Close() error {
	return c.conn.Close()
}
