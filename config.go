package jrpc2

import (
	"context"
	"strconv"
	"time"

	"github.com/haldor-labs/jrpc2/channel"
)

// A Dialer opens a fresh transport connection to the server, for use by a
// Client constructed with NewReconnectingClient. It is the out-of-scope
// transport hook: a Dialer for the stream transport dials a net.Conn and
// wraps it with a channel.Framing; a Dialer for the WebSocket transport
// calls jws.Dial. The HTTP transport has no Dialer, since it opens a fresh
// request/response cycle per call instead of holding a connection open.
type Dialer func(ctx context.Context) (channel.Channel, error)

// ClientConfig enumerates the configuration fields of a JSON-RPC client
// that are independent of any particular transport: the dial target,
// protocol version, stream delimiter, per-call timeout, and the parameters
// governing the Connect/Close reconnection state machine (see connect.go).
//
// A nil *ClientConfig is valid everywhere one is accepted and yields the
// defaults documented on each accessor below, following the nil-safe
// pattern of ClientOptions/ServerOptions in opts.go.
type ClientConfig struct {
	// Target identifies the server to dial: a "host:port" pair for TCP, a
	// filesystem path for a Unix-domain socket, or a ws(s):// / http(s)://
	// URL for the WebSocket and HTTP transports respectively.
	Target string

	// Version selects the wire shape: "2.0" (default) encodes the
	// "jsonrpc" marker on every message; "1.0" omits it and uses the
	// legacy response shape (see message.go's jmessage.encode).
	Version string

	// Delimiter terminates each frame on a stream or WebSocket connection.
	// Defaults to a single newline.
	Delimiter string

	// Timeout bounds how long a single Call or Batch waits for its
	// reply before the client synthesizes a Request Timeout (-32000)
	// error. When zero, NewReconnectingClient uses ClientOptions.Timeout;
	// when both are zero, no timeout is applied by the client itself (the
	// caller's context, if any, still governs).
	Timeout time.Duration

	// Retries is the number of reconnection attempts a Connect-managed
	// client will make after the connection drops, before giving up and
	// transitioning to StateClosed. Zero disables reconnection entirely.
	Retries int

	// ReconnectDelay is the pause between reconnection attempts.
	ReconnectDelay time.Duration

	// PerMessageDeflate enables WebSocket compression. Ignored by the
	// stream and HTTP transports.
	PerMessageDeflate bool

	// HTTP-only extras, read by jhttp.NewChannelConfig.
	Method  string
	Path    string
	Headers map[string]string
}

func (c *ClientConfig) target() string {
	if c == nil {
		return ""
	}
	return c.Target
}

func (c *ClientConfig) version() string {
	if c == nil || c.Version == "" {
		return Version
	}
	return c.Version
}

func (c *ClientConfig) delimiter() []byte {
	if c == nil || c.Delimiter == "" {
		return []byte("\n")
	}
	return []byte(c.Delimiter)
}

func (c *ClientConfig) timeout() time.Duration {
	if c == nil {
		return 0
	}
	return c.Timeout
}

func (c *ClientConfig) retries() int {
	if c == nil {
		return 0
	}
	return c.Retries
}

func (c *ClientConfig) reconnectDelay() time.Duration {
	if c == nil || c.ReconnectDelay <= 0 {
		return time.Second
	}
	return c.ReconnectDelay
}

// ServerConfig enumerates the configuration fields of a JSON-RPC server
// that Listen needs beyond the net.Listener address string: whether the
// bound port must be exclusive to this server, the protocol version, and
// the stream delimiter. A nil *ServerConfig yields the defaults below.
type ServerConfig struct {
	Host string
	Port int

	// Exclusive disallows port sharing (SO_REUSEPORT-style semantics at
	// the application level): a second Listen on the same host:port while
	// this server holds it must fail rather than load-balance between
	// them. The stdlib net.Listener already enforces this for TCP/Unix by
	// default, so Exclusive only documents the expectation; it does not
	// change net.Listen's behavior.
	Exclusive bool

	Version   string
	Delimiter string
}

func (s *ServerConfig) version() string {
	if s == nil || s.Version == "" {
		return Version
	}
	return s.Version
}

func (s *ServerConfig) delimiter() []byte {
	if s == nil || s.Delimiter == "" {
		return []byte("\n")
	}
	return []byte(s.Delimiter)
}

// Addr renders the host:port pair described by s, for use with Network and
// Server.Listen.
func (s *ServerConfig) Addr() string {
	if s == nil {
		return ""
	}
	if s.Host == "" && s.Port == 0 {
		return ""
	}
	return s.Host + ":" + strconv.Itoa(s.Port)
}
