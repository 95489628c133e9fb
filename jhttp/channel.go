package jhttp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/haldor-labs/jrpc2"
)

// HTTPClient is the interface to an HTTP client used by a Channel. It is
// compatible with the standard library *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// A Channel implements the channel.Channel interface over HTTP. Each message
// sent on the channel is posted to the server URL as the body of an HTTP
// request, and the body of the reply is queued for delivery to Recv. A reply
// with status 204 (No Content) carries no message and is treated as the
// acknowledgement of a notification.
//
// Because HTTP is stateless, the channel holds no connection open between
// messages; each Send is a complete request/response cycle, and the server
// cannot push messages to the channel on its own.
type Channel struct {
	url     string
	method  string
	headers map[string]string
	cli     HTTPClient

	mu    sync.Mutex
	queue [][]byte

	ready chan struct{} // signals Recv that the queue is non-empty
	stop  chan struct{} // closed when the channel closes
	once  sync.Once
}

// NewChannel constructs a new Channel that posts to the specified URL.
func NewChannel(url string, opts *ChannelOptions) *Channel {
	return &Channel{
		url:    url,
		method: "POST",
		cli:    opts.httpClient(),
		ready:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// NewChannelConfig constructs a Channel from the HTTP fields of cfg: the
// request URL is cfg.Target joined with cfg.Path, the request method is
// cfg.Method (default "POST"), and cfg.Headers are added to every request.
func NewChannelConfig(cfg *jrpc2.ClientConfig, opts *ChannelOptions) *Channel {
	ch := NewChannel(strings.TrimSuffix(cfg.Target, "/")+cfg.Path, opts)
	if cfg.Method != "" {
		ch.method = cfg.Method
	}
	ch.headers = cfg.Headers
	return ch
}

// Send implements part of channel.Channel. It blocks until the HTTP exchange
// for msg is complete. A reply whose body carries JSON is queued for Recv
// regardless of its HTTP status, since the JSON-RPC error object inside is
// more precise than the status that accompanied it; a non-2xx reply without
// one is reported as an error from Send.
func (c *Channel) Send(msg []byte) error {
	select {
	case <-c.stop:
		return errors.New("channel is closed")
	default:
	}
	req, err := http.NewRequest(c.method, c.url, bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range c.headers {
		req.Header.Set(name, value)
	}
	rsp, err := c.cli.Do(req)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	if err != nil {
		return err
	}
	if rsp.StatusCode == http.StatusNoContent {
		return nil // notification accepted; no reply to deliver
	}
	if body = bytes.TrimSpace(body); len(body) != 0 && isJSONContent(rsp.Header) {
		c.push(body)
		return nil
	}
	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		return fmt.Errorf("unexpected HTTP status %s", rsp.Status)
	}
	if len(body) != 0 {
		c.push(body)
	}
	return nil
}

// Recv implements part of channel.Channel. It blocks until a reply body is
// available or the channel closes, in which case it reports io.EOF.
func (c *Channel) Recv() ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.queue) != 0 {
			next := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return next, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.stop:
			return nil, io.EOF
		}
	}
}

// Close implements part of channel.Channel. It is safe to call multiple
// times; any Recv blocked at the time of the call is released with io.EOF.
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *Channel) push(msg []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func isJSONContent(h http.Header) bool {
	ctype, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && ctype == "application/json"
}

// ChannelOptions are optional settings for a Channel. A nil pointer is ready
// for use and provides default values as described.
type ChannelOptions struct {
	// The HTTP client used to issue requests. Defaults to http.DefaultClient.
	Client HTTPClient
}

func (o *ChannelOptions) httpClient() HTTPClient {
	if o == nil || o.Client == nil {
		return http.DefaultClient
	}
	return o.Client
}
