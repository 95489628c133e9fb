package channel

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/haldor-labs/jrpc2/framing"
)

// Delimited returns a Framing that transmits and receives messages framed by
// an arbitrary delimiter sequence. Each message is terminated by delim on
// the wire; outbound records may not themselves contain delim.
//
// The receive side is built on framing.Buffer, so the stream, HTTP body, and
// WebSocket text-frame transports can all share one tested implementation of
// the accumulate/extract discipline instead of each re-deriving it from a
// bufio.Reader.
func Delimited(delim []byte) Framing {
	return func(r io.Reader, wc io.WriteCloser) Channel {
		return &delimited{
			wc:    wc,
			delim: append([]byte(nil), delim...),
			src:   bufio.NewReader(r),
			buf:   framing.New(delim),
		}
	}
}

// Line is a framing that transmits and receives messages with line framing.
// Each message is terminated by a Unicode LF (10). This framing has the
// constraint that outbound records may not contain any LF characters.
var Line = Delimited([]byte("\n"))

type delimited struct {
	wc    io.WriteCloser
	delim []byte
	src   *bufio.Reader
	buf   *framing.Buffer

	pending [][]byte // frames already extracted but not yet returned
}

// Send implements part of the Channel interface. It reports an error if msg
// contains the delimiter sequence.
func (c *delimited) Send(msg []byte) error {
	if bytes.Contains(msg, c.delim) {
		return errors.New("message contains delimiter")
	}
	out := make([]byte, 0, len(msg)+len(c.delim))
	out = append(out, msg...)
	out = append(out, c.delim...)
	_, err := c.wc.Write(out)
	return err
}

// Recv implements part of the Channel interface.
func (c *delimited) Recv() ([]byte, error) {
	for len(c.pending) == 0 {
		chunk := make([]byte, 4096)
		n, err := c.src.Read(chunk)
		if n > 0 {
			c.buf.Push(chunk[:n])
			c.pending = append(c.pending, c.buf.Extract()...)
		}
		if err != nil {
			if len(c.pending) != 0 {
				break // deliver what we have before reporting the error
			}
			if rest := c.buf.Pending(); err == io.EOF && len(rest) != 0 {
				c.buf.Reset()
				return rest, nil
			}
			return nil, err
		}
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	return next, nil
}

// Close implements part of the Channel interface.
func (c *delimited) Close() error { return c.wc.Close() }
