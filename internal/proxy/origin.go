package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrOrigin wraps failures talking to the origin server.
var ErrOrigin = errors.New("origin")

// Dialer opens connections to origin servers. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Capture is the outcome of a forwarded fetch.
type Capture struct {
	// Payload holds the full response when Cacheable is true.
	Payload []byte
	// Size is the number of response bytes read from the origin.
	Size int64
	// Cacheable is false once the response grew past the object size limit.
	Cacheable bool
}

// captureWriter keeps a copy of everything written to it until the total
// passes limit, after which it discards the copy and only counts bytes.
type captureWriter struct {
	limit    int
	buf      []byte
	n        int64
	overflow bool
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	if c.overflow {
		return len(p), nil
	}
	if len(c.buf)+len(p) > c.limit {
		c.overflow = true
		c.buf = nil
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

// clientWriter remembers whether a failure came from the client side so it
// is not reported as an origin error.
type clientWriter struct {
	w   io.Writer
	err error
}

func (c *clientWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		c.err = err
	}
	return n, err
}

// FetchFromOrigin sends req to its origin and streams the raw response to w
// as it arrives, capturing at most maxObjectSize bytes for the cache. There
// are no deadlines on origin I/O; ctx only bounds the dial.
func FetchFromOrigin(ctx context.Context, d Dialer, req *Request, userAgent string, maxObjectSize int, w io.Writer) (Capture, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	if maxObjectSize <= 0 {
		maxObjectSize = DefaultMaxObjectSize
	}
	conn, err := d.DialContext(ctx, "tcp", req.Target.Addr())
	if err != nil {
		return Capture{}, fmt.Errorf("%w: dial %s: %w", ErrOrigin, req.Target.Addr(), err)
	}
	defer conn.Close()

	if _, err := conn.Write(OutboundRequest(req, userAgent)); err != nil {
		return Capture{}, fmt.Errorf("%w: write request: %w", ErrOrigin, err)
	}

	capt := &captureWriter{limit: maxObjectSize}
	cw := &clientWriter{w: w}
	_, err = io.Copy(io.MultiWriter(cw, capt), conn)
	if err != nil {
		if cw.err != nil {
			return Capture{Size: capt.n}, fmt.Errorf("forward to client: %w", cw.err)
		}
		return Capture{Size: capt.n}, fmt.Errorf("%w: read response: %w", ErrOrigin, err)
	}
	return Capture{Payload: capt.buf, Size: capt.n, Cacheable: !capt.overflow}, nil
}
