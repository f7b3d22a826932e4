package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
)

var (
	// ErrUnsupportedMethod is returned for any request method other than GET.
	ErrUnsupportedMethod = errors.New("unsupported method")
	// ErrMalformedRequest is returned when the request line, headers or
	// target URI cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")
)

// HeaderField is one client header line, kept in arrival order.
type HeaderField struct {
	Name  string
	Value string
}

// Target is the origin a request is forwarded to.
type Target struct {
	Host string
	Port string
	Path string
}

// Addr returns host:port suitable for dialing.
func (t Target) Addr() string { return net.JoinHostPort(t.Host, t.Port) }

// Request is a decoded client request.
type Request struct {
	Method  string
	URI     string
	Version string
	Header  []HeaderField
	Target  Target
}

// Key is the cache key for the request: the URI exactly as received.
func (r *Request) Key() string { return r.URI }

// Get returns the first header value whose name matches, case-insensitively.
func (r *Request) Get(name string) string {
	for _, f := range r.Header {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// DecodeRequest reads one request line and its headers from br. Requests
// using a method other than GET fail with ErrUnsupportedMethod before the
// headers are read; the request line is still returned so it can be logged.
// io.EOF is returned unchanged when the client sent nothing.
func DecodeRequest(br *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(bufio.NewReader(io.LimitReader(br, maxHeaderBytes)))
	line, err := tp.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: request line: %v", ErrMalformedRequest, err)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	req := &Request{Method: fields[0], URI: fields[1], Version: "HTTP/1.0"}
	if len(fields) == 3 {
		req.Version = fields[2]
	}
	if !strings.EqualFold(req.Method, "GET") {
		return req, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}

	for {
		hl, err := tp.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("%w: headers: %v", ErrMalformedRequest, err)
		}
		if hl == "" {
			break
		}
		name, value, ok := strings.Cut(hl, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: header %q", ErrMalformedRequest, hl)
		}
		req.Header = append(req.Header, HeaderField{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}

	req.Target, err = ParseTarget(req.URI, req.Get("Host"))
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ParseTarget splits uri into host, port and path. The http:// prefix is
// optional; the port defaults to 80 and the path to "/". An origin-form URI
// such as "/index.html" takes its host from hostHeader.
func ParseTarget(uri, hostHeader string) (Target, error) {
	rest := uri
	if len(rest) >= len("http://") && strings.EqualFold(rest[:len("http://")], "http://") {
		rest = rest[len("http://"):]
	}

	hostport, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport, path = rest[:i], rest[i:]
	}
	if hostport == "" {
		hostport = hostHeader
	}
	if hostport == "" {
		return Target{}, fmt.Errorf("%w: no host in %q", ErrMalformedRequest, uri)
	}

	t := Target{Port: DefaultOriginPort, Path: path}
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		t.Host, t.Port = h, p
	} else {
		t.Host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
	}
	if t.Host == "" || t.Port == "" {
		return Target{}, fmt.Errorf("%w: bad host %q", ErrMalformedRequest, hostport)
	}
	return t, nil
}

// skipHeader reports whether a client header is replaced on the way out.
func skipHeader(name string) bool {
	return strings.EqualFold(name, "Host") ||
		strings.EqualFold(name, "User-Agent") ||
		strings.EqualFold(name, "Connection") ||
		strings.EqualFold(name, "Proxy-Connection")
}

// OutboundRequest renders the HTTP/1.0 request sent to the origin: the
// client's Host header (or one built from the target), fixed connection and
// user agent headers, then the remaining client headers in order.
func OutboundRequest(req *Request, userAgent string) []byte {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.0\r\n", req.Target.Path)
	if host := req.Get("Host"); host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", host)
	} else if req.Target.Port == DefaultOriginPort {
		fmt.Fprintf(&b, "Host: %s\r\n", req.Target.Host)
	} else {
		fmt.Fprintf(&b, "Host: %s\r\n", req.Target.Addr())
	}
	b.WriteString("Connection: close\r\n")
	b.WriteString("Proxy-Connection: close\r\n")
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	for _, f := range req.Header {
		if skipHeader(f.Name) {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
