package proxy

const (
	// DefaultMaxObjectSize is the largest origin response kept in the cache.
	DefaultMaxObjectSize = 102400

	// DefaultUserAgent replaces the client's User-Agent on outbound requests.
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3"

	// DefaultListenAddr is used when no bind address is configured.
	DefaultListenAddr = "127.0.0.1:8080"

	// DefaultOriginPort is used when the target URI carries no port.
	DefaultOriginPort = "80"

	// maxHeaderBytes bounds the request line plus headers read from a client.
	maxHeaderBytes = 64 << 10
)
