package target

import (
	"strings"

	"github.com/indigo-web/hget/status"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
	"golang.org/x/net/idna"
)

const (
	DefaultHTTPPort  uint16 = 80
	DefaultHTTPSPort uint16 = 443
)

// Mode tells where a URL comes from, which defines what forms of it are acceptable.
type Mode uint8

const (
	// Initial is a URL requested by the user when no connection is kept alive. It must
	// be absolute, but may lack the scheme.
	Initial Mode = iota
	// Redirect is a Location header value, or a URL requested while a connection is kept
	// alive. It must either carry a scheme or be a path on the current host.
	Redirect
)

// Target is where requests go to. Domain and path are kept in fixed buffers, URLs
// not fitting into them are rejected.
type Target struct {
	domain []byte
	path   []byte
	Port   uint16
	TLS    bool
}

// New returns a Target storing domain and path in the given buffers. Their lengths
// are the limits.
func New(domainBuff, pathBuff []byte) *Target {
	return &Target{
		domain: domainBuff[:0],
		path:   pathBuff[:0],
	}
}

func (t *Target) Domain() []byte {
	return t.domain
}

func (t *Target) Path() []byte {
	return t.path
}

// Host returns the domain as a string. The string shares memory with the buffer, so
// it mustn't be retained across Resolve calls.
func (t *Target) Host() string {
	return uf.B2S(t.domain)
}

// Resolve retargets to the url. The returned flag tells whether the host, port or the
// scheme have changed, in which case the current connection can't be reused. Nothing
// changes on failure.
func (t *Target) Resolve(url string, mode Mode, tlsAvailable bool) (changed bool, err error) {
	if len(url) == 0 {
		return false, status.ErrInvalidParameters
	}

	if url[0] == '/' {
		if mode == Initial || len(t.domain) == 0 {
			return false, status.ErrInvalidParameters
		}

		return false, t.setPath(normalizePath(url))
	}

	var (
		port uint16
		tls  bool
		rest string
	)

	switch {
	case hasPrefixFold(url, "http://"):
		port, rest = DefaultHTTPPort, url[len("http://"):]
	case hasPrefixFold(url, "https://"):
		if !tlsAvailable {
			return false, schemeError(mode)
		}

		port, tls, rest = DefaultHTTPSPort, true, url[len("https://"):]
	case strings.Contains(url, "://"):
		return false, schemeError(mode)
	default:
		if mode == Redirect {
			// redirects must be absolute
			return false, status.ErrInvalidParameters
		}

		port, rest = DefaultHTTPPort, url
	}

	host, path := rest, "/"
	if i := strings.IndexAny(rest, "/?#"); i != -1 {
		host, path = rest[:i], normalizePath(rest[i:])
	}

	if colon := strings.LastIndexByte(host, ':'); colon != -1 {
		if port, err = parsePort(host[colon+1:]); err != nil {
			return false, err
		}

		host = host[:colon]
	}

	if host, err = toASCII(host); err != nil {
		return false, err
	}

	if len(host) > cap(t.domain) || len(path) > cap(t.path) {
		return false, status.ErrInvalidParameters
	}

	changed = len(t.domain) == 0 ||
		!strcomp.EqualFold(uf.B2S(t.domain), host) ||
		t.Port != port || t.TLS != tls

	t.domain = append(t.domain[:0], host...)
	t.path = append(t.path[:0], path...)
	t.Port, t.TLS = port, tls

	return changed, nil
}

func (t *Target) setPath(path string) error {
	if len(path) > cap(t.path) {
		return status.ErrInvalidParameters
	}

	t.path = append(t.path[:0], path...)
	return nil
}

func schemeError(mode Mode) error {
	if mode == Redirect {
		return status.ErrRedirectUnsupportedScheme
	}

	return status.ErrUnsupportedScheme
}

// normalizePath drops the fragment and makes sure the path starts with a slash.
func normalizePath(path string) string {
	if hash := strings.IndexByte(path, '#'); hash != -1 {
		path = path[:hash]
	}

	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}

	return path
}

func parsePort(str string) (uint16, error) {
	if len(str) == 0 || len(str) > 5 {
		return 0, status.ErrInvalidParameters
	}

	var port int
	for i := 0; i < len(str); i++ {
		if str[i] < '0' || str[i] > '9' {
			return 0, status.ErrInvalidParameters
		}

		port = port*10 + int(str[i]-'0')
	}

	if port == 0 || port > 0xFFFF {
		return 0, status.ErrInvalidParameters
	}

	return uint16(port), nil
}

func toASCII(host string) (string, error) {
	if len(host) == 0 {
		return "", status.ErrInvalidParameters
	}

	for i := 0; i < len(host); i++ {
		if host[i] >= 0x80 {
			ascii, err := idna.Lookup.ToASCII(host)
			if err != nil {
				return "", status.ErrInvalidParameters.Wrap(err)
			}

			return ascii, nil
		}
	}

	return host, nil
}

func hasPrefixFold(str, prefix string) bool {
	return len(str) >= len(prefix) && strcomp.EqualFold(str[:len(prefix)], prefix)
}
