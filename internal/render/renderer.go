package render

import (
	"github.com/indigo-web/hget/status"
)

var (
	requestLinePrefix = []byte("GET ")
	protoSuffix       = []byte(" HTTP/1.1\r\n")
	host              = []byte("Host: ")
	userAgent         = []byte("User-Agent: ")
	keepAlive         = []byte("Connection: Keep-Alive\r\n")
	crlf              = []byte("\r\n")
)

// Renderer renders requests into a fixed buffer. Nothing is ever allocated, a request
// not fitting into the buffer is rejected instead.
type Renderer struct {
	buff []byte
}

func NewRenderer(buff []byte) *Renderer {
	return &Renderer{
		buff: buff[:0],
	}
}

// Request renders a GET request. The returned slice is valid until the next call.
func (r *Renderer) Request(path, domain []byte, ua string, keepalive bool) ([]byte, error) {
	size := len(requestLinePrefix) + len(path) + len(protoSuffix) +
		len(host) + len(domain) + len(crlf) +
		len(userAgent) + len(ua) + len(crlf) +
		len(crlf)
	if keepalive {
		size += len(keepAlive)
	}

	if size > cap(r.buff) {
		return nil, status.ErrInvalidParameters
	}

	buff := r.buff[:0]
	buff = append(append(append(buff, requestLinePrefix...), path...), protoSuffix...)
	buff = append(append(append(buff, host...), domain...), crlf...)
	buff = append(append(append(buff, userAgent...), ua...), crlf...)
	if keepalive {
		buff = append(buff, keepAlive...)
	}

	r.buff = append(buff, crlf...)

	return r.buff, nil
}
