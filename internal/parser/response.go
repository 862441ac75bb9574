package parser

import (
	"github.com/indigo-web/hget/status"
)

// Response is what's known about the response once its headers are parsed. It's reset
// at the beginning of every header round.
type Response struct {
	Code status.Code
	// FirstDigit is the class of the code.
	FirstDigit status.Class
	// HeadersComplete is set once the blank line is reached.
	HeadersComplete bool
	// ContentLength is 0 both when it's unknown and when it's explicitly zero. ZeroAnnounced
	// tells them apart.
	ContentLength uint64
	ZeroAnnounced bool
	Chunked       bool
	// Continue marks an informational (1xx) response. Another status line follows it.
	Continue bool
	// Redirect marks a 3xx response. The request must be repeated against Location.
	Redirect    bool
	NewLocation bool
	// Location is the raw value of the last Location header. It's valid until the
	// next header round.
	Location []byte
	// Close is set when the server announced it's going to close the connection.
	Close bool
}

// LengthKnown reports whether the body ends at ContentLength.
func (r *Response) LengthKnown() bool {
	return r.Chunked || r.ContentLength > 0 || r.ZeroAnnounced
}

func (r *Response) reset(location []byte) {
	*r = Response{Location: location[:0]}
}
