package config

import (
	"time"
)

type (
	Buffers struct {
		// ReceiveWindow is the size of the buffer inbound transport bytes are copied into.
		// Every refill reads at most this many bytes, and every sink delivery is at most
		// this large.
		ReceiveWindow int
		// Domain limits the host name, after IDNA conversion.
		Domain int
		// Path limits the request target, query included.
		Path int
		// StatusLine limits the response status line, reason phrase included.
		StatusLine int
		// HeaderLine limits a single response header line. The Location value is copied
		// out of it, so it also limits redirect targets. Chunk-size lines share this limit.
		HeaderLine int
		// UserAgent limits the User-Agent string passed on Init.
		UserAgent int
	}

	HTTP struct {
		// UserAgent is sent when Init receives an empty one.
		UserAgent string
		// MaxRedirects is how many redirects in a row are followed. The next one fails
		// the fetch.
		MaxRedirects int
	}

	NET struct {
		// Tick is the resolution of the clock all blocking waits are measured with.
		Tick time.Duration
		// Timeout is the budget of every single blocking wait: DNS, connection
		// establishment, send backpressure and awaiting inbound bytes. It is converted
		// into Timeout/Tick ticks.
		Timeout time.Duration
		// UserTimeout is passed to the transport as the TCP user timeout.
		UserTimeout time.Duration
		// LocalPort is the local port to bind. transport.EphemeralPort lets the stack decide.
		LocalPort uint16
		// VerifyCertificates asks the transport to validate the server certificate
		// whenever it's capable of doing so.
		VerifyCertificates bool
	}
)

// Config holds limits and defaults used by a Session. As most of the buffers are carved
// out of a single memory region, the values are fixed once the Session is initialized.
//
// Always start from Default() and modify what's needed, as zero values are not valid.
type Config struct {
	Buffers Buffers
	HTTP    HTTP
	NET     NET
}

// Default returns the default config. Buffer sizes are chosen to fit comfortably into a
// 16kb memory page.
func Default() *Config {
	return &Config{
		Buffers: Buffers{
			ReceiveWindow: 1024,
			Domain:        256,
			Path:          1024,
			StatusLine:    256,
			HeaderLine:    1024,
			UserAgent:     128,
		},
		HTTP: HTTP{
			UserAgent:    "HGET/1.3 (Go)",
			MaxRedirects: 10,
		},
		NET: NET{
			// 60Hz
			Tick:               time.Second / 60,
			Timeout:            20 * time.Minute,
			UserTimeout:        2 * time.Minute,
			LocalPort:          0xFFFF,
			VerifyCertificates: true,
		},
	}
}

// Size returns the number of bytes a memory region must have to fit all the fixed
// buffers: receive window, domain, path, status line, header line, redirect location
// and the request buffer.
func (b Buffers) Size() int {
	return b.ReceiveWindow + b.Domain + b.Path + b.StatusLine + 2*b.HeaderLine + b.RequestSize()
}

// RequestSize returns the size of the buffer the request is rendered into. It's enough
// to hold the longest possible request made of the longest path, domain and user agent.
func (b Buffers) RequestSize() int {
	const overhead = len("GET ") + len(" HTTP/1.1\r\n") +
		len("Host: \r\n") +
		len("User-Agent: \r\n") +
		len("Connection: Keep-Alive\r\n") +
		len("\r\n")

	return b.Path + b.Domain + b.UserAgent + overhead
}

// TimeoutTicks returns the budget of a blocking wait in ticks.
func (n NET) TimeoutTicks() uint64 {
	if n.Tick <= 0 {
		return uint64(n.Timeout)
	}

	return uint64(n.Timeout / n.Tick)
}
