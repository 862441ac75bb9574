package stream

import (
	"sync/atomic"

	"github.com/indigo-web/hget/status"
	"github.com/indigo-web/hget/transport"
)

// Ticker is the clock blocking waits are measured with.
type Ticker interface {
	Ticks() uint64
}

// Reader is a pull-based byte stream over a single connection. Inbound bytes are copied
// into a fixed receive window; Byte and Take consume them, Fill blocks until the window
// has something to consume.
type Reader struct {
	adapter   transport.Adapter
	conn      transport.Conn
	window    []byte
	cursor    int
	remaining int
	cancelled *atomic.Bool
	ticker    Ticker
	budget    uint64
}

// NewReader returns a reader over the window. The cancellation flag is checked on every
// poll, and no poll loop lasts longer than budget ticks.
func NewReader(
	adapter transport.Adapter, window []byte, cancelled *atomic.Bool, ticker Ticker, budget uint64,
) *Reader {
	return &Reader{
		adapter:   adapter,
		window:    window,
		cancelled: cancelled,
		ticker:    ticker,
		budget:    budget,
	}
}

// Reset binds the reader to the connection and discards everything buffered.
func (r *Reader) Reset(conn transport.Conn) {
	r.conn = conn
	r.cursor, r.remaining = 0, 0
}

// Buffered returns the number of bytes available without polling the transport.
func (r *Reader) Buffered() int {
	return r.remaining
}

// Byte returns the next byte, blocking if necessary.
func (r *Reader) Byte() (byte, error) {
	if r.remaining == 0 {
		if err := r.Fill(); err != nil {
			return 0, err
		}
	}

	char := r.window[r.cursor]
	r.cursor++
	r.remaining--

	return char, nil
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) error {
	for ; n > 0; n-- {
		if _, err := r.Byte(); err != nil {
			return err
		}
	}

	return nil
}

// Take consumes at most n buffered bytes. It never polls the transport, so Fill must be
// called whenever Buffered returns 0. The returned slice is valid until the next Fill.
func (r *Reader) Take(n int) []byte {
	if n > r.remaining {
		n = r.remaining
	}

	data := r.window[r.cursor : r.cursor+n]
	r.cursor += n
	r.remaining -= n

	return data
}

// Fill blocks until at least one byte is buffered. It fails with status.ErrConnectionLost
// once the connection isn't established anymore and has nothing left to be received,
// which is also how a body of unknown length ends.
func (r *Reader) Fill() error {
	if r.remaining > 0 {
		return nil
	}

	start := r.ticker.Ticks()

	for {
		if r.cancelled.Load() {
			return status.ErrCancelled
		}

		n, err := r.adapter.Receive(r.conn, r.window)
		if err != nil {
			return receiveError(err)
		}

		if n > 0 {
			r.cursor, r.remaining = 0, n
			return nil
		}

		if r.adapter.State(r.conn) != transport.StateEstablished {
			return status.ErrConnectionLost
		}

		if r.ticker.Ticks()-start > r.budget {
			return status.ErrTransferTimeout
		}

		r.adapter.Yield()
	}
}

func receiveError(err error) error {
	if status.KindOf(err) != 0 {
		return err
	}

	return status.ErrReceive.Wrap(err)
}
