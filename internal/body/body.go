package body

import (
	"errors"

	"github.com/indigo-web/hget/internal/hexconv"
	"github.com/indigo-web/hget/internal/parser"
	"github.com/indigo-web/hget/internal/stream"
	"github.com/indigo-web/hget/status"
)

// maxChunkSizeDigits limits chunk sizes to what fits into uint64.
const maxChunkSizeDigits = 16

// Sink receives the body. Both callbacks are optional.
type Sink struct {
	// Data receives consecutive pieces of the body. The slice is valid only during the call.
	Data func([]byte) error
	// Progress is notified after deliveries, see Transfer.
	Progress func(indeterminate bool)
}

// Transfer moves the response body from the stream into the sink. If the length of the
// body is known, progress is reported once per every 1/25th of it; otherwise, once per
// every delivery.
type Transfer struct {
	reader    *stream.Reader
	sink      Sink
	lineLimit int
	received  uint64
	progress  progress
}

// New returns a Transfer reading from the reader. lineLimit bounds chunk size lines.
func New(reader *stream.Reader, lineLimit int) *Transfer {
	return &Transfer{
		reader:    reader,
		lineLimit: lineLimit,
	}
}

func (t *Transfer) SetSink(sink Sink) {
	t.sink = sink
}

// Reset zeroes the received bytes counter.
func (t *Transfer) Reset() {
	t.received = 0
}

// Received returns the number of bytes delivered to the sink since the last Reset.
func (t *Transfer) Received() uint64 {
	return t.received
}

// Run delivers the body of the response. A body of unknown length lasts until the peer
// closes the connection.
func (t *Transfer) Run(resp *parser.Response) error {
	t.progress.reset(resp.ContentLength)
	return t.transfer(resp, t.deliver)
}

// Discard consumes the body of the response without delivering it anywhere. A body of
// unknown length is left untouched, so the connection it belongs to can't be reused.
func (t *Transfer) Discard(resp *parser.Response) error {
	if !resp.LengthKnown() {
		return nil
	}

	return t.transfer(resp, discard)
}

func (t *Transfer) transfer(resp *parser.Response, consume func([]byte) error) error {
	if resp.Chunked {
		return t.chunked(consume)
	}

	return t.direct(resp, consume)
}

func (t *Transfer) direct(resp *parser.Response, consume func([]byte) error) error {
	if resp.ZeroAnnounced {
		return nil
	}

	known := resp.ContentLength > 0
	left := resp.ContentLength

	for !known || left > 0 {
		if err := t.reader.Fill(); err != nil {
			if !known && errors.Is(err, status.ErrConnectionLost) {
				return nil
			}

			return err
		}

		n := uint64(t.reader.Buffered())
		if known && n > left {
			n = left
		}

		left -= n
		if err := consume(t.reader.Take(int(n))); err != nil {
			return err
		}
	}

	return nil
}

func (t *Transfer) chunked(consume func([]byte) error) error {
	for {
		size, err := t.chunkSize()
		if err != nil {
			return err
		}

		if size == 0 {
			// the blank line terminating the body
			return t.reader.Skip(2)
		}

		for size > 0 {
			if err = t.reader.Fill(); err != nil {
				return err
			}

			n := min(uint64(t.reader.Buffered()), size)
			size -= n
			if err = consume(t.reader.Take(int(n))); err != nil {
				return err
			}
		}

		// CRLF after the chunk data
		if err = t.reader.Skip(2); err != nil {
			return err
		}
	}
}

// chunkSize reads a chunk size line. The first non-hex character ends the size, everything
// from it up to the LF is ignored, chunk extensions included.
func (t *Transfer) chunkSize() (size uint64, err error) {
	var (
		digits, length int
		scanning       = true
	)

	for {
		char, err := t.reader.Byte()
		if err != nil {
			return 0, err
		}

		if char == '\n' {
			break
		}

		if length++; length > t.lineLimit {
			return 0, status.ErrLineTooLong
		}

		if !scanning {
			continue
		}

		val := hexconv.Halfbyte[char]
		if val == hexconv.Invalid {
			scanning = false
			continue
		}

		if digits++; digits > maxChunkSizeDigits {
			return 0, status.ErrMalformedResponse
		}

		size = size<<4 | uint64(val)
	}

	if digits == 0 {
		return 0, status.ErrMalformedResponse
	}

	return size, nil
}

func (t *Transfer) deliver(data []byte) error {
	if t.sink.Data != nil {
		if err := t.sink.Data(data); err != nil {
			return status.ErrSinkWrite.Wrap(err)
		}
	}

	t.received += uint64(len(data))
	t.progress.advance(uint64(len(data)), t.sink.Progress)

	return nil
}

func discard([]byte) error {
	return nil
}

// progressBlocks is the number of determinate progress notifications over a whole body.
const progressBlocks = 25

type progress struct {
	block, accumulated uint64
}

func (p *progress) reset(contentLength uint64) {
	p.block = contentLength / progressBlocks
	p.accumulated = 0
}

func (p *progress) advance(n uint64, notify func(indeterminate bool)) {
	if notify == nil {
		return
	}

	if p.block == 0 {
		notify(true)
		return
	}

	for p.accumulated += n; p.accumulated >= p.block; p.accumulated -= p.block {
		notify(false)
	}
}
