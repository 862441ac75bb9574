package parser

import (
	"bytes"

	"github.com/indigo-web/hget/internal/buffer"
	"github.com/indigo-web/hget/internal/stream"
	"github.com/indigo-web/hget/status"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
)

// Hooks are invoked while headers are being parsed. Any of them may be nil.
type Hooks struct {
	// ContentLength is called with the Content-Length of a successful (2xx) response.
	ContentLength func(length uint64)
	// Redirect is called with the Location of a 3xx response as soon as it's read. An error
	// aborts the parsing.
	Redirect func(location string) error
	// Close is called when the server announces it's closing the connection.
	Close func()
}

// Parser is the response headers parser. Unlike the rest of the parsers, it pulls bytes
// from the stream on its own, one at a time, so no byte past the headers is ever consumed.
type Parser struct {
	state        parserState
	reader       *stream.Reader
	statusLine   *buffer.Buffer
	headerLine   *buffer.Buffer
	location     []byte
	hooks        Hooks
	redirects    int
	maxRedirects int
	response     Response
}

// New returns a Parser. The lengths of the statusLine and headerLine buffers limit the
// respective lines; location must be at least as long as headerLine.
func New(
	reader *stream.Reader, statusLine, headerLine *buffer.Buffer, location []byte, maxRedirects int,
) *Parser {
	return &Parser{
		state:        eStatusLine,
		reader:       reader,
		statusLine:   statusLine,
		headerLine:   headerLine,
		location:     location,
		maxRedirects: maxRedirects,
	}
}

func (p *Parser) SetHooks(hooks Hooks) {
	p.hooks = hooks
}

// ResetRedirects starts counting redirects from scratch. Must be called once per fetch.
func (p *Parser) ResetRedirects() {
	p.redirects = 0
}

// Redirects returns the number of redirects met since the last ResetRedirects.
func (p *Parser) Redirects() int {
	return p.redirects
}

// Parse reads the status line and headers of a single response. The response is
// classified only once all the headers are processed, so a header may fail the round
// before its status does.
func (p *Parser) Parse() (resp *Response, err error) {
	var (
		line         []byte
		title, value string
	)

	p.response.reset(p.location)
	p.state = eStatusLine

	if line, err = p.readLine(p.statusLine); err != nil {
		return nil, err
	}

	if err = p.parseStatusLine(line); err != nil {
		return nil, err
	}

	p.state = eHeaderLine

headerLine:
	if line, err = p.readLine(p.headerLine); err != nil {
		return nil, err
	}

	if len(line) == 0 {
		p.state = eHeadersComplete
		goto headersComplete
	}

	{
		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			// not a header at all, nothing we can do about it
			goto headerLine
		}

		title = uf.B2S(trimSpaces(line[:colon]))
		value = uf.B2S(trimSpaces(line[colon+1:]))
		p.state = eProcessHeader
		goto processHeader
	}

processHeader:
	switch {
	case strcomp.EqualFold(title, "content-length"):
		length, ok := parseUint(value)
		if !ok {
			return nil, status.ErrMalformedResponse
		}

		p.response.ContentLength = length
		p.response.ZeroAnnounced = length == 0
		if p.hooks.ContentLength != nil {
			p.hooks.ContentLength(length)
		}
	case strcomp.EqualFold(title, "transfer-encoding"):
		if strcomp.EqualFold(value, "chunked") {
			p.response.Chunked = true
		}
	case strcomp.EqualFold(title, "www-authenticate"):
		return nil, status.ErrUnsupportedAuth
	case strcomp.EqualFold(title, "location"):
		p.response.Location = append(p.location[:0], value...)
		p.response.NewLocation = true

		if p.response.Redirect && p.hooks.Redirect != nil {
			if err = p.hooks.Redirect(uf.B2S(p.response.Location)); err != nil {
				return nil, err
			}
		}
	case strcomp.EqualFold(title, "connection"):
		if strcomp.EqualFold(value, "close") {
			p.response.Close = true
			if p.hooks.Close != nil {
				p.hooks.Close()
			}
		}
	}

	p.state = eHeaderLine
	goto headerLine

headersComplete:
	p.response.HeadersComplete = true

	if err = p.classify(); err != nil {
		return nil, err
	}

	if p.response.Redirect && !p.response.NewLocation {
		return nil, status.ErrRedirectWithoutLocation
	}

	return &p.response, nil
}

// parseStatusLine parses the code. The redirect flag is set right away, as the Location
// header is handled differently for redirects.
func (p *Parser) parseStatusLine(line []byte) error {
	if !bytes.HasPrefix(line, []byte("HTTP/")) {
		return status.ErrMalformedResponse
	}

	sp := bytes.IndexByte(line, ' ')
	if sp == -1 || len(line) < sp+4 || (len(line) > sp+4 && line[sp+4] != ' ') {
		return status.ErrMalformedResponse
	}

	var code status.Code
	for _, char := range line[sp+1 : sp+4] {
		if char < '0' || char > '9' {
			return status.ErrMalformedResponse
		}

		code = code*10 + status.Code(char-'0')
	}

	if code.Class() == 0 {
		return status.ErrMalformedResponse
	}

	p.response.Code = code
	p.response.FirstDigit = code.Class()
	p.response.Redirect = p.response.FirstDigit == status.Redirection

	return nil
}

func (p *Parser) classify() error {
	switch p.response.FirstDigit {
	case status.Informational:
		p.response.Continue = true
	case status.Success:
	case status.Redirection:
		p.redirects++
		if p.redirects > p.maxRedirects {
			return status.ErrTooManyRedirects
		}
	default:
		if p.response.Code == status.Unauthorized {
			return status.ErrAuthFailed
		}

		return status.NewHTTPError(p.response.Code)
	}

	return nil
}

// readLine reads bytes up to the line terminator, which is either CRLF or a bare LF.
func (p *Parser) readLine(buff *buffer.Buffer) ([]byte, error) {
	buff.Clear()

	for {
		char, err := p.reader.Byte()
		if err != nil {
			return nil, err
		}

		switch char {
		case '\r':
			lf, err := p.reader.Byte()
			if err != nil {
				return nil, err
			}

			if lf != '\n' {
				return nil, status.ErrMalformedResponse
			}

			return buff.Bytes(), nil
		case '\n':
			return buff.Bytes(), nil
		}

		if !buff.AppendByte(char) {
			return nil, status.ErrLineTooLong
		}
	}
}

func trimSpaces(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}

	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}

	return b
}

func parseUint(str string) (n uint64, ok bool) {
	if len(str) == 0 {
		return 0, false
	}

	for i := 0; i < len(str); i++ {
		if str[i] < '0' || str[i] > '9' {
			return 0, false
		}

		digit := uint64(str[i] - '0')
		if n > (^uint64(0)-digit)/10 {
			return 0, false
		}

		n = n*10 + digit
	}

	return n, true
}
