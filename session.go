package hget

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"github.com/indigo-web/hget/config"
	"github.com/indigo-web/hget/internal/body"
	"github.com/indigo-web/hget/internal/buffer"
	"github.com/indigo-web/hget/internal/parser"
	"github.com/indigo-web/hget/internal/render"
	"github.com/indigo-web/hget/internal/stream"
	"github.com/indigo-web/hget/internal/target"
	"github.com/indigo-web/hget/internal/timer"
	"github.com/indigo-web/hget/status"
	"github.com/indigo-web/hget/transport"
	"github.com/sirupsen/logrus"
)

// Callbacks receive the outcome of a fetch. Any of them may be nil.
type Callbacks struct {
	// Progress is called once per every 1/25th of the body when its length is known.
	// Otherwise, it's called on every delivery with indeterminate set.
	Progress func(indeterminate bool)
	// Data receives the body piece by piece. The slice mustn't be retained. A returned
	// error aborts the fetch with status.ErrSinkWrite.
	Data func([]byte) error
	// ContentLength is called as soon as the length of the body is known.
	ContentLength func(length uint64)
}

// Session fetches resources over HTTP/1.1, one at a time. All the memory it needs is
// bound once on Init, nothing is allocated per fetch.
//
// A Session isn't safe for concurrent use, except Cancel which may be called from
// anywhere at any time.
type Session struct {
	cfg       *config.Config
	adapter   transport.Adapter
	log       logrus.FieldLogger
	entry     logrus.FieldLogger
	ticker    stream.Ticker
	userAgent string
	tls       bool
	budget    uint64

	initialized bool
	busy        atomic.Bool
	cancelled   atomic.Bool

	target   *target.Target
	renderer *render.Renderer
	reader   *stream.Reader
	parser   *parser.Parser
	transfer *body.Transfer

	conn transport.Conn
	// keepAlive is the intent of the current fetch.
	keepAlive bool
	// continueUsingKeepAlive is revoked once and for all by a Connection: close or by a
	// kept-alive connection failing.
	continueUsingKeepAlive bool
	// keptAlive marks the connection left open by the previous fetch.
	keptAlive   bool
	hostChanged bool
	callbacks   Callbacks
}

// New returns a Session on top of the adapter. It must be initialized before use.
func New(adapter transport.Adapter) *Session {
	log := logrus.New()

	return &Session{
		cfg:                    config.Default(),
		adapter:                adapter,
		log:                    log,
		entry:                  log,
		continueUsingKeepAlive: true,
	}
}

// Tune replaces the default config. Has no effect after Init.
func (s *Session) Tune(cfg *config.Config) *Session {
	if !s.initialized {
		s.cfg = cfg
	}

	return s
}

// Logger replaces the default logger.
func (s *Session) Logger(log logrus.FieldLogger) *Session {
	s.log, s.entry = log, log
	return s
}

// Ticker replaces the clock all the blocking waits are measured with. By default, the
// system clock with config.NET.Tick resolution is used.
func (s *Session) Ticker(ticker stream.Ticker) *Session {
	s.ticker = ticker
	return s
}

// Init binds the memory region the Session works in. A nil region is allocated; otherwise
// it must be at least config.Buffers.Size() bytes long. An empty userAgent is replaced by
// the configured default.
func (s *Session) Init(region []byte, userAgent string) error {
	if s.initialized {
		return status.ErrAlreadyInitialized
	}

	if s.adapter == nil {
		return status.ErrTransportNotFound
	}

	caps := s.adapter.Capabilities()
	if !caps.Has(transport.CapActiveOpen) {
		return status.ErrTransportNotCapable
	}

	buffers := s.cfg.Buffers
	if len(userAgent) == 0 {
		userAgent = s.cfg.HTTP.UserAgent
	}

	if len(userAgent) > buffers.UserAgent {
		return status.ErrInvalidParameters
	}

	if region == nil {
		region = make([]byte, buffers.Size())
	}

	if len(region) < buffers.Size() {
		return status.ErrInvalidBuffer
	}

	var window, domain, path, statusLine, headerLine, location, request []byte
	window, region = carve(region, buffers.ReceiveWindow)
	domain, region = carve(region, buffers.Domain)
	path, region = carve(region, buffers.Path)
	statusLine, region = carve(region, buffers.StatusLine)
	headerLine, region = carve(region, buffers.HeaderLine)
	location, region = carve(region, buffers.HeaderLine)
	request, _ = carve(region, buffers.RequestSize())

	if s.ticker == nil {
		s.ticker = timer.New(s.cfg.NET.Tick)
	}

	s.userAgent = strings.Clone(userAgent)
	s.tls = caps.Has(transport.CapTLS)
	s.budget = s.cfg.NET.TimeoutTicks()
	s.target = target.New(domain, path)
	s.renderer = render.NewRenderer(request)
	s.reader = stream.NewReader(s.adapter, window, &s.cancelled, s.ticker, s.budget)
	s.parser = parser.New(
		s.reader, buffer.New(statusLine), buffer.New(headerLine), location, s.cfg.HTTP.MaxRedirects,
	)
	s.parser.SetHooks(parser.Hooks{
		ContentLength: s.onContentLength,
		Redirect:      s.onRedirect,
		Close:         s.onClose,
	})
	s.transfer = body.New(s.reader, buffers.HeaderLine)
	s.initialized = true

	s.log.WithFields(logrus.Fields{
		"region": buffers.Size(),
		"tls":    s.tls,
	}).Debug("session initialized")

	return nil
}

// carve cuts the chunk of the given size off the region.
func carve(region []byte, size int) (chunk, rest []byte) {
	return region[:size:size], region[size:]
}

// Fetch requests the url and streams the response body into the callbacks. With keepAlive,
// the connection is left open for the next fetch, unless the server objects.
//
// The url may lack the scheme. While a connection is kept alive, it's resolved the way a
// redirect is, so it must either be absolute or a path on the same host.
func (s *Session) Fetch(url string, cb Callbacks, keepAlive bool) error {
	if !s.initialized {
		return status.ErrNotInitialized
	}

	if !s.busy.CompareAndSwap(false, true) {
		return status.ErrSessionBusy
	}

	defer s.busy.Store(false)

	s.cancelled.Store(false)
	s.transfer.Reset()
	s.parser.ResetRedirects()
	s.callbacks = cb
	s.transfer.SetSink(body.Sink{
		Data:     cb.Data,
		Progress: cb.Progress,
	})
	s.entry = s.log.WithFields(logrus.Fields{
		"fetch": uniuri.NewLen(8),
		"url":   url,
	})
	s.keepAlive = keepAlive && s.continueUsingKeepAlive

	reuse := s.keptAlive && s.conn != transport.NoConn
	mode := target.Initial
	if reuse {
		mode = target.Redirect
	}

	changed, err := s.target.Resolve(url, mode, s.tls)
	if err != nil {
		return err
	}

	if reuse {
		switch {
		case changed:
			s.entry.Debug("another host requested, closing the kept-alive connection")
			s.closeConn(false)
		case s.adapter.State(s.conn) != transport.StateEstablished:
			s.entry.Debug("kept-alive connection was closed by the peer")
			s.closeConn(false)
		default:
			s.entry.Debug("reusing the kept-alive connection")
		}
	}

	reused := s.keptAlive && s.conn != transport.NoConn
	resp, err := s.roundTrip()
	if err != nil && reused && status.IsNetwork(err) {
		// ISPs are known to silently drop idle connections. Keep-alive gets disabled for
		// good, and the request is repeated once over a fresh connection.
		s.entry.WithError(err).Warn("kept-alive connection failed, retrying without keep-alive")
		s.continueUsingKeepAlive = false
		s.keepAlive = false
		s.closeConn(false)
		resp, err = s.roundTrip()
	}

	if err == nil {
		err = s.transfer.Run(resp)
	}

	s.finish(resp, err)

	if err != nil {
		s.entry.WithError(err).Debug("fetch failed")
	} else {
		s.entry.WithFields(logrus.Fields{
			"received":  s.transfer.Received(),
			"redirects": s.parser.Redirects(),
		}).Debug("fetch completed")
	}

	return err
}

// roundTrip sends the request and reads the response headers, following redirects. An
// informational response makes the request repeat over the same connection.
func (s *Session) roundTrip() (*parser.Response, error) {
	for {
		if s.conn == transport.NoConn {
			if err := s.open(); err != nil {
				return nil, err
			}
		}

		if err := s.send(); err != nil {
			return nil, err
		}

		s.hostChanged = false
		resp, err := s.parser.Parse()
		if err != nil {
			return nil, err
		}

		if resp.Continue {
			s.entry.WithField("code", resp.Code).Debug("informational response")
			if err = s.transfer.Discard(resp); err != nil {
				return nil, err
			}

			continue
		}

		if !resp.Redirect {
			return resp, nil
		}

		s.entry.WithFields(logrus.Fields{
			"code":     resp.Code,
			"location": string(resp.Location),
		}).Debug("following redirect")

		if s.hostChanged || resp.Close || !resp.LengthKnown() ||
			s.adapter.State(s.conn) != transport.StateEstablished {
			s.closeConn(false)
			continue
		}

		if err = s.transfer.Discard(resp); err != nil {
			return nil, err
		}
	}
}

// open resolves the current host and opens a connection to it.
func (s *Session) open() error {
	if !s.adapter.Online() {
		return status.ErrNoNetwork
	}

	// the adapter may keep the name around, e.g. as a cache key
	host := strings.Clone(s.target.Host())
	ip, err := s.resolve(host)
	if err != nil {
		return err
	}

	params := transport.Params{
		IP:          ip,
		RemotePort:  s.target.Port,
		LocalPort:   s.cfg.NET.LocalPort,
		UserTimeout: uint16(s.cfg.NET.UserTimeout / time.Second),
	}

	if s.target.TLS {
		params.Flags |= transport.FlagTLS
		params.ServerName = host

		if s.cfg.NET.VerifyCertificates && s.adapter.Capabilities().Has(transport.CapTLSVerify) {
			params.Flags |= transport.FlagVerifyCertificate
		}
	}

	conn, err := s.adapter.Open(params)
	if err != nil {
		return wrap(err, status.ErrConnectionFailed)
	}

	s.conn = conn
	s.entry.WithFields(logrus.Fields{
		"host": host,
		"ip":   ip.String(),
		"port": params.RemotePort,
		"tls":  s.target.TLS,
	}).Debug("opening connection")

	start := s.ticker.Ticks()

	for {
		if s.cancelled.Load() {
			return status.ErrCancelled
		}

		switch s.adapter.State(conn) {
		case transport.StateEstablished:
			return nil
		case transport.StateClosed, transport.StateClosing:
			if err = s.adapter.Err(conn); err != nil {
				return status.ErrConnectionFailed.Wrap(err)
			}

			return status.ErrConnectionFailed
		}

		if s.ticker.Ticks()-start > s.budget {
			return status.ErrConnectionTimeout
		}

		s.adapter.Yield()
	}
}

func (s *Session) resolve(host string) (transport.IP, error) {
	if ip, ok := transport.ParseIP(host); ok {
		return ip, nil
	}

	if !s.adapter.Capabilities().Has(transport.CapResolver) {
		return transport.IP{}, status.ErrDNSCapabilityMissing
	}

	if err := s.adapter.Resolve(host); err != nil {
		return transport.IP{}, wrap(err, status.ErrDNSFailure)
	}

	start := s.ticker.Ticks()

	for {
		if s.cancelled.Load() {
			return transport.IP{}, status.ErrCancelled
		}

		ip, done, err := s.adapter.PollResolve()
		if done {
			if err != nil {
				return transport.IP{}, wrap(err, status.ErrDNSFailure)
			}

			return ip, nil
		}

		if s.ticker.Ticks()-start > s.budget {
			return transport.IP{}, status.ErrDNSNoResponse
		}

		s.adapter.Yield()
	}
}

// send renders the request and pushes it into the connection.
func (s *Session) send() error {
	request, err := s.renderer.Request(s.target.Path(), s.target.Domain(), s.userAgent, s.keepAlive)
	if err != nil {
		return err
	}

	s.reader.Reset(s.conn)
	start := s.ticker.Ticks()

	for len(request) > 0 {
		if s.cancelled.Load() {
			return status.ErrCancelled
		}

		n, err := s.adapter.Send(s.conn, request)
		if err != nil {
			return wrap(err, status.ErrSend)
		}

		request = request[n:]
		if n > 0 {
			continue
		}

		if s.ticker.Ticks()-start > s.budget {
			return status.ErrTransferTimeout
		}

		s.adapter.Yield()
	}

	return nil
}

// finish decides the fate of the connection once the fetch is over.
func (s *Session) finish(resp *parser.Response, err error) {
	if s.conn == transport.NoConn {
		s.keptAlive = false
		return
	}

	switch {
	case err == nil && s.keepAlive && !resp.Close &&
		s.adapter.State(s.conn) == transport.StateEstablished:
		s.keptAlive = true
	case errors.Is(err, status.ErrCancelled),
		errors.Is(err, status.ErrTransferTimeout),
		errors.Is(err, status.ErrConnectionTimeout):
		s.closeConn(true)
	default:
		s.closeConn(false)
	}
}

func (s *Session) closeConn(abort bool) {
	if s.conn == transport.NoConn {
		return
	}

	var err error
	if abort {
		err = s.adapter.Abort(s.conn)
	} else {
		err = s.adapter.Close(s.conn)
	}

	if err != nil {
		s.entry.WithError(err).Debug("failed to close connection")
	}

	s.conn = transport.NoConn
	s.keptAlive = false
}

func (s *Session) onContentLength(length uint64) {
	if s.callbacks.ContentLength != nil {
		s.callbacks.ContentLength(length)
	}
}

func (s *Session) onRedirect(location string) error {
	changed, err := s.target.Resolve(location, target.Redirect, s.tls)
	s.hostChanged = s.hostChanged || changed

	return err
}

func (s *Session) onClose() {
	if s.keepAlive {
		s.entry.Debug("server refused keep-alive")
		s.keepAlive = false
		s.continueUsingKeepAlive = false
	}
}

// Cancel aborts the ongoing fetch, which then fails with status.ErrCancelled. Safe to call
// from any goroutine.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Received returns the number of body bytes delivered by the latest fetch.
func (s *Session) Received() uint64 {
	if s.transfer == nil {
		return 0
	}

	return s.transfer.Received()
}

// KeptAlive reports whether a connection is left open for the next fetch.
func (s *Session) KeptAlive() bool {
	return s.keptAlive
}

// Finish closes the kept-alive connection, if any, and releases the memory region. The
// Session may be initialized again afterwards.
func (s *Session) Finish() {
	if !s.initialized {
		return
	}

	s.closeConn(false)
	s.initialized = false
	s.target, s.renderer, s.reader, s.parser, s.transfer = nil, nil, nil, nil, nil
}

// wrap keeps errors of the status kind as is and attaches anything else to fallback.
func wrap(err error, fallback status.Error) error {
	if status.KindOf(err) != 0 {
		return err
	}

	return fallback.Wrap(err)
}
