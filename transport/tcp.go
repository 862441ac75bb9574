package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/indigo-web/hget/status"
)

const (
	dnsCacheSize  = 64
	dnsTimeout    = 10 * time.Second
	dialTimeout   = 30 * time.Second
	readChunkSize  = 2048
	writeChunkSize = 16 << 10
	// chunks buffered per connection in each direction. Inbound, the reading goroutine
	// stops reading the socket then, leaving the flow control to TCP. Outbound, Send
	// starts reporting backpressure
	chunksBacklog = 4
)

// TCP is an Adapter backed by the operating system's network stack. Dialing, reading,
// writing and resolving happen in background goroutines, so every Adapter method returns
// immediately, exactly as the cooperative network stacks do.
type TCP struct {
	mu       sync.Mutex
	conns    map[Conn]*tcpConn
	last     Conn
	resolver *net.Resolver
	cache    *lru.Cache[string, IP]
	query    *dnsQuery
	yield    time.Duration
}

func NewTCP() *TCP {
	// cannot fail with a positive size
	cache, _ := lru.New[string, IP](dnsCacheSize)

	return &TCP{
		conns:    make(map[Conn]*tcpConn),
		resolver: net.DefaultResolver,
		cache:    cache,
		yield:    time.Millisecond,
	}
}

func (t *TCP) Capabilities() Capabilities {
	return CapActiveOpen | CapResolver | CapTLS | CapTLSVerify
}

// Online reports whether any network interface is up.
func (t *TCP) Online() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 {
			return true
		}
	}

	return false
}

func (t *TCP) Open(params Params) (Conn, error) {
	if params.RemotePort == 0 {
		return NoConn, status.ErrInvalidParameters
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	handle, ok := t.allocate()
	if !ok {
		return NoConn, status.ErrConnectionFailed.Wrap(errors.New("no free connection handles"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &tcpConn{
		state:    StateOpening,
		chunks:   make(chan []byte, chunksBacklog),
		outbound: make(chan []byte, chunksBacklog),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	t.conns[handle] = c
	go c.dial(ctx, params)

	return handle, nil
}

func (t *TCP) allocate() (Conn, bool) {
	for i := 0; i < 255; i++ {
		t.last++
		if t.last == NoConn {
			t.last++
		}

		if _, taken := t.conns[t.last]; !taken {
			return t.last, true
		}
	}

	return NoConn, false
}

func (t *TCP) get(handle Conn) *tcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conns[handle]
}

func (t *TCP) release(handle Conn) *tcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.conns[handle]
	delete(t.conns, handle)

	return c
}

func (t *TCP) Close(handle Conn) error {
	c := t.release(handle)
	if c == nil {
		return nil
	}

	return c.close(false)
}

func (t *TCP) Abort(handle Conn) error {
	c := t.release(handle)
	if c == nil {
		return nil
	}

	return c.close(true)
}

func (t *TCP) Send(handle Conn, data []byte) (int, error) {
	c := t.get(handle)
	if c == nil || c.State() != StateEstablished {
		return 0, status.ErrConnectionLost
	}

	return c.send(data)
}

func (t *TCP) Receive(handle Conn, buff []byte) (int, error) {
	c := t.get(handle)
	if c == nil {
		return 0, status.ErrConnectionLost
	}

	return c.receive(buff)
}

func (t *TCP) State(handle Conn) State {
	c := t.get(handle)
	if c == nil {
		return StateClosed
	}

	return c.State()
}

func (t *TCP) Err(handle Conn) error {
	c := t.get(handle)
	if c == nil {
		return nil
	}

	return c.Err()
}

func (t *TCP) Resolve(host string) error {
	if len(host) == 0 {
		return status.ErrInvalidParameters
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.query != nil {
		t.query.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
	q := &dnsQuery{cancel: cancel, result: make(chan dnsResult, 1)}
	t.query = q

	if ip, ok := t.cache.Get(host); ok {
		q.result <- dnsResult{ip: ip}
		return nil
	}

	go func() {
		ip, err := t.lookup(ctx, host)
		if err == nil {
			t.cache.Add(host, ip)
		}

		q.result <- dnsResult{ip: ip, err: err}
	}()

	return nil
}

func (t *TCP) lookup(ctx context.Context, host string) (IP, error) {
	ips, err := t.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return IP{}, dnsError(err)
	}

	for _, addr := range ips {
		if v4 := addr.To4(); v4 != nil {
			return IP(v4), nil
		}
	}

	return IP{}, status.ErrDNSUnknownHost
}

func (t *TCP) PollResolve() (IP, bool, error) {
	t.mu.Lock()
	q := t.query
	t.mu.Unlock()

	if q == nil {
		return IP{}, true, status.ErrDNSFailure.Wrap(errors.New("no query in progress"))
	}

	select {
	case res := <-q.result:
		q.done, q.res = true, res
	default:
	}

	if !q.done {
		return IP{}, false, nil
	}

	return q.res.ip, true, q.res.err
}

func (t *TCP) Yield() {
	time.Sleep(t.yield)
}

type dnsResult struct {
	ip  IP
	err error
}

type dnsQuery struct {
	cancel context.CancelFunc
	result chan dnsResult
	done   bool
	res    dnsResult
}

func dnsError(err error) error {
	var dnsErr *net.DNSError

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return status.ErrDNSRefused.Wrap(err)
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return status.ErrDNSUnknownHost.Wrap(err)
	case errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		return status.ErrDNSNoResponse.Wrap(err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.ErrDNSNoResponse.Wrap(err)
	default:
		return status.ErrDNSFailure.Wrap(err)
	}
}

type tcpConn struct {
	mu    sync.Mutex
	state State
	conn  net.Conn
	// err is why the connection failed to establish or was reset
	err      error
	writeErr error
	timeout  time.Duration
	pending  []byte
	eof      bool
	chunks   chan []byte
	outbound chan []byte
	done     chan struct{}
	cancel   context.CancelFunc
	once     sync.Once
}

func (c *tcpConn) dial(ctx context.Context, params Params) {
	timeout := time.Duration(params.UserTimeout) * time.Second
	if timeout == 0 {
		timeout = dialTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	if params.LocalPort != EphemeralPort {
		dialer.LocalAddr = &net.TCPAddr{Port: int(params.LocalPort)}
	}

	addr := net.JoinHostPort(params.IP.String(), strconv.Itoa(int(params.RemotePort)))
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err == nil && params.Flags&FlagTLS != 0 {
		conn, err = handshake(ctx, conn, params)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.state, c.err = StateClosed, err
		return
	}

	if c.state != StateOpening {
		// closed while dialing
		_ = conn.Close()
		return
	}

	c.conn, c.timeout, c.state = conn, timeout, StateEstablished
	go c.pump()
	go c.flush()
}

func handshake(ctx context.Context, conn net.Conn, params Params) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         params.ServerName,
		InsecureSkipVerify: params.Flags&FlagVerifyCertificate == 0,
	})

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return tlsConn, nil
}

// pump moves inbound data from the socket into the chunks channel until the peer
// closes the connection or the connection is closed locally.
func (c *tcpConn) pump() {
	defer close(c.chunks)

	for {
		buff := make([]byte, readChunkSize)
		n, err := c.conn.Read(buff)
		if n > 0 {
			select {
			case c.chunks <- buff[:n]:
			case <-c.done:
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}

			return
		}
	}
}

// flush writes the outbound chunks into the socket until the connection is closed
// locally or a write fails.
func (c *tcpConn) flush() {
	for {
		select {
		case chunk := <-c.outbound:
			err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			if err == nil {
				_, err = c.conn.Write(chunk)
			}

			if err != nil {
				c.mu.Lock()
				c.writeErr = err
				c.mu.Unlock()
				return
			}
		case <-c.done:
			return
		}
	}
}

// send hands a copy of the data over to the writing goroutine. A full backlog means
// backpressure, so nothing is accepted.
func (c *tcpConn) send(data []byte) (int, error) {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()

	if err != nil {
		return 0, status.ErrSend.Wrap(err)
	}

	if len(data) > writeChunkSize {
		data = data[:writeChunkSize]
	}

	select {
	case c.outbound <- bytes.Clone(data):
		return len(data), nil
	default:
		return 0, nil
	}
}

func (c *tcpConn) receive(buff []byte) (int, error) {
	if len(c.pending) == 0 && !c.eof {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				c.setEOF()
				break
			}

			c.pending = chunk
		default:
		}
	}

	if len(c.pending) == 0 && c.eof {
		if err := c.Err(); err != nil {
			return 0, status.ErrReceive.Wrap(err)
		}

		return 0, nil
	}

	n := copy(buff, c.pending)
	c.pending = c.pending[n:]

	return n, nil
}

func (c *tcpConn) setEOF() {
	c.mu.Lock()
	c.eof = true
	if c.state == StateEstablished {
		c.state = StateClosed
	}
	c.mu.Unlock()
}

func (c *tcpConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *tcpConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *tcpConn) close(abort bool) (err error) {
	c.once.Do(func() {
		c.cancel()
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.state = StateClosed
		c.mu.Unlock()

		if conn == nil {
			return
		}

		if abort {
			resetOnClose(conn)
		}

		err = conn.Close()
	})

	return err
}

// resetOnClose makes the following Close send RST instead of FIN.
func resetOnClose(conn net.Conn) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}
}
