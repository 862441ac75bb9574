package dummy

import (
	"bytes"

	"github.com/indigo-web/hget/status"
	"github.com/indigo-web/hget/transport"
)

var _ transport.Adapter = new(Adapter)

// DefaultIP is what every host resolves to unless Hosts says otherwise.
var DefaultIP = transport.IP{10, 0, 0, 1}

// Script describes the life of a single connection opened by the client.
type Script struct {
	// Responses are released one per complete request written. Each response is a list
	// of pieces, every Receive call hands out at most one piece. An empty piece means
	// "nothing arrived on this poll".
	Responses [][]string
	// KeepOpen leaves the connection established after the last response is drained.
	// Otherwise, the peer closes it right after.
	KeepOpen bool
	// Refuse makes the connection fail to establish.
	Refuse bool
	// OpenErr is what Err reports for a refused connection.
	OpenErr error
	// ResetErr makes the peer reset the connection instead of closing it once the last
	// response is drained. The drained Receive returns it.
	ResetErr error
	// OpenDelay is how many State polls the connection stays in opening state.
	OpenDelay int
	// SendErr is returned by every Send call.
	SendErr error
	// Backpressure is how many first Send calls accept nothing.
	Backpressure int
	// SendLimit caps the number of bytes a single Send call accepts. 0 disables it.
	SendLimit int
}

// Adapter is a scripted transport. Every Open takes the next Script; a request written
// into a connection for which the script has no more responses makes the peer silently
// close it, the way idle keep-alive connections are dropped in the wild.
//
// Adapter also counts ticks: one per Yield, so it may serve as the Session clock.
type Adapter struct {
	Caps    transport.Capabilities
	Offline bool
	// Hosts maps host names to addresses. When nil, every host resolves to DefaultIP.
	Hosts map[string]transport.IP
	// ResolveErr is returned once a query is polled.
	ResolveErr error
	// ResolveDelay is how many polls a query takes.
	ResolveDelay int
	// OnYield is called on every Yield with the number of yields so far.
	OnYield func(yields int)

	scripts []Script
	conns   []*Conn
	queries []string
	polls   int
	yields  int
}

func New(scripts ...Script) *Adapter {
	return &Adapter{
		Caps:    transport.CapActiveOpen | transport.CapResolver,
		scripts: scripts,
	}
}

// WithTLS makes the adapter report TLS capabilities.
func (a *Adapter) WithTLS() *Adapter {
	a.Caps |= transport.CapTLS | transport.CapTLSVerify
	return a
}

func (a *Adapter) Capabilities() transport.Capabilities {
	return a.Caps
}

func (a *Adapter) Online() bool {
	return !a.Offline
}

func (a *Adapter) Open(params transport.Params) (transport.Conn, error) {
	script := Script{Refuse: true}
	if len(a.conns) < len(a.scripts) {
		script = a.scripts[len(a.conns)]
	}

	a.conns = append(a.conns, &Conn{
		Params: params,
		script: script,
		state:  transport.StateOpening,
	})

	return transport.Conn(len(a.conns)), nil
}

func (a *Adapter) conn(handle transport.Conn) *Conn {
	if handle == transport.NoConn || int(handle) > len(a.conns) {
		return nil
	}

	return a.conns[handle-1]
}

func (a *Adapter) Close(handle transport.Conn) error {
	if c := a.conn(handle); c != nil {
		c.closed = true
		c.state = transport.StateClosed
	}

	return nil
}

func (a *Adapter) Abort(handle transport.Conn) error {
	if c := a.conn(handle); c != nil {
		c.aborted = true
		c.state = transport.StateClosed
	}

	return nil
}

func (a *Adapter) Send(handle transport.Conn, data []byte) (int, error) {
	c := a.conn(handle)
	if c == nil || c.state != transport.StateEstablished {
		return 0, status.ErrConnectionLost
	}

	return c.send(data)
}

func (a *Adapter) Receive(handle transport.Conn, buff []byte) (int, error) {
	c := a.conn(handle)
	if c == nil {
		return 0, status.ErrConnectionLost
	}

	return c.receive(buff)
}

func (a *Adapter) Err(handle transport.Conn) error {
	c := a.conn(handle)
	if c == nil {
		return nil
	}

	return c.err
}

func (a *Adapter) State(handle transport.Conn) transport.State {
	c := a.conn(handle)
	if c == nil {
		return transport.StateClosed
	}

	return c.poll()
}

func (a *Adapter) Resolve(host string) error {
	a.queries = append(a.queries, host)
	a.polls = 0

	return nil
}

func (a *Adapter) PollResolve() (transport.IP, bool, error) {
	if len(a.queries) == 0 {
		return transport.IP{}, true, status.ErrDNSFailure
	}

	if a.polls < a.ResolveDelay {
		a.polls++
		return transport.IP{}, false, nil
	}

	if a.ResolveErr != nil {
		return transport.IP{}, true, a.ResolveErr
	}

	if a.Hosts == nil {
		return DefaultIP, true, nil
	}

	ip, found := a.Hosts[a.queries[len(a.queries)-1]]
	if !found {
		return transport.IP{}, true, status.ErrDNSUnknownHost
	}

	return ip, true, nil
}

func (a *Adapter) Yield() {
	a.yields++

	if a.OnYield != nil {
		a.OnYield(a.yields)
	}
}

// Ticks implements the Session clock, advancing once per Yield.
func (a *Adapter) Ticks() uint64 {
	return uint64(a.yields)
}

func (a *Adapter) Yields() int {
	return a.yields
}

// Queries returns every host name resolution was requested for.
func (a *Adapter) Queries() []string {
	return a.queries
}

// Opened returns every connection opened so far, in order.
func (a *Adapter) Opened() []*Conn {
	return a.conns
}

// Conn is a single scripted connection.
type Conn struct {
	Params transport.Params

	script    Script
	state     transport.State
	polls     int
	sendCalls int
	written   []byte
	requests  int
	released  int
	queue     [][]byte
	closed    bool
	aborted   bool
	err       error
}

func (c *Conn) poll() transport.State {
	if c.state == transport.StateOpening {
		switch {
		case c.script.Refuse:
			c.state = transport.StateClosed
			c.err = c.script.OpenErr
		case c.polls >= c.script.OpenDelay:
			c.state = transport.StateEstablished
		}

		c.polls++
	}

	return c.state
}

func (c *Conn) send(data []byte) (int, error) {
	if c.script.SendErr != nil {
		return 0, c.script.SendErr
	}

	if c.sendCalls < c.script.Backpressure {
		c.sendCalls++
		return 0, nil
	}

	if c.script.SendLimit > 0 && len(data) > c.script.SendLimit {
		data = data[:c.script.SendLimit]
	}

	c.written = append(c.written, data...)

	for requests := bytes.Count(c.written, []byte("\r\n\r\n")); c.requests < requests; c.requests++ {
		if c.released == len(c.script.Responses) {
			c.state = transport.StateClosed
			break
		}

		for _, piece := range c.script.Responses[c.released] {
			c.queue = append(c.queue, []byte(piece))
		}

		c.released++
	}

	return len(data), nil
}

func (c *Conn) receive(buff []byte) (int, error) {
	if len(c.queue) == 0 {
		if c.state == transport.StateEstablished && c.released == len(c.script.Responses) {
			switch {
			case c.script.ResetErr != nil:
				c.state = transport.StateClosed
				c.err = c.script.ResetErr
				return 0, c.err
			case !c.script.KeepOpen:
				c.state = transport.StateClosed
			}
		}

		return 0, nil
	}

	n := copy(buff, c.queue[0])
	c.queue[0] = c.queue[0][n:]
	if len(c.queue[0]) == 0 {
		c.queue = c.queue[1:]
	}

	return n, nil
}

// Written returns everything the client has sent over the connection.
func (c *Conn) Written() string {
	return string(c.written)
}

// Requests returns the number of complete requests sent.
func (c *Conn) Requests() int {
	return c.requests
}

// Closed reports whether the client has closed the connection gracefully.
func (c *Conn) Closed() bool {
	return c.closed
}

// Aborted reports whether the client has reset the connection.
func (c *Conn) Aborted() bool {
	return c.aborted
}
