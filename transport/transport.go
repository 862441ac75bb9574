package transport

import (
	"strconv"
)

// Conn is a connection handle. NoConn is never returned by a successful Open.
type Conn uint8

const NoConn Conn = 0

// EphemeralPort lets the network stack pick the local port.
const EphemeralPort uint16 = 0xFFFF

type State uint8

const (
	StateClosed State = iota
	StateOpening
	StateEstablished
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Flags are per-connection options.
type Flags uint8

const (
	FlagTLS Flags = 1 << iota
	FlagVerifyCertificate
)

// Capabilities is the set of features a transport implementation reports.
type Capabilities uint16

const (
	CapActiveOpen Capabilities = 1 << iota
	CapResolver
	CapTLS
	CapTLSVerify
)

func (c Capabilities) Has(flag Capabilities) bool {
	return c&flag == flag
}

// IP is an IPv4 address.
type IP [4]byte

func (ip IP) String() string {
	buff := make([]byte, 0, len("255.255.255.255"))
	for i, octet := range ip {
		if i > 0 {
			buff = append(buff, '.')
		}

		buff = strconv.AppendUint(buff, uint64(octet), 10)
	}

	return string(buff)
}

// ParseIP parses a dotted-quad IPv4 literal. Anything else, including IPv6 literals,
// isn't an IP from the transport's point of view and must be resolved.
func ParseIP(s string) (ip IP, ok bool) {
	var octet, digits, n int

	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if digits == 0 || n == len(ip) {
				return ip, false
			}

			ip[n] = byte(octet)
			n++
			octet, digits = 0, 0
			continue
		}

		if s[i] < '0' || s[i] > '9' || digits == 3 {
			return ip, false
		}

		octet = octet*10 + int(s[i]-'0')
		if octet > 255 {
			return ip, false
		}

		digits++
	}

	return ip, n == len(ip)
}

// Params describe a connection to be opened.
type Params struct {
	IP         IP
	RemotePort uint16
	LocalPort  uint16
	// UserTimeout is in seconds. 0 leaves the transport's default.
	UserTimeout uint16
	Flags       Flags
	// ServerName is used to validate the server certificate when FlagTLS is set.
	ServerName string
}

// Adapter is the network API the client sits on top of. None of the methods block for
// long: opening a connection and resolving a name are started by one call and then
// polled, while Receive returns whatever is available right now, possibly nothing.
// The caller is expected to call Yield between polls so the stack can make progress.
//
// Errors returned by an Adapter should be status.Error values. Anything else is wrapped
// into the most fitting kind by the caller.
type Adapter interface {
	Capabilities() Capabilities
	// Online reports whether the network link is up.
	Online() bool
	// Open starts opening a connection. The returned handle is in StateOpening until
	// the connection is either established or failed, see State.
	Open(Params) (Conn, error)
	// Close gracefully closes the connection and releases the handle.
	Close(Conn) error
	// Abort resets the connection and releases the handle.
	Abort(Conn) error
	// Send queues the data and returns how much of it was accepted. Zero with no error
	// means the send buffer is full, so the caller must yield and try again.
	Send(Conn, []byte) (int, error)
	// Receive copies available inbound bytes into the buffer. Zero with no error means
	// no data at the moment. Once the connection is closed by the peer and all the data
	// is drained, Receive keeps returning zero and State reports StateClosed. If the
	// connection was reset instead, the drained Receive returns the error.
	Receive(Conn, []byte) (int, error)
	State(Conn) State
	// Err returns why the connection is closed, if that wasn't a graceful close. In
	// particular, it tells why a connection failed to establish.
	Err(Conn) error
	// Resolve starts resolving the host name. Only one query is in flight at a time.
	Resolve(host string) error
	// PollResolve returns the result of the last query, if done.
	PollResolve() (ip IP, done bool, err error)
	// Yield lets the network stack make progress.
	Yield()
}
