package status

import (
	"errors"
	"strconv"
)

// Kind discriminates the failures a fetch may end with.
type Kind uint8

const (
	KindTransportNotFound Kind = iota + 1
	KindTransportNotCapable
	KindInvalidBuffer
	KindAlreadyInitialized
	KindNotInitialized
	KindSessionBusy
	KindInvalidParameters
	KindNoNetwork
	KindDNSCapabilityMissing
	KindDNSRefused
	KindDNSNoResponse
	KindDNSUnknownHost
	KindDNSFailure
	KindConnectionFailed
	KindConnectionTimeout
	KindSend
	KindReceive
	KindConnectionLost
	KindTransferTimeout
	KindCancelled
	KindHTTPStatus
	KindAuthFailed
	KindUnsupportedAuth
	KindTooManyRedirects
	KindRedirectWithoutLocation
	KindUnsupportedScheme
	KindRedirectUnsupportedScheme
	KindMalformedResponse
	KindLineTooLong
	KindSinkWrite
)

// Error is the only error type a Session ever returns. Two errors are considered equal by
// errors.Is when their kinds match, so sentinels below can be compared against wrapped
// or code-carrying values.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func NewError(kind Kind, message string) Error {
	return Error{
		Kind:    kind,
		Message: message,
	}
}

// NewHTTPError returns a KindHTTPStatus error carrying the offending code.
func NewHTTPError(code Code) Error {
	return Error{
		Kind:    KindHTTPStatus,
		Code:    code,
		Message: "unexpected status code " + strconv.Itoa(int(code)),
	}
}

func (e Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}

	return e.Message
}

func (e Error) Unwrap() error {
	return e.Err
}

func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Kind == e.Kind
}

// Wrap returns a copy of the error with err attached as its cause.
func (e Error) Wrap(err error) Error {
	e.Err = err
	return e
}

var (
	ErrTransportNotFound   = NewError(KindTransportNotFound, "no network transport")
	ErrTransportNotCapable = NewError(KindTransportNotCapable, "transport cannot open active TCP connections")
	ErrInvalidBuffer       = NewError(KindInvalidBuffer, "memory region is too small")
	ErrAlreadyInitialized  = NewError(KindAlreadyInitialized, "session is already initialized")
	ErrNotInitialized      = NewError(KindNotInitialized, "session is not initialized")
	ErrSessionBusy         = NewError(KindSessionBusy, "another fetch is in progress")
	ErrInvalidParameters   = NewError(KindInvalidParameters, "invalid parameters")

	ErrNoNetwork            = NewError(KindNoNetwork, "no network connection available")
	ErrDNSCapabilityMissing = NewError(KindDNSCapabilityMissing, "transport cannot resolve host names")
	ErrDNSRefused           = NewError(KindDNSRefused, "DNS query refused")
	ErrDNSNoResponse        = NewError(KindDNSNoResponse, "no response from DNS server")
	ErrDNSUnknownHost       = NewError(KindDNSUnknownHost, "unknown host")
	ErrDNSFailure           = NewError(KindDNSFailure, "DNS resolution failed")

	ErrConnectionFailed  = NewError(KindConnectionFailed, "could not open connection")
	ErrConnectionTimeout = NewError(KindConnectionTimeout, "connection establishment timed out")
	ErrSend              = NewError(KindSend, "failed to send request")
	ErrReceive           = NewError(KindReceive, "failed to receive data")
	ErrConnectionLost    = NewError(KindConnectionLost, "connection lost")
	ErrTransferTimeout   = NewError(KindTransferTimeout, "timed out waiting for data")
	ErrCancelled         = NewError(KindCancelled, "cancelled by user")

	ErrAuthFailed                = Error{Kind: KindAuthFailed, Code: Unauthorized, Message: "authentication failed"}
	ErrUnsupportedAuth           = NewError(KindUnsupportedAuth, "unsupported authentication challenge")
	ErrTooManyRedirects          = NewError(KindTooManyRedirects, "too many redirects")
	ErrRedirectWithoutLocation   = NewError(KindRedirectWithoutLocation, "redirect without a Location header")
	ErrUnsupportedScheme         = NewError(KindUnsupportedScheme, "unsupported URL scheme")
	ErrRedirectUnsupportedScheme = NewError(KindRedirectUnsupportedScheme, "redirected to an unsupported URL scheme")
	ErrMalformedResponse         = NewError(KindMalformedResponse, "malformed response")
	ErrLineTooLong               = NewError(KindLineTooLong, "response line is too long")
	ErrSinkWrite                 = NewError(KindSinkWrite, "failed to write received data")
)

// KindOf returns the kind of err, or 0 if err isn't an Error.
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return 0
}

// IsNetwork reports whether err is a failure of the connection itself, as opposed to a
// protocol, parameter or user-initiated one. Such failures on a kept-alive connection
// are worth exactly one retry over a fresh connection.
func IsNetwork(err error) bool {
	switch KindOf(err) {
	case KindConnectionFailed, KindConnectionLost, KindSend, KindReceive:
		return true
	default:
		return false
	}
}
