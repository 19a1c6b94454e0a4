package core

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// FaultKind names a transient network fault that a cached response may cover for.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultTimeout
	FaultDNS
	FaultConnectionRefused
	FaultConnectionReset
	FaultConnectionClosed
	FaultConnectionLost
	FaultIO
)

func (k FaultKind) String() string {
	switch k {
	case FaultTimeout:
		return "timeout"
	case FaultDNS:
		return "dns"
	case FaultConnectionRefused:
		return "connection-refused"
	case FaultConnectionReset:
		return "connection-reset"
	case FaultConnectionClosed:
		return "connection-closed"
	case FaultConnectionLost:
		return "connection-lost"
	case FaultIO:
		return "io"
	}
	return "none"
}

// NetworkError lets a pipeline that does not use net/http report a fault kind directly.
type NetworkError struct {
	Kind FaultKind
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Classify maps err onto the closed set of transient network faults.
// Cancellation by the caller is never transient.
func Classify(err error) (FaultKind, bool) {
	if err == nil {
		return FaultNone, false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Kind, netErr.Kind != FaultNone
	}
	if errors.Is(err, context.Canceled) {
		return FaultNone, false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return FaultTimeout, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FaultDNS, true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return FaultConnectionRefused, true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return FaultConnectionReset, true
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE):
		return FaultConnectionClosed, true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return FaultConnectionLost, true
	}
	var timeoutErr net.Error
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return FaultTimeout, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FaultIO, true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return FaultIO, true
	}
	return FaultNone, false
}

// IsTransient reports whether err is a transient network fault.
func IsTransient(err error) bool {
	_, ok := Classify(err)
	return ok
}
