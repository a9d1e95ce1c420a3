package client

import (
	"context"
	"errors"
	"net"
	"os"
)

// ErrUpstreamUnavailable matches every failure to complete an upstream call.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamUnavailableError wraps the reason an upstream call could not complete:
// DNS, dial, TLS, write or read failures and timeouts.
type UpstreamUnavailableError struct {
	Err error
}

func (e *UpstreamUnavailableError) Error() string {
	return ErrUpstreamUnavailable.Error() + ": " + e.Err.Error()
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// Is reports whether target is ErrUpstreamUnavailable.
func (e *UpstreamUnavailableError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// Timeout reports whether the call was cut off by the request deadline.
func (e *UpstreamUnavailableError) Timeout() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Reason returns a bounded label describing the failure.
func (e *UpstreamUnavailableError) Reason() string {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case e.Timeout():
		return "timeout"
	case errors.Is(e.Err, context.Canceled):
		return "canceled"
	case errors.As(e.Err, &dnsErr):
		return "dns"
	case errors.As(e.Err, &opErr) && opErr.Op == "dial":
		return "connect"
	case errors.Is(e.Err, ErrResponseTooLarge):
		return "too_large"
	default:
		return "other"
	}
}
