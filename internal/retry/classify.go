package retry

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// transientSignatures catch transport failures that arrive flattened into
// strings by client libraries.
var transientSignatures = []string{
	"connection refused",
	"connection reset",
	"connection aborted",
	"broken pipe",
	"no such host",
	"temporary failure in name resolution",
	"could not resolve host",
	"server misbehaving",
	"i/o timeout",
	"timed out",
	"timeout awaiting",
	"tls handshake",
	"handshake failure",
	"network is unreachable",
	"host is unreachable",
	"no route to host",
	"unexpected eof",
}

// IsTransient reports whether err looks like a network-level failure worth
// retrying: DNS, refused or reset connections, timeouts, TLS handshakes and
// unreachable routes. Protocol or application errors are not transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
		syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.ETIMEDOUT, syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
