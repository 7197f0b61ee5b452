package retry

import (
	"context"
	"net"
	"strconv"
	"time"
)

// CheckConnectivity reports whether a TCP connection to host:port opens
// within timeout.
func CheckConnectivity(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitForConnectivity polls CheckConnectivity every poll until it succeeds
// or maxWait elapses.
func WaitForConnectivity(ctx context.Context, host string, port int, maxWait, poll time.Duration) bool {
	if poll <= 0 {
		poll = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	for {
		if CheckConnectivity(ctx, host, port, poll) {
			return true
		}
		if sleepCtx(ctx, poll) != nil {
			return false
		}
	}
}
