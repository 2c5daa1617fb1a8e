// Package transport provides the thin datagram abstraction the TFTP session
// state machine suspends on. It is the only place the protocol core waits
// on the network.
package transport

import (
	"errors"
	"net"
	"time"
)

// ErrTimeout is returned by Recv when the deadline elapses before a
// datagram arrives. It satisfies net.Error with Timeout() == true so
// callers that only check for a net.Error still work, but the session
// state machine treats it as a plain, expected return value rather than an
// exceptional one.
var ErrTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "transport: recv deadline exceeded" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

// Endpoint is a bound UDP socket used for exactly one side of exactly one
// TFTP conversation (the well-known server port is the one exception: it is
// read-only after bind and is shared only for accepting new requests).
type Endpoint struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket on localPort. A localPort of 0 lets the OS assign
// an ephemeral port, which is how every session endpoint other than the
// server's well-known listener is created.
func Bind(localPort int) (*Endpoint, error) {
	addr := &net.UDPAddr{Port: localPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Endpoint{conn: conn}, nil
}

// Send best-effort enqueues b to the kernel for delivery to peer.
func (e *Endpoint) Send(b []byte, peer *net.UDPAddr) error {
	_, err := e.conn.WriteToUDP(b, peer)
	return err
}

// Recv blocks until a datagram arrives or deadline elapses, whichever comes
// first. A zero deadline means "no deadline" (used only by the server's
// well-known-port accept loop, per §4.5).
func (e *Endpoint) Recv(maxSize int, deadline time.Time) ([]byte, *net.UDPAddr, error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	buf := make([]byte, maxSize)
	n, from, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}
	return buf[:n], from, nil
}

// LocalAddr reports the endpoint's bound local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
