package dispatch

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// writeTimeout caps a single datagram write so a wedged socket cannot stall
// the control loop.
const writeTimeout = 20 * time.Millisecond

// UDPTransport sends datagrams to one fixed destination.
type UDPTransport struct {
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

// DialUDP resolves addr ("host:port") and returns a connected transport.
// No packet is sent; UDP has no handshake.
func DialUDP(addr string) (*UDPTransport, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dial udp %s: %w", addr, err)
	}
	return &UDPTransport{conn: conn}, nil
}

// Send writes payload as a single datagram.
func (u *UDPTransport) Send(payload []byte) error {
	if err := u.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := u.conn.Write(payload)
	return err
}

// RemoteAddr returns the destination address.
func (u *UDPTransport) RemoteAddr() net.Addr {
	return u.conn.RemoteAddr()
}

// Close is idempotent.
func (u *UDPTransport) Close() error {
	u.closeOnce.Do(func() { u.closeErr = u.conn.Close() })
	return u.closeErr
}
