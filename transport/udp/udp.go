// Package udp binds the protocol engine to a real datagram socket. The
// driver owns the socket; reads happen through Poll, which drains the
// receive queue without blocking for new datagrams.
package udp

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxDatagramSize bounds a single read. Larger datagrams are truncated by
// the kernel, which cannot happen with sane MTUs.
const maxDatagramSize = 65536

// pollTimeout is how long a Poll waits for the first datagram before
// reporting an empty queue.
const pollTimeout = time.Millisecond

// Driver is an unreliable datagram transport on top of a UDP socket.
type Driver struct {
	conn *net.UDPConn
	buf  []byte
}

// Listen opens a datagram socket on the given UDP port. Port zero asks the
// kernel for a free one; negative or oversized ports are a caller error.
func Listen(port int) (*Driver, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("udp: port %d is out of range", port)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}

	log.WithField("address", conn.LocalAddr()).Debug("Opened datagram socket")

	return &Driver{
		conn: conn,
		buf:  make([]byte, maxDatagramSize),
	}, nil
}

// LocalAddr returns the bound socket address.
func (d *Driver) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// WriteTo sends one packet to the given remote.
func (d *Driver) WriteTo(pkt []byte, remote *net.UDPAddr) (int, error) {
	return d.conn.WriteToUDP(pkt, remote)
}

// Poll drains all currently queued datagrams into the deliver callback and
// returns once the queue is empty. Per-datagram socket errors are absorbed;
// UDP knows no connection whose loss they could indicate.
func (d *Driver) Poll(deliver func(pkt []byte, remote *net.UDPAddr)) error {
	for {
		if err := d.conn.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
			return err
		}

		n, remote, err := d.conn.ReadFromUDP(d.buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			log.WithError(err).Debug("Reading datagram errored")
			return nil
		}

		pkt := make([]byte, n)
		copy(pkt, d.buf[:n])

		deliver(pkt, remote)
	}
}

// Close shuts the socket down.
func (d *Driver) Close() error {
	return d.conn.Close()
}
