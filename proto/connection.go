package proto

import (
	"encoding/binary"
	"net"
	"time"
)

// rttSamples is the capacity of the rolling round-trip time window.
const rttSamples = 20

// connection is the engine's state for one remote endpoint. It is created
// lazily on the first send to or receive from that endpoint and only torn
// down by a message timeout. All access is serialized by the engine's mutex.
type connection struct {
	remote *net.UDPAddr

	// Duplicate suppression for acked messages whose ack got lost: a bounded
	// window of the most recently handled sequence numbers. delivering
	// tracks sequence numbers whose application callback is currently
	// running, so a concurrent retransmit cannot deliver twice.
	handled     map[uint32]struct{}
	handledRing []uint32
	handledLen  int
	handledNext int
	delivering  map[uint32]struct{}

	rtt      [rttSamples]time.Duration
	rttLen   int
	rttNext  int
}

func newConnection(remote *net.UDPAddr, window int) *connection {
	return &connection{
		remote:      remote,
		handled:     make(map[uint32]struct{}),
		handledRing: make([]uint32, window),
		delivering:  make(map[uint32]struct{}),
	}
}

// wasHandled checks if the given sequence number was already delivered to
// the application within the suppression window.
func (c *connection) wasHandled(sequence uint32) bool {
	_, ok := c.handled[sequence]
	return ok
}

// markHandled records a delivered sequence number, evicting the oldest entry
// once the window is full.
func (c *connection) markHandled(sequence uint32) {
	if c.wasHandled(sequence) {
		return
	}

	if c.handledLen == len(c.handledRing) {
		delete(c.handled, c.handledRing[c.handledNext])
	} else {
		c.handledLen++
	}

	c.handledRing[c.handledNext] = sequence
	c.handledNext = (c.handledNext + 1) % len(c.handledRing)
	c.handled[sequence] = struct{}{}
}

// pushRTT adds a round-trip time sample to the rolling window.
func (c *connection) pushRTT(sample time.Duration) {
	c.rtt[c.rttNext] = sample
	c.rttNext = (c.rttNext + 1) % rttSamples
	if c.rttLen < rttSamples {
		c.rttLen++
	}
}

// averageRTT returns the mean over the sampled round-trip times, or zero if
// no sample was taken yet.
func (c *connection) averageRTT() time.Duration {
	if c.rttLen == 0 {
		return 0
	}

	var sum time.Duration
	for i := 0; i < c.rttLen; i++ {
		sum += c.rtt[i]
	}

	return sum / time.Duration(c.rttLen)
}

// connectionKey reduces a remote address to the connection table's integer
// key: the value of an IPv4 address, or the leading 64 bits of an IPv6
// address.
func connectionKey(remote *net.UDPAddr) uint64 {
	if ip4 := remote.IP.To4(); ip4 != nil {
		return uint64(binary.BigEndian.Uint32(ip4))
	}

	if ip16 := remote.IP.To16(); ip16 != nil {
		return binary.BigEndian.Uint64(ip16[:8])
	}

	return 0
}
