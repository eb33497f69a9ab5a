package proto

import (
	"net"
	"time"

	"github.com/orbitfall/starnet/traffic"
	"github.com/orbitfall/starnet/wire"
)

// pendingMessage is an outstanding message awaiting its acknowledgement.
// The encoded packet is kept as sent and resent unchanged, under the same
// sequence number, until the ack arrives or the timeout expires.
type pendingMessage struct {
	kind     uint8
	pkt      []byte
	remote   *net.UDPAddr
	interval time.Duration
	created  time.Time
	lastSent time.Time
}

// trafficType classifies this message's resends: pings are protocol
// overhead, everything else carries application data.
func (pm *pendingMessage) trafficType() traffic.Type {
	if pm.kind == wire.KindPing {
		return traffic.Protocol
	}
	return traffic.Data
}
