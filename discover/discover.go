// Package discover announces this node's datagram port on the local network
// through UDP multicast and reports peers doing the same, so game instances
// find each other without a lobby server.
package discover

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

const (
	// multicastAddress is the IPv4 multicast group used for announcements.
	multicastAddress = "224.23.42.23"

	// multicastPort is the multicast port used for announcements.
	multicastPort = 35712
)

// announceMagic prefixes every announcement payload, filtering foreign
// multicast traffic on the same group.
var announceMagic = []byte{0x53, 0x4e, 0x44, 0x31}

// Peer is a discovered game instance on the local network.
type Peer struct {
	Address string
	Port    uint16
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// NotifyFunc is called for every announcement received from a peer.
type NotifyFunc func(peer Peer)

// marshalAnnouncement builds the multicast payload for the given port.
func marshalAnnouncement(port uint16) []byte {
	payload := make([]byte, len(announceMagic)+2)
	copy(payload, announceMagic)
	binary.BigEndian.PutUint16(payload[len(announceMagic):], port)

	return payload
}

// unmarshalAnnouncement parses a multicast payload, rejecting foreign ones.
func unmarshalAnnouncement(payload []byte) (port uint16, err error) {
	if len(payload) != len(announceMagic)+2 || !bytes.Equal(payload[:len(announceMagic)], announceMagic) {
		err = fmt.Errorf("payload of %d bytes is no announcement", len(payload))
		return
	}

	port = binary.BigEndian.Uint16(payload[len(announceMagic):])
	return
}

// Manager publishes and receives announcements until closed.
type Manager struct {
	stopChan chan struct{}
}

// NewManager starts announcing the given datagram port every intervalSec
// seconds and reports discovered peers through notify.
func NewManager(announcePort uint16, intervalSec uint, notify NotifyFunc) (*Manager, error) {
	log.WithFields(log.Fields{
		"port":     announcePort,
		"interval": intervalSec,
	}).Info("Started discovery manager")

	manager := &Manager{stopChan: make(chan struct{})}

	settings := peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", multicastPort),
		MulticastAddress: multicastAddress,
		Payload:          marshalAnnouncement(announcePort),
		Delay:            time.Duration(intervalSec) * time.Second,
		TimeLimit:        -1,
		StopChan:         manager.stopChan,
		IPVersion:        peerdiscovery.IPv4,
		Notify: func(discovered peerdiscovery.Discovered) {
			port, err := unmarshalAnnouncement(discovered.Payload)
			if err != nil {
				log.WithError(err).WithField("peer", discovered.Address).
					Debug("Discovery received a foreign payload")
				return
			}

			notify(Peer{Address: discovered.Address, Port: port})
		},
	}

	discoverErrChan := make(chan error)
	go func() {
		_, discoverErr := peerdiscovery.Discover(settings)
		discoverErrChan <- discoverErr
	}()

	select {
	case discoverErr := <-discoverErrChan:
		if discoverErr != nil {
			return nil, discoverErr
		}

	case <-time.After(time.Second):
		break
	}

	return manager, nil
}

// Close this Manager.
func (manager *Manager) Close() {
	manager.stopChan <- struct{}{}
}
