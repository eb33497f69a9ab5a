package proto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orbitfall/starnet/traffic"
	"github.com/orbitfall/starnet/wire"
)

const (
	// DefaultTimeout is the age after which an unacknowledged message gives
	// up and tears down its remote connection.
	DefaultTimeout = 5000 * time.Millisecond

	// DefaultPingInterval is the keepalive cadence towards known remotes.
	DefaultPingInterval = 1000 * time.Millisecond

	// DefaultHandledWindow bounds the duplicate suppression window per
	// remote. A retransmit older than this many handled messages would be
	// delivered again; with the sender abandoning messages after the
	// timeout, the window is far larger than the possible in-flight amount.
	DefaultHandledWindow = 1024
)

// Handling is the application's verdict on a delivered acked message.
type Handling int

const (
	// Handled acknowledges the message towards the peer.
	Handled Handling = iota

	// NotYetHandled suppresses the acknowledgement, making the peer resend
	// later. Useful if the message depends on state that has not caught up.
	NotYetHandled
)

// ReceiveFunc is called for every application payload the engine delivers.
// For acked messages the returned Handling decides if an ack is sent; for
// unacked messages the return value is ignored.
type ReceiveFunc func(remote *net.UDPAddr, payload []byte) Handling

// TimeoutFunc is called once per remote whose messages timed out, after the
// connection was torn down.
type TimeoutFunc func(remote *net.UDPAddr)

// Transport binds an Engine to a datagram socket.
type Transport interface {
	// WriteTo sends one packet to the given remote.
	WriteTo(pkt []byte, remote *net.UDPAddr) (int, error)

	// Poll drains all currently available packets into the deliver
	// callback without blocking for new ones.
	Poll(deliver func(pkt []byte, remote *net.UDPAddr)) error

	// Close shuts the socket down.
	Close() error
}

// Config assembles an Engine's knobs. Header, Key and Nonce configure the
// wire codec and must be equal on all peers; the zero value of the other
// fields selects the defaults.
type Config struct {
	Header []byte
	Key    []byte
	Nonce  []byte

	Timeout       time.Duration
	PingInterval  time.Duration
	HandledWindow int
}

// Engine is the reliable datagram protocol engine. All exported methods are
// safe for concurrent use; internally one mutex serializes every state
// mutation against packet injection from foreign call contexts.
type Engine struct {
	codec     *wire.Codec
	transport Transport
	receive   ReceiveFunc
	timeout   TimeoutFunc

	timeoutAfter  time.Duration
	pingInterval  time.Duration
	handledWindow int

	mutex        sync.Mutex
	connections  map[uint64]*connection
	pending      map[uint32]*pendingMessage
	nextSequence uint32
	lastPing     time.Time

	info *traffic.Accountant
	now  func() time.Time
}

// New creates an Engine on top of the given Transport. The receive callback
// is mandatory; timeout may be nil if timeouts are of no interest.
func New(conf Config, transport Transport, receive ReceiveFunc, timeout TimeoutFunc) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("proto: transport must not be nil")
	}
	if receive == nil {
		return nil, fmt.Errorf("proto: receive callback must not be nil")
	}

	codec, err := wire.NewCodec(conf.Header, conf.Key, conf.Nonce)
	if err != nil {
		return nil, err
	}

	if conf.Timeout == 0 {
		conf.Timeout = DefaultTimeout
	}
	if conf.PingInterval == 0 {
		conf.PingInterval = DefaultPingInterval
	}
	if conf.HandledWindow == 0 {
		conf.HandledWindow = DefaultHandledWindow
	}

	if timeout == nil {
		timeout = func(_ *net.UDPAddr) {}
	}

	// Sequence numbers start at a random point so a restarted peer is
	// unlikely to collide with stale in-flight expectations of an earlier
	// session.
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}

	e := &Engine{
		codec:     codec,
		transport: transport,
		receive:   receive,
		timeout:   timeout,

		timeoutAfter:  conf.Timeout,
		pingInterval:  conf.PingInterval,
		handledWindow: conf.HandledWindow,

		connections:  make(map[uint64]*connection),
		pending:      make(map[uint32]*pendingMessage),
		nextSequence: binary.BigEndian.Uint32(seed[:]),

		info: traffic.NewAccountant(),
		now:  time.Now,
	}
	e.lastPing = e.now()

	return e, nil
}

// Send transmits a payload to the given remote. PriorityNone sends once and
// forgets; every other priority registers the message for resends until its
// ack arrives or the timeout expires. Empty payloads are a caller error.
func (e *Engine) Send(payload []byte, remote *net.UDPAddr, priority Priority) error {
	if len(payload) == 0 {
		return fmt.Errorf("proto: payload must not be empty")
	}
	if remote == nil {
		return fmt.Errorf("proto: remote must not be nil")
	}
	if !priority.valid() {
		return fmt.Errorf("proto: unknown priority %v", priority)
	}

	if priority == PriorityNone {
		pkt, err := e.codec.Encode(wire.KindUnacked, payload)
		if err != nil {
			return err
		}

		e.transmit(pkt, remote, traffic.Data)
		return nil
	}

	e.mutex.Lock()

	sequence := e.nextSequence
	e.nextSequence++

	var body bytes.Buffer
	if err := (wire.AckedMessage{Sequence: sequence, Payload: payload}).Marshal(&body); err != nil {
		e.mutex.Unlock()
		return err
	}

	pkt, err := e.codec.Encode(wire.KindAcked, body.Bytes())
	if err != nil {
		e.mutex.Unlock()
		return err
	}

	now := e.now()
	e.pending[sequence] = &pendingMessage{
		kind:     wire.KindAcked,
		pkt:      pkt,
		remote:   remote,
		interval: priority.resendInterval(),
		created:  now,
		lastSent: now,
	}
	e.connection(remote)

	e.mutex.Unlock()

	e.transmit(pkt, remote, traffic.Data)

	log.WithFields(log.Fields{
		"remote":   remote,
		"sequence": sequence,
		"priority": priority,
		"length":   len(payload),
	}).Debug("Registered acked message")

	return nil
}

// Inject dispatches one raw packet as if it was read from the transport.
// This is the entry point for the transport's poll as well as for loopback
// or test traffic; it is safe to call from any goroutine. Undecodable
// packets are expected background noise and dropped silently.
func (e *Engine) Inject(pkt []byte, remote *net.UDPAddr) {
	kind, body, err := e.codec.Decode(pkt)
	if err != nil {
		e.info.RecordIncoming(len(pkt), traffic.Invalid)

		log.WithError(err).WithField("remote", remote).Debug("Dropping invalid packet")
		return
	}

	switch kind {
	case wire.KindAck:
		e.handleAck(len(pkt), body, remote)

	case wire.KindAcked:
		e.handleAcked(len(pkt), body, remote)

	case wire.KindPing:
		e.handlePing(len(pkt), body, remote)

	case wire.KindUnacked:
		e.info.RecordIncoming(len(pkt), traffic.Data)

		e.mutex.Lock()
		e.connection(remote)
		e.mutex.Unlock()

		e.receive(remote, body)
	}
}

func (e *Engine) handleAck(pktLen int, body []byte, remote *net.UDPAddr) {
	var msg wire.AckMessage
	if err := msg.Unmarshal(bytes.NewReader(body)); err != nil {
		e.info.RecordIncoming(pktLen, traffic.Invalid)
		return
	}
	e.info.RecordIncoming(pktLen, traffic.Protocol)

	e.mutex.Lock()
	defer e.mutex.Unlock()

	// Unknown sequence numbers were either resolved before or never ours.
	pm, ok := e.pending[msg.Sequence]
	if !ok {
		return
	}
	delete(e.pending, msg.Sequence)

	// The sample belongs to the remote the message was sent to; a
	// misrouted ack must not seed connection state for its sender.
	rtt := e.now().Sub(pm.created) / 2
	e.connection(pm.remote).pushRTT(rtt)

	log.WithFields(log.Fields{
		"remote":   pm.remote,
		"sequence": msg.Sequence,
		"rtt":      rtt,
	}).Debug("Received ack")
}

func (e *Engine) handleAcked(pktLen int, body []byte, remote *net.UDPAddr) {
	var msg wire.AckedMessage
	if err := msg.Unmarshal(bytes.NewReader(body)); err != nil {
		e.info.RecordIncoming(pktLen, traffic.Invalid)
		return
	}
	e.info.RecordIncoming(pktLen, traffic.Data)

	e.mutex.Lock()
	conn := e.connection(remote)

	// A duplicate means our ack was lost; re-ack so the peer stops resending.
	if conn.wasHandled(msg.Sequence) {
		e.mutex.Unlock()
		e.sendAck(msg.Sequence, remote)
		return
	}

	if _, busy := conn.delivering[msg.Sequence]; busy {
		e.mutex.Unlock()
		return
	}
	conn.delivering[msg.Sequence] = struct{}{}
	e.mutex.Unlock()

	handling := e.receive(remote, msg.Payload)

	e.mutex.Lock()
	delete(conn.delivering, msg.Sequence)
	if handling == Handled {
		conn.markHandled(msg.Sequence)
	}
	e.mutex.Unlock()

	// No ack for an unhandled message; the peer's resend is the retry.
	if handling == Handled {
		e.sendAck(msg.Sequence, remote)
	}
}

func (e *Engine) handlePing(pktLen int, body []byte, remote *net.UDPAddr) {
	var msg wire.PingMessage
	if err := msg.Unmarshal(bytes.NewReader(body)); err != nil {
		e.info.RecordIncoming(pktLen, traffic.Invalid)
		return
	}
	e.info.RecordIncoming(pktLen, traffic.Protocol)

	e.mutex.Lock()
	e.connection(remote)
	e.mutex.Unlock()

	e.sendAck(msg.Sequence, remote)
}

// Flush drives the timers: resending due pending messages, tearing down
// remotes whose messages timed out and emitting keepalive pings. The host
// must call Flush or Update on a regular cadence.
func (e *Engine) Flush() {
	now := e.now()
	expired := make(map[uint64]*net.UDPAddr)

	e.mutex.Lock()

	for _, pm := range e.pending {
		if now.Sub(pm.created) > e.timeoutAfter {
			key := connectionKey(pm.remote)
			if _, ok := expired[key]; !ok {
				expired[key] = pm.remote
			}
			continue
		}

		if now.Sub(pm.lastSent) >= pm.interval {
			pm.lastSent = now
			e.transmit(pm.pkt, pm.remote, pm.trafficType())
		}
	}

	// A timeout abandons the whole remote, not just the one message.
	for key, remote := range expired {
		delete(e.connections, key)

		for sequence, pm := range e.pending {
			if connectionKey(pm.remote) == key {
				delete(e.pending, sequence)
			}
		}

		log.WithField("remote", remote).Info("Remote connection timed out")
	}

	if now.Sub(e.lastPing) >= e.pingInterval {
		e.lastPing = now

		for _, conn := range e.connections {
			e.sendPing(conn.remote, now)
		}
	}

	e.mutex.Unlock()

	for _, remote := range expired {
		e.timeout(remote)
	}
}

// Update polls the transport for inbound packets and runs Flush afterwards.
func (e *Engine) Update() {
	if err := e.transport.Poll(e.Inject); err != nil {
		log.WithError(err).Warn("Polling the transport errored")
	}

	e.Flush()
}

// GetPing returns the rolling average round-trip time towards the given
// remote, or zero if this remote is unknown.
func (e *Engine) GetPing(remote *net.UDPAddr) time.Duration {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if conn, ok := e.connections[connectionKey(remote)]; ok {
		return conn.averageRTT()
	}
	return 0
}

// Connections returns the addresses of all currently known remotes.
func (e *Engine) Connections() []*net.UDPAddr {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	remotes := make([]*net.UDPAddr, 0, len(e.connections))
	for _, conn := range e.connections {
		remotes = append(remotes, conn.remote)
	}
	return remotes
}

// Information returns the engine's traffic accounting.
func (e *Engine) Information() *traffic.Accountant {
	return e.info
}

// Close shuts the underlying transport down.
func (e *Engine) Close() error {
	return e.transport.Close()
}

// connection resolves or lazily creates the state for a remote. The
// engine's mutex must be held.
func (e *Engine) connection(remote *net.UDPAddr) *connection {
	key := connectionKey(remote)

	conn, ok := e.connections[key]
	if !ok {
		conn = newConnection(remote, e.handledWindow)
		e.connections[key] = conn

		log.WithField("remote", remote).Debug("Created remote connection")
	}

	return conn
}

// sendAck emits an ack for the given sequence number.
func (e *Engine) sendAck(sequence uint32, remote *net.UDPAddr) {
	var body bytes.Buffer
	if err := (wire.AckMessage{Sequence: sequence}).Marshal(&body); err != nil {
		return
	}

	pkt, err := e.codec.Encode(wire.KindAck, body.Bytes())
	if err != nil {
		return
	}

	e.transmit(pkt, remote, traffic.Protocol)
}

// sendPing registers and transmits a keepalive towards one remote. The
// engine's mutex must be held.
func (e *Engine) sendPing(remote *net.UDPAddr, now time.Time) {
	sequence := e.nextSequence
	e.nextSequence++

	var body bytes.Buffer
	if err := (wire.PingMessage{Sequence: sequence}).Marshal(&body); err != nil {
		return
	}

	pkt, err := e.codec.Encode(wire.KindPing, body.Bytes())
	if err != nil {
		return
	}

	e.pending[sequence] = &pendingMessage{
		kind:     wire.KindPing,
		pkt:      pkt,
		remote:   remote,
		interval: e.pingInterval,
		created:  now,
		lastSent: now,
	}

	e.transmit(pkt, remote, traffic.Protocol)
}

// transmit writes a packet to the transport and accounts it. Send errors on
// a connectionless socket concern single packets only and are absorbed.
func (e *Engine) transmit(pkt []byte, remote *net.UDPAddr, t traffic.Type) {
	if _, err := e.transport.WriteTo(pkt, remote); err != nil {
		log.WithError(err).WithField("remote", remote).Debug("Sending packet errored")
		return
	}

	e.info.RecordOutgoing(len(pkt), t)
}
