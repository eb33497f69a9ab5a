// Package traffic accounts the bytes sent and received by the protocol
// engine in a rolling histogram of per-second buckets, classified by what
// the bytes were: protocol overhead, application data or invalid noise.
package traffic

import (
	"fmt"
	"sync"
	"time"
)

// Type classifies accounted bytes.
type Type uint8

const (
	// Protocol covers the engine's own messages: acks and pings.
	Protocol Type = iota

	// Data covers application payload, acked or unacked.
	Data

	// Invalid covers undecodable or foreign traffic, incoming only.
	Invalid

	// Any is the aggregate over all concrete types. It is derived and must
	// never be recorded directly.
	Any

	numTypes
)

func (t Type) String() string {
	switch t {
	case Protocol:
		return "protocol"
	case Data:
		return "data"
	case Invalid:
		return "invalid"
	case Any:
		return "any"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Buckets is the amount of per-second buckets kept per direction.
const Buckets = 60

// Bucket holds the byte counts of one wall-clock second, indexed by Type.
type Bucket [numTypes]uint64

// Bytes returns the byte count recorded under the given type.
func (b Bucket) Bytes(t Type) uint64 {
	return b[t]
}

// histogram is a ring of Buckets where index 0 always covers the current
// second. It is not safe for concurrent use; the Accountant serializes.
type histogram struct {
	buckets [Buckets]Bucket
	second  int64
	now     func() time.Time
}

// roll rotates the ring forward to the current second, zeroing every bucket
// that was skipped over. Afterwards bucket 0 covers now.
func (h *histogram) roll() {
	sec := h.now().Unix()

	if h.second == 0 {
		h.second = sec
		return
	}

	delta := sec - h.second
	if delta <= 0 {
		return
	}
	h.second = sec

	if delta >= Buckets {
		h.buckets = [Buckets]Bucket{}
		return
	}

	copy(h.buckets[delta:], h.buckets[:Buckets-int(delta)])
	for i := int64(0); i < delta; i++ {
		h.buckets[i] = Bucket{}
	}
}

func (h *histogram) record(t Type, amount uint64) {
	if t == Any {
		panic("traffic: the aggregate Any type must not be recorded directly")
	}
	if t >= numTypes {
		panic(fmt.Sprintf("traffic: unknown type %d", uint8(t)))
	}

	h.roll()
	h.buckets[0][t] += amount
	h.buckets[0][Any] += amount
}

func (h *histogram) snapshot() [Buckets]Bucket {
	h.roll()
	return h.buckets
}

// Accountant tracks incoming and outgoing traffic of one protocol engine.
// All methods are safe for concurrent use.
type Accountant struct {
	mutex    sync.Mutex
	incoming histogram
	outgoing histogram
}

// NewAccountant creates an Accountant with empty histograms.
func NewAccountant() *Accountant {
	return &Accountant{
		incoming: histogram{now: time.Now},
		outgoing: histogram{now: time.Now},
	}
}

// RecordIncoming adds received bytes to the current second's bucket.
func (a *Accountant) RecordIncoming(amount int, t Type) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.incoming.record(t, uint64(amount))
}

// RecordOutgoing adds sent bytes to the current second's bucket.
func (a *Accountant) RecordOutgoing(amount int, t Type) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.outgoing.record(t, uint64(amount))
}

// Incoming returns the rolled-forward ring of received bytes, bucket 0
// being the current second.
func (a *Accountant) Incoming() [Buckets]Bucket {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.incoming.snapshot()
}

// Outgoing returns the rolled-forward ring of sent bytes, bucket 0 being
// the current second.
func (a *Accountant) Outgoing() [Buckets]Bucket {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.outgoing.snapshot()
}
