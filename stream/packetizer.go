// Package stream frames discrete messages on a continuous byte stream. Each
// message is prefixed by its length as a little-endian 32 bit integer;
// zero-length messages are never written. Partial reads are supported, a
// message may be assembled across any number of reads.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// readBufferSize is the amount of bytes requested from the underlying stream
// per Receive call.
const readBufferSize = 512

// ErrDisconnected is returned by Receive if the underlying stream reported
// its end, which is interpreted as the peer having gone away.
var ErrDisconnected = errors.New("stream: connection closed by peer")

// Packetizer reads and writes length-framed messages on a byte stream, e.g.,
// a TCP connection.
type Packetizer struct {
	rw io.ReadWriter

	readBuf []byte
	accum   []byte
	target  int
}

// NewPacketizer wraps the given stream.
func NewPacketizer(rw io.ReadWriter) *Packetizer {
	return &Packetizer{
		rw:      rw,
		readBuf: make([]byte, readBufferSize),
		target:  -1,
	}
}

// Write sends one length-framed message to the stream. Empty messages are
// skipped entirely and do not reach the wire.
func (p *Packetizer) Write(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	if len(msg) > math.MaxInt32 {
		return fmt.Errorf("stream: message of %d bytes exceeds the length prefix", len(msg))
	}

	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)

	_, err := p.rw.Write(buf)
	return err
}

// Receive performs one read against the underlying stream and returns all
// messages completable from the data gathered so far. An empty slice is no
// error; it just means the current message is still incomplete.
func (p *Packetizer) Receive() ([][]byte, error) {
	n, err := p.rw.Read(p.readBuf)
	if n > 0 {
		// A trailing EOF is reported again by the next read.
		return p.feed(p.readBuf[:n])
	}
	if err == nil || err == io.EOF {
		return nil, ErrDisconnected
	}
	return nil, err
}

// feed consumes newly arrived bytes and drains every completable message.
func (p *Packetizer) feed(data []byte) (msgs [][]byte, err error) {
	for {
		if p.target >= 0 && len(p.accum) == p.target {
			msg := make([]byte, p.target)
			copy(msg, p.accum)
			msgs = append(msgs, msg)

			p.accum = p.accum[:0]
			p.target = -1
			continue
		}

		if len(data) == 0 {
			return
		}

		if p.target < 0 {
			n := copyAtMost(&p.accum, data, 4-len(p.accum))
			data = data[n:]

			if len(p.accum) == 4 {
				length := int32(binary.LittleEndian.Uint32(p.accum))
				if length < 0 {
					err = fmt.Errorf("stream: negative message length %d", length)
					return
				}

				p.target = int(length)
				p.accum = p.accum[:0]
			}
			continue
		}

		n := copyAtMost(&p.accum, data, p.target-len(p.accum))
		data = data[n:]
	}
}

// copyAtMost appends up to limit bytes of data to dst, returning the amount.
func copyAtMost(dst *[]byte, data []byte, limit int) int {
	if limit > len(data) {
		limit = len(data)
	}
	*dst = append(*dst, data[:limit]...)
	return limit
}
