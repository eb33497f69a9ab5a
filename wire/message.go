package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// The message kinds of the datagram protocol, stored in the type byte of a
// decrypted wire message. Kinds are mutually exclusive; FlagCompressed may be
// combined with any kind.
const (
	// KindAck acknowledges an acked message by its sequence number.
	KindAck uint8 = 0x01

	// KindAcked is an application payload requiring an acknowledgement.
	KindAcked uint8 = 0x02

	// KindPing is a keepalive, answered like an acked message.
	KindPing uint8 = 0x04

	// KindUnacked is a fire-and-forget application payload.
	KindUnacked uint8 = 0x08

	// FlagCompressed marks a compressed message body.
	FlagCompressed uint8 = 0x10
)

// kindMask selects the kind bits of a type byte.
const kindMask = KindAck | KindAcked | KindPing | KindUnacked

// ValidKind checks if the given type byte carries exactly one message kind.
func ValidKind(kind uint8) bool {
	switch kind & kindMask {
	case KindAck, KindAcked, KindPing, KindUnacked:
		return true
	default:
		return false
	}
}

// KindString returns a name for the given kind, used in log fields.
func KindString(kind uint8) string {
	switch kind & kindMask {
	case KindAck:
		return "ACK"
	case KindAcked:
		return "ACKED"
	case KindPing:
		return "PING"
	case KindUnacked:
		return "UNACKED"
	default:
		return fmt.Sprintf("UNKNOWN(%#02x)", kind)
	}
}

// AckMessage is the body of a KindAck message.
type AckMessage struct {
	Sequence uint32
}

func (am AckMessage) String() string {
	return fmt.Sprintf("ACK(%d)", am.Sequence)
}

func (am AckMessage) Marshal(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, am.Sequence)
}

func (am *AckMessage) Unmarshal(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, &am.Sequence)
}

// PingMessage is the body of a KindPing message. It carries no payload; the
// sequence number alone identifies the expected acknowledgement.
type PingMessage struct {
	Sequence uint32
}

func (pm PingMessage) String() string {
	return fmt.Sprintf("PING(%d)", pm.Sequence)
}

func (pm PingMessage) Marshal(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, pm.Sequence)
}

func (pm *PingMessage) Unmarshal(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, &pm.Sequence)
}

// AckedMessage is the body of a KindAcked message: a sequence number followed
// by the length-framed application payload.
type AckedMessage struct {
	Sequence uint32
	Payload  []byte
}

func (am AckedMessage) String() string {
	return fmt.Sprintf("ACKED(%d,%d bytes)", am.Sequence, len(am.Payload))
}

func (am AckedMessage) Marshal(w io.Writer) error {
	var fields = []interface{}{am.Sequence, uint32(len(am.Payload))}

	for _, field := range fields {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}

	_, err := w.Write(am.Payload)
	return err
}

func (am *AckedMessage) Unmarshal(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &am.Sequence); err != nil {
		return err
	}

	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}

	// The length prefix is untrusted; sizing a buffer from it would let a
	// forged message claim gigabytes. Copy what is actually there instead
	// and fail if it falls short of the claim.
	var payload bytes.Buffer
	if _, err := io.CopyN(&payload, r, int64(length)); err == io.EOF {
		return io.ErrUnexpectedEOF
	} else if err != nil {
		return err
	}

	am.Payload = payload.Bytes()
	return nil
}
