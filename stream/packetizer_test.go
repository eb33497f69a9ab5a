package stream

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"
)

func framed(msgs ...[]byte) []byte {
	var buf bytes.Buffer
	for _, msg := range msgs {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(msg)))
		buf.Write(msg)
	}
	return buf.Bytes()
}

func TestPacketizerWrite(t *testing.T) {
	var buf bytes.Buffer
	p := NewPacketizer(&buf)

	if err := p.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	expected := []byte{0x05, 0x00, 0x00, 0x00, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(buf.Bytes(), expected) {
		t.Fatalf("expected %v, got %v", expected, buf.Bytes())
	}
}

func TestPacketizerWriteEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := NewPacketizer(&buf)

	if err := p.Write(nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatalf("empty message reached the stream: %v", buf.Bytes())
	}
}

func TestPacketizerFragmentation(t *testing.T) {
	msgs := [][]byte{
		[]byte("hello"),
		[]byte("world"),
		bytes.Repeat([]byte{0x23}, 1500),
		[]byte("x"),
	}
	data := framed(msgs...)

	// Feed in every possible fixed chunk size, down to one byte at a time.
	for chunk := 1; chunk <= len(data); chunk++ {
		p := NewPacketizer(nil)

		var got [][]byte
		for off := 0; off < len(data); off += chunk {
			end := off + chunk
			if end > len(data) {
				end = len(data)
			}

			out, err := p.feed(data[off:end])
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, out...)
		}

		if len(got) != len(msgs) {
			t.Fatalf("chunk size %d: expected %d messages, got %d", chunk, len(msgs), len(got))
		}
		for i := range msgs {
			if !bytes.Equal(got[i], msgs[i]) {
				t.Fatalf("chunk size %d: message %d differs", chunk, i)
			}
		}
	}
}

func TestPacketizerRandomFragmentation(t *testing.T) {
	random := rand.New(rand.NewSource(42))

	msgs := make([][]byte, 32)
	for i := range msgs {
		msgs[i] = make([]byte, 1+random.Intn(2048))
		random.Read(msgs[i])
	}
	data := framed(msgs...)

	p := NewPacketizer(nil)

	var got [][]byte
	for off := 0; off < len(data); {
		end := off + 1 + random.Intn(512)
		if end > len(data) {
			end = len(data)
		}

		out, err := p.feed(data[off:end])
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, out...)

		off = end
	}

	if len(got) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(got))
	}
	for i := range msgs {
		if !bytes.Equal(got[i], msgs[i]) {
			t.Fatalf("message %d differs", i)
		}
	}
}

func TestPacketizerMultipleMessagesPerRead(t *testing.T) {
	data := framed([]byte("a"), []byte("bb"), []byte("ccc"))

	p := NewPacketizer(struct {
		io.Reader
		io.Writer
	}{bytes.NewReader(data), io.Discard})

	msgs, err := p.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages from one read, got %d", len(msgs))
	}
}

func TestPacketizerNegativeLength(t *testing.T) {
	p := NewPacketizer(nil)

	if _, err := p.feed([]byte{0xff, 0xff, 0xff, 0xff}); err == nil {
		t.Fatal("negative length prefix was accepted")
	}
}

// deadStream simulates a readable stream whose peer vanished.
type deadStream struct{}

func (deadStream) Read(_ []byte) (int, error)  { return 0, nil }
func (deadStream) Write(b []byte) (int, error) { return len(b), nil }

func TestPacketizerDisconnect(t *testing.T) {
	if _, err := NewPacketizer(deadStream{}).Receive(); err != ErrDisconnected {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}

	eofStream := struct {
		io.Reader
		io.Writer
	}{bytes.NewReader(nil), io.Discard}

	if _, err := NewPacketizer(eofStream).Receive(); err != ErrDisconnected {
		t.Fatalf("expected ErrDisconnected on EOF, got %v", err)
	}
}
