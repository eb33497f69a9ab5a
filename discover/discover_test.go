package discover

import (
	"testing"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	for _, port := range []uint16{0, 1, 35000, 65535} {
		payload := marshalAnnouncement(port)

		got, err := unmarshalAnnouncement(payload)
		if err != nil {
			t.Fatal(err)
		}
		if got != port {
			t.Fatalf("port changed from %d to %d", port, got)
		}
	}
}

func TestAnnouncementForeign(t *testing.T) {
	tests := [][]byte{
		nil,
		{},
		{0x53, 0x4e},
		{0x00, 0x00, 0x00, 0x00, 0x88, 0xb8},
		[]byte("something else entirely"),
		marshalAnnouncement(35000)[:5],
	}

	for _, payload := range tests {
		if _, err := unmarshalAnnouncement(payload); err == nil {
			t.Fatalf("foreign payload %v was accepted", payload)
		}
	}
}
