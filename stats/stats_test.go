package stats

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orbitfall/starnet/proto"
	"github.com/orbitfall/starnet/traffic"
)

// nullTransport satisfies proto.Transport without any real socket.
type nullTransport struct{}

func (nullTransport) WriteTo(pkt []byte, _ *net.UDPAddr) (int, error)    { return len(pkt), nil }
func (nullTransport) Poll(_ func(pkt []byte, remote *net.UDPAddr)) error { return nil }
func (nullTransport) Close() error                                       { return nil }

func testServer(t *testing.T) (*Server, *proto.Engine) {
	conf := proto.Config{
		Header: []byte{0x53, 0x4e, 0x01},
		Key:    bytes.Repeat([]byte{0x23}, 32),
		Nonce:  bytes.Repeat([]byte{0x42}, 12),
	}

	engine, err := proto.New(conf, nullTransport{}, func(_ *net.UDPAddr, _ []byte) proto.Handling {
		return proto.Handled
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	return NewServer(engine), engine
}

func TestServerTraffic(t *testing.T) {
	s, engine := testServer(t)

	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 7000}
	if err := engine.Send([]byte("hello"), remote, proto.PriorityNone); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/traffic", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}

	var report struct {
		Incoming []struct {
			Any uint64 `json:"any"`
		} `json:"incoming"`
		Outgoing []struct {
			Data uint64 `json:"data"`
			Any  uint64 `json:"any"`
		} `json:"outgoing"`
	}
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}

	if len(report.Incoming) != traffic.Buckets || len(report.Outgoing) != traffic.Buckets {
		t.Fatalf("expected %d buckets, got %d/%d",
			traffic.Buckets, len(report.Incoming), len(report.Outgoing))
	}

	if report.Outgoing[0].Data == 0 || report.Outgoing[0].Any != report.Outgoing[0].Data {
		t.Fatalf("head bucket misses the sent bytes: %+v", report.Outgoing[0])
	}
}

func TestServerPing(t *testing.T) {
	s, _ := testServer(t)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping/10.0.0.9:7000", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}

	var response struct {
		PingMs float64 `json:"ping_ms"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatal(err)
	}
	if response.PingMs != 0 {
		t.Fatalf("unknown remote has a ping of %f ms", response.PingMs)
	}
}

func TestServerPingBadAddress(t *testing.T) {
	s, _ := testServer(t)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping/not-an-address", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", w.Code)
	}
}

func TestServerConnections(t *testing.T) {
	s, engine := testServer(t)

	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 7000}
	if err := engine.Send([]byte("hello"), remote, proto.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/connections", nil))

	var reports []struct {
		Remote string `json:"remote"`
	}
	if err := json.NewDecoder(w.Body).Decode(&reports); err != nil {
		t.Fatal(err)
	}

	if len(reports) != 1 || reports[0].Remote != remote.String() {
		t.Fatalf("unexpected connections report: %v", reports)
	}
}
