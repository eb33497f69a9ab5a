// Package stats exposes a protocol engine's traffic accounting and ping
// values over HTTP: plain JSON endpoints for polling and a WebSocket feed
// pushing one traffic snapshot per second.
package stats

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/orbitfall/starnet/proto"
	"github.com/orbitfall/starnet/traffic"
)

// Server routes statistics requests for one Engine. It implements
// http.Handler and can be mounted wherever the host likes.
type Server struct {
	router   *mux.Router
	engine   *proto.Engine
	upgrader websocket.Upgrader
}

// NewServer creates a statistics Server for the given Engine.
func NewServer(engine *proto.Engine) (s *Server) {
	s = &Server{
		router: mux.NewRouter(),
		engine: engine,
	}

	s.router.HandleFunc("/traffic", s.handleTraffic).Methods(http.MethodGet)
	s.router.HandleFunc("/traffic/live", s.handleTrafficLive).Methods(http.MethodGet)
	s.router.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	s.router.HandleFunc("/ping/{remote}", s.handlePing).Methods(http.MethodGet)

	return s
}

// ServeHTTP delegates to the internal router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// bucketReport is one histogram second in JSON form.
type bucketReport struct {
	Protocol uint64 `json:"protocol"`
	Data     uint64 `json:"data"`
	Invalid  uint64 `json:"invalid"`
	Any      uint64 `json:"any"`
}

// trafficReport is the full per-second traffic ring in JSON form, index 0
// being the current second.
type trafficReport struct {
	Incoming []bucketReport `json:"incoming"`
	Outgoing []bucketReport `json:"outgoing"`
}

func makeBucketReports(buckets [traffic.Buckets]traffic.Bucket) []bucketReport {
	reports := make([]bucketReport, len(buckets))
	for i, bucket := range buckets {
		reports[i] = bucketReport{
			Protocol: bucket.Bytes(traffic.Protocol),
			Data:     bucket.Bytes(traffic.Data),
			Invalid:  bucket.Bytes(traffic.Invalid),
			Any:      bucket.Bytes(traffic.Any),
		}
	}
	return reports
}

func (s *Server) makeTrafficReport() trafficReport {
	info := s.engine.Information()

	return trafficReport{
		Incoming: makeBucketReports(info.Incoming()),
		Outgoing: makeBucketReports(info.Outgoing()),
	}
}

func (s *Server) handleTraffic(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(s.makeTrafficReport()); err != nil {
		log.WithError(err).Warn("Failed to write traffic report")
	}
}

func (s *Server) handleTrafficLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade traffic feed connection")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(s.makeTrafficReport()); err != nil {
			log.WithError(err).Debug("Traffic feed connection went away")
			return
		}
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	type connectionReport struct {
		Remote string  `json:"remote"`
		PingMs float64 `json:"ping_ms"`
	}

	reports := make([]connectionReport, 0)
	for _, remote := range s.engine.Connections() {
		reports = append(reports, connectionReport{
			Remote: remote.String(),
			PingMs: float64(s.engine.GetPing(remote)) / float64(time.Millisecond),
		})
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(reports); err != nil {
		log.WithError(err).Warn("Failed to write connections report")
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	remote, err := net.ResolveUDPAddr("udp", mux.Vars(r)["remote"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response := struct {
		Remote string  `json:"remote"`
		PingMs float64 `json:"ping_ms"`
	}{
		Remote: remote.String(),
		PingMs: float64(s.engine.GetPing(remote)) / float64(time.Millisecond),
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.WithError(err).Warn("Failed to write ping response")
	}
}
