// Package tcp is the stream transport: a server accepting connections whose
// bytes are cut into discrete messages by the stream packetizer, and a
// client writing framed messages towards such a server.
package tcp

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orbitfall/starnet/stream"
)

// Handler consumes one complete message received on a stream connection.
type Handler func(msg []byte, remote *net.TCPAddr)

// Server accepts stream connections and forwards every framed message to
// its Handler.
type Server struct {
	listenAddress string
	handler       Handler

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewServer creates a Server for the given listen address.
func NewServer(listenAddress string, handler Handler) *Server {
	return &Server{
		listenAddress: listenAddress,
		handler:       handler,
		stopSyn:       make(chan struct{}),
		stopAck:       make(chan struct{}),
	}
}

// Start begins accepting connections.
func (serv *Server) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", serv.listenAddress)
	if err != nil {
		return err
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}

	go func(ln *net.TCPListener) {
		for {
			select {
			case <-serv.stopSyn:
				ln.Close()
				close(serv.stopAck)

				return

			default:
				ln.SetDeadline(time.Now().Add(50 * time.Millisecond))
				if conn, err := ln.Accept(); err == nil {
					go serv.handleConnection(conn)
				}
			}
		}
	}(ln)

	return nil
}

func (serv *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	log.WithFields(log.Fields{
		"server": serv.listenAddress,
		"conn":   conn.RemoteAddr(),
	}).Debug("Stream connection was established")

	remote, _ := conn.RemoteAddr().(*net.TCPAddr)
	packetizer := stream.NewPacketizer(conn)

	for {
		msgs, err := packetizer.Receive()
		if err == stream.ErrDisconnected {
			log.WithFields(log.Fields{
				"server": serv.listenAddress,
				"conn":   conn.RemoteAddr(),
			}).Debug("Stream connection was closed")
			return
		} else if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"server": serv.listenAddress,
				"conn":   conn.RemoteAddr(),
			}).Warn("Stream connection failed, closing")
			return
		}

		for _, msg := range msgs {
			serv.handler(msg, remote)
		}
	}
}

// Close shuts this Server down.
func (serv *Server) Close() {
	close(serv.stopSyn)
	<-serv.stopAck
}

func (serv *Server) String() string {
	return "tcp://" + serv.listenAddress
}
