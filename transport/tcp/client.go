package tcp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/orbitfall/starnet/stream"
)

// Client writes framed messages to a stream server. Sends are serialized;
// one message finishes before the next starts.
type Client struct {
	address string

	mutex      sync.Mutex
	conn       net.Conn
	packetizer *stream.Packetizer
}

// Dial connects to a stream server.
func Dial(address string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, time.Second)
	if err != nil {
		return nil, err
	}

	return &Client{
		address:    address,
		conn:       conn,
		packetizer: stream.NewPacketizer(conn),
	}, nil
}

// Send writes one framed message to the server.
func (client *Client) Send(msg []byte) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	return client.packetizer.Write(msg)
}

// Close terminates the connection.
func (client *Client) Close() error {
	return client.conn.Close()
}

func (client *Client) String() string {
	return fmt.Sprintf("tcp://%v", client.conn.RemoteAddr())
}
