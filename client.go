package quicore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"
)

// Client is a client-role QUIC endpoint: one Socket dialed to a single
// remote, driving exactly one Connection. Grounded on the teacher's Client
// (client.go), generalized from the teacher's single-socket/many-peers
// server-style fan-out (clients rarely multiplex many distinct remotes
// per socket the way a server does) down to the one-remote-per-Client
// shape orig/Client.hpp models directly.
type Client struct {
	socket *Socket
	conn   *Connection
	done   chan struct{}
}

// Dial resolves addr, opens a connected UDP socket to it, and starts a new
// client-role Connection through config's EngineFactory. Grounded on
// orig/Client.cpp's constructor (fresh SCID via secure RNG, random initial
// DCID as RFC 9000 requires) and the teacher's Client.Connect/newConn.
func Dial(ctx context.Context, addr string, config *Configuration, handler Handler) (*Client, error) {
	host, service, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &ResolutionFailed{Host: addr, Err: err}
	}
	addrs, err := Resolve(ctx, host, service, FamilyUnspecified)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &ResolutionFailed{Host: addr, Err: fmt.Errorf("no addresses found")}
	}
	remote := addrs[0]

	socket, err := DialSocket(remote)
	if err != nil {
		return nil, err
	}

	scid := make([]byte, config.CIDLength)
	if _, err := io.ReadFull(rand.Reader, scid); err != nil {
		socket.Close()
		return nil, &CIDGenerationFailed{Err: err}
	}
	dcid := make([]byte, config.CIDLength)
	if _, err := io.ReadFull(rand.Reader, dcid); err != nil {
		socket.Close()
		return nil, &CIDGenerationFailed{Err: err}
	}

	path := Path{Local: socket.LocalAddress(), Remote: remote, Socket: socket}
	conn := newConnection(nil, path, config, handler)

	versions := config.Factory.SupportedVersions()
	var version uint32
	if len(versions) > 0 {
		version = versions[0]
	}
	engine, err := config.Factory.NewClient(dcid, scid, path, version, config.Params, conn)
	if err != nil {
		socket.Close()
		return nil, err
	}
	conn.engine = engine

	config.Logger.Log(LevelInfo, "connectivity:connection_started", zx("scid", scid), zs("addr", remote.String()))

	done := make(chan struct{})
	client := &Client{socket: socket, conn: conn, done: done}
	go func() {
		conn.Run()
		close(done)
	}()
	go client.receiveLoop()
	return client, nil
}

// Connection returns the single Connection this Client drives.
func (c *Client) Connection() *Connection { return c.conn }

// WaitHandshake blocks until the connection's handshake completes, Close or
// Disconnect is called on the connection, or ctx is done; a connection
// failure alone does not end the wait.
func (c *Client) WaitHandshake(ctx context.Context) error {
	return c.conn.WaitHandshake(ctx)
}

func (c *Client) receiveLoop() {
	buf := make([]byte, 1536)
	for {
		n, from, ecn, err := c.socket.ReceivePacket(buf, time.Time{})
		if err != nil {
			if c.conn.State() == StateClosed {
				return
			}
			continue
		}
		c.conn.Deliver(buf[:n], from, ecn)
	}
}

// Close requests a graceful connection shutdown and waits for the driver
// goroutine to finish sending its CONNECTION_CLOSE datagram before tearing
// down the socket, mirroring Dispatcher.Close's wait-with-timeout so the
// socket is never yanked out from under a still-flushing Run loop.
func (c *Client) Close() error {
	c.conn.Close()
	select {
	case <-c.done:
	case <-time.After(c.conn.CloseDuration() + time.Second):
	}
	return c.socket.Close()
}

