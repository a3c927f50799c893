package quicore

import (
	"crypto/rand"
	"io"
	"sync"
	"time"
)

// AddressValidator generates and validates server retry tokens, the same
// seam the teacher's server.go exposes. No concrete implementation ships
// with this core (spec §9 lists the retry path as an acceptable drop); a
// Dispatcher with no AddressValidator simply never issues Retry.
type AddressValidator interface {
	Generate(addr, odcid []byte) []byte
	Validate(addr, token []byte) []byte
}

// minInitialDatagramSize is RFC 9000's floor for a datagram carrying a
// client Initial packet.
const minInitialDatagramSize = 1200

// Dispatcher is a single listening socket's CID-routing table: it owns the
// accept-before-construct admission flow, version negotiation, and the
// per-connection receive fan-out. Grounded on orig/Dispatcher.cpp/.hpp
// (associate/disassociate/remove, process_packet) and the teacher's
// Server.recv (server.go) for the known-DCID / unknown-DCID / version-
// mismatch branch structure.
type Dispatcher struct {
	socket *Socket
	config *Configuration
	handler Handler
	addrValid AddressValidator

	mu    sync.RWMutex
	byCID map[string]*Connection

	closing bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher bound to socket.
func NewDispatcher(socket *Socket, config *Configuration, handler Handler) *Dispatcher {
	if handler == nil {
		handler = noopHandler{}
	}
	return &Dispatcher{
		socket:  socket,
		config:  config,
		handler: handler,
		byCID:   make(map[string]*Connection),
		closeCh: make(chan struct{}),
	}
}

// SetAddressValidator installs a retry-token validator. Unset by default.
func (d *Dispatcher) SetAddressValidator(v AddressValidator) { d.addrValid = v }

// LocalAddress returns the bound address of the listening socket.
func (d *Dispatcher) LocalAddress() Address { return d.socket.LocalAddress() }

// ConnectionCount returns the number of distinct Connections currently
// routed (counting each connection once regardless of how many CIDs it has
// registered), per spec §8's "dispatcher's server count" test property.
func (d *Dispatcher) ConnectionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[*Connection]struct{}, len(d.byCID))
	for _, c := range d.byCID {
		seen[c] = struct{}{}
	}
	return len(seen)
}

// Serve reads datagrams from the socket until it errors or Close is called.
func (d *Dispatcher) Serve() error {
	if d.socket == nil {
		return ErrSocketNotListening
	}
	buf := make([]byte, 1536)
	for {
		select {
		case <-d.closeCh:
			return nil
		default:
		}
		n, from, local, ecn, err := d.socket.ReceivePacketInfo(buf, time.Now().Add(time.Second))
		if err != nil {
			if isSocketTimeout(err) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		d.route(buf[:n], from, local, ecn)
	}
}

func isSocketTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}

// route implements the known-DCID / unknown-DCID / version-mismatch
// branches of spec §4.6, mirroring the teacher's Server.recv.
func (d *Dispatcher) route(datagram []byte, from, local Address, ecn ECN) {
	vcid, status, err := d.config.Factory.DecodeVersionCID(datagram, d.config.CIDLength)
	if err != nil {
		d.config.Logger.Log(LevelDebug, "transport:packet_dropped", zs("trigger", "header_decode_error"), ze("error", err))
		return
	}

	d.mu.RLock()
	conn, ok := d.byCID[string(vcid.DCID)]
	d.mu.RUnlock()
	if ok {
		conn.Deliver(datagram, from, ecn)
		return
	}

	if status == StatusVersionNegotiation {
		d.negotiate(vcid.DCID, vcid.SCID, from)
		return
	}

	if len(datagram) < minInitialDatagramSize {
		d.config.Logger.Log(LevelDebug, "transport:packet_dropped", zs("trigger", "undersized_initial"))
		return
	}

	header, acceptStatus, err := d.config.Factory.Accept(datagram)
	if err != nil || acceptStatus == StatusDrop || header == nil {
		d.config.Logger.Log(LevelDebug, "transport:packet_dropped", zs("trigger", "rejected_initial"))
		return
	}

	// TODO: wire AddressValidator.Generate into an actual Retry packet once
	// a concrete engine's retry-token framing is available; for now Retry
	// behaves like Drop.
	if acceptStatus == StatusRetry {
		d.config.Logger.Log(LevelDebug, "transport:packet_dropped", zs("trigger", "retry_not_implemented"))
		return
	}

	d.accept(header, from, local, ecn, datagram)
}

func (d *Dispatcher) negotiate(dcid, scid []byte, from Address) {
	datagram, err := d.config.Factory.NegotiateVersion(dcid, scid)
	if err != nil {
		d.config.Logger.Log(LevelError, "transport:version_negotiation_failed", ze("error", err))
		return
	}
	if _, err := d.socket.SendPacket(datagram, from, ECNUnspecified, time.Now().Add(time.Second)); err != nil {
		d.config.Logger.Log(LevelError, "transport:send_failed", ze("error", err))
	}
}

// accept constructs the Connection and its engine handle before the
// dispatcher ever routes a second datagram to it (accept-before-construct,
// spec §4.6) so a racing duplicate Initial finds an already-registered CID
// rather than triggering a second construction.
func (d *Dispatcher) accept(header *Header, from, local Address, ecn ECN, datagram []byte) {
	scid := make([]byte, d.config.CIDLength)
	if _, err := io.ReadFull(rand.Reader, scid); err != nil {
		d.config.Logger.Log(LevelError, "transport:connection_id_generation_failed", ze("error", err))
		return
	}

	path := Path{Local: local, Remote: from, Socket: d.socket}
	conn := newConnection(nil, path, d.config, d.handler)
	conn.onNewCID = func(cid []byte) { d.register(cid, conn) }

	var version uint32
	if versions := d.config.Factory.SupportedVersions(); len(versions) > 0 {
		version = versions[0]
	}
	engine, err := d.config.Factory.NewServer(header.DCID, scid, nil, path, version, d.config.Params, conn)
	if err != nil {
		d.config.Logger.Log(LevelError, "transport:connection_create_failed", ze("error", err))
		return
	}
	conn.engine = engine

	d.mu.Lock()
	if _, conflict := d.byCID[string(scid)]; conflict {
		d.mu.Unlock()
		d.config.Logger.Log(LevelError, "transport:connection_id_conflict", zx("scid", scid))
		engine.Close()
		return
	}
	// Register the client's initial DCID, the locally chosen SCID, and every
	// source CID the engine handle reports, in one batch.
	d.byCID[string(header.DCID)] = conn
	d.byCID[string(scid)] = conn
	for _, cid := range engine.SourceCIDs() {
		d.byCID[string(cid)] = conn
	}
	d.mu.Unlock()

	d.config.Logger.Log(LevelInfo, "connectivity:connection_started", zx("scid", scid), zx("dcid", header.DCID), zs("addr", from.String()))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		conn.Run()
		d.unregister(conn)
	}()

	conn.Deliver(datagram, from, ecn)
}

// register routes one additional CID to conn, for source CIDs the engine
// requests after the connection is established (GetNewConnectionID).
func (d *Dispatcher) register(cid []byte, conn *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return
	}
	d.byCID[string(cid)] = conn
}

func (d *Dispatcher) unregister(conn *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for cid, c := range d.byCID {
		if c == conn {
			delete(d.byCID, cid)
		}
	}
}

// Close signals Serve to stop and every routed Connection to shut down,
// waiting up to timeout for their goroutines to exit.
func (d *Dispatcher) Close(timeout time.Duration) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.closing = true
	close(d.closeCh)
	var conns []*Connection
	for _, c := range d.byCID {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
		}
	} else {
		<-done
	}
	d.socket.Close()
}
