package quicore

import (
	"context"
	"crypto/rand"
	"io"
	mathrand "math/rand"
	"sync"
	"time"
)

// State is the Connection lifecycle, moving strictly forward: Active ->
// Closing -> Draining -> Closed. Grounded on orig/Connection.hpp's
// is_in_closing_period/is_in_draining_period/is_closed predicates, resolved
// to an explicit enum per spec §4.2 rather than three independent booleans.
type State int

const (
	StateActive State = iota
	StateClosing
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// advance moves the state machine forward only; a request to move backward
// or sideways is silently ignored, matching spec §4.2's "monotonic, no
// backward transitions" invariant.
func (s *State) advance(next State) {
	if next > *s {
		*s = next
	}
}

// Handler receives connection lifecycle and stream events, the application
// seam grounded on the teacher's Handler/Conn.Serve contract (quic.go),
// generalized from a single flat event slice to typed callbacks since this
// core drives one goroutine per Connection rather than batching events for
// an external event loop.
type Handler interface {
	HandshakeCompleted(c *Connection)
	StreamOpened(c *Connection, s Stream)
	StreamReadable(c *Connection, s Stream)
	StreamClosed(c *Connection, streamID int64, errorCode uint64)
	Closed(c *Connection, err error)
}

// noopHandler discards every event; the default when newConnection is given
// a nil Handler.
type noopHandler struct{}

func (noopHandler) HandshakeCompleted(*Connection)                  {}
func (noopHandler) StreamOpened(*Connection, Stream)                {}
func (noopHandler) StreamReadable(*Connection, Stream)              {}
func (noopHandler) StreamClosed(*Connection, int64, uint64)         {}
func (noopHandler) Closed(*Connection, error)                       {}

type inboundPacket struct {
	data []byte
	from Address
	ecn  ECN
}

// Connection is the abstract per-connection driver: it owns the engine
// handle, the stream table, and the receive/timer/close select loop, and
// implements Callbacks so the engine can call directly back into it.
// Grounded on orig/Connection.hpp/.cpp for the driver's responsibilities and
// on the teacher's localConn.handleConn (quic.go) for the Go goroutine/
// select shape: one goroutine per connection is the idiomatic substitute for
// spec §5's cooperative fiber (a goroutine parked in `select` past a timer
// deadline IS the suspension point the reactor model describes).
type Connection struct {
	mu sync.Mutex

	engine  Engine
	config  *Configuration
	logger  Logger
	handler Handler

	// Path components are stored separately; the Path triple itself is a
	// transient value rebuilt at each engine call (spec §3: Path is
	// "constructed at each send/receive; never stored inside Connection").
	socket *Socket
	local  Address
	remote Address

	streams         map[int64]*BufferedStream
	maxLocalStreams map[bool]uint64 // stream credit granted by the engine, keyed by bidi
	openedLocal     map[bool]uint64 // locally-opened stream count, keyed by bidi

	state         State
	lastError     error
	drainDeadline time.Time // armed once state reaches StateDraining; see armDrainingLocked

	recvCh        chan inboundPacket
	closeCh       chan struct{}
	handshakeCh   chan struct{}
	handshakeDone bool

	// onNewCID, when set by the owning Dispatcher, registers each freshly
	// generated source CID for routing (spec §3: every CID a connection has
	// is registered with the dispatcher).
	onNewCID func(cid []byte)

	// secureRandom is the secure source used for CID generation;
	// newConnection sets it to crypto/rand.Reader. Stateless reset tokens
	// come from the engine's GenerateStatelessResetToken, not from here.
	secureRandom io.Reader
}

func newConnection(engine Engine, path Path, config *Configuration, handler Handler) *Connection {
	if handler == nil {
		handler = noopHandler{}
	}
	logger := config.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Connection{
		engine: engine,
		socket: path.Socket,
		local:  path.Local,
		remote: path.Remote,
		config: config,
		logger: logger,
		handler: handler,
		streams: make(map[int64]*BufferedStream),
		maxLocalStreams: map[bool]uint64{
			true:  config.Params.InitialMaxStreamsBidi,
			false: config.Params.InitialMaxStreamsUni,
		},
		openedLocal:  map[bool]uint64{},
		recvCh:       make(chan inboundPacket, 8),
		closeCh:      make(chan struct{}),
		handshakeCh:  make(chan struct{}),
		secureRandom: rand.Reader,
	}
}

// currentPath rebuilds the transient Path triple for one engine call.
func (c *Connection) currentPath() Path {
	return Path{Local: c.local, Remote: c.remote, Socket: c.socket}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that triggered Closing, if any.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Deliver enqueues a received datagram for the connection's run loop. It
// never blocks the caller for long: the receive channel is buffered, and a
// full channel means the connection is falling behind, so the datagram is
// dropped rather than stalling the dispatcher (spec §4.6's
// packet_dropped("reason=connection busy")).
func (c *Connection) Deliver(data []byte, from Address, ecn ECN) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.recvCh <- inboundPacket{data: cp, from: from, ecn: ecn}:
	default:
		c.logger.Log(LevelDebug, "transport:packet_dropped", zs("reason", "connection busy"))
	}
}

// Run drives the connection until it reaches StateClosed. It is meant to be
// called on its own goroutine by Client/Server/Dispatcher. Per spec §4.2,
// Draining is a terminal waiting room: once entered (either because the peer
// closed or because this side's own CONNECTION_CLOSE went out), the only
// event that still matters is the 3xPTO drain deadline elapsing.
func (c *Connection) Run() {
	defer c.teardown()
	closeSignal := c.closeCh
	for {
		c.mu.Lock()
		done := c.state == StateClosed
		c.mu.Unlock()
		if done {
			return
		}

		timeout := c.nextTimeout()
		timer := time.NewTimer(timeout)
		select {
		case p := <-c.recvCh:
			timer.Stop()
			c.handleReceive(p)
		case <-timer.C:
			c.handleTimerFired()
		case <-closeSignal:
			timer.Stop()
			// Disable this case on every future iteration: a closed channel
			// is always select-ready, and re-selecting it forever would spin
			// the loop instead of waiting out the drain deadline.
			closeSignal = nil
			c.mu.Lock()
			c.state.advance(StateClosing)
			c.mu.Unlock()
		}
		c.flush()
	}
}

func (c *Connection) nextTimeout() time.Duration {
	c.mu.Lock()
	state := c.state
	deadline := c.drainDeadline
	c.mu.Unlock()
	if state == StateDraining {
		if deadline.IsZero() {
			return 0
		}
		d := time.Until(deadline)
		if d < 0 {
			return 0
		}
		return d
	}
	exp, ok := c.engine.Expiry()
	if !ok {
		return c.config.Params.MaxIdleTimeout
	}
	d := time.Until(exp)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Connection) handleReceive(p inboundPacket) {
	c.mu.Lock()
	draining := c.state >= StateDraining
	c.mu.Unlock()
	if draining {
		// spec §4.2: "In Draining: ... receives discarded".
		return
	}
	status, err := c.engine.ReadPacket(c.currentPath(), p.ecn, p.data, time.Now())
	if err != nil {
		c.fail(err)
		return
	}
	c.applyStatus(status)
}

// handleTimerFired runs when nextTimeout's deadline elapses: the engine's
// own expiry while Active/Closing, or the 3xPTO drain deadline while
// Draining (spec §4.2's "Draining --3×PTO elapsed--> Closed").
func (c *Connection) handleTimerFired() {
	c.mu.Lock()
	draining := c.state == StateDraining
	c.mu.Unlock()
	if draining {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return
	}
	c.handleExpiry()
}

func (c *Connection) handleExpiry() {
	if err := c.engine.HandleExpiry(time.Now()); err != nil {
		c.fail(err)
		return
	}
	if c.engine.IsDraining() {
		c.applyStatus(StatusDraining)
	} else if c.engine.IsClosing() {
		c.applyStatus(StatusClosing)
	}
}

// applyStatus folds an engine-reported Status into the state machine.
// Entering Draining for the first time arms the 3xPTO drain deadline
// (spec §4.4's close_duration()) that handleTimerFired waits out.
func (c *Connection) applyStatus(status Status) {
	c.mu.Lock()
	switch status {
	case StatusClosing:
		c.state.advance(StateClosing)
	case StatusDraining:
		if c.state < StateDraining {
			c.armDrainingLocked()
		}
		c.state.advance(StateDraining)
	}
	c.mu.Unlock()
}

// armDrainingLocked records the absolute deadline 3xPTO from now, matching
// CloseDuration(). Caller must hold c.mu.
func (c *Connection) armDrainingLocked() {
	c.drainDeadline = time.Now().Add(c.closeDurationLocked())
}

func (c *Connection) closeDurationLocked() time.Duration {
	if c.engine == nil {
		return 0
	}
	return 3 * c.engine.PTO()
}

// CloseDuration returns 3x the engine's current probe-timeout estimate, the
// bound spec §4.4 places on how long a connection may sit in Draining
// before being reaped.
func (c *Connection) CloseDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeDurationLocked()
}

// IsClosing reports whether the connection has begun its close sequence
// (Closing or past it), mirroring the engine's is_in_closing_period.
func (c *Connection) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StateClosing
}

// IsDraining reports whether the connection is discarding inbound
// datagrams and waiting out its drain deadline.
func (c *Connection) IsDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StateDraining
}

// flush drains every pending send: connection-level control data first,
// then each stream with outstanding bytes, mirroring orig/Connection's
// send-everything-then-wait pass. Per spec §4.2, Draining permits no new
// sends at all, so a connection past Closing short-circuits here.
func (c *Connection) flush() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state >= StateDraining {
		return
	}

	now := time.Now()
	for {
		datagram, _, status, err := c.engine.WriteStream(c.currentPath(), -1, 0, nil, now)
		if err != nil {
			c.fail(err)
			return
		}
		c.applyStatus(status)
		if datagram == nil {
			break
		}
		c.send(datagram)
	}

	c.mu.Lock()
	streamIDs := make([]int64, 0, len(c.streams))
	for id := range c.streams {
		streamIDs = append(streamIDs, id)
	}
	c.mu.Unlock()

	for _, id := range streamIDs {
		c.flushStream(id)
	}

	c.mu.Lock()
	state = c.state
	c.mu.Unlock()
	if state == StateClosing {
		// spec §4.4 close(): "produce one CONNECTION_CLOSE datagram via
		// engine, send it, close socket; transitions Active→Closing", and
		// §4.2's "Closing --close pkt sent--> Draining": once attempted,
		// this side has nothing left to do but wait out the drain deadline.
		datagram, err := c.engine.WriteConnectionClose(c.currentPath(), now)
		if err != nil {
			c.fail(err)
			return
		}
		if datagram != nil {
			c.send(datagram)
		}
		c.mu.Lock()
		c.armDrainingLocked()
		c.state.advance(StateDraining)
		c.mu.Unlock()
	}
}

// flushStream drives one stream's send loop: offer the pending chunks (and
// FIN/reset once the output is closed) to the engine until it stops making
// progress, hits the stream's flow-control limit, or reports the send side
// shut down (spec §4.3's send_data contract).
func (c *Connection) flushStream(id int64) {
	c.mu.Lock()
	st, ok := c.streams[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now()
	for {
		chunks := st.PendingChunks()
		finPending := st.FinPending()
		if len(chunks) == 0 && !finPending {
			return
		}
		var flags StreamWriteFlags
		if finPending {
			flags |= StreamWriteFin
			if _, reset := st.out.ErrorCode(); reset {
				flags |= StreamWriteReset
			}
		}
		datagram, consumed, status, err := c.engine.WriteStream(c.currentPath(), id, flags, chunks, now)
		if err != nil {
			c.fail(err)
			return
		}
		if consumed > 0 {
			st.Increment(uint64(consumed))
		}
		if datagram != nil {
			c.send(datagram)
		}
		switch status {
		case StatusStreamDataBlocked:
			// Flow control exhausted; the flush pass that follows the engine
			// call delivering the ExtendMaxStreamData grant resumes sending.
			// Not an error (spec §4.3).
			return
		case StatusStreamShutWr:
			st.markWriteShut()
			return
		case StatusClosing, StatusDraining:
			c.applyStatus(status)
			return
		}
		if finPending && len(st.PendingChunks()) == 0 {
			st.markFinSent()
			return
		}
		if consumed == 0 && datagram == nil {
			return
		}
	}
}

func (c *Connection) send(datagram []byte) {
	if c.socket == nil {
		return
	}
	if _, err := c.socket.SendPacket(datagram, c.remote, ECNUnspecified, time.Now().Add(time.Second)); err != nil {
		c.logger.Log(LevelError, "transport:send_failed", ze("error", err))
	}
}

// fail records err as the terminal cause and advances to Closing; the next
// flush pass will attempt to emit CONNECTION_CLOSE.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.lastError == nil {
		c.lastError = err
	}
	c.state.advance(StateClosing)
	c.mu.Unlock()
	c.logger.Log(LevelError, "transport:connection_error", ze("error", err))
}

// Close requests a graceful shutdown: the application closes every stream's
// send side and the driver lets CONNECTION_CLOSE go out through the normal
// flush pass, then moves to StateDraining once sent.
func (c *Connection) Close() {
	c.mu.Lock()
	c.state.advance(StateClosing)
	c.mu.Unlock()
	c.requestShutdown()
}

// Disconnect abandons the connection immediately without attempting a
// graceful CONNECTION_CLOSE handshake, for caller-forced teardown.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.requestShutdown()
}

func (c *Connection) requestShutdown() {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
}

func (c *Connection) teardown() {
	c.mu.Lock()
	c.state = StateClosed
	err := c.lastError
	c.mu.Unlock()
	c.engine.Close()
	c.handler.Closed(c, err)
}

// OpenBidirectionalStream allocates a new bidirectional stream, failing with
// ErrNoMoreStreams if the engine has no remaining stream credit.
func (c *Connection) OpenBidirectionalStream() (Stream, error) {
	return c.openStream(true)
}

// OpenUnidirectionalStream allocates a new unidirectional stream.
func (c *Connection) OpenUnidirectionalStream() (Stream, error) {
	return c.openStream(false)
}

func (c *Connection) openStream(bidi bool) (Stream, error) {
	c.mu.Lock()
	if c.openedLocal[bidi] >= c.maxLocalStreams[bidi] {
		c.mu.Unlock()
		return nil, ErrNoMoreStreams
	}
	c.openedLocal[bidi]++
	c.mu.Unlock()

	id, err := c.engine.OpenStream(bidi)
	if err != nil {
		return nil, ErrNoMoreStreams
	}
	max := c.config.Params.InitialMaxStreamDataBidiLocal
	if !bidi {
		max = c.config.Params.InitialMaxStreamDataUni
	}
	st := NewBufferedStream(id, bidi, max)
	st.bind(c)
	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()
	c.engine.SetStreamUserData(id, st)
	return st, nil
}

// WaitHandshake blocks until the engine reports handshake completion, Close
// or Disconnect is called, or ctx is done. A failure the driver records on
// its own (without Close or Disconnect) does not end the wait.
func (c *Connection) WaitHandshake(ctx context.Context) error {
	select {
	case <-c.handshakeCh:
		return nil
	case <-c.closeCh:
		if err := c.LastError(); err != nil {
			return err
		}
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stream looks up an existing stream by id.
func (c *Connection) Stream(id int64) (Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	return st, ok
}

// --- Callbacks implementation ---
//
// Every method below is invoked synchronously by the engine while servicing
// ReadPacket/WriteStream/HandleExpiry, on the same goroutine running Run's
// select loop (spec §5: "no suspension occurs inside engine callbacks").
// HandshakeCompleted through AckedStreamDataOffset each wrap their body in
// safeCallback so an application fault (a panicking Handler, most likely) is
// turned into the CALLBACK_FAILURE equivalent instead of unwinding across
// the engine boundary (spec §4.4, §9). GetNewConnectionID and Random are not
// wrapped: they report failure only through their error result, and a panic
// inside them is not recovered here.

func (c *Connection) HandshakeCompleted() {
	safeCallback(c, func() {
		c.mu.Lock()
		if !c.handshakeDone {
			c.handshakeDone = true
			close(c.handshakeCh)
		}
		c.mu.Unlock()
		c.handler.HandshakeCompleted(c)
	})
}

func (c *Connection) ExtendMaxLocalStreams(bidi bool, max uint64) {
	safeCallback(c, func() {
		c.mu.Lock()
		if max > c.maxLocalStreams[bidi] {
			c.maxLocalStreams[bidi] = max
		}
		c.mu.Unlock()
	})
}

func (c *Connection) StreamOpened(streamID int64) {
	safeCallback(c, func() {
		bidi := streamID&0x2 == 0
		maxData := c.config.Params.InitialMaxStreamDataBidiRemote
		if !bidi {
			maxData = c.config.Params.InitialMaxStreamDataUni
		}
		st := NewBufferedStream(streamID, bidi, maxData)
		st.bind(c)
		c.mu.Lock()
		c.streams[streamID] = st
		c.mu.Unlock()
		c.engine.SetStreamUserData(streamID, st)
		c.handler.StreamOpened(c, st)
	})
}

func (c *Connection) StreamClosed(streamID int64, flags uint32, errorCode uint64) {
	safeCallback(c, func() {
		c.mu.Lock()
		delete(c.streams, streamID)
		c.mu.Unlock()
		c.handler.StreamClosed(c, streamID, errorCode)
	})
}

func (c *Connection) StreamReset(streamID int64, finalSize uint64, errorCode uint64) {
	safeCallback(c, func() {
		if st, ok := c.Stream(streamID); ok {
			st.StopSending(errorCode)
			c.handler.StreamClosed(c, streamID, errorCode)
		}
	})
}

func (c *Connection) StreamStopSending(streamID int64, errorCode uint64) {
	safeCallback(c, func() {
		if st, ok := c.Stream(streamID); ok {
			st.(*BufferedStream).Reset(errorCode)
		}
	})
}

func (c *Connection) ExtendMaxStreamData(streamID int64, newMax uint64) {
	safeCallback(c, func() {
		if st, ok := c.Stream(streamID); ok {
			st.ExtendMaximumData(newMax)
		}
	})
}

func (c *Connection) ReceiveStreamData(streamID int64, offset uint64, data []byte, fin bool) {
	safeCallback(c, func() {
		st, ok := c.Stream(streamID)
		if !ok {
			return
		}
		st.ReceiveData(offset, data, fin)
		c.handler.StreamReadable(c, st)
	})
}

func (c *Connection) AckedStreamDataOffset(streamID int64, offset uint64, length uint64) {
	safeCallback(c, func() {
		st, ok := c.Stream(streamID)
		if !ok {
			return
		}
		bs := st.(*BufferedStream)
		target := offset + length
		current := bs.out.Acknowledged()
		if target > current {
			bs.Acknowledge(target - current)
		}
	})
}

// GetNewConnectionID generates a fresh, secure-random local source CID of
// the requested length, then defers to the engine's own
// GenerateStatelessResetToken so a real engine can substitute its own
// derivation in place of this core's crypto helper, per spec §4.4.1.
func (c *Connection) GetNewConnectionID(length int) ([]byte, [16]byte, error) {
	if length <= 0 || length > MaxCIDLength {
		return nil, [16]byte{}, &CIDGenerationFailed{Err: newInvariant("cid length %d out of range (max %d)", length, MaxCIDLength)}
	}
	cid := make([]byte, length)
	if _, err := io.ReadFull(c.secureRandom, cid); err != nil {
		return nil, [16]byte{}, &CIDGenerationFailed{Err: err}
	}
	token, err := c.engine.GenerateStatelessResetToken(c.config.StaticSecret, cid)
	if err != nil {
		return nil, [16]byte{}, &CIDGenerationFailed{Err: err}
	}
	if c.onNewCID != nil {
		c.onNewCID(cid)
	}
	return cid, token, nil
}

// Random fills b from a non-secure, fast random source, matching spec
// §4.4.1's distinction between CID generation (always the secure RNG) and
// per-packet randomness (PADDING sizing, ECN testing — math/rand-grade).
func (c *Connection) Random(b []byte) error {
	_, err := mathrand.Read(b)
	return err
}

// safeCallback runs fn, recovering a panic into *InvariantError recorded as
// the connection's last error and moving the connection to Closing — this
// core's CALLBACK_FAILURE equivalent (spec §4.4, §9): an application fault
// aborts the owning connection, never the process and never the engine.
func safeCallback(c *Connection, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.fail(newInvariant("callback failure: %v", r))
		}
	}()
	fn()
}
