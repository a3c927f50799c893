package quicore

import (
	"context"
	"testing"
	"time"
)

// stubEngine is a minimal Engine double for exercising Connection's state
// machine directly, without a real socket or the enginetest wire format.
type stubEngine struct {
	pto         time.Duration
	closed      bool
	closeCalls  int
	writeCloseN int
}

func (e *stubEngine) ReadPacket(Path, ECN, []byte, time.Time) (Status, error) { return StatusOK, nil }
func (e *stubEngine) WriteStream(Path, int64, StreamWriteFlags, [][]byte, time.Time) ([]byte, int, Status, error) {
	return nil, 0, StatusOK, nil
}
func (e *stubEngine) WriteConnectionClose(Path, time.Time) ([]byte, error) {
	e.writeCloseN++
	return []byte{0x01}, nil
}
func (e *stubEngine) HandleExpiry(time.Time) error       { return nil }
func (e *stubEngine) Expiry() (time.Time, bool)          { return time.Time{}, false }
func (e *stubEngine) PTO() time.Duration                 { return e.pto }
func (e *stubEngine) OpenStream(bool) (int64, error)     { return 0, nil }
func (e *stubEngine) SetStreamUserData(int64, interface{}) {}
func (e *stubEngine) IsClosing() bool                    { return false }
func (e *stubEngine) IsDraining() bool                   { return false }
func (e *stubEngine) ClientInitialDCID() []byte          { return nil }
func (e *stubEngine) SourceCIDs() [][]byte               { return nil }
func (e *stubEngine) ShutdownStream(int64, StreamDirection, uint64) error { return nil }
func (e *stubEngine) GenerateStatelessResetToken([32]byte, []byte) ([16]byte, error) {
	return [16]byte{}, nil
}
func (e *stubEngine) Close() {
	e.closed = true
	e.closeCalls++
}

func newTestConnection(t *testing.T, engine Engine) *Connection {
	t.Helper()
	cfg, err := NewConfiguration(nil)
	if err != nil {
		t.Fatalf("new configuration: %v", err)
	}
	c := newConnection(engine, Path{}, cfg, nil)
	return c
}

func TestConnectionCloseDurationIsThreeTimesPTO(t *testing.T) {
	engine := &stubEngine{pto: 20 * time.Millisecond}
	c := newTestConnection(t, engine)
	if got, want := c.CloseDuration(), 60*time.Millisecond; got != want {
		t.Fatalf("CloseDuration() = %v, want %v", got, want)
	}
}

func TestConnectionStateNeverMovesBackward(t *testing.T) {
	engine := &stubEngine{pto: time.Millisecond}
	c := newTestConnection(t, engine)

	c.applyStatus(StatusDraining)
	if c.State() != StateDraining {
		t.Fatalf("state = %v, want draining", c.State())
	}
	// A stale StatusClosing arriving after Draining must not move state back.
	c.applyStatus(StatusClosing)
	if c.State() != StateDraining {
		t.Fatalf("state regressed to %v after a stale closing status", c.State())
	}
}

func TestConnectionIdempotentDisconnect(t *testing.T) {
	engine := &stubEngine{pto: time.Millisecond}
	c := newTestConnection(t, engine)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	c.Disconnect()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}

	// A second Disconnect on an already-closed connection must be safe and
	// leave the same observable outcome (spec §8 property 7).
	c.Disconnect()
	if c.State() != StateClosed {
		t.Fatalf("state after second disconnect = %v, want closed", c.State())
	}
	if engine.closeCalls != 1 {
		t.Fatalf("expect engine.Close called exactly once, got %d", engine.closeCalls)
	}
}

func TestConnectionIsClosingIsDrainingReflectState(t *testing.T) {
	engine := &stubEngine{pto: time.Millisecond}
	c := newTestConnection(t, engine)

	if c.IsClosing() || c.IsDraining() {
		t.Fatal("expect neither closing nor draining while Active")
	}
	c.applyStatus(StatusClosing)
	if !c.IsClosing() || c.IsDraining() {
		t.Fatalf("expect closing-only after StatusClosing, got closing=%v draining=%v", c.IsClosing(), c.IsDraining())
	}
	c.applyStatus(StatusDraining)
	if !c.IsClosing() || !c.IsDraining() {
		t.Fatalf("expect both true once draining (closing is a prefix state), got closing=%v draining=%v", c.IsClosing(), c.IsDraining())
	}
}

// fcEngine models a peer-imposed stream flow-control window: WriteStream
// consumes offered bytes only up to limit, then reports
// StatusStreamDataBlocked until the limit is raised.
type fcEngine struct {
	stubEngine
	limit    uint64
	consumed uint64
}

func (e *fcEngine) WriteStream(_ Path, streamID int64, flags StreamWriteFlags, vecs [][]byte, _ time.Time) ([]byte, int, Status, error) {
	if streamID < 0 {
		return nil, 0, StatusOK, nil
	}
	var offered uint64
	for _, v := range vecs {
		offered += uint64(len(v))
	}
	if offered == 0 && flags&StreamWriteFin == 0 {
		return nil, 0, StatusOK, nil
	}
	room := uint64(0)
	if e.limit > e.consumed {
		room = e.limit - e.consumed
	}
	if room == 0 && offered > 0 {
		return nil, 0, StatusStreamDataBlocked, nil
	}
	take := offered
	blocked := false
	if take > room {
		take = room
		blocked = true
	}
	e.consumed += take
	status := StatusOK
	if blocked {
		status = StatusStreamDataBlocked
	}
	return []byte{0x1}, int(take), status, nil
}

// TestStreamFlowControlBlockAndRelease covers the block-then-extend sequence:
// a 256 KiB write against a 128 KiB window transmits exactly 128 KiB without
// error, then the peer's extend-max-stream-data grant releases the rest.
func TestStreamFlowControlBlockAndRelease(t *testing.T) {
	engine := &fcEngine{limit: 128 << 10}
	engine.pto = time.Millisecond
	c := newTestConnection(t, engine)

	st, err := c.OpenBidirectionalStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	payload := make([]byte, 256<<10)
	if err := st.SendData(payload); err != nil {
		t.Fatalf("send data: %v", err)
	}

	c.flushStream(st.ID())
	if engine.consumed != 128<<10 {
		t.Fatalf("consumed = %d after block, want %d", engine.consumed, 128<<10)
	}
	if c.State() != StateActive {
		t.Fatalf("state = %v after flow-control block, want active", c.State())
	}

	engine.limit = 256 << 10
	c.ExtendMaxStreamData(st.ID(), 256<<10)
	c.flushStream(st.ID())
	if engine.consumed != 256<<10 {
		t.Fatalf("consumed = %d after extend, want %d", engine.consumed, 256<<10)
	}
}

// finCountEngine counts how many stream writes carried the FIN flag.
type finCountEngine struct {
	stubEngine
	finWrites int
}

func (e *finCountEngine) WriteStream(_ Path, streamID int64, flags StreamWriteFlags, vecs [][]byte, _ time.Time) ([]byte, int, Status, error) {
	if streamID < 0 {
		return nil, 0, StatusOK, nil
	}
	var n int
	for _, v := range vecs {
		n += len(v)
	}
	if n == 0 && flags&StreamWriteFin == 0 {
		return nil, 0, StatusOK, nil
	}
	if flags&StreamWriteFin != 0 {
		e.finWrites++
	}
	return []byte{0x1}, n, StatusOK, nil
}

func TestFinTransmittedExactlyOnce(t *testing.T) {
	engine := &finCountEngine{}
	engine.pto = time.Millisecond
	c := newTestConnection(t, engine)

	st, err := c.OpenBidirectionalStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := st.SendData([]byte("tail")); err != nil {
		t.Fatalf("send data: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	c.flushStream(st.ID())
	c.flushStream(st.ID())
	c.flushStream(st.ID())
	if engine.finWrites != 1 {
		t.Fatalf("fin writes = %d, want exactly 1", engine.finWrites)
	}
}

// expiryEngine reports a finite expiry and enters its draining period once
// HandleExpiry runs, modeling an idle timeout.
type expiryEngine struct {
	stubEngine
	expired bool
}

func (e *expiryEngine) Expiry() (time.Time, bool) {
	return time.Now().Add(5 * time.Millisecond), true
}

func (e *expiryEngine) HandleExpiry(time.Time) error {
	e.expired = true
	return nil
}

func (e *expiryEngine) IsDraining() bool { return e.expired }

func TestIdleExpiryDrainsAndCloses(t *testing.T) {
	engine := &expiryEngine{}
	engine.pto = 5 * time.Millisecond
	c := newTestConnection(t, engine)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not drain and close after idle expiry")
	}
	if !engine.expired {
		t.Fatal("expect HandleExpiry to have run")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
}

// TestPeerResetClosesInputWithErrorCode drives the engine's stream-reset
// callback and checks the stream's receive side is closed with the peer's
// error code.
func TestPeerResetClosesInputWithErrorCode(t *testing.T) {
	engine := &stubEngine{pto: time.Millisecond}
	c := newTestConnection(t, engine)

	st, err := c.OpenBidirectionalStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	c.StreamReset(st.ID(), 0, 7)

	bs := st.(*BufferedStream)
	if !bs.ReadClosed() {
		t.Fatal("expect read side closed after peer reset")
	}
	code, ok := bs.in.ErrorCode()
	if !ok || code != 7 {
		t.Fatalf("input error code = (%d, %v), want (7, true)", code, ok)
	}
}

func TestOpenStreamRespectsStreamCredit(t *testing.T) {
	engine := &stubEngine{pto: time.Millisecond}
	c := newTestConnection(t, engine)

	// Default parameters grant 3 bidirectional streams.
	for i := 0; i < 3; i++ {
		if _, err := c.OpenBidirectionalStream(); err != nil {
			t.Fatalf("open stream %d: %v", i, err)
		}
	}
	if _, err := c.OpenBidirectionalStream(); err != ErrNoMoreStreams {
		t.Fatalf("expect ErrNoMoreStreams past the credit limit, got %v", err)
	}

	// An engine grant raises the limit.
	c.ExtendMaxLocalStreams(true, 4)
	if _, err := c.OpenBidirectionalStream(); err != nil {
		t.Fatalf("open stream after grant: %v", err)
	}
}

func TestWaitHandshake(t *testing.T) {
	c := newTestConnection(t, &stubEngine{pto: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitHandshake(ctx); err == nil {
		t.Fatal("expect timeout before handshake completion")
	}

	c.HandshakeCompleted()
	if err := c.WaitHandshake(context.Background()); err != nil {
		t.Fatalf("wait handshake after completion: %v", err)
	}
}

func TestGetNewConnectionIDUniqueAndBounded(t *testing.T) {
	c := newTestConnection(t, &stubEngine{pto: time.Millisecond})

	seen := make(map[string]struct{})
	for i := 0; i < 256; i++ {
		cid, _, err := c.GetNewConnectionID(DefaultCIDLength)
		if err != nil {
			t.Fatalf("generate cid: %v", err)
		}
		if len(cid) != DefaultCIDLength {
			t.Fatalf("cid length = %d, want %d", len(cid), DefaultCIDLength)
		}
		if _, dup := seen[string(cid)]; dup {
			t.Fatalf("duplicate cid %x", cid)
		}
		seen[string(cid)] = struct{}{}
	}

	if _, _, err := c.GetNewConnectionID(MaxCIDLength + 1); err == nil {
		t.Fatal("expect error for an oversized cid length")
	}
}

// TestConnectionGracefulCloseReachesClosedAfterDrainDeadline drives the full
// Active->Closing->Draining->Closed sequence through Close() (rather than
// the immediate Disconnect()) and checks the connection eventually reaches
// Closed once the drain deadline elapses, and that at least one
// CONNECTION_CLOSE datagram was produced along the way.
func TestConnectionGracefulCloseReachesClosedAfterDrainDeadline(t *testing.T) {
	engine := &stubEngine{pto: 5 * time.Millisecond}
	c := newTestConnection(t, engine)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	c.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not reach Closed after graceful Close")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
	if engine.writeCloseN == 0 {
		t.Fatal("expect at least one WriteConnectionClose call")
	}
}
