package enginetest

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/driftquic/quicore"
	"github.com/driftquic/quicore/internal/quiccrypto"
)

// wireVersion is the only "version" this test engine negotiates to.
const wireVersion = 1

type role int

const (
	roleClient role = iota
	roleServer
)

// streamBase returns the RFC 9000 stream-id base (bidi/uni x client/server)
// this engine allocates locally-initiated stream ids from.
func streamBase(r role, bidi bool) int64 {
	switch {
	case bidi && r == roleClient:
		return 0
	case bidi && r == roleServer:
		return 1
	case !bidi && r == roleClient:
		return 2
	default:
		return 3
	}
}

type pendingAck struct {
	offset uint64
	length uint64
}

// Engine is a reference, in-process Engine: no crypto, no recovery, no
// congestion control, just enough per-connection bookkeeping to exercise a
// quicore.Connection the way a real ngtcp2/quic-go-backed engine would.
// Every exported field/method here exists only to satisfy quicore.Engine;
// none of it should be mistaken for a real QUIC wire implementation.
type Engine struct {
	mu sync.Mutex

	role      role
	version   uint32
	localCID  []byte
	peerCID   []byte
	clientCID []byte // ClientInitialDCID, fixed at construction

	callbacks quicore.Callbacks

	nextBidi, nextUni int64
	knownStreams      map[int64]struct{}
	sendOffsets       map[int64]uint64
	pendingAcks       map[int64]pendingAck
	userData          map[int64]interface{}

	closing, draining, closed bool
	closeSent                 bool
}

func newEngine(dcid, scid []byte, clientCID []byte, version uint32, params quicore.Parameters, callbacks quicore.Callbacks, r role) *Engine {
	e := &Engine{
		role:         r,
		version:      version,
		localCID:     append([]byte(nil), scid...),
		peerCID:      append([]byte(nil), dcid...),
		clientCID:    append([]byte(nil), clientCID...),
		callbacks:    callbacks,
		knownStreams: make(map[int64]struct{}),
		sendOffsets:  make(map[int64]uint64),
		pendingAcks:  make(map[int64]pendingAck),
		userData:     make(map[int64]interface{}),
	}
	// This fake engine never actually negotiates TLS; it reports the
	// handshake as complete and grants initial stream credit immediately so
	// tests can drive streams without a handshake-completion wait.
	callbacks.HandshakeCompleted()
	callbacks.ExtendMaxLocalStreams(true, params.InitialMaxStreamsBidi)
	callbacks.ExtendMaxLocalStreams(false, params.InitialMaxStreamsUni)
	return e
}

func (e *Engine) ReadPacket(path quicore.Path, ecn quicore.ECN, datagram []byte, now time.Time) (quicore.Status, error) {
	_, n, err := decodeHeader(datagram)
	if err != nil {
		return quicore.StatusOK, err
	}
	payload := datagram[n:]
	if len(payload) == 0 {
		return quicore.StatusOK, nil
	}
	switch payload[0] {
	case frameStream:
		frame, err := decodeStreamFrame(payload)
		if err != nil {
			return quicore.StatusOK, err
		}
		e.mu.Lock()
		_, known := e.knownStreams[frame.streamID]
		if !known {
			e.knownStreams[frame.streamID] = struct{}{}
		}
		e.mu.Unlock()
		if !known {
			e.callbacks.StreamOpened(frame.streamID)
		}
		e.callbacks.ReceiveStreamData(frame.streamID, frame.offset, frame.data, frame.fin)
		return quicore.StatusOK, nil
	case frameClose:
		e.mu.Lock()
		e.draining = true
		e.mu.Unlock()
		return quicore.StatusDraining, nil
	default:
		return quicore.StatusOK, nil
	}
}

func (e *Engine) WriteStream(path quicore.Path, streamID int64, flags quicore.StreamWriteFlags, vecs [][]byte, now time.Time) ([]byte, int, quicore.Status, error) {
	if streamID < 0 {
		e.flushPendingAcks()
		return nil, 0, quicore.StatusOK, nil
	}

	var data []byte
	for _, v := range vecs {
		data = append(data, v...)
	}
	fin := flags&quicore.StreamWriteFin != 0
	if len(data) == 0 && !fin {
		return nil, 0, quicore.StatusOK, nil
	}

	e.mu.Lock()
	offset := e.sendOffsets[streamID]
	e.sendOffsets[streamID] = offset + uint64(len(data))
	e.pendingAcks[streamID] = pendingAck{offset: offset, length: uint64(len(data))}
	header := encodeHeader(datagramHeader{version: e.version, dcid: e.peerCID, scid: e.localCID})
	e.mu.Unlock()

	payload := encodeStreamFrame(streamFrame{streamID: streamID, offset: offset, fin: fin, data: data})
	datagram := append(header, payload...)
	return datagram, len(data), quicore.StatusOK, nil
}

func (e *Engine) flushPendingAcks() {
	e.mu.Lock()
	acks := e.pendingAcks
	e.pendingAcks = make(map[int64]pendingAck)
	e.mu.Unlock()
	for id, ack := range acks {
		e.callbacks.AckedStreamDataOffset(id, ack.offset, ack.length)
	}
}

func (e *Engine) WriteConnectionClose(path quicore.Path, now time.Time) ([]byte, error) {
	e.mu.Lock()
	if e.closeSent {
		e.mu.Unlock()
		return nil, nil
	}
	e.closeSent = true
	header := encodeHeader(datagramHeader{version: e.version, dcid: e.peerCID, scid: e.localCID})
	e.mu.Unlock()
	return append(header, encodeCloseFrame(0)...), nil
}

func (e *Engine) HandleExpiry(now time.Time) error {
	e.flushPendingAcks()
	return nil
}

// Expiry fires frequently so pending acks for a stream's final write are
// delivered even without a subsequent WriteStream/ReadPacket call.
func (e *Engine) Expiry() (time.Time, bool) {
	return time.Now().Add(5 * time.Millisecond), true
}

func (e *Engine) PTO() time.Duration { return 25 * time.Millisecond }

func (e *Engine) OpenStream(bidi bool) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	base := streamBase(e.role, bidi)
	var n int64
	if bidi {
		n = e.nextBidi
		e.nextBidi++
	} else {
		n = e.nextUni
		e.nextUni++
	}
	return base + 4*n, nil
}

func (e *Engine) SetStreamUserData(streamID int64, data interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userData[streamID] = data
}

func (e *Engine) IsClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

func (e *Engine) IsDraining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

func (e *Engine) ClientInitialDCID() []byte { return e.clientCID }

func (e *Engine) SourceCIDs() [][]byte { return [][]byte{e.localCID} }

func (e *Engine) ShutdownStream(streamID int64, direction quicore.StreamDirection, errorCode uint64) error {
	return nil
}

func (e *Engine) GenerateStatelessResetToken(staticSecret [32]byte, cid []byte) ([16]byte, error) {
	return quiccrypto.DeriveStatelessResetToken(staticSecret, cid)
}

func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.closing = true
	e.mu.Unlock()
}

// Factory is the quicore.EngineFactory backed by Engine.
type Factory struct{}

// NewFactory constructs a Factory.
func NewFactory() *Factory { return &Factory{} }

func (f *Factory) NewClient(dcid, scid []byte, path quicore.Path, version uint32, params quicore.Parameters, callbacks quicore.Callbacks) (quicore.Engine, error) {
	return newEngine(dcid, scid, dcid, version, params, callbacks, roleClient), nil
}

func (f *Factory) NewServer(dcid, scid, odcid []byte, path quicore.Path, version uint32, params quicore.Parameters, callbacks quicore.Callbacks) (quicore.Engine, error) {
	return newEngine(dcid, scid, dcid, version, params, callbacks, roleServer), nil
}

func (f *Factory) DecodeVersionCID(datagram []byte, defaultSCIDLength int) (quicore.VersionCID, quicore.Status, error) {
	h, _, err := decodeHeader(datagram)
	if err != nil {
		return quicore.VersionCID{}, quicore.StatusDrop, err
	}
	vcid := quicore.VersionCID{Version: h.version, DCID: h.dcid, SCID: h.scid}
	if h.version != wireVersion {
		return vcid, quicore.StatusVersionNegotiation, nil
	}
	return vcid, quicore.StatusOK, nil
}

func (f *Factory) Accept(datagram []byte) (*quicore.Header, quicore.Status, error) {
	h, _, err := decodeHeader(datagram)
	if err != nil {
		return nil, quicore.StatusDrop, err
	}
	if h.version != wireVersion {
		return nil, quicore.StatusVersionNegotiation, nil
	}
	return &quicore.Header{DCID: h.dcid, SCID: h.scid}, quicore.StatusOK, nil
}

func (f *Factory) SupportedVersions() []uint32 { return []uint32{wireVersion} }

func (f *Factory) NegotiateVersion(dcid, scid []byte) ([]byte, error) {
	datagram := encodeHeader(datagramHeader{version: 0, dcid: scid, scid: dcid})
	for _, v := range f.SupportedVersions() {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		datagram = append(datagram, b[:]...)
	}
	return datagram, nil
}
