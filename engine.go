package quicore

import "time"

// Status is the coded result the engine reports back to the driver for a
// receive or expiry pass. The core only inspects these sentinel values; any
// other engine error is wrapped as *EngineError and drives the close
// sequence (spec §4.7, §6).
type Status int

const (
	// StatusOK indicates normal progress; the driver keeps looping.
	StatusOK Status = iota
	// StatusDraining mirrors the engine's DRAINING sentinel: the peer has
	// closed, no more sends are permitted, incoming datagrams are discarded.
	StatusDraining
	// StatusClosing mirrors CLOSING: a CONNECTION_CLOSE has been sent/received
	// and the close-timer is running.
	StatusClosing
	// StatusRetry mirrors RETRY: the dispatcher should drop the connection
	// attempt immediately (stateless retry is not implemented, spec §9).
	StatusRetry
	// StatusDrop mirrors DROP_CONN: drop the connection attempt immediately.
	StatusDrop
	// StatusVersionNegotiation mirrors VERSION_NEGOTIATION: the dispatcher
	// should emit a version-negotiation datagram instead of routing further.
	StatusVersionNegotiation
	// StatusStreamDataBlocked mirrors STREAM_DATA_BLOCKED: the stream has hit
	// its flow-control limit; sending resumes once the peer extends it.
	StatusStreamDataBlocked
	// StatusStreamShutWr mirrors STREAM_SHUT_WR: the stream's send direction
	// is shut down; its output is closed and no FIN will follow.
	StatusStreamShutWr
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDraining:
		return "draining"
	case StatusClosing:
		return "closing"
	case StatusRetry:
		return "retry"
	case StatusDrop:
		return "drop"
	case StatusVersionNegotiation:
		return "version_negotiation"
	case StatusStreamDataBlocked:
		return "stream_data_blocked"
	case StatusStreamShutWr:
		return "stream_shut_wr"
	default:
		return "unknown"
	}
}

// StreamWriteFlags are passed to Engine.WriteStream alongside a stream id.
type StreamWriteFlags uint8

const (
	// StreamWriteFin asserts FIN on the stream's next engine write.
	StreamWriteFin StreamWriteFlags = 1 << iota
	// StreamWriteReset asks the engine to emit RESET_STREAM instead of STREAM.
	StreamWriteReset
)

// StreamDirection names a half of a stream for shutdown operations.
type StreamDirection uint8

const (
	StreamDirectionRead StreamDirection = iota
	StreamDirectionWrite
	StreamDirectionBoth
)

// Path is the transient (local address, remote address, socket) triple used
// for each engine send/receive call. Per spec §3 it is never stored inside
// Connection; it is reconstructed at each I/O call from the connection's
// current Socket and cached peer Address.
type Path struct {
	Local  Address
	Remote Address
	Socket *Socket
}

// VersionCID is the result of decoding a packet's version and connection
// ids without full header parsing, i.e. the Go shape of
// ngtcp2_pkt_decode_version_cid / spec §6's pkt_decode_version_cid.
type VersionCID struct {
	Version uint32
	DCID    []byte
	SCID    []byte
}

// Header is the minimal parsed form of a client's first Initial packet that
// the engine hands back from Accept, enough for the Dispatcher to build a
// Server connection (original_source's ngtcp2_pkt_hd, pared to what this
// core needs: spec §4.5's "original_dcid" and the packet's own scid).
type Header struct {
	DCID []byte
	SCID []byte
}

// EngineFactory creates per-connection Engine handles and services the
// dispatcher-level, connection-less operations: packet sniffing, version
// negotiation, and initial-packet acceptance. It is the Go expression of
// the free functions in spec §6 (pkt_decode_version_cid, accept) plus the
// client_new/server_new constructors.
type EngineFactory interface {
	// NewClient creates a client-role engine handle for a freshly chosen
	// (dcid, scid) pair over path, at the given version, wired to callbacks.
	NewClient(dcid, scid []byte, path Path, version uint32, params Parameters, callbacks Callbacks) (Engine, error)
	// NewServer creates a server-role engine handle from a parsed initial
	// packet header. odcid is the original destination CID to validate
	// transport parameters against (nil unless a Retry flow supplied one).
	NewServer(dcid, scid []byte, odcid []byte, path Path, version uint32, params Parameters, callbacks Callbacks) (Engine, error)
	// DecodeVersionCID extracts the version and connection ids from a
	// datagram without needing an established connection. It returns
	// StatusVersionNegotiation, with the version and connection ids still
	// filled in, when the engine does not support the datagram's version.
	DecodeVersionCID(datagram []byte, defaultSCIDLength int) (VersionCID, Status, error)
	// Accept validates a client's first Initial packet well enough to admit a
	// new connection, returning the header fields the Dispatcher needs to
	// construct a Server. Returns StatusDrop (with a nil Header) on rejection.
	Accept(datagram []byte) (*Header, Status, error)
	// SupportedVersions lists the versions this engine will negotiate to.
	SupportedVersions() []uint32
	// NegotiateVersion crafts a version-negotiation datagram for a client
	// that offered an unsupported version, per spec §4.6.
	NegotiateVersion(dcid, scid []byte) ([]byte, error)
}

// Engine is the per-connection handle the core drives. Every method here is
// a Go-idiomatic rendering of one of spec §6's C-ABI engine entry points; the
// core never inspects or copies engine-internal state beyond what these
// methods return.
type Engine interface {
	// ReadPacket feeds one received datagram to the engine (ngtcp2_conn_read_pkt).
	ReadPacket(path Path, ecn ECN, datagram []byte, now time.Time) (Status, error)
	// WriteStream asks the engine to produce the next outgoing datagram for
	// streamID (or -1 for connection-level control/ack data only), offering
	// vecs as the pending application bytes. It returns the produced
	// datagram (nil if there was nothing to send) and how many of the
	// offered bytes were consumed.
	WriteStream(path Path, streamID int64, flags StreamWriteFlags, vecs [][]byte, now time.Time) (datagram []byte, consumed int, status Status, err error)
	// WriteConnectionClose produces one CONNECTION_CLOSE datagram, or nil if
	// the engine is past the point of sending one.
	WriteConnectionClose(path Path, now time.Time) (datagram []byte, err error)
	// HandleExpiry runs the engine's timer-expiry handling.
	HandleExpiry(now time.Time) error
	// Expiry returns the engine's next absolute expiry timestamp, if any.
	Expiry() (time.Time, bool)
	// PTO returns the engine's current probe-timeout estimate.
	PTO() time.Duration
	// OpenStream asks the engine to allocate a new stream id.
	OpenStream(bidi bool) (int64, error)
	// SetStreamUserData attaches opaque user data the engine will echo back
	// on stream callbacks (the core uses this to recover the Stream directly).
	SetStreamUserData(streamID int64, data interface{})
	// IsClosing / IsDraining mirror ngtcp2_conn_is_in_closing/draining_period.
	IsClosing() bool
	IsDraining() bool
	// ClientInitialDCID returns the client's first destination CID, the
	// dispatcher's primary routing key for a server connection.
	ClientInitialDCID() []byte
	// SourceCIDs returns every source CID this engine handle has issued.
	SourceCIDs() [][]byte
	// ShutdownStream asks the engine to shut down one or both directions of
	// a stream at the application's request.
	ShutdownStream(streamID int64, direction StreamDirection, errorCode uint64) error
	// GenerateStatelessResetToken derives the token for a freshly generated
	// CID, deferring to the engine's crypto helper with the endpoint's
	// static secret (spec §4.4.1).
	GenerateStatelessResetToken(staticSecret [32]byte, cid []byte) ([16]byte, error)
	// Close deletes the engine handle; idempotent.
	Close()
}

// Callbacks is the set of synchronous engine-to-core callbacks spec §4.4
// enumerates. The engine invokes these directly, on the caller's goroutine,
// while servicing ReadPacket/WriteStream/HandleExpiry; none of them may
// suspend (spec §5 "No suspension occurs inside engine callbacks").
//
// Every Engine implementation must recover() around each of these calls and
// translate a propagated panic into its own CALLBACK_FAILURE-equivalent
// sentinel before it unwinds back across the engine boundary (spec §4.4,
// §9) — this core never lets an application fault escape into engine code.
type Callbacks interface {
	HandshakeCompleted()
	ExtendMaxLocalStreams(bidi bool, max uint64)
	StreamOpened(streamID int64)
	StreamClosed(streamID int64, flags uint32, errorCode uint64)
	StreamReset(streamID int64, finalSize uint64, errorCode uint64)
	StreamStopSending(streamID int64, errorCode uint64)
	ExtendMaxStreamData(streamID int64, newMax uint64)
	ReceiveStreamData(streamID int64, offset uint64, data []byte, fin bool)
	AckedStreamDataOffset(streamID int64, offset uint64, length uint64)
	// GetNewConnectionID asks the core to generate a new local source CID of
	// the given length (spec §4.4.1: secure RNG, not the per-packet random
	// callback below).
	GetNewConnectionID(length int) (cid []byte, resetToken [16]byte, err error)
	// Random fills b from the core's non-secure per-packet random source.
	Random(b []byte) error
}
