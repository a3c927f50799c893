package quicore

// Stream is the application-facing surface of one QUIC stream: reading
// in-order received bytes, writing send-side bytes, and the half-close/
// abrupt-termination operations. Grounded on orig/Stream.hpp's abstract
// Stream interface, generalized per spec §4.3's resolution that this core
// ships exactly one concrete implementation (BufferedStream) rather than
// the original's unbuffered/buffered split.
type Stream interface {
	ID() int64
	Bidirectional() bool

	// ReceiveData is invoked by the connection driver when the engine
	// delivers in-order bytes for this stream.
	ReceiveData(offset uint64, data []byte, fin bool) error
	// SendData appends application bytes to the stream's send buffer.
	SendData(data []byte) error
	// PendingChunks returns the send-side bytes not yet handed to the engine.
	PendingChunks() [][]byte
	// Acknowledge retires n send-side bytes the peer has confirmed receipt of.
	Acknowledge(n uint64) error
	// Increment records that n send-side bytes were just handed to the engine.
	Increment(n uint64)
	// ExtendMaximumData raises the stream's receive-side flow-control offset.
	ExtendMaximumData(max uint64)

	// Close half-closes (or fully closes, for a unidirectional stream) the
	// send side after all buffered data is flushed.
	Close() error
	// Reset abruptly terminates the send side with errorCode (RESET_STREAM).
	Reset(errorCode uint64) error
	// StopSending abruptly terminates the receive side with errorCode.
	StopSending(errorCode uint64) error

	// ReadClosed / WriteClosed report whether each half has reached its
	// terminal state (FIN or reset received, or locally closed); unconsumed
	// received bytes may still be buffered when ReadClosed reports true.
	ReadClosed() bool
	WriteClosed() bool
}

// BufferedStream is the sole concrete Stream: an OutputBuffer for the send
// side, an InputBuffer for the receive side, flow-control bookkeeping, and
// FIN tracking. Grounded on orig/BufferedStream.hpp/.cpp, which composes
// exactly these two buffer types behind the same operation set.
type BufferedStream struct {
	id   int64
	bidi bool

	// conn is a non-owning back-reference to the owning Connection, set when
	// the stream enters the connection's table; a stream never outlives its
	// connection, so the pointer is valid for the stream's whole life.
	conn *Connection

	out OutputBuffer
	in  InputBuffer

	maxStreamData uint64 // receive-side flow-control limit
	receivedFin   bool
	readClosed    bool
	writeClosed   bool
	finSent       bool
}

// NewBufferedStream constructs a stream with the given id, directionality,
// and initial receive-side flow-control limit (from Parameters).
func NewBufferedStream(id int64, bidi bool, initialMaxStreamData uint64) *BufferedStream {
	return &BufferedStream{id: id, bidi: bidi, maxStreamData: initialMaxStreamData}
}

func (s *BufferedStream) ID() int64          { return s.id }
func (s *BufferedStream) Bidirectional() bool { return s.bidi }

// ReceiveData appends offset-ordered bytes delivered by the engine (which
// has already reassembled out-of-order STREAM frames) to the input buffer.
// fin marks the final delivery for this stream; offset is accepted as given
// since the engine is the sole source of ordering truth (spec §4.3).
func (s *BufferedStream) ReceiveData(offset uint64, data []byte, fin bool) error {
	if s.readClosed {
		return nil
	}
	s.in.Append(data)
	if fin {
		s.receivedFin = true
		s.in.Close()
		s.readClosed = true
	}
	return nil
}

// Data returns the currently buffered, unconsumed received bytes.
func (s *BufferedStream) Data() []byte { return s.in.Data() }

// Consume drops n bytes from the head of the receive buffer once the
// application has processed them.
func (s *BufferedStream) Consume(n uint64) error { return s.in.Consume(n) }

func (s *BufferedStream) SendData(data []byte) error {
	if s.writeClosed {
		return ErrConnectionClosed
	}
	return s.out.Append(data)
}

func (s *BufferedStream) PendingChunks() [][]byte { return s.out.PendingChunks() }

func (s *BufferedStream) Acknowledge(n uint64) error {
	s.out.Acknowledge(n)
	return nil
}

func (s *BufferedStream) Increment(n uint64) { s.out.Increment(n) }

func (s *BufferedStream) ExtendMaximumData(max uint64) {
	if max > s.maxStreamData {
		s.maxStreamData = max
	}
}

// MaxStreamData returns the current receive-side flow-control limit.
func (s *BufferedStream) MaxStreamData() uint64 { return s.maxStreamData }

func (s *BufferedStream) Close() error {
	s.out.Close()
	s.writeClosed = true
	return nil
}

func (s *BufferedStream) Reset(errorCode uint64) error {
	s.out.Close(errorCode)
	s.out.StopSending()
	s.writeClosed = true
	return nil
}

func (s *BufferedStream) StopSending(errorCode uint64) error {
	s.in.Close(errorCode)
	s.readClosed = true
	return nil
}

func (s *BufferedStream) ReadClosed() bool  { return s.readClosed }
func (s *BufferedStream) WriteClosed() bool { return s.writeClosed }

// bind attaches the stream to its owning connection when it enters the
// connection's stream table.
func (s *BufferedStream) bind(c *Connection) { s.conn = c }

// FinPending reports whether the send side is closed but its FIN (or reset)
// has not yet been handed to the engine.
func (s *BufferedStream) FinPending() bool { return s.writeClosed && !s.finSent }

func (s *BufferedStream) markFinSent() { s.finSent = true }

// markWriteShut records that the engine has shut the send direction down
// (STREAM_SHUT_WR): pending bytes are dropped and no FIN will be written.
func (s *BufferedStream) markWriteShut() {
	s.out.StopSending()
	s.writeClosed = true
	s.finSent = true
}

// ShutdownRead asks the engine to stop the peer's sending side
// (STOP_SENDING) with errorCode.
func (s *BufferedStream) ShutdownRead(errorCode uint64) error {
	if s.conn == nil {
		return ErrConnectionClosed
	}
	return s.conn.engine.ShutdownStream(s.id, StreamDirectionRead, errorCode)
}

// ShutdownWrite asks the engine to abruptly terminate this side's sending
// (RESET_STREAM) with errorCode.
func (s *BufferedStream) ShutdownWrite(errorCode uint64) error {
	if s.conn == nil {
		return ErrConnectionClosed
	}
	return s.conn.engine.ShutdownStream(s.id, StreamDirectionWrite, errorCode)
}

// ShutdownBoth shuts down both directions with errorCode.
func (s *BufferedStream) ShutdownBoth(errorCode uint64) error {
	if s.conn == nil {
		return ErrConnectionClosed
	}
	return s.conn.engine.ShutdownStream(s.id, StreamDirectionBoth, errorCode)
}
