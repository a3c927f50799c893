package quicore

// OutputBuffer is the send-side byte buffer for a stream: an ordered,
// append-only sequence of chunks with ack-based retirement. It is the Go
// translation of orig/BufferedStream.hpp's OutputBuffer class.
//
// Invariant (spec §3): acknowledged <= written <= total appended. Chunks
// fully below `acknowledged` are discarded; the chunk straddling
// `acknowledged` retains only its unacked suffix.
type OutputBuffer struct {
	chunks       [][]byte
	acknowledged uint64 // bytes the peer has confirmed receipt of
	written      uint64 // bytes handed to the engine, relative to acknowledged
	total        uint64 // total bytes ever appended

	closed    bool
	errorCode uint64
	hasError  bool
}

// Append enqueues data at the tail of the buffer. Fails with ErrBufferClosed
// once the buffer has been closed.
func (b *OutputBuffer) Append(data []byte) error {
	if b.closed {
		return ErrBufferClosed
	}
	if len(data) == 0 {
		return nil
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	b.chunks = append(b.chunks, chunk)
	b.total += uint64(len(chunk))
	return nil
}

// Acknowledge advances `acknowledged` by n, discarding whole chunks that now
// lie entirely below the acknowledged offset and trimming the partial head
// chunk down to its unacked suffix. Idempotent for n=0. Panics with *InvariantError on
// over-acknowledgement, per spec §4.2 ("must never over-acknowledge").
func (b *OutputBuffer) Acknowledge(n uint64) {
	if n == 0 {
		return
	}
	if b.acknowledged+n > b.total {
		panic(newInvariant("acknowledge(%d): acknowledged=%d would exceed total=%d", n, b.acknowledged, b.total))
	}
	if b.acknowledged+n > b.acknowledged+b.written {
		panic(newInvariant("acknowledge(%d): would acknowledge unwritten bytes (written=%d)", n, b.written))
	}
	target := b.acknowledged + n
	consumed := b.acknowledged
	i := 0
	for ; i < len(b.chunks); i++ {
		end := consumed + uint64(len(b.chunks[i]))
		if end > target {
			break
		}
		consumed = end
	}
	if i > 0 {
		b.chunks = append(b.chunks[:0], b.chunks[i:]...)
	}
	if consumed < target && len(b.chunks) > 0 {
		// b.chunks[0] straddles the new acknowledged offset; keep only its
		// unacked suffix so the chunk slice's physical start always tracks
		// b.acknowledged exactly (the invariant this type's doc comment
		// already promises).
		b.chunks[0] = b.chunks[0][target-consumed:]
	}
	// written is tracked relative to acknowledged, so every Acknowledge call
	// shifts the reference point forward by the full n, not just by the
	// number of bytes dropped in whole chunks (a partial, mid-chunk ack
	// leaves bytes behind that are still unacknowledged but already
	// written).
	if b.written > n {
		b.written -= n
	} else {
		b.written = 0
	}
	b.acknowledged = target
}

// PendingChunks returns zero-copy views of the bytes from the current
// `written` offset through the append tail, splitting the chunk that
// straddles the offset. The concatenation of the returned views equals
// bytes [written, total) (spec testable property 2).
func (b *OutputBuffer) PendingChunks() [][]byte {
	var result [][]byte
	var start uint64
	for _, chunk := range b.chunks {
		end := start + uint64(len(chunk))
		if end <= b.written {
			start = end
			continue
		}
		if start < b.written {
			delta := b.written - start
			result = append(result, chunk[delta:])
		} else {
			result = append(result, chunk)
		}
		start = end
	}
	return result
}

// Increment advances `written` by n after a successful engine write.
// written must never exceed total-acknowledged (the amount still buffered);
// violating that is an internal bug, not a usage error.
func (b *OutputBuffer) Increment(n uint64) {
	if b.acknowledged+b.written+n > b.total {
		panic(newInvariant("increment(%d): written would exceed appended total", n))
	}
	b.written += n
}

// Close marks the buffer closed; optionally records an error code (for a
// reset) that the next engine write should report alongside FIN.
func (b *OutputBuffer) Close(errorCode ...uint64) {
	b.closed = true
	if len(errorCode) > 0 {
		b.errorCode = errorCode[0]
		b.hasError = true
	}
}

// StopSending closes the buffer and drops every pending chunk, per spec's
// `stop_sending()` contract.
func (b *OutputBuffer) StopSending() {
	b.Close()
	b.chunks = nil
	b.written = 0
}

// Closed reports whether Close has been called.
func (b *OutputBuffer) Closed() bool { return b.closed }

// ErrorCode returns the error code recorded by Close, if any.
func (b *OutputBuffer) ErrorCode() (uint64, bool) { return b.errorCode, b.hasError }

// Acknowledged returns the current acknowledged offset.
func (b *OutputBuffer) Acknowledged() uint64 { return b.acknowledged }

// Written returns the current written offset, relative to Acknowledged.
func (b *OutputBuffer) Written() uint64 { return b.written }

// Total returns the total number of bytes ever appended.
func (b *OutputBuffer) Total() uint64 { return b.total }

// InputBuffer is the receive-side byte buffer for a stream: a contiguous,
// already-reassembled byte string (the engine reorders; the core receives
// in order). Grounded on orig/BufferedStream.hpp's InputBuffer.
type InputBuffer struct {
	data      []byte
	closed    bool
	errorCode uint64
	hasError  bool
}

// Append appends newly-received, in-order bytes.
func (b *InputBuffer) Append(data []byte) {
	b.data = append(b.data, data...)
}

// Consume drops the head n bytes. Fails with ErrConsumeOverflow if n exceeds
// the amount currently buffered.
func (b *InputBuffer) Consume(n uint64) error {
	if n > uint64(len(b.data)) {
		return ErrConsumeOverflow
	}
	b.data = b.data[n:]
	return nil
}

// Data returns a view of the remaining buffered bytes.
func (b *InputBuffer) Data() []byte { return b.data }

// Close marks the buffer closed (FIN or reset), optionally with an error code.
func (b *InputBuffer) Close(errorCode ...uint64) {
	b.closed = true
	if len(errorCode) > 0 {
		b.errorCode = errorCode[0]
		b.hasError = true
	}
}

// Closed reports whether Close has been called.
func (b *InputBuffer) Closed() bool { return b.closed }

// ErrorCode returns the error code recorded by Close, if any.
func (b *InputBuffer) ErrorCode() (uint64, bool) { return b.errorCode, b.hasError }
