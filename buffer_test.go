package quicore

import (
	"bytes"
	"testing"
)

func TestOutputBufferAckRoundTrip(t *testing.T) {
	var b OutputBuffer
	data := []byte("hello world")
	if err := b.Append(data); err != nil {
		t.Fatalf("append: %v", err)
	}
	b.Increment(uint64(len(data)))
	b.Acknowledge(uint64(len(data)))

	if chunks := b.PendingChunks(); len(chunks) != 0 {
		t.Fatalf("expect empty pending chunks after full ack round trip, got %v", chunks)
	}
	if len(b.chunks) != 0 {
		t.Fatalf("expect chunk storage discarded, got %d chunks", len(b.chunks))
	}
	if b.Acknowledged() != uint64(len(data)) {
		t.Fatalf("acknowledged = %d, want %d", b.Acknowledged(), len(data))
	}
}

func TestOutputBufferPendingChunksCoverage(t *testing.T) {
	var b OutputBuffer
	b.Append([]byte("abc"))
	b.Append([]byte("defgh"))
	b.Append([]byte("ij"))

	b.Increment(4) // "abcd" written

	var got []byte
	for _, c := range b.PendingChunks() {
		got = append(got, c...)
	}
	want := []byte("efghij")
	if !bytes.Equal(got, want) {
		t.Fatalf("pending chunks = %q, want %q", got, want)
	}
}

func TestOutputBufferAcknowledgeDropsWholeChunksAndTrimsPartial(t *testing.T) {
	var b OutputBuffer
	b.Append([]byte("abc"))
	b.Append([]byte("defgh"))
	b.Increment(8)
	b.Acknowledge(5) // drop "abc", and the "de" prefix of "defgh" it also covers

	if len(b.chunks) != 1 || string(b.chunks[0]) != "fgh" {
		t.Fatalf("expect remaining chunk %q, got %v", "fgh", b.chunks)
	}
	if b.Acknowledged() != 5 {
		t.Fatalf("acknowledged = %d, want 5", b.Acknowledged())
	}
	if chunks := b.PendingChunks(); len(chunks) != 0 {
		t.Fatalf("expect no pending bytes after acking everything written, got %v", chunks)
	}

	// The remaining 3 bytes ("fgh") are already written, just unacknowledged;
	// a later Increment for newly appended bytes must not be rejected as if
	// it would exceed total (the bug this test was written to catch).
	b.Append([]byte("XY"))
	b.Increment(2)
	if chunks := b.PendingChunks(); len(chunks) != 0 {
		t.Fatalf("expect no pending bytes after the new bytes are also written, got %v", chunks)
	}
}

func TestOutputBufferOverAcknowledgePanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expect panic on over-acknowledgement")
		}
		if _, ok := r.(*InvariantError); !ok {
			t.Fatalf("expect *InvariantError, got %T (%v)", r, r)
		}
	}()
	var b OutputBuffer
	b.Append([]byte("abc"))
	b.Increment(3)
	b.Acknowledge(10)
}

func TestOutputBufferAppendAfterCloseFails(t *testing.T) {
	var b OutputBuffer
	b.Close()
	if err := b.Append([]byte("x")); err != ErrBufferClosed {
		t.Fatalf("expect ErrBufferClosed, got %v", err)
	}
}

func TestOutputBufferStopSendingDropsPending(t *testing.T) {
	var b OutputBuffer
	b.Append([]byte("abcdef"))
	b.StopSending()
	if !b.Closed() {
		t.Fatal("expect buffer closed after StopSending")
	}
	if chunks := b.PendingChunks(); len(chunks) != 0 {
		t.Fatalf("expect pending chunks dropped, got %v", chunks)
	}
}

func TestOutputBufferIdempotentZeroAcknowledge(t *testing.T) {
	var b OutputBuffer
	b.Append([]byte("abc"))
	b.Increment(3)
	b.Acknowledge(0)
	b.Acknowledge(0)
	if b.Acknowledged() != 0 {
		t.Fatalf("acknowledged = %d, want 0", b.Acknowledged())
	}
}

func TestInputBufferAppendConsumeData(t *testing.T) {
	var b InputBuffer
	b.Append([]byte("hello"))
	b.Append([]byte(" world"))
	if string(b.Data()) != "hello world" {
		t.Fatalf("data = %q, want %q", b.Data(), "hello world")
	}
	if err := b.Consume(6); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if string(b.Data()) != "world" {
		t.Fatalf("data after consume = %q, want %q", b.Data(), "world")
	}
}

func TestInputBufferConsumeOverflow(t *testing.T) {
	var b InputBuffer
	b.Append([]byte("abc"))
	if err := b.Consume(10); err != ErrConsumeOverflow {
		t.Fatalf("expect ErrConsumeOverflow, got %v", err)
	}
}

func TestInputBufferCloseRecordsErrorCode(t *testing.T) {
	var b InputBuffer
	b.Close(42)
	if !b.Closed() {
		t.Fatal("expect closed")
	}
	code, ok := b.ErrorCode()
	if !ok || code != 42 {
		t.Fatalf("error code = (%d, %v), want (42, true)", code, ok)
	}
}
