// Package enginetest is a reference Engine/EngineFactory implementation used
// by this module's own tests and by any caller that wants a working,
// in-process stand-in for a real QUIC engine. It is deliberately not a real
// QUIC implementation — no crypto, no recovery, no congestion control; it
// exists purely to exercise quicore.Connection/Dispatcher/Stream the way a
// real engine (ngtcp2, quic-go) would, with a minimal, documented,
// test-only wire format instead of the real QUIC packet format spec.md §1
// places out of scope for this core.
package enginetest

import (
	"encoding/binary"
	"errors"
)

// Wire format (all integers big-endian, not real QUIC):
//
//	version   uint32
//	dcidLen   uint8
//	dcid      [dcidLen]byte
//	scidLen   uint8
//	scid      [scidLen]byte
//	frameType uint8 // 0=none 1=stream 2=close
//	-- frameType 1 --
//	streamID  int64
//	offset    uint64
//	fin       uint8
//	length    uint32
//	data      [length]byte
//	-- frameType 2 --
//	errorCode uint64

const (
	frameNone   = 0
	frameStream = 1
	frameClose  = 2
)

var errShortDatagram = errors.New("enginetest: datagram too short")

type datagramHeader struct {
	version uint32
	dcid    []byte
	scid    []byte
}

func encodeHeader(h datagramHeader) []byte {
	buf := make([]byte, 0, 4+1+len(h.dcid)+1+len(h.scid))
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], h.version)
	buf = append(buf, v[:]...)
	buf = append(buf, byte(len(h.dcid)))
	buf = append(buf, h.dcid...)
	buf = append(buf, byte(len(h.scid)))
	buf = append(buf, h.scid...)
	return buf
}

func decodeHeader(datagram []byte) (datagramHeader, int, error) {
	if len(datagram) < 6 {
		return datagramHeader{}, 0, errShortDatagram
	}
	version := binary.BigEndian.Uint32(datagram[0:4])
	dcidLen := int(datagram[4])
	pos := 5
	if len(datagram) < pos+dcidLen+1 {
		return datagramHeader{}, 0, errShortDatagram
	}
	dcid := append([]byte(nil), datagram[pos:pos+dcidLen]...)
	pos += dcidLen
	scidLen := int(datagram[pos])
	pos++
	if len(datagram) < pos+scidLen {
		return datagramHeader{}, 0, errShortDatagram
	}
	scid := append([]byte(nil), datagram[pos:pos+scidLen]...)
	pos += scidLen
	return datagramHeader{version: version, dcid: dcid, scid: scid}, pos, nil
}

type streamFrame struct {
	streamID int64
	offset   uint64
	fin      bool
	data     []byte
}

func encodeStreamFrame(f streamFrame) []byte {
	buf := make([]byte, 1+8+8+1+4+len(f.data))
	buf[0] = frameStream
	binary.BigEndian.PutUint64(buf[1:9], uint64(f.streamID))
	binary.BigEndian.PutUint64(buf[9:17], f.offset)
	if f.fin {
		buf[17] = 1
	}
	binary.BigEndian.PutUint32(buf[18:22], uint32(len(f.data)))
	copy(buf[22:], f.data)
	return buf
}

func decodeStreamFrame(b []byte) (streamFrame, error) {
	if len(b) < 22 {
		return streamFrame{}, errShortDatagram
	}
	streamID := int64(binary.BigEndian.Uint64(b[1:9]))
	offset := binary.BigEndian.Uint64(b[9:17])
	fin := b[17] != 0
	length := binary.BigEndian.Uint32(b[18:22])
	if len(b) < 22+int(length) {
		return streamFrame{}, errShortDatagram
	}
	data := append([]byte(nil), b[22:22+int(length)]...)
	return streamFrame{streamID: streamID, offset: offset, fin: fin, data: data}, nil
}

func encodeCloseFrame(errorCode uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = frameClose
	binary.BigEndian.PutUint64(buf[1:], errorCode)
	return buf
}
