package quicore

import (
	"net"
	"time"

	"github.com/driftquic/quicore/internal/quicsock"
)

// ECN is the two-bit IP-header congestion-notification codepoint a received
// datagram was marked with, or the core wants an outgoing datagram marked
// with. Mirrors original_source/Socket.hpp's Protocol::QUIC::ECN.
type ECN uint8

const (
	ECNUnspecified           ECN = ECN(quicsock.ECNUnspecified)
	ECNCapableECT1           ECN = ECN(quicsock.ECNCapableECT1)
	ECNCapableECT0           ECN = ECN(quicsock.ECNCapableECT0)
	ECNCongestionExperienced ECN = ECN(quicsock.ECNCongestionExperienced)
)

// Socket owns one bound UDP endpoint: ECN-tagged, deadline-based send/receive,
// and PMTU discovery. Grounded on original_source/Socket.cpp's send_packet/
// receive_packet pair, built on net.UDPConn the way the teacher's Server/
// Client build their I/O loop on net.PacketConn (spec §4.1).
type Socket struct {
	conn  *net.UDPConn
	local Address
}

// ListenSocket binds a UDP socket at addr (":0" for an ephemeral client
// port), enabling ECN reporting and disabling path fragmentation.
func ListenSocket(addr Address) (*Socket, error) {
	conn, err := net.ListenUDP("udp", addr.UDPAddr())
	if err != nil {
		return nil, &SocketError{Op: "listen", Err: err}
	}
	return newSocket(conn)
}

// DialSocket creates a connected UDP socket to remote, which restricts the
// kernel to delivering only datagrams from that peer (used by Client).
func DialSocket(remote Address) (*Socket, error) {
	conn, err := net.DialUDP("udp", nil, remote.UDPAddr())
	if err != nil {
		return nil, &SocketError{Op: "dial", Err: err}
	}
	return newSocket(conn)
}

func newSocket(conn *net.UDPConn) (*Socket, error) {
	if err := quicsock.EnableECN(conn); err != nil {
		conn.Close()
		return nil, &SocketError{Op: "setsockopt(ecn)", Err: err}
	}
	if err := quicsock.EnablePacketInfo(conn); err != nil {
		conn.Close()
		return nil, &SocketError{Op: "setsockopt(pktinfo)", Err: err}
	}
	if err := quicsock.DisablePathFragmentation(conn); err != nil {
		conn.Close()
		return nil, &SocketError{Op: "setsockopt(pmtu)", Err: err}
	}
	return &Socket{conn: conn, local: AddressFromUDP(conn.LocalAddr().(*net.UDPAddr))}, nil
}

// LocalAddress returns the address this socket is bound to.
func (s *Socket) LocalAddress() Address { return s.local }

// PathMTU reads the kernel's current path-MTU estimate.
func (s *Socket) PathMTU() (int, error) {
	mtu, err := quicsock.PathMTU(s.conn)
	if err != nil {
		return 0, &SocketError{Op: "getsockopt(mtu)", Err: err}
	}
	return mtu, nil
}

// ReceivePacket reads one datagram before deadline. A zero deadline blocks
// indefinitely; a deadline in the past returns (0, Address{}, ECNUnspecified,
// err) where err is a net.Error whose Timeout() is true and which wraps
// os.ErrDeadlineExceeded, per spec §4.1's "timeout" result.
func (s *Socket) ReceivePacket(buf []byte, deadline time.Time) (int, Address, ECN, error) {
	n, from, _, ecn, err := s.ReceivePacketInfo(buf, deadline)
	return n, from, ecn, err
}

// ReceivePacketInfo is ReceivePacket plus the datagram's destination (local)
// address recovered from IP_PKTINFO/IPV6_PKTINFO ancillary data, so a
// multi-homed listener can reply from the address the peer actually reached.
// Falls back to the socket's bound address when the kernel reports none.
func (s *Socket) ReceivePacketInfo(buf []byte, deadline time.Time) (int, Address, Address, ECN, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, Address{}, Address{}, ECNUnspecified, &SocketError{Op: "setreaddeadline", Err: err}
	}
	n, addr, info, err := quicsock.ReadMsgUDP(s.conn, buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, Address{}, Address{}, ECNUnspecified, err
		}
		return 0, Address{}, Address{}, ECNUnspecified, &SocketError{Op: "recvmsg", Err: err}
	}
	local := s.local
	if info.LocalIP != nil {
		local = AddressFrom(info.LocalIP, s.local.Port())
	}
	return n, AddressFromUDP(addr), local, ECN(info.ECN), nil
}

// SendPacket writes one datagram to destination, marked with ecn, before
// deadline. Returns (0, nil) on a send timeout, matching
// original_source's "returns the number of bytes sent, or 0 if a timeout
// occurred" contract.
func (s *Socket) SendPacket(data []byte, destination Address, ecn ECN, deadline time.Time) (int, error) {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return 0, &SocketError{Op: "setwritedeadline", Err: err}
	}
	n, err := quicsock.WriteMsgUDP(s.conn, data, destination.UDPAddr(), quicsock.ECN(ecn))
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, &SocketError{Op: "sendmsg", Err: err}
	}
	return n, nil
}

// Close releases the underlying file descriptor. Idempotent.
func (s *Socket) Close() error {
	return s.conn.Close()
}
