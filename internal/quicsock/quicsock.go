// Package quicsock provides the raw socket-option and control-message
// plumbing a QUIC endpoint needs beyond what net.UDPConn exposes directly:
// per-datagram ECN marking/reporting and PMTU discovery mode. It is grounded
// on original_source/Socket.cpp's use of IP_TOS/IPV6_TCLASS/IP_RECVTOS/
// IPV6_RECVTCLASS/IP_MTU_DISCOVER/IP_DONTFRAG, translated to the
// golang.org/x/sys/unix syscalls the teacher pack's own go.mod already
// depends on.
package quicsock

import (
	"encoding/binary"
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ECN is the two-bit IP-header Explicit Congestion Notification codepoint,
// matching original_source/Socket.hpp's Protocol::QUIC::ECN enum exactly.
type ECN uint8

const (
	ECNUnspecified          ECN = 0x00
	ECNCapableECT1          ECN = 0x01
	ECNCapableECT0          ECN = 0x02
	ECNCongestionExperienced ECN = 0x03
)

// EnableECN turns on ECN reporting (IP_RECVTOS/IPV6_RECVTCLASS) on conn, for
// whichever address family it is actually bound to. Outgoing ECN marking is
// not set here; WriteMsgUDP attaches it per datagram.
func EnableECN(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	v4 := conn.LocalAddr().(*net.UDPAddr).IP.To4() != nil
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if v4 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTOS, 1)
		} else {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVTCLASS, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// EnablePacketInfo turns on IP_PKTINFO/IPV6_RECVPKTINFO reporting so every
// received datagram carries the local (destination) address and interface
// index it arrived on, for multi-homed listeners.
func EnablePacketInfo(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	v4 := conn.LocalAddr().(*net.UDPAddr).IP.To4() != nil
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if v4 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
		} else {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// DisablePathFragmentation sets the socket's PMTU-discovery mode to "never
// fragment, report ICMP too-big back to the application" through
// IP_MTU_DISCOVER=IP_PMTUDISC_DO / IPV6_MTU_DISCOVER=IPV6_PMTUDISC_DO, the
// Linux socket options. IP_DONTFRAG, the BSD equivalent, is not set.
func DisablePathFragmentation(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	v4 := conn.LocalAddr().(*net.UDPAddr).IP.To4() != nil
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if v4 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		} else {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// PathMTU reads back the kernel's current estimate of the path MTU
// (IP_MTU/IPV6_MTU), valid once at least one datagram has been exchanged.
func PathMTU(conn *net.UDPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	v4 := conn.LocalAddr().(*net.UDPAddr).IP.To4() != nil
	var mtu int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if v4 {
			mtu, sockErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU)
		} else {
			mtu, sockErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU)
		}
	})
	if err != nil {
		return 0, err
	}
	return mtu, sockErr
}

// PacketInfo is the ancillary control data recovered alongside one received
// datagram.
type PacketInfo struct {
	ECN ECN
	// LocalIP is the destination address of the datagram (IP_PKTINFO /
	// IPV6_PKTINFO), nil if the kernel reported none.
	LocalIP net.IP
	// IfIndex is the receiving interface index, 0 if not reported.
	IfIndex int
}

// ReadMsgUDP reads one datagram plus its ancillary control data (ECN
// codepoint, pktinfo) via recvmsg, since net.UDPConn's own ReadFromUDP
// discards control messages.
func ReadMsgUDP(conn *net.UDPConn, buf []byte) (int, *net.UDPAddr, PacketInfo, error) {
	oob := make([]byte, 128)
	n, oobn, _, rAddr, err := conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return 0, nil, PacketInfo{}, err
	}
	return n, rAddr, parseControl(oob[:oobn]), nil
}

func parseControl(oob []byte) PacketInfo {
	var info PacketInfo
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return info
	}
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_TOS:
			if len(m.Data) > 0 {
				info.ECN = ECN(m.Data[0] & 0x03)
			}
		case m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_TCLASS:
			if len(m.Data) >= 4 {
				info.ECN = ECN(m.Data[0] & 0x03)
			}
		case m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_PKTINFO:
			if len(m.Data) >= unix.SizeofInet4Pktinfo {
				pi := (*unix.Inet4Pktinfo)(unsafe.Pointer(&m.Data[0]))
				info.LocalIP = append(net.IP(nil), pi.Addr[:]...)
				info.IfIndex = int(pi.Ifindex)
			}
		case m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_PKTINFO:
			if len(m.Data) >= unix.SizeofInet6Pktinfo {
				pi := (*unix.Inet6Pktinfo)(unsafe.Pointer(&m.Data[0]))
				info.LocalIP = append(net.IP(nil), pi.Addr[:]...)
				info.IfIndex = int(pi.Ifindex)
			}
		}
	}
	return info
}

// WriteMsgUDP sends one datagram to addr, marked with the given ECN
// codepoint via a control message (sendmsg), since net.UDPConn's own
// WriteToUDP offers no way to set per-datagram ancillary data.
func WriteMsgUDP(conn *net.UDPConn, buf []byte, addr *net.UDPAddr, ecn ECN) (int, error) {
	if ecn == ECNUnspecified {
		return conn.WriteToUDP(buf, addr)
	}
	v4 := addr.IP.To4() != nil
	level, typ := unix.IPPROTO_IPV6, unix.IPV6_TCLASS
	if v4 {
		level, typ = unix.IPPROTO_IP, unix.IP_TOS
	}
	oob := buildECNCmsg(level, typ, int32(ecn))
	n, _, err := conn.WriteMsgUDP(buf, oob, addr)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// buildECNCmsg hand-assembles a single cmsghdr carrying a 4-byte int value,
// matching what unix.CmsgLen/CmsgSpace expect a caller to lay out (the
// x/sys/unix package only ships a ready-made builder for SCM_RIGHTS).
func buildECNCmsg(level, typ int, value int32) []byte {
	buf := make([]byte, unix.CmsgSpace(4))
	hdr := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	hdr.Level = int32(level)
	hdr.Type = int32(typ)
	hdr.SetLen(unix.CmsgLen(4))
	binary.NativeEndian.PutUint32(buf[unix.CmsgLen(0):], uint32(value))
	return buf
}

// IsTemporary reports whether err represents a transient, retry-worthy
// socket condition (EAGAIN/EWOULDBLOCK/EINTR) rather than a real failure.
func IsTemporary(err error) bool {
	var errno unix.Errno
	if perr, ok := err.(*os.SyscallError); ok {
		if e, ok := perr.Err.(unix.Errno); ok {
			errno = e
		}
	} else if e, ok := err.(unix.Errno); ok {
		errno = e
	} else {
		return false
	}
	return errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINTR
}
