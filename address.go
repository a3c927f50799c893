package quicore

import (
	"context"
	"net"
	"strconv"
)

// Family discriminates the address families Address can hold.
type Family uint8

const (
	FamilyUnspecified Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Address is a value type for a UDP socket address: an IPv4 or IPv6 host,
// a port, and (for IPv6 link-local addresses) a zone/interface. It is
// grounded on orig/Address.hpp's sockaddr union and the LocalAddress
// interface-index variant recovered from orig/Socket.cpp's local_address().
//
// Equality is byte-equal over the active family; Address never carries a
// socket reference (that lives in Path, constructed fresh per call).
type Address struct {
	family Family
	ip     net.IP
	port   int
	zone   string // non-empty only for IPv6 link-local addresses
}

// AddressFromUDP converts a *net.UDPAddr, the representation the stdlib
// socket layer hands back, into an Address value.
func AddressFromUDP(addr *net.UDPAddr) Address {
	if addr == nil {
		return Address{}
	}
	family := FamilyIPv4
	if addr.IP.To4() == nil {
		family = FamilyIPv6
	}
	return Address{family: family, ip: addr.IP, port: addr.Port, zone: addr.Zone}
}

// AddressFrom constructs an Address from a raw IP and port.
func AddressFrom(ip net.IP, port int) Address {
	if ip == nil {
		return Address{}
	}
	family := FamilyIPv4
	if ip.To4() == nil {
		family = FamilyIPv6
	}
	return Address{family: family, ip: ip, port: port}
}

// Resolve looks up host:service and returns every matching Address, honoring
// family_hint the way getaddrinfo's ai_family would. Fails with
// *ResolutionFailed, never a bare error, per spec §4.1/§4.7.
func Resolve(ctx context.Context, host, service string, family Family) ([]Address, error) {
	network := "udp"
	switch family {
	case FamilyIPv4:
		network = "udp4"
	case FamilyIPv6:
		network = "udp6"
	}
	var resolver net.Resolver
	port, err := resolver.LookupPort(ctx, network, service)
	if err != nil {
		return nil, &ResolutionFailed{Host: host, Service: service, Err: err}
	}
	ips, err := resolver.LookupIP(ctx, ipNetworkFor(family), host)
	if err != nil {
		return nil, &ResolutionFailed{Host: host, Service: service, Err: err}
	}
	addrs := make([]Address, 0, len(ips))
	for _, ip := range ips {
		f := FamilyIPv4
		if ip.To4() == nil {
			f = FamilyIPv6
		}
		addrs = append(addrs, Address{family: f, ip: ip, port: port})
	}
	return addrs, nil
}

func ipNetworkFor(family Family) string {
	switch family {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	default:
		return "ip"
	}
}

// Family returns the address family.
func (a Address) Family() Family { return a.family }

// Port returns the UDP port.
func (a Address) Port() int { return a.port }

// IP returns the underlying net.IP, for interop with stdlib socket calls.
func (a Address) IP() net.IP { return a.ip }

// Equal reports byte-equality over the active family and port, matching
// spec §3's "equality is byte-equal over the active length".
func (a Address) Equal(b Address) bool {
	if a.family != b.family || a.port != b.port || a.zone != b.zone {
		return false
	}
	return a.ip.Equal(b.ip)
}

// String formats the address numerically as host:port. Fails are not
// possible for a value already backed by a valid net.IP, but callers that
// need the *FormatFailed contract from spec §4.1 should use TryString.
func (a Address) String() string {
	s, _ := a.TryString()
	return s
}

// TryString is String's fallible form, matching spec §4.1's
// `to_string() -> fails with FormatFailed`.
func (a Address) TryString() (string, error) {
	if a.ip == nil {
		return "", &FormatFailed{}
	}
	host := a.ip.String()
	if a.zone != "" {
		host += "%" + a.zone
	}
	return net.JoinHostPort(host, strconv.Itoa(a.port)), nil
}

// UDPAddr converts back to a *net.UDPAddr for use with the stdlib socket API.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.ip, Port: a.port, Zone: a.zone}
}

// FormatFailed is returned by Address.TryString when the address has no
// underlying IP (the zero value).
type FormatFailed struct{}

func (*FormatFailed) Error() string { return "quicore: address has no formattable value" }
