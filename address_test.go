package quicore

import (
	"context"
	"net"
	"testing"
)

func TestAddressEqualByteEqual(t *testing.T) {
	a := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4433})
	b := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4433})
	c := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4434})
	d := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 4433})

	if !a.Equal(b) {
		t.Fatal("expect equal addresses to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expect differing port to compare unequal")
	}
	if a.Equal(d) {
		t.Fatal("expect differing host to compare unequal")
	}
}

func TestAddressStringFormatsHostPort(t *testing.T) {
	a := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4433})
	if got, want := a.String(), "192.0.2.1:4433"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestAddressStringV6WithZone(t *testing.T) {
	a := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 443, Zone: "eth0"})
	want := "[fe80::1%eth0]:443"
	if got := a.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestAddressTryStringFailsOnZeroValue(t *testing.T) {
	var a Address
	if _, err := a.TryString(); err == nil {
		t.Fatal("expect *FormatFailed for the zero-value address")
	}
}

func TestAddressFamily(t *testing.T) {
	v4 := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1})
	v6 := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 1})
	if v4.Family() != FamilyIPv4 {
		t.Fatalf("expect FamilyIPv4, got %v", v4.Family())
	}
	if v6.Family() != FamilyIPv6 {
		t.Fatalf("expect FamilyIPv6, got %v", v6.Family())
	}
}

func TestResolveLoopback(t *testing.T) {
	addrs, err := Resolve(context.Background(), "localhost", "4433", FamilyIPv4)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(addrs) == 0 {
		t.Fatal("expect at least one resolved address")
	}
	for _, a := range addrs {
		if a.Port() != 4433 {
			t.Fatalf("port = %d, want 4433", a.Port())
		}
	}
}
