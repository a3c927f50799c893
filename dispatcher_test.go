package quicore

import (
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg, err := NewConfiguration(nil)
	if err != nil {
		t.Fatalf("new configuration: %v", err)
	}
	return NewDispatcher(nil, cfg, nil)
}

func (d *Dispatcher) lookupCID(cid []byte) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byCID[string(cid)]
	return c, ok
}

// TestDispatcherUnregisterRemovesEveryCID checks that removing a connection
// atomically deregisters every CID it was ever routed under: no lookup leak.
func TestDispatcherUnregisterRemovesEveryCID(t *testing.T) {
	d := newTestDispatcher(t)
	conn := newConnection(&stubEngine{pto: time.Millisecond}, Path{}, d.config, nil)

	cids := [][]byte{[]byte("initial-dcid"), []byte("scid-0"), []byte("scid-1")}
	for _, cid := range cids {
		d.register(cid, conn)
	}
	if got := d.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1 (one connection under many CIDs)", got)
	}
	for _, cid := range cids {
		if c, ok := d.lookupCID(cid); !ok || c != conn {
			t.Fatalf("cid %q not routed to the registered connection", cid)
		}
	}

	d.unregister(conn)
	if got := d.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount() after unregister = %d, want 0", got)
	}
	for _, cid := range cids {
		if _, ok := d.lookupCID(cid); ok {
			t.Fatalf("cid %q still routable after unregister", cid)
		}
	}
}

func TestDispatcherRegisterAfterCloseIgnored(t *testing.T) {
	d := newTestDispatcher(t)
	conn := newConnection(&stubEngine{pto: time.Millisecond}, Path{}, d.config, nil)

	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	d.register([]byte("late"), conn)
	if got := d.ConnectionCount(); got != 0 {
		t.Fatalf("expect a closing dispatcher to ignore registration, got %d routed", got)
	}
}

// TestConnectionNewCIDsRegisteredWithDispatcher checks the GetNewConnectionID
// callback path keeps the routing table in sync: every source CID a
// connection generates becomes routable.
func TestConnectionNewCIDsRegisteredWithDispatcher(t *testing.T) {
	d := newTestDispatcher(t)
	conn := newConnection(&stubEngine{pto: time.Millisecond}, Path{}, d.config, nil)
	conn.onNewCID = func(cid []byte) { d.register(cid, conn) }

	cid, _, err := conn.GetNewConnectionID(DefaultCIDLength)
	if err != nil {
		t.Fatalf("generate cid: %v", err)
	}
	if c, ok := d.lookupCID(cid); !ok || c != conn {
		t.Fatalf("freshly generated cid %x not routed to its connection", cid)
	}
}
