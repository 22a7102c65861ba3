package conn

import (
	"net/netip"
	"testing"
)

func TestNetEndpoint(t *testing.T) {
	ep, err := New().ParseEndpoint("203.0.113.5:51820")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if got := ep.DstToString(); got != "203.0.113.5:51820" {
		t.Fatalf("DstToString = %q", got)
	}
	if got := ep.DstIP(); got != netip.MustParseAddr("203.0.113.5") {
		t.Fatalf("DstIP = %v", got)
	}
	if got := ep.DstAddrPort().Port(); got != 51820 {
		t.Fatalf("port = %d", got)
	}

	if _, err := New().ParseEndpoint("not-an-endpoint"); err == nil {
		t.Fatal("bad endpoint accepted")
	}
}

func TestNetEndpointClearSrc(t *testing.T) {
	ep := &NetEndpoint{
		AddrPort: netip.MustParseAddrPort("203.0.113.5:51820"),
		src:      []byte{1, 2, 3},
	}
	ep.ClearSrc()
	if len(ep.src) != 0 {
		t.Fatalf("src not cleared: %v", ep.src)
	}
	// The destination is untouched.
	if ep.DstToString() != "203.0.113.5:51820" {
		t.Fatal("destination lost on ClearSrc")
	}
}
