package device

import (
	"container/list"
	"encoding/binary"
	"errors"
	"math/bits"
	"net"
	"net/netip"
	"sync"
	"unsafe"
)

// Parent indirection. Used for node removal optimization.
type parent struct {
	child      **node
	childIndex uint8
}

// node in the trie
type node struct {
	parent   parent
	children [2]*node
	// prefix length: 0-32 for IPv4, 0-128 for IPv6
	cidr uint8
	// byte index where the host part begins (cidr / 8)
	index uint8
	// bit shift where the host part begins (7 - cidr % 8)
	shift uint8
	// network portion of the address, host bits zeroed
	network []byte
	peer    *Peer
	// peerNode is this node's element in Peer.nodes, kept so that
	// removing all of a peer's entries needs no trie traversal.
	peerNode *list.Element
}

// commonBits calculates how many leading bits
// in two addresses are the same.
func commonBits(ip1, ip2 []byte) uint8 {
	switch len(ip1) {
	case net.IPv4len:
		a := binary.BigEndian.Uint32(ip1)
		b := binary.BigEndian.Uint32(ip2)
		x := a ^ b
		return uint8(bits.LeadingZeros32(x))
	case net.IPv6len:
		a := binary.BigEndian.Uint64(ip1)
		b := binary.BigEndian.Uint64(ip2)
		x := a ^ b
		// if the first 8 bytes differ no need to check the rest
		if x != 0 {
			return uint8(bits.LeadingZeros64(x))
		}
		a = binary.BigEndian.Uint64(ip1[8:])
		b = binary.BigEndian.Uint64(ip2[8:])
		x = a ^ b
		return 64 + uint8(bits.LeadingZeros64(x))
	default:
		panic("wrong size bit string")
	}
}

func (n *node) addToPeerNodes() {
	n.peerNode = n.peer.nodes.PushBack(n)
}

func (n *node) removeFromPeerNodes() {
	if n.peerNode != nil {
		n.peer.nodes.Remove(n.peerNode)
		n.peerNode = nil
	}
}

func (n *node) childIndex(ip []byte) byte {
	return (ip[n.index] >> n.shift) & 1
}

func (n *node) maskSelf() {
	mask := net.CIDRMask(int(n.cidr), len(n.network)*8)
	for i := range mask {
		n.network[i] &= mask[i]
	}
}

func (n *node) prefix() netip.Prefix {
	if len(n.network) == net.IPv4len {
		return netip.PrefixFrom(netip.AddrFrom4([4]byte(n.network)), int(n.cidr))
	}
	return netip.PrefixFrom(netip.AddrFrom16([16]byte(n.network)), int(n.cidr))
}

func (n *node) zeroOutPointers() {
	// make the garbage collector's life slightly easier
	n.peer = nil
	n.parent.child = nil
	n.children[0] = nil
	n.children[1] = nil
}

// nodePlacement finds the deepest node whose network contains ip and
// whose prefix is no more specific than cidr; exact reports a node
// with that very prefix.
func (n *node) nodePlacement(ip []byte, cidr uint8) (parent *node, exact bool) {
	for n != nil && n.cidr <= cidr && commonBits(n.network, ip) >= n.cidr {
		parent = n
		if parent.cidr == cidr {
			exact = true
			return
		}
		index := n.childIndex(ip)
		n = n.children[index]
	}
	return
}

func (p parent) insert(ip []byte, cidr uint8, peer *Peer) {
	// p is root
	if *p.child == nil {
		newNode := &node{
			parent:  p,
			cidr:    cidr,
			index:   cidr / 8,
			shift:   7 - (cidr % 8),
			network: ip,
			peer:    peer,
		}
		newNode.maskSelf()
		newNode.addToPeerNodes()
		*p.child = newNode
		return
	}
	parentNode, exact := (*p.child).nodePlacement(ip, cidr)
	if exact {
		// same range again: hand the entry over to the new owner
		parentNode.removeFromPeerNodes()
		parentNode.peer = peer
		parentNode.addToPeerNodes()
		return
	}
	newNode := &node{
		cidr:    cidr,
		index:   cidr / 8,
		shift:   7 - (cidr % 8),
		network: ip,
		peer:    peer,
	}
	newNode.maskSelf()
	newNode.addToPeerNodes()
	var down *node
	if parentNode == nil {
		down = *p.child
	} else {
		index := parentNode.childIndex(ip)
		down = parentNode.children[index]
		if down == nil {
			newNode.parent = parent{&parentNode.children[index], index}
			parentNode.children[index] = newNode
			return
		}
	}
	common := commonBits(down.network, ip)
	if common < cidr {
		cidr = common
	}
	next := parentNode
	if newNode.cidr == cidr {
		index := newNode.childIndex(down.network)
		down.parent = parent{&newNode.children[index], index}
		newNode.children[index] = down
		if next == nil {
			newNode.parent = p
			*p.child = newNode
		} else {
			index := next.childIndex(newNode.network)
			newNode.parent = parent{&next.children[index], index}
			next.children[index] = newNode
		}
		return
	}
	// neither contains the other: split below a synthetic node
	// holding their common prefix
	nd := &node{
		cidr:    cidr,
		index:   cidr / 8,
		shift:   7 - (cidr % 8),
		network: append([]byte{}, newNode.network...),
	}
	nd.maskSelf()
	index := nd.childIndex(down.network)
	down.parent = parent{&nd.children[index], index}
	nd.children[index] = down
	index = nd.childIndex(newNode.network)
	newNode.parent = parent{&nd.children[index], index}
	nd.children[index] = newNode
	if next == nil {
		nd.parent = p
		*p.child = nd
	} else {
		index := next.childIndex(nd.network)
		nd.parent = parent{&next.children[index], index}
		next.children[index] = nd
	}
}

// remove detaches the node (method receiver) from the trie, folding
// away empty intermediate nodes where possible.
func (n *node) remove() {
	n.removeFromPeerNodes()
	n.peer = nil
	// With two children the trie shape stays; the node just
	// becomes an empty intermediate.
	if n.children[0] != nil && n.children[1] != nil {
		return
	}
	index := 0
	if n.children[0] == nil {
		index = 1
	}
	child := n.children[index]
	if child != nil {
		child.parent = n.parent
	}
	*n.parent.child = child
	if n.children[0] != nil || n.children[1] != nil || n.parent.childIndex > 1 {
		n.zeroOutPointers()
		return
	}
	// Recover the parent node from the address of the child slot
	// pointing at us; parent.child points into its children array.
	childrenOffset := unsafe.Offsetof(n.children)
	childOffset := unsafe.Sizeof(n.children[0]) * uintptr(n.parent.childIndex)
	parentPtr := unsafe.Add(unsafe.Pointer(n.parent.child), -int(childrenOffset+childOffset))
	parent := (*node)(parentPtr)
	if parent.peer != nil {
		n.zeroOutPointers()
		return
	}
	// The parent is an empty intermediate with at most one child
	// left; splice it out too.
	child = parent.children[n.parent.childIndex^1]
	if child != nil {
		child.parent = parent.parent
	}
	*parent.parent.child = child
	n.zeroOutPointers()
	parent.zeroOutPointers()
}

func (n *node) lookup(ip []byte) *Peer {
	var found *Peer
	size := uint8(len(ip))
	for n != nil && commonBits(n.network, ip) >= n.cidr {
		if n.peer != nil {
			found = n.peer
		}
		if n.index == size {
			break
		}
		index := n.childIndex(ip)
		n = n.children[index]
	}
	return found
}

// AllowedIPs is a trie mapping CIDR ranges to the peer that owns
// them. It decides which peer handles traffic for a given IP and
// answers per-peer enumeration for configuration dumps.
type AllowedIPs struct {
	IPv4 *node
	IPv6 *node
	mu   sync.RWMutex
}

// Insert maps prefix to peer, replacing an exact-match entry owned by
// any peer.
func (ips *AllowedIPs) Insert(prefix netip.Prefix, peer *Peer) {
	ips.mu.Lock()
	defer ips.mu.Unlock()
	// `parent.childIndex = 2` signifies the root of the trie
	if prefix.Addr().Is6() {
		ip := prefix.Addr().As16()
		parent{&ips.IPv6, 2}.insert(ip[:], uint8(prefix.Bits()), peer)
	} else if prefix.Addr().Is4() {
		ip := prefix.Addr().As4()
		parent{&ips.IPv4, 2}.insert(ip[:], uint8(prefix.Bits()), peer)
	} else {
		panic(errors.New("inserting unknown address type"))
	}
}

// RemoveByPeer drops every entry owned by peer.
func (ips *AllowedIPs) RemoveByPeer(peer *Peer) {
	ips.mu.Lock()
	defer ips.mu.Unlock()
	for el := peer.nodes.Front(); el != nil; el = peer.nodes.Front() {
		el.Value.(*node).remove()
	}
}

// WalkByPeer visits peer's entries in insertion order, skipping the
// first start entries. A visit returning false stops the walk; next
// is then the index of the unvisited entry and complete is false.
func (ips *AllowedIPs) WalkByPeer(peer *Peer, start int, visit func(prefix netip.Prefix) bool) (next int, complete bool) {
	ips.mu.RLock()
	defer ips.mu.RUnlock()
	idx := 0
	for el := peer.nodes.Front(); el != nil; el = el.Next() {
		if idx < start {
			idx++
			continue
		}
		if !visit(el.Value.(*node).prefix()) {
			return idx, false
		}
		idx++
	}
	return 0, true
}

// EntriesForPeer returns peer's prefixes in insertion order.
func (ips *AllowedIPs) EntriesForPeer(peer *Peer) []netip.Prefix {
	var out []netip.Prefix
	ips.WalkByPeer(peer, 0, func(prefix netip.Prefix) bool {
		out = append(out, prefix)
		return true
	})
	return out
}

// Lookup returns the peer owning the longest prefix containing addr.
func (ips *AllowedIPs) Lookup(addr netip.Addr) *Peer {
	ips.mu.RLock()
	defer ips.mu.RUnlock()
	if addr.Is4() {
		ip := addr.As4()
		return ips.IPv4.lookup(ip[:])
	}
	ip := addr.As16()
	return ips.IPv6.lookup(ip[:])
}
