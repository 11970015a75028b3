// Package topology implements the device-address / topology manager (C4):
// a fixed-size address table, parent-link forest, and union-find-backed
// sub-tree invalidation for hub disconnects.
package topology

import (
	"github.com/boljen/go-bitmap"

	"github.com/ardnew/usbhost/bus"
	"github.com/ardnew/usbhost/pkg"
)

// NoParent marks a PortInfo with no parent, i.e. the virtual root hub.
const NoParent = 0

// PortInfo identifies a downstream-facing port in the topology. An entry
// is "invalid/empty" iff ParentAddress is NoParent and PortNumber is 0 —
// the zero value.
type PortInfo struct {
	ParentAddress uint8 // 0-127, 0 means "root hub" / unset
	PortNumber    uint8 // 1-255
}

// Empty reports whether p names no port (the zero value).
func (p PortInfo) Empty() bool { return p.ParentAddress == NoParent && p.PortNumber == 0 }

// DevInfo is the routing information recorded for a device at enumeration
// time: its upstream port, its transaction translator (if behind one), and
// its negotiated speed.
type DevInfo struct {
	Port  PortInfo
	TT    TT
	Speed bus.Speed
}

// TT names the hub port acting as a device's transaction translator. A
// High-speed device has no TT (Valid is false); spec.md section 3's
// invariant: a Low/Full-speed device's nearest High-speed ancestor hub is
// its TT.
type TT struct {
	HubAddress uint8
	HubPort    uint8
	Valid      bool
}

// Handle identifies an enumerated device. Handles are value-copyable; the
// authoritative lifetime of the address lives in the Table.
type Handle struct {
	Address        uint8
	MaxPacketSize0 uint8
	Info           DevInfo
}

// DisconnectMask names every address a single detach invalidated: the
// disconnected node itself plus every transitive descendant.
type DisconnectMask struct {
	bits bitmap.Bitmap
	n    int
}

func newMask(n int) DisconnectMask {
	return DisconnectMask{bits: bitmap.New(n + 1), n: n}
}

// Set marks addr as invalidated.
func (m *DisconnectMask) Set(addr uint8) { m.bits.Set(int(addr), true) }

// Has reports whether addr was invalidated by this mask.
func (m DisconnectMask) Has(addr uint8) bool {
	if m.bits == nil {
		return false
	}
	return m.bits.Get(int(addr))
}

// Addresses returns every address the mask names, in ascending order.
func (m DisconnectMask) Addresses() []uint8 {
	var out []uint8
	if m.bits == nil {
		return out
	}
	for a := 1; a <= m.n; a++ {
		if m.bits.Get(a) {
			out = append(out, uint8(a))
		}
	}
	return out
}

// Table is the fixed-size address table: NR_DEVICES PortInfo slots,
// 1-based (address N lives at index N-1). Address 0 is reserved for the
// default enumeration address and is never allocated.
type Table struct {
	slots   []PortInfo
	live    bitmap.Bitmap
	maxPkt  []uint8
	devInfo []DevInfo
	n       int
}

// New returns a Table with capacity n (spec.md's NR_DEVICES), n <= 127.
func New(n int) *Table {
	return &Table{
		slots:   make([]PortInfo, n),
		live:    bitmap.New(n),
		maxPkt:  make([]uint8, n),
		devInfo: make([]DevInfo, n),
		n:       n,
	}
}

// Capacity returns NR_DEVICES.
func (t *Table) Capacity() int { return t.n }

// Alloc scans for the first empty slot, records parent's port into it, and
// returns a handle whose address is slot_index+1. Fails only when the
// table is full.
func (t *Table) Alloc(maxPacketSize0 uint8, parent DevInfo) (Handle, error) {
	for i := 0; i < t.n; i++ {
		if t.live.Get(i) {
			continue
		}
		t.live.Set(i, true)
		t.slots[i] = parent.Port
		t.maxPkt[i] = maxPacketSize0
		t.devInfo[i] = parent
		addr := uint8(i + 1)
		pkg.LogDebug(pkg.ComponentTopology, "address allocated", "address", addr)
		return Handle{Address: addr, MaxPacketSize0: maxPacketSize0, Info: parent}, nil
	}
	return Handle{}, pkg.ErrTableFull
}

// Free invalidates h's slot.
func (t *Table) Free(h Handle) {
	if h.Address == 0 || int(h.Address) > t.n {
		return
	}
	i := int(h.Address) - 1
	t.live.Set(i, false)
	t.slots[i] = PortInfo{}
	t.maxPkt[i] = 0
	t.devInfo[i] = DevInfo{}
	pkg.LogDebug(pkg.ComponentTopology, "address freed", "address", h.Address)
}

// Info returns the DevInfo recorded for addr, and whether it is live.
func (t *Table) Info(addr uint8) (DevInfo, bool) {
	if addr == 0 || int(addr) > t.n {
		return DevInfo{}, false
	}
	i := int(addr) - 1
	if !t.live.Get(i) {
		return DevInfo{}, false
	}
	return t.devInfo[i], true
}

// FreeAll invalidates every slot and returns the mask of addresses that
// were live, used on root-port detach.
func (t *Table) FreeAll() DisconnectMask {
	mask := newMask(t.n)
	for i := 0; i < t.n; i++ {
		if t.live.Get(i) {
			mask.Set(uint8(i + 1))
			t.live.Set(i, false)
			t.slots[i] = PortInfo{}
			t.maxPkt[i] = 0
			t.devInfo[i] = DevInfo{}
		}
	}
	return mask
}

// unionFind is path-compressing, union-by-rank over [0, n) slot indices.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]] // path halving
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}

// FreeSubtree invalidates port and every transitive descendant of it,
// returning the mask of every address it freed. Implements spec.md section
// 4.4's union-find algorithm: a linear parent-scan is O(n^2 * depth);
// union-find gives near-linear total work per detach and handles
// multi-level hub unplugs correctly.
func (t *Table) FreeSubtree(port PortInfo) DisconnectMask {
	mask := newMask(t.n)

	// Step 1: locate the disconnected node's slot by its port identifier.
	disconnected := -1
	for i := 0; i < t.n; i++ {
		if t.live.Get(i) && t.slots[i] == port {
			disconnected = i
			break
		}
	}
	if disconnected < 0 {
		return mask
	}
	mask.Set(uint8(disconnected + 1))
	t.live.Set(disconnected, false)
	t.slots[disconnected] = PortInfo{}
	t.maxPkt[disconnected] = 0
	t.devInfo[disconnected] = DevInfo{}

	// Step 2: union surviving live slots by parent relationship.
	uf := newUnionFind(t.n)
	addrToIndex := make(map[uint8]int, t.n)
	for i := 0; i < t.n; i++ {
		if t.live.Get(i) {
			addrToIndex[uint8(i+1)] = i
		}
	}
	rootIndex := -1
	for i := 0; i < t.n; i++ {
		if !t.live.Get(i) {
			continue
		}
		parentAddr := t.slots[i].ParentAddress
		if parentAddr == NoParent {
			if rootIndex < 0 {
				rootIndex = i
			}
			continue
		}
		if pi, ok := addrToIndex[parentAddr]; ok {
			uf.union(i, pi)
		}
	}

	// Step 3/4: anything live and not in the root hub's component is an
	// orphaned descendant of the disconnected node; invalidate it. Find
	// the root component only after every union has been applied, since
	// union-by-rank can change which index represents it mid-pass.
	rootComponent := -1
	if rootIndex >= 0 {
		rootComponent = uf.find(rootIndex)
	}
	for i := 0; i < t.n; i++ {
		if !t.live.Get(i) {
			continue
		}
		if rootComponent < 0 || uf.find(i) != rootComponent {
			mask.Set(uint8(i + 1))
			t.live.Set(i, false)
			t.slots[i] = PortInfo{}
			t.maxPkt[i] = 0
			t.devInfo[i] = DevInfo{}
		}
	}

	pkg.LogDebug(pkg.ComponentTopology, "subtree freed",
		"parent_address", port.ParentAddress, "port_number", port.PortNumber,
		"count", len(mask.Addresses()))
	return mask
}
