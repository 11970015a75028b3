package topology

import (
	"testing"

	"github.com/ardnew/usbhost/bus"
	"github.com/ardnew/usbhost/pkg"
)

// TestAllocUniqueness verifies property 1 of spec.md section 8: no two
// live handles ever share an address, and every allocated address stays
// within [1, Capacity()].
func TestAllocUniqueness(t *testing.T) {
	table := New(4)
	seen := make(map[uint8]bool)

	for i := 0; i < 4; i++ {
		h, err := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: NoParent, PortNumber: uint8(i + 1)}})
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if h.Address == 0 || int(h.Address) > table.Capacity() {
			t.Fatalf("address %d out of range", h.Address)
		}
		if seen[h.Address] {
			t.Fatalf("address %d allocated twice", h.Address)
		}
		seen[h.Address] = true
	}

	if _, err := table.Alloc(8, DevInfo{}); err != pkg.ErrTableFull {
		t.Fatalf("expected ErrTableFull, got %v", err)
	}
}

// TestAllocReusesFreedSlot verifies that freeing a slot makes its address
// available again without colliding with still-live addresses.
func TestAllocReusesFreedSlot(t *testing.T) {
	table := New(2)
	a, _ := table.Alloc(8, DevInfo{})
	b, _ := table.Alloc(8, DevInfo{})
	table.Free(a)

	c, err := table.Alloc(8, DevInfo{})
	if err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
	if c.Address == b.Address {
		t.Fatalf("reused address %d collides with still-live %d", c.Address, b.Address)
	}
}

// TestFreeSubtreeCompleteness verifies property 3: disconnecting a hub
// invalidates that hub's address and every transitive descendant, and
// nothing else (spec.md section 4.4's union-find algorithm).
func TestFreeSubtreeCompleteness(t *testing.T) {
	table := New(8)

	// Root hub at address 1 (parent = NoParent/root port 1).
	rootHub, _ := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: NoParent, PortNumber: 1}})

	// Child hub at address 2, attached to rootHub port 1.
	childHub, _ := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: rootHub.Address, PortNumber: 1}})

	// Grandchild device at address 3, attached to childHub port 1.
	grandchild, _ := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: childHub.Address, PortNumber: 1}})

	// Unrelated device at address 4, attached directly to the root hub's
	// port 2 — must survive the childHub disconnect.
	sibling, _ := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: rootHub.Address, PortNumber: 2}})

	mask := table.FreeSubtree(PortInfo{ParentAddress: rootHub.Address, PortNumber: 1})

	if !mask.Has(childHub.Address) {
		t.Errorf("expected childHub (%d) invalidated", childHub.Address)
	}
	if !mask.Has(grandchild.Address) {
		t.Errorf("expected grandchild (%d) invalidated", grandchild.Address)
	}
	if mask.Has(sibling.Address) {
		t.Errorf("sibling (%d) must survive an unrelated subtree disconnect", sibling.Address)
	}
	if mask.Has(rootHub.Address) {
		t.Errorf("root hub itself must survive its own child's disconnect")
	}

	if _, ok := table.Info(childHub.Address); ok {
		t.Errorf("childHub slot should be freed")
	}
	if _, ok := table.Info(grandchild.Address); ok {
		t.Errorf("grandchild slot should be freed")
	}
	if _, ok := table.Info(sibling.Address); !ok {
		t.Errorf("sibling slot should remain live")
	}
}

// TestFreeSubtreeUnknownPort verifies that freeing a port with no live
// occupant is a no-op, not a panic or a partial invalidation.
func TestFreeSubtreeUnknownPort(t *testing.T) {
	table := New(4)
	h, _ := table.Alloc(8, DevInfo{})
	mask := table.FreeSubtree(PortInfo{ParentAddress: 99, PortNumber: 7})
	if len(mask.Addresses()) != 0 {
		t.Fatalf("expected empty mask, got %v", mask.Addresses())
	}
	if _, ok := table.Info(h.Address); !ok {
		t.Fatalf("unrelated live device must be untouched")
	}
}

// TestFreeAll verifies root-port detach semantics: every live address is
// invalidated and reported.
func TestFreeAll(t *testing.T) {
	table := New(4)
	a, _ := table.Alloc(8, DevInfo{})
	b, _ := table.Alloc(8, DevInfo{})

	mask := table.FreeAll()
	if !mask.Has(a.Address) || !mask.Has(b.Address) {
		t.Fatalf("FreeAll must invalidate every live address")
	}
	if _, ok := table.Info(a.Address); ok {
		t.Fatalf("address %d should be freed", a.Address)
	}
}

// TestPortInfoEmpty exercises the zero-value invariant PortInfo.Empty
// documents.
func TestPortInfoEmpty(t *testing.T) {
	var p PortInfo
	if !p.Empty() {
		t.Fatalf("zero-value PortInfo must report Empty")
	}
	p.PortNumber = 1
	if p.Empty() {
		t.Fatalf("a port with a number must not report Empty")
	}
}

// TestParentAcyclicity verifies property 2: the parent_address forest
// stays acyclic under interleaved alloc/free churn — walking any live
// node's parent chain must terminate at NoParent in at most Capacity()
// steps, never looping back on itself.
func TestParentAcyclicity(t *testing.T) {
	table := New(8)

	root, _ := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: NoParent, PortNumber: 1}})
	mid, _ := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: root.Address, PortNumber: 1}})
	table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: mid.Address, PortNumber: 1}})

	// Churn: free the root's subtree, then reallocate fresh nodes; the new
	// forest must still be acyclic even though addresses are reused.
	table.FreeSubtree(PortInfo{ParentAddress: NoParent, PortNumber: 1})
	newRoot, _ := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: NoParent, PortNumber: 1}})
	newChild, _ := table.Alloc(8, DevInfo{Port: PortInfo{ParentAddress: newRoot.Address, PortNumber: 1}})

	for _, addr := range []uint8{newRoot.Address, newChild.Address} {
		visited := make(map[uint8]bool)
		cur := addr
		for steps := 0; ; steps++ {
			if steps > table.Capacity() {
				t.Fatalf("parent chain from %d did not terminate: cycle detected", addr)
			}
			if visited[cur] {
				t.Fatalf("cycle detected in parent chain from %d at %d", addr, cur)
			}
			visited[cur] = true
			info, ok := table.Info(cur)
			if !ok || info.Port.ParentAddress == NoParent {
				break
			}
			cur = info.Port.ParentAddress
		}
	}
}

// TestTTInheritance is a sanity check that Alloc records the DevInfo's
// speed and TT fields unchanged, as Info later reports them.
func TestTTInheritance(t *testing.T) {
	table := New(4)
	parent := DevInfo{
		Port:  PortInfo{ParentAddress: 1, PortNumber: 2},
		TT:    TT{HubAddress: 1, HubPort: 2, Valid: true},
		Speed: bus.SpeedLow,
	}
	h, err := table.Alloc(8, parent)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	info, ok := table.Info(h.Address)
	if !ok {
		t.Fatalf("expected live info")
	}
	if info.TT != parent.TT || info.Speed != parent.Speed {
		t.Fatalf("DevInfo not preserved across Alloc: got %+v", info)
	}
}
