package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/usbhost/descriptor"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/task"
	"github.com/ardnew/usbhost/topology"
	"github.com/ardnew/usbhost/transfer"
)

// noopTask never reports done; it stands in for a claimed device's ongoing
// class-driver work.
type noopTask struct{ polls int }

func (t *noopTask) Poll(ctx context.Context) (bool, error) {
	t.polls++
	return false, nil
}

// fakeDriver claims any device whose DeviceClass matches want.
type fakeDriver struct {
	want    uint8
	claimed *noopTask
}

func (d *fakeDriver) TryAttach(ctx context.Context, eng *transfer.Engine, h topology.Handle, dev descriptor.Device) (task.Task, bool, error) {
	if dev.DeviceClass != d.want {
		return nil, false, nil
	}
	d.claimed = &noopTask{}
	return d.claimed, true, nil
}

type errDriver struct{ err error }

func (d *errDriver) TryAttach(ctx context.Context, eng *transfer.Engine, h topology.Handle, dev descriptor.Device) (task.Task, bool, error) {
	return nil, false, d.err
}

func TestAttachDispatchesToMatchingDriver(t *testing.T) {
	drv := &fakeDriver{want: 0x03}
	d := New(4, drv)

	ok, err := d.Attach(context.Background(), nil, topology.Handle{Address: 1}, descriptor.Device{DeviceClass: 0x03})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !ok {
		t.Fatalf("expected the device to be claimed")
	}
	if drv.claimed == nil {
		t.Fatalf("expected fakeDriver to have run TryAttach")
	}
	if d.TaskCount() != 1 {
		t.Fatalf("expected 1 live task, got %d", d.TaskCount())
	}
}

func TestAttachUnclaimedDeviceIsNotAnError(t *testing.T) {
	drv := &fakeDriver{want: 0x03}
	d := New(4, drv)

	ok, err := d.Attach(context.Background(), nil, topology.Handle{Address: 1}, descriptor.Device{DeviceClass: 0x09})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if ok {
		t.Fatalf("expected no driver to claim an unmatched class")
	}
	if d.TaskCount() != 0 {
		t.Fatalf("expected 0 live tasks, got %d", d.TaskCount())
	}
}

func TestAttachPropagatesDriverError(t *testing.T) {
	want := errors.New("probe failed")
	d := New(4, &errDriver{err: want})

	ok, err := d.Attach(context.Background(), nil, topology.Handle{Address: 1}, descriptor.Device{})
	if !errors.Is(err, want) {
		t.Fatalf("expected the driver's error, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false on driver error")
	}
}

func TestTaskSlabFullRejectsAttach(t *testing.T) {
	drv := &fakeDriver{want: 0x03}
	d := New(1, drv)
	dev := descriptor.Device{DeviceClass: 0x03}

	if ok, err := d.Attach(context.Background(), nil, topology.Handle{Address: 1}, dev); !ok || err != nil {
		t.Fatalf("first attach: ok=%v err=%v", ok, err)
	}

	// Second attach claims fine at the driver level but the slab is full.
	drv2 := &fakeDriver{want: 0x03}
	d.Register(drv2)
	ok, err := d.Attach(context.Background(), nil, topology.Handle{Address: 2}, dev)
	if ok || !errors.Is(err, pkg.ErrTaskSlabFull) {
		t.Fatalf("expected ErrTaskSlabFull, got ok=%v err=%v", ok, err)
	}
}

func TestOfferRejectsWhenSlotOccupied(t *testing.T) {
	d := New(4)
	a := Attachment{Handle: topology.Handle{Address: 1}}
	if !d.Offer(a) {
		t.Fatalf("expected first Offer to succeed")
	}
	if d.Offer(a) {
		t.Fatalf("expected second Offer to be rejected while the slot is occupied")
	}
}

func TestDrainPendingRunsAttach(t *testing.T) {
	drv := &fakeDriver{want: 0x03}
	d := New(4, drv)
	a := Attachment{Handle: topology.Handle{Address: 1}, Device: descriptor.Device{DeviceClass: 0x03}}

	if !d.Offer(a) {
		t.Fatalf("expected Offer to succeed on an empty slot")
	}
	drained, err := d.DrainPending(context.Background(), nil)
	if err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	if !drained {
		t.Fatalf("expected DrainPending to report a pending attachment")
	}
	if d.TaskCount() != 1 {
		t.Fatalf("expected the drained attachment to reach the task poller")
	}
}

func TestDrainPendingEmptyIsNotAnError(t *testing.T) {
	d := New(4)
	drained, err := d.DrainPending(context.Background(), nil)
	if err != nil || drained {
		t.Fatalf("expected (false, nil) on an empty slot, got (%v, %v)", drained, err)
	}
}
