// Package dispatch implements the class-driver dispatcher (C8): it offers
// a newly attached device's descriptors to each registered class driver in
// turn and, on the first match, hands the resulting task to the shared
// task poller.
package dispatch

import (
	"context"

	"github.com/ardnew/usbhost/descriptor"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/task"
	"github.com/ardnew/usbhost/topology"
	"github.com/ardnew/usbhost/transfer"
)

// ClassDriver recognizes and claims devices of its class. TryAttach
// inspects dev's descriptors and, if it recognizes the device, performs
// whatever class-specific setup it needs and returns a Task that will be
// handed to the shared poller; ok is false if this driver does not claim
// the device.
type ClassDriver interface {
	TryAttach(ctx context.Context, eng *transfer.Engine, h topology.Handle, dev descriptor.Device) (task.Task, bool, error)
}

// Attachment is a newly enumerated device handed from the supervisor to
// the dispatcher across the single-slot rendezvous channel (spec.md
// section 4.8).
type Attachment struct {
	Handle topology.Handle
	Device descriptor.Device
}

// Dispatcher owns the registered class drivers and the shared task slab
// they hand completed attaches into (spec.md section 4.8).
type Dispatcher struct {
	drivers  []ClassDriver
	tasks    *task.Poller[task.Task]
	attachCh chan Attachment
}

// New returns a Dispatcher backed by a poller of the given capacity
// (NR_DEVICE_TASKS). The rendezvous channel between supervisor and
// dispatcher has capacity 1: the supervisor never blocks waiting for the
// dispatcher to drain it, and a second offer before the first is drained
// is simply rejected (Offer returns false).
func New(capacity int, drivers ...ClassDriver) *Dispatcher {
	return &Dispatcher{
		drivers:  drivers,
		tasks:    task.New[task.Task](capacity),
		attachCh: make(chan Attachment, 1),
	}
}

// Offer hands a, non-blocking, to the dispatcher's rendezvous slot. It
// returns false if the slot is already occupied by an undrained
// attachment. The host supervisor does not check the result: it drains the
// slot at the start of every DeviceAttached step and offers at most one
// attachment per step.
func (d *Dispatcher) Offer(a Attachment) bool {
	select {
	case d.attachCh <- a:
		return true
	default:
		return false
	}
}

// DrainPending receives at most one pending Attachment from the rendezvous
// slot and runs it through Attach. It returns false if nothing was
// pending.
func (d *Dispatcher) DrainPending(ctx context.Context, eng *transfer.Engine) (bool, error) {
	select {
	case a := <-d.attachCh:
		_, err := d.Attach(ctx, eng, a.Handle, a.Device)
		return true, err
	default:
		return false, nil
	}
}

// Register appends a class driver to the dispatch list. Drivers are tried
// in registration order; the first to claim a device wins.
func (d *Dispatcher) Register(cd ClassDriver) {
	d.drivers = append(d.drivers, cd)
}

// Attach offers dev to every registered driver in order. If a driver
// claims it, the resulting task is pushed into the shared poller; a full
// poller rejects the attach with pkg.ErrTaskSlabFull rather than blocking,
// since this stack never blocks on heap growth. ok is false if no driver
// recognized the device (not an error: the device is simply left
// unclaimed, e.g. an unsupported class).
func (d *Dispatcher) Attach(ctx context.Context, eng *transfer.Engine, h topology.Handle, dev descriptor.Device) (ok bool, err error) {
	for _, cd := range d.drivers {
		t, claimed, err := cd.TryAttach(ctx, eng, h, dev)
		if err != nil {
			pkg.LogWarn(pkg.ComponentDispatch, "class driver attach failed", "address", h.Address, "error", err)
			return false, err
		}
		if !claimed {
			continue
		}
		if _, err := d.tasks.Insert(t); err != nil {
			pkg.LogWarn(pkg.ComponentDispatch, "task slab full, rejecting attach", "address", h.Address)
			return false, err
		}
		pkg.LogInfo(pkg.ComponentDispatch, "device claimed", "address", h.Address, "class", dev.DeviceClass)
		return true, nil
	}
	return false, nil
}

// PollNext advances the shared task poller by one task (spec.md section
// 4.7); errors from an individual task are logged and its slot freed, not
// propagated, since one misbehaving class-driver task must not stop the
// dispatcher from servicing the rest.
func (d *Dispatcher) PollNext(ctx context.Context) {
	i, err := d.tasks.PollNext(ctx)
	if i < 0 {
		return
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "task failed", "slot", i, "error", err)
	}
}

// TaskCount reports how many class-driver tasks are currently live.
func (d *Dispatcher) TaskCount() int { return d.tasks.Len() }
