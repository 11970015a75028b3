// Package bus implements the root-port hardware observer capability (C1):
// reset, bus-event polling, and link-speed reporting.
package bus

import (
	"context"
	"time"

	"github.com/ardnew/usbhost/pkg"
)

// Speed is the USB connection speed reported by the bus or a hub port.
type Speed uint8

// USB 2.0 link speeds.
const (
	SpeedUnknown Speed = iota
	SpeedLow           // 1.5 Mbit/s
	SpeedFull          // 12 Mbit/s
	SpeedHigh          // 480 Mbit/s
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	default:
		return "unknown"
	}
}

// EventKind enumerates the bus events spec.md section 4.1 requires.
type EventKind uint8

const (
	DeviceAttach EventKind = iota
	DeviceDetach
	Suspend
	Resume
)

func (k EventKind) String() string {
	switch k {
	case DeviceAttach:
		return "attach"
	case DeviceDetach:
		return "detach"
	case Suspend:
		return "suspend"
	case Resume:
		return "resume"
	default:
		return "unknown"
	}
}

// Event is a single observed root-port event.
type Event struct {
	Kind EventKind
}

// Bus is the root-port hardware observer capability (C1). Implementations
// drive reset signaling, block for the next link event, and report the
// negotiated speed of whatever is currently attached.
type Bus interface {
	// Reset drives a reset signal on the root port until the link is
	// idle again.
	Reset(ctx context.Context) error

	// Poll blocks for the next root-port event. It is restartable: after
	// returning, the next call waits for the following event.
	Poll(ctx context.Context) (Event, error)

	// Speed reports the link speed of whatever is currently attached to
	// the root port, or ok=false if nothing is attached.
	Speed() (speed Speed, ok bool)
}

// ResetSettleDelay is the delay AttachResetBus waits after a reset before
// handing an attach event upward. USB 2.0 spec section 7.1.7.5 requires a
// minimum TRSTRCY of 10ms; real devices often need more. This constant is
// tunable but should not be reduced to zero — see spec.md section 9.
const ResetSettleDelay = 500 * time.Millisecond

// AttachResetBus wraps a Bus so every DeviceAttach event it reports has
// already been reset-and-settled: C9 (the host supervisor) depends on this
// contract and never issues its own reset for root-port attaches.
type AttachResetBus struct {
	Bus

	// settleDelay is ResetSettleDelay by default; tests may shrink it.
	settleDelay time.Duration
}

// NewAttachResetBus wraps inner with the attach-reset-settle contract.
func NewAttachResetBus(inner Bus) *AttachResetBus {
	return &AttachResetBus{Bus: inner, settleDelay: ResetSettleDelay}
}

// Poll blocks for the next event, inserting Reset + the settle delay
// whenever the underlying bus reports a DeviceAttach.
func (b *AttachResetBus) Poll(ctx context.Context) (Event, error) {
	ev, err := b.Bus.Poll(ctx)
	if err != nil {
		return Event{}, err
	}
	if ev.Kind != DeviceAttach {
		return ev, nil
	}
	pkg.LogDebug(pkg.ComponentBus, "attach observed, resetting")
	if err := b.Bus.Reset(ctx); err != nil {
		return Event{}, err
	}
	timer := time.NewTimer(b.settleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
	return ev, nil
}
