// Package supervisor implements the host supervisor (C9): the top-level
// four-state machine that composes the bus observer, the transfer engine,
// and the hub driver into a single cooperative step function.
package supervisor

import (
	"context"
	"time"

	"github.com/ardnew/usbhost/bus"
	"github.com/ardnew/usbhost/descriptor"
	"github.com/ardnew/usbhost/dispatch"
	"github.com/ardnew/usbhost/hub"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/topology"
	"github.com/ardnew/usbhost/transfer"
)

// State names the four states of spec.md section 4.9.
type State uint8

// Supervisor states.
const (
	Disconnected State = iota
	EnumerateRoot
	DeviceAttached
	Suspended
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case EnumerateRoot:
		return "enumerate_root"
	case DeviceAttached:
		return "device_attached"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// EventKind enumerates the HostEvent vocabulary of spec.md section 6.
type EventKind uint8

// Host event kinds.
const (
	NoEvent EventKind = iota
	NewDevice
	DeviceDetach
	SuspendedEvent
	ControlTransferResponse
	InterruptTransferResponse
)

// HostEvent is the single observable result of one Run step. Only the
// fields matching Kind are populated (Descriptor and Handle for NewDevice,
// Mask for DeviceDetach); the rest are zero.
type HostEvent struct {
	Kind EventKind

	Descriptor descriptor.Device
	Handle     topology.Handle
	Mask       topology.DisconnectMask
}

// HubSweepYield is the delay the supervisor sleeps after a full pass over
// every retained hub finds nothing to report (spec.md section 4.9).
const HubSweepYield = 100 * time.Millisecond

// Supervisor is the host-side top-level state machine. It owns no
// goroutines: Run performs exactly one step of cooperative work and
// returns, to be called in a loop by the embedding program.
type Supervisor struct {
	bus bus.Bus
	eng *transfer.Engine
	dsp *dispatch.Dispatcher

	state State

	hubs                  []*hub.Hub // capacity NR_HUBS, set at construction
	enumerationInProgress bool

	sweepIdx int
}

// New constructs a Supervisor in the Disconnected state, injecting the bus
// and transfer-engine capabilities per spec.md section 6's
// `new(bus, pipe)` contract (the engine already wraps the pipe capability
// and the address table).
func New(b bus.Bus, eng *transfer.Engine, dsp *dispatch.Dispatcher, maxHubs int) *Supervisor {
	return &Supervisor{
		bus:  b,
		eng:  eng,
		dsp:  dsp,
		hubs: make([]*hub.Hub, 0, maxHubs),
	}
}

// State reports the supervisor's current state, for tests and monitoring.
func (s *Supervisor) State() State { return s.state }

// Run performs one cooperative step and returns the next observable
// HostEvent, implementing spec.md section 4.9's transition table. A
// returned HostEvent with Kind == NoEvent means the step made internal
// progress (e.g. drained a hub event with no externally visible effect)
// without anything worth reporting; the caller should call Run again.
func (s *Supervisor) Run(ctx context.Context) (HostEvent, error) {
	switch s.state {
	case Disconnected:
		return s.runDisconnected(ctx)
	case EnumerateRoot:
		return s.runEnumerateRoot(ctx)
	case DeviceAttached:
		return s.runDeviceAttached(ctx)
	case Suspended:
		s.state = Disconnected
		return HostEvent{Kind: SuspendedEvent}, nil
	default:
		return HostEvent{}, pkg.ErrInvalidState
	}
}

func (s *Supervisor) runDisconnected(ctx context.Context) (HostEvent, error) {
	ev, err := s.bus.Poll(ctx)
	if err != nil {
		return HostEvent{}, err
	}
	switch ev.Kind {
	case bus.DeviceAttach:
		s.state = EnumerateRoot
		return HostEvent{Kind: NoEvent}, nil
	case bus.Suspend:
		s.state = Suspended
		return HostEvent{Kind: NoEvent}, nil
	default:
		// DeviceDetach and Resume: remain Disconnected.
		return HostEvent{Kind: NoEvent}, nil
	}
}

func (s *Supervisor) runEnumerateRoot(ctx context.Context) (HostEvent, error) {
	dev, handle, err := s.eng.DevAttach(ctx, topology.DevInfo{})
	if err != nil {
		pkg.LogWarn(pkg.ComponentSupervisor, "root enumeration failed, reverting to disconnected", "error", err)
		s.state = Disconnected
		return HostEvent{Kind: NoEvent}, nil
	}

	if dev.DeviceClass == descriptor.ClassHub {
		rootHub, err := hub.New(ctx, s.eng, handle)
		if err != nil {
			pkg.LogWarn(pkg.ComponentSupervisor, "root hub setup failed, reverting to disconnected", "error", err)
			s.state = Disconnected
			return HostEvent{Kind: NoEvent}, nil
		}
		s.hubs = append(s.hubs[:0], rootHub)
		s.state = DeviceAttached
		return HostEvent{Kind: NoEvent}, nil
	}

	s.hubs = s.hubs[:0]
	s.state = DeviceAttached
	if s.dsp != nil {
		s.dsp.Offer(dispatch.Attachment{Handle: handle, Device: dev})
	}
	return HostEvent{Kind: NewDevice, Descriptor: dev, Handle: handle}, nil
}

func (s *Supervisor) runDeviceAttached(ctx context.Context) (HostEvent, error) {
	if s.dsp != nil {
		if _, err := s.dsp.DrainPending(ctx, s.eng); err != nil {
			pkg.LogWarn(pkg.ComponentSupervisor, "dispatch attach failed", "error", err)
		}
		s.dsp.PollNext(ctx)
	}

	hubEv, hubOwner, err := s.hubSweep(ctx)
	if err != nil {
		return HostEvent{}, err
	}
	if hubEv != nil {
		return s.handleHubEvent(ctx, hubOwner, *hubEv)
	}

	busEv, err := s.bus.Poll(ctx)
	if err != nil {
		return HostEvent{}, err
	}
	switch busEv.Kind {
	case bus.DeviceDetach:
		mask := s.eng.Table().FreeAll()
		s.hubs = s.hubs[:0]
		s.enumerationInProgress = false
		s.state = Disconnected
		return HostEvent{Kind: DeviceDetach, Mask: mask}, nil
	case bus.Suspend:
		s.state = Suspended
		return HostEvent{Kind: NoEvent}, nil
	case bus.DeviceAttach:
		s.state = EnumerateRoot
		return HostEvent{Kind: NoEvent}, nil
	default:
		return HostEvent{Kind: NoEvent}, nil
	}
}

// hubSweep polls every retained hub in order (spec.md section 4.9's
// sequential sweep, not a fairness guarantee) and returns the first event
// any hub reports along with that hub. After a full pass finds nothing it
// yields HubSweepYield before returning to let bus.Poll make progress.
func (s *Supervisor) hubSweep(ctx context.Context) (*hub.Event, *hub.Hub, error) {
	if len(s.hubs) == 0 {
		return nil, nil, nil
	}
	for i := 0; i < len(s.hubs); i++ {
		idx := (s.sweepIdx + i) % len(s.hubs)
		h := s.hubs[idx]
		ev, err := h.Poll(ctx, s.eng, s.enumerationInProgress)
		if err != nil {
			pkg.LogWarn(pkg.ComponentSupervisor, "hub poll failed", "hub", h.Handle.Address, "error", err)
			continue
		}
		if ev != nil {
			s.sweepIdx = (idx + 1) % len(s.hubs)
			return ev, h, nil
		}
	}
	s.sweepIdx = 0

	timer := time.NewTimer(HubSweepYield)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return nil, nil, nil
}

func (s *Supervisor) handleHubEvent(ctx context.Context, owner *hub.Hub, ev hub.Event) (HostEvent, error) {
	switch ev.Kind {
	case hub.DeviceReset:
		s.enumerationInProgress = true
		return HostEvent{Kind: NoEvent}, nil

	case hub.DeviceAttach:
		dev, handle, err := s.eng.DevAttach(ctx, ev.Info)
		if err != nil {
			pkg.LogWarn(pkg.ComponentSupervisor, "child enumeration failed", "error", err)
			s.enumerationInProgress = false
			return HostEvent{Kind: NoEvent}, nil
		}
		s.enumerationInProgress = false

		if dev.DeviceClass == descriptor.ClassHub {
			if len(s.hubs) >= cap(s.hubs) {
				pkg.LogWarn(pkg.ComponentSupervisor, "hub capacity exceeded, enumeration aborted", "address", handle.Address)
				s.eng.Table().Free(handle)
				return HostEvent{Kind: NoEvent}, nil
			}
			childHub, err := hub.New(ctx, s.eng, handle)
			if err != nil {
				pkg.LogWarn(pkg.ComponentSupervisor, "child hub setup failed", "error", err)
				return HostEvent{Kind: NoEvent}, nil
			}
			s.hubs = append(s.hubs, childHub)
			return HostEvent{Kind: NoEvent}, nil
		}

		if s.dsp != nil {
			s.dsp.Offer(dispatch.Attachment{Handle: handle, Device: dev})
		}
		return HostEvent{Kind: NewDevice, Descriptor: dev, Handle: handle}, nil

	case hub.DeviceDetach:
		mask := s.eng.Table().FreeSubtree(ev.Port)
		s.pruneHubs(mask)
		return HostEvent{Kind: DeviceDetach, Mask: mask}, nil

	default:
		return HostEvent{Kind: NoEvent}, nil
	}
}

// pruneHubs drops every retained hub whose address was invalidated by a
// subtree free, per spec.md section 4.9.
func (s *Supervisor) pruneHubs(mask topology.DisconnectMask) {
	kept := s.hubs[:0]
	for _, h := range s.hubs {
		if !mask.Has(h.Handle.Address) {
			kept = append(kept, h)
		}
	}
	s.hubs = kept
}
