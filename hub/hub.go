// Package hub implements the per-hub class driver (C6): port power,
// status polling, reset sequencing, and the child-device attach/detach/
// reset events that feed back into the host supervisor.
package hub

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/usbhost/bus"
	"github.com/ardnew/usbhost/descriptor"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/topology"
	"github.com/ardnew/usbhost/transfer"
)

// PortStatus is the 16-bit wPortStatus field (USB 2.0 spec Table 11-21).
type PortStatus uint16

func (s PortStatus) Connected() bool  { return s&0x0001 != 0 }
func (s PortStatus) Enabled() bool    { return s&0x0002 != 0 }
func (s PortStatus) Suspended() bool  { return s&0x0004 != 0 }
func (s PortStatus) OverCurrent() bool { return s&0x0008 != 0 }
func (s PortStatus) Reset() bool      { return s&0x0010 != 0 }
func (s PortStatus) Power() bool      { return s&0x0100 != 0 }
func (s PortStatus) LowSpeed() bool   { return s&0x0200 != 0 }
func (s PortStatus) HighSpeed() bool  { return s&0x0400 != 0 }

// Speed returns the port's reported link speed.
func (s PortStatus) Speed() bus.Speed {
	switch {
	case s.HighSpeed():
		return bus.SpeedHigh
	case s.LowSpeed():
		return bus.SpeedLow
	default:
		return bus.SpeedFull
	}
}

// PortChange is the 16-bit wPortChange field.
type PortChange uint16

func (c PortChange) Connection() bool  { return c&0x0001 != 0 }
func (c PortChange) Enable() bool      { return c&0x0002 != 0 }
func (c PortChange) Suspend() bool     { return c&0x0004 != 0 }
func (c PortChange) OverCurrent() bool { return c&0x0008 != 0 }
func (c PortChange) Reset() bool       { return c&0x0010 != 0 }

// EventKind enumerates the synthetic events a hub poll can emit.
type EventKind uint8

const (
	DeviceAttach EventKind = iota
	DeviceDetach
	DeviceReset
)

// Event mirrors the bus.Event vocabulary spec.md section 4.6 defines for
// hub-originated activity.
type Event struct {
	Kind   EventKind
	Port   topology.PortInfo // valid for Attach/Detach
	Info   topology.DevInfo  // valid for Attach
}

// MaxOvercurrentRetries bounds how many reset completions reporting
// overcurrent a port may produce: each one still yields a DeviceAttach,
// and once a port's count exceeds this bound handlePort ignores its reset
// completions. The driver does not power-cycle or re-reset such a port, and
// the count is never cleared.
const MaxOvercurrentRetries = 3

// Hub is the per-hub driver state (spec.md section 3 "Hub state").
type Hub struct {
	Handle          topology.Handle
	NumberOfPorts   uint8
	channel         transfer.InterruptChannel
	overcurrentTries [256]uint8
}

// New constructs a Hub by running the construction sequence in spec.md
// section 4.6: configuration descriptor, sole configuration selection,
// class-specific hub descriptor, per-port power, interrupt-IN channel.
func New(ctx context.Context, eng *transfer.Engine, h topology.Handle) (*Hub, error) {
	var cfgHeader [descriptor.ConfigurationDescriptorSize]byte
	if _, err := eng.ControlTransfer(ctx, h, transfer.GetDescriptor(descriptor.TypeConfiguration, 0, 0, descriptor.ConfigurationDescriptorSize), cfgHeader[:]); err != nil {
		return nil, err
	}
	cfg, err := descriptor.ParseConfiguration(cfgHeader[:])
	if err != nil {
		return nil, err
	}

	fullCfg := make([]byte, cfg.TotalLength)
	if _, err := eng.ControlTransfer(ctx, h, transfer.GetDescriptor(descriptor.TypeConfiguration, 0, 0, cfg.TotalLength), fullCfg); err != nil {
		return nil, err
	}

	if _, err := eng.ControlTransfer(ctx, h, transfer.SetConfiguration(cfg.ConfigurationValue), nil); err != nil {
		return nil, err
	}

	var hubDescBuf [8]byte
	if _, err := eng.ControlTransfer(ctx, h, transfer.GetHubDescriptor(uint16(len(hubDescBuf))), hubDescBuf[:]); err != nil {
		return nil, err
	}
	numberOfPorts := hubDescBuf[2]

	statusEndpoint, err := findStatusEndpoint(fullCfg)
	if err != nil {
		return nil, err
	}

	hb := &Hub{
		Handle:        h,
		NumberOfPorts: numberOfPorts,
		channel: transfer.InterruptChannel{
			Handle:   h,
			Endpoint: statusEndpoint,
		},
	}

	for port := uint8(1); port <= numberOfPorts; port++ {
		if _, err := eng.ControlTransfer(ctx, h, transfer.SetPortFeature(port, transfer.FeaturePortPower), nil); err != nil {
			return nil, err
		}
	}
	for port := uint8(1); port <= numberOfPorts; port++ {
		var buf [4]byte
		if _, err := eng.ControlTransfer(ctx, h, transfer.GetPortStatus(port), buf[:]); err != nil {
			return nil, err
		}
		status := PortStatus(binary.LittleEndian.Uint16(buf[0:2]))
		pkg.LogDebug(pkg.ComponentHub, "port power checked", "port", port, "powered", status.Power())
	}

	return hb, nil
}

// findStatusEndpoint walks the configuration descriptor's sub-records for
// the sole interrupt-IN endpoint, the hub's status-change channel.
func findStatusEndpoint(cfg []byte) (uint8, error) {
	it := descriptor.NewIterator(cfg)
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		if item.Kind != descriptor.KindEndpoint {
			continue
		}
		ep, err := descriptor.ParseEndpoint(item.Data)
		if err != nil {
			continue
		}
		if ep.IsIn() && ep.TransferType() == descriptor.TransferInterrupt {
			return ep.Address, nil
		}
	}
	if err := it.Err(); err != nil {
		return 0, err
	}
	return 0, pkg.ErrInvalidResponse
}

// Poll implements the five-step sweep in spec.md section 4.6. It issues
// one interrupt-IN read against the status-change endpoint and, for each
// flagged port, resolves the port's status into at most one Event.
// enumerationInProgress is true while the supervisor is mid-enumeration of
// a previously emitted DeviceReset; newly-flagged connections are left
// latched (not reset) until it goes false again (spec.md scenario S6).
func (hb *Hub) Poll(ctx context.Context, eng *transfer.Engine, enumerationInProgress bool) (*Event, error) {
	var changeBuf [32]byte
	n, err := eng.InterruptTransfer(ctx, &hb.channel, changeBuf[:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // NAK: nothing happened
	}

	for port := uint8(1); port <= hb.NumberOfPorts; port++ {
		byteIdx := port / 8
		bitIdx := port % 8
		if int(byteIdx) >= n {
			break
		}
		if changeBuf[byteIdx]&(1<<bitIdx) == 0 {
			continue
		}

		var statusBuf [4]byte
		if _, err := eng.ControlTransfer(ctx, hb.Handle, transfer.GetPortStatus(port), statusBuf[:]); err != nil {
			return nil, err
		}
		status := PortStatus(binary.LittleEndian.Uint16(statusBuf[0:2]))
		change := PortChange(binary.LittleEndian.Uint16(statusBuf[2:4]))

		if ev, handled, err := hb.handlePort(ctx, eng, port, status, change, enumerationInProgress); err != nil {
			return nil, err
		} else if handled {
			return ev, nil
		}
	}
	return nil, nil
}

func (hb *Hub) handlePort(ctx context.Context, eng *transfer.Engine, port uint8, status PortStatus, change PortChange, enumerationInProgress bool) (*Event, bool, error) {
	switch {
	case change.Connection() && status.Connected():
		if enumerationInProgress {
			// Leave the change bit latched; revisited once enumeration
			// ends (spec.md scenario S6).
			return nil, false, nil
		}
		if _, err := eng.ControlTransfer(ctx, hb.Handle, transfer.ClearPortFeature(port, transfer.FeatureCPortConnection), nil); err != nil {
			return nil, false, err
		}
		if _, err := eng.ControlTransfer(ctx, hb.Handle, transfer.SetPortFeature(port, transfer.FeaturePortReset), nil); err != nil {
			return nil, false, err
		}
		pkg.LogDebug(pkg.ComponentHub, "port reset issued", "hub", hb.Handle.Address, "port", port)
		return &Event{Kind: DeviceReset, Port: topology.PortInfo{ParentAddress: hb.Handle.Address, PortNumber: port}}, true, nil

	case change.Connection() && !status.Connected():
		if _, err := eng.ControlTransfer(ctx, hb.Handle, transfer.ClearPortFeature(port, transfer.FeatureCPortConnection), nil); err != nil {
			return nil, false, err
		}
		pi := topology.PortInfo{ParentAddress: hb.Handle.Address, PortNumber: port}
		pkg.LogDebug(pkg.ComponentHub, "port disconnect", "hub", hb.Handle.Address, "port", port)
		return &Event{Kind: DeviceDetach, Port: pi}, true, nil

	case change.Reset() && !status.Reset():
		if status.OverCurrent() {
			hb.overcurrentTries[port]++
			if hb.overcurrentTries[port] > MaxOvercurrentRetries {
				pkg.LogWarn(pkg.ComponentHub, "port overcurrent, giving up", "hub", hb.Handle.Address, "port", port)
				return nil, false, nil
			}
		}
		if _, err := eng.ControlTransfer(ctx, hb.Handle, transfer.ClearPortFeature(port, transfer.FeatureCPortReset), nil); err != nil {
			return nil, false, err
		}

		tt := hb.childTT(port, status)
		info := topology.DevInfo{
			Port:  topology.PortInfo{ParentAddress: hb.Handle.Address, PortNumber: port},
			TT:    tt,
			Speed: status.Speed(),
		}
		pkg.LogDebug(pkg.ComponentHub, "child attach", "hub", hb.Handle.Address, "port", port, "speed", info.Speed)
		return &Event{Kind: DeviceAttach, Port: info.Port, Info: info}, true, nil
	}
	return nil, false, nil
}

// childTT resolves the transaction-translator for a child device attached
// at port, per spec.md section 4.6 step 5 and the DevInfo invariant in
// section 3.
func (hb *Hub) childTT(port uint8, status PortStatus) topology.TT {
	selfTT := hb.Handle.Info.TT
	if hb.Handle.Info.Speed == bus.SpeedHigh && status.Speed() != bus.SpeedHigh {
		return topology.TT{HubAddress: hb.Handle.Address, HubPort: port, Valid: true}
	}
	return selfTT
}
