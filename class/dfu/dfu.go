// Package dfu implements a minimal Device Firmware Upgrade class driver:
// it recognizes a DFU runtime interface via its functional descriptor and
// issues DFU_DETACH, wired as a dispatch.ClassDriver and task.Task.
package dfu

import (
	"context"

	"github.com/ardnew/usbhost/descriptor"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/task"
	"github.com/ardnew/usbhost/topology"
	"github.com/ardnew/usbhost/transfer"
)

// reqDetach is the DFU_DETACH class-specific request code (USB DFU spec
// revision 1.1 Table 3.2).
const reqDetach = 0x00

// FunctionalDescriptorType is the DFU functional descriptor's
// bDescriptorType (shared numerically with the HID functional type; they
// are distinguished by the interface they trail).
const FunctionalDescriptorType = 0x21

// capabilities bits within the DFU functional descriptor's bmAttributes.
type capabilities uint8

func (c capabilities) canDetach() bool { return c&0x08 != 0 }

// info is the decoded DFU functional descriptor.
type info struct {
	capabilities  capabilities
	detachTimeout uint16
	transferSize  uint16
	version       uint16
}

func parseFunctional(data []byte) (info, bool) {
	if len(data) < 9 {
		return info{}, false
	}
	return info{
		capabilities:  capabilities(data[2]),
		detachTimeout: uint16(data[3]) | uint16(data[4])<<8,
		transferSize:  uint16(data[5]) | uint16(data[6])<<8,
		version:       uint16(data[7]) | uint16(data[8])<<8,
	}, true
}

// Updater is a claimed DFU runtime interface. Its single Poll call issues
// DFU_DETACH and completes; it never needs a second poll.
type Updater struct {
	eng       *transfer.Engine
	h         topology.Handle
	ifaceNum  uint8
	info      info
	requested bool
}

// Driver adapts TryAttach to dispatch.ClassDriver.
type Driver struct{}

// TryAttach inspects dev's full configuration descriptor for a DFU
// runtime interface (class Application-Specific, subclass
// descriptor.DFUSubClass) followed, before the next interface, by a DFU
// functional descriptor. ok is false unless both are present.
func (Driver) TryAttach(ctx context.Context, eng *transfer.Engine, h topology.Handle, dev descriptor.Device) (task.Task, bool, error) {
	var cfgHeader [descriptor.ConfigurationDescriptorSize]byte
	if _, err := eng.ControlTransfer(ctx, h, transfer.GetDescriptor(descriptor.TypeConfiguration, 0, 0, descriptor.ConfigurationDescriptorSize), cfgHeader[:]); err != nil {
		return nil, false, err
	}
	cfg, err := descriptor.ParseConfiguration(cfgHeader[:])
	if err != nil {
		return nil, false, err
	}

	fullCfg := make([]byte, cfg.TotalLength)
	if _, err := eng.ControlTransfer(ctx, h, transfer.GetDescriptor(descriptor.TypeConfiguration, 0, 0, cfg.TotalLength), fullCfg); err != nil {
		return nil, false, err
	}

	ifaceNum, fi, found := findDFURuntime(fullCfg)
	if !found {
		return nil, false, nil
	}

	pkg.LogInfo(pkg.ComponentClass, "DFU runtime interface claimed", "address", h.Address, "interface", ifaceNum, "can_detach", fi.capabilities.canDetach())
	return &Updater{eng: eng, h: h, ifaceNum: ifaceNum, info: fi}, true, nil
}

func findDFURuntime(cfg []byte) (ifaceNum uint8, fi info, found bool) {
	it := descriptor.NewIterator(cfg)
	inDFU := false
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		switch {
		case item.Kind == descriptor.KindInterface:
			i, err := descriptor.ParseInterface(item.Data)
			if err != nil {
				inDFU = false
				continue
			}
			inDFU = i.InterfaceClass == descriptor.ClassApplication && i.InterfaceSubClass == descriptor.DFUSubClass
			if inDFU {
				ifaceNum = i.InterfaceNumber
			}
		case item.Kind == descriptor.KindUnknown && item.Type == FunctionalDescriptorType:
			if !inDFU {
				continue
			}
			if parsed, ok := parseFunctional(item.Data); ok {
				return ifaceNum, parsed, true
			}
		}
	}
	return 0, info{}, false
}

// detachRequest builds the class-specific DFU_DETACH request.
func detachRequest(iface uint8, timeoutMs uint16) transfer.Request {
	return transfer.Request{
		RequestType: transfer.DirHostToDevice | transfer.CategoryClass | transfer.RecipientInterface,
		Request:     reqDetach,
		Value:       timeoutMs,
		Index:       uint16(iface),
	}
}

// Poll issues DFU_DETACH once, then reports done.
func (u *Updater) Poll(ctx context.Context) (bool, error) {
	if u.requested {
		return true, nil
	}
	u.requested = true
	if _, err := u.eng.ControlTransfer(ctx, u.h, detachRequest(u.ifaceNum, u.info.detachTimeout), nil); err != nil {
		return true, err
	}
	pkg.LogInfo(pkg.ComponentClass, "DFU_DETACH issued", "address", u.h.Address, "interface", u.ifaceNum)
	return true, nil
}
