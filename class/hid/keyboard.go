// Package hid implements the boot-protocol HID keyboard class driver,
// wired as a dispatch.ClassDriver and task.Task.
package hid

import (
	"context"

	"github.com/ardnew/usbhost/descriptor"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/task"
	"github.com/ardnew/usbhost/topology"
	"github.com/ardnew/usbhost/transfer"
)

// BootSubClass and BootProtocolKeyboard select the HID boot-protocol
// keyboard interface (USB HID spec section 4.2).
const (
	BootSubClass        = 0x01
	BootProtocolKeyboard = 0x01
)

// reportSize is the boot keyboard input report: modifier byte, reserved
// byte, six scancodes.
const reportSize = 8

// Keyboard is a claimed boot-protocol HID keyboard. Poll reads its
// interrupt-IN report endpoint once per call and decodes nothing beyond
// the scancode array (spec.md's class drivers are out of scope for
// business logic; this exercises the dispatcher and poller end-to-end).
type Keyboard struct {
	eng     *transfer.Engine
	channel transfer.InterruptChannel
	report  [reportSize]byte
}

// Driver adapts TryAttach to dispatch.ClassDriver.
type Driver struct{}

// TryAttach inspects dev's full configuration descriptor for a HID boot
// keyboard interface with an interrupt-IN endpoint. It claims the device
// by issuing Set_Protocol(Boot) and returning a *Keyboard task; ok is
// false if no such interface is present.
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

	ifaceNum, endpoint, found := findBootKeyboard(fullCfg)
	if !found {
		return nil, false, nil
	}

	if _, err := eng.ControlTransfer(ctx, h, setProtocolBoot(ifaceNum), nil); err != nil {
		return nil, false, err
	}

	pkg.LogInfo(pkg.ComponentClass, "HID boot keyboard claimed", "address", h.Address, "interface", ifaceNum)
	kb := &Keyboard{
		eng: eng,
		channel: transfer.InterruptChannel{
			Handle:   h,
			Endpoint: endpoint,
		},
	}
	return kb, true, nil
}

func findBootKeyboard(cfg []byte) (ifaceNum uint8, endpoint uint8, found bool) {
	it := descriptor.NewIterator(cfg)
	inBootKeyboard := false
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		switch item.Kind {
		case descriptor.KindInterface:
			i, err := descriptor.ParseInterface(item.Data)
			if err != nil {
				inBootKeyboard = false
				continue
			}
			inBootKeyboard = i.InterfaceClass == descriptor.ClassHID &&
				i.InterfaceSubClass == BootSubClass &&
				i.InterfaceProtocol == BootProtocolKeyboard
			if inBootKeyboard {
				ifaceNum = i.InterfaceNumber
			}
		case descriptor.KindEndpoint:
			if !inBootKeyboard {
				continue
			}
			ep, err := descriptor.ParseEndpoint(item.Data)
			if err != nil {
				continue
			}
			if ep.IsIn() && ep.TransferType() == descriptor.TransferInterrupt {
				return ifaceNum, ep.Address, true
			}
		}
	}
	return 0, 0, false
}

// setProtocolBoot builds the class-specific HID Set_Protocol(Boot=0)
// request targeting interface iface.
func setProtocolBoot(iface uint8) transfer.Request {
	return transfer.Request{
		RequestType: transfer.DirHostToDevice | transfer.CategoryClass | transfer.RecipientInterface,
		Request:     0x0B, // SET_PROTOCOL
		Value:       0,    // Boot protocol
		Index:       uint16(iface),
	}
}

// Poll reads one interrupt report. It never returns done=true on its own:
// a keyboard stays attached until its device detaches, at which point the
// device stops answering, the engine surfaces an error (typically
// pkg.ErrTransferTimeout) and the dispatcher frees its slot.
func (k *Keyboard) Poll(ctx context.Context) (bool, error) {
	n, err := k.eng.InterruptTransfer(ctx, &k.channel, k.report[:])
	if err != nil {
		return true, err
	}
	if n == 0 {
		return false, nil // NAK: no new report
	}
	pkg.LogDebug(pkg.ComponentClass, "HID report", "address", k.channel.Handle.Address, "modifiers", k.report[0], "keys", k.report[2:8])
	return false, nil
}
