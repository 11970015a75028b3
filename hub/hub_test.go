package hub

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ardnew/usbhost/bus"
	"github.com/ardnew/usbhost/descriptor"
	"github.com/ardnew/usbhost/pipe"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/topology"
	"github.com/ardnew/usbhost/transfer"
)

// newTestHub returns a Hub wired to a fresh Fake pipe/engine without running
// the New() construction sequence, so each test can script exactly the
// control/interrupt responses it needs.
func newTestHub(t *testing.T, numPorts uint8) (*Hub, *pipe.Fake, *transfer.Engine) {
	t.Helper()
	fake := pipe.NewFake()
	table := topology.New(8)
	eng := transfer.New(fake, table)
	handle, err := table.Alloc(8, topology.DevInfo{Speed: bus.SpeedHigh})
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	hb := &Hub{
		Handle:        handle,
		NumberOfPorts: numPorts,
		channel:       transfer.InterruptChannel{Handle: handle, Endpoint: 0x81},
	}
	return hb, fake, eng
}

func buildHubConfig(epAddr, epAttr byte) []byte {
	cfg := []byte{9, descriptor.TypeConfiguration, 25, 0, 1, 1, 0, 0x80, 50}
	iface := []byte{9, descriptor.TypeInterface, 0, 0, 1, descriptor.ClassHub, 0, 0, 0}
	ep := []byte{7, descriptor.TypeEndpoint, epAddr, epAttr, 8, 0, 10}
	buf := append([]byte{}, cfg...)
	buf = append(buf, iface...)
	buf = append(buf, ep...)
	return buf
}

func TestFindStatusEndpoint(t *testing.T) {
	cfg := buildHubConfig(0x81, descriptor.TransferInterrupt)
	ep, err := findStatusEndpoint(cfg)
	if err != nil {
		t.Fatalf("findStatusEndpoint: %v", err)
	}
	if ep != 0x81 {
		t.Fatalf("expected endpoint 0x81, got %#02x", ep)
	}
}

func TestFindStatusEndpointMissing(t *testing.T) {
	// An OUT bulk endpoint is not a candidate status-change channel.
	cfg := buildHubConfig(0x01, descriptor.TransferBulk)
	if _, err := findStatusEndpoint(cfg); !errors.Is(err, pkg.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestPortStatusBits(t *testing.T) {
	s := PortStatus(0x0001 | 0x0100 | 0x0400) // connected, powered, high-speed
	if !s.Connected() || !s.Power() || !s.HighSpeed() {
		t.Fatalf("expected connected+power+high-speed bits, got %#04x", uint16(s))
	}
	if s.Speed() != bus.SpeedHigh {
		t.Fatalf("Speed() = %v, want SpeedHigh", s.Speed())
	}
	if s.LowSpeed() || s.OverCurrent() || s.Reset() {
		t.Fatalf("unexpected bits set in %#04x", uint16(s))
	}
}

func TestHandlePortConnectIssuesReset(t *testing.T) {
	hb, _, eng := newTestHub(t, 4)
	ev, handled, err := hb.handlePort(context.Background(), eng, 2, PortStatus(0x0001), PortChange(0x0001), false)
	if err != nil {
		t.Fatalf("handlePort: %v", err)
	}
	if !handled || ev == nil {
		t.Fatalf("expected a handled event, got handled=%v ev=%v", handled, ev)
	}
	if ev.Kind != DeviceReset {
		t.Fatalf("expected DeviceReset, got %v", ev.Kind)
	}
	if ev.Port.PortNumber != 2 || ev.Port.ParentAddress != hb.Handle.Address {
		t.Fatalf("unexpected port info: %+v", ev.Port)
	}
}

func TestHandlePortConnectDuringEnumerationLatched(t *testing.T) {
	hb, _, eng := newTestHub(t, 4)
	ev, handled, err := hb.handlePort(context.Background(), eng, 2, PortStatus(0x0001), PortChange(0x0001), true)
	if err != nil {
		t.Fatalf("handlePort: %v", err)
	}
	if handled || ev != nil {
		t.Fatalf("expected the connection to stay latched during enumeration, got handled=%v ev=%v", handled, ev)
	}
}

func TestHandlePortDisconnect(t *testing.T) {
	hb, _, eng := newTestHub(t, 4)
	ev, handled, err := hb.handlePort(context.Background(), eng, 3, PortStatus(0), PortChange(0x0001), false)
	if err != nil {
		t.Fatalf("handlePort: %v", err)
	}
	if !handled || ev == nil || ev.Kind != DeviceDetach {
		t.Fatalf("expected DeviceDetach, got handled=%v ev=%+v", handled, ev)
	}
	if ev.Port.PortNumber != 3 {
		t.Fatalf("unexpected port: %+v", ev.Port)
	}
}

func TestHandlePortResetCompleteAttachHighSpeedChild(t *testing.T) {
	hb, _, eng := newTestHub(t, 4) // hub itself is High-speed
	status := PortStatus(0x0001 | 0x0400)
	change := PortChange(0x0010)
	ev, handled, err := hb.handlePort(context.Background(), eng, 1, status, change, false)
	if err != nil {
		t.Fatalf("handlePort: %v", err)
	}
	if !handled || ev == nil || ev.Kind != DeviceAttach {
		t.Fatalf("expected DeviceAttach, got handled=%v ev=%+v", handled, ev)
	}
	if ev.Info.TT.Valid {
		t.Errorf("a High-speed child of a High-speed hub must not get a TT: %+v", ev.Info.TT)
	}
	if ev.Info.Speed != bus.SpeedHigh {
		t.Errorf("expected SpeedHigh, got %v", ev.Info.Speed)
	}
}

func TestHandlePortResetCompleteAttachFullSpeedChildGetsTT(t *testing.T) {
	hb, _, eng := newTestHub(t, 4) // hub itself is High-speed
	status := PortStatus(0x0001)   // connected, no speed bits set => Full-speed
	change := PortChange(0x0010)
	ev, handled, err := hb.handlePort(context.Background(), eng, 3, status, change, false)
	if err != nil {
		t.Fatalf("handlePort: %v", err)
	}
	if !handled || ev == nil || ev.Kind != DeviceAttach {
		t.Fatalf("expected DeviceAttach, got handled=%v ev=%+v", handled, ev)
	}
	if !ev.Info.TT.Valid || ev.Info.TT.HubAddress != hb.Handle.Address || ev.Info.TT.HubPort != 3 {
		t.Fatalf("expected TT routed through this hub at port 3, got %+v", ev.Info.TT)
	}
}

func TestOvercurrentRetryBound(t *testing.T) {
	hb, _, eng := newTestHub(t, 4)
	status := PortStatus(0x0001 | 0x0008) // connected + overcurrent
	change := PortChange(0x0010)

	var lastHandled bool
	for i := 0; i < MaxOvercurrentRetries+2; i++ {
		_, handled, err := hb.handlePort(context.Background(), eng, 5, status, change, false)
		if err != nil {
			t.Fatalf("handlePort iteration %d: %v", i, err)
		}
		lastHandled = handled
	}
	if lastHandled {
		t.Fatalf("expected the hub to give up after %d overcurrent retries", MaxOvercurrentRetries)
	}
}

// TestPollDispatchesPortEvent exercises Poll end to end: it decodes the
// interrupt-IN status-change bitmap, issues GetPortStatus for the flagged
// port, and dispatches the resulting event.
func TestPollDispatchesPortEvent(t *testing.T) {
	hb, fake, eng := newTestHub(t, 4)
	fake.DataInFunc = func(ctx context.Context, ep uint8, tog pipe.Toggle, waitForReply, sendAck bool, buf []byte) (int, error) {
		if len(buf) == 0 {
			return 0, nil // control status-stage probe
		}
		if ep == hb.channel.Endpoint&0x0F {
			buf[0] = 1 << 2 // port 2 changed
			return 1, nil
		}
		binary.LittleEndian.PutUint16(buf[0:2], 0x0001) // connected
		binary.LittleEndian.PutUint16(buf[2:4], 0x0001) // C_PORT_CONNECTION
		return 4, nil
	}

	ev, err := hb.Poll(context.Background(), eng, false)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ev == nil || ev.Kind != DeviceReset {
		t.Fatalf("expected DeviceReset event, got %+v", ev)
	}
	if ev.Port.PortNumber != 2 {
		t.Fatalf("expected port 2, got %d", ev.Port.PortNumber)
	}
}

func TestPollNoChangeReturnsNil(t *testing.T) {
	hb, fake, eng := newTestHub(t, 4)
	fake.DataInFunc = func(ctx context.Context, ep uint8, tog pipe.Toggle, waitForReply, sendAck bool, buf []byte) (int, error) {
		return 0, nil // NAK: nothing changed
	}
	ev, err := hb.Poll(context.Background(), eng, false)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no event, got %+v", ev)
	}
}
