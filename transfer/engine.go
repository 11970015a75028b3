// Package transfer implements the shared transfer pipe (C5): a
// mutex-guarded wrapper over the pipe capability that serializes control
// and interrupt transactions, tracks data toggle, times out stuck
// transactions, and wraps transactions in split-transaction protocol when
// crossing a transaction-translator boundary.
package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ardnew/usbhost/descriptor"
	"github.com/ardnew/usbhost/pipe"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/topology"
)

// Split-transaction retry budgets (spec.md section 9 — flagged open
// question; these are empirical and tunable).
const (
	// MaxCompleteSplitRetries is the number of CSPLIT NYET retries
	// allowed per SSPLIT.
	MaxCompleteSplitRetries = 5

	// MaxStartSplitRounds is the number of full SSPLIT rounds attempted
	// before surfacing STALL.
	MaxStartSplitRounds = 3
)

// DefaultTimeout is the default per-transaction deadline (spec.md
// TRANSFER_TIMEOUT).
const DefaultTimeout = 500 * time.Millisecond

// InterruptChannel is owned by its class driver; its toggle is mutated
// only by the Engine while holding the pipe lock.
type InterruptChannel struct {
	Handle   topology.Handle
	Endpoint uint8 // includes direction bit
	Toggle   pipe.Toggle
}

// Engine guards the pipe capability (C2) and the address table (C4)
// behind one mutual-exclusion primitive — the stack's only
// synchronization object (spec.md section 5).
type Engine struct {
	mu      sync.Mutex
	pipe    pipe.Pipe
	table   *topology.Table
	timeout time.Duration
}

// New returns an Engine guarding pipe p and address table t.
func New(p pipe.Pipe, t *topology.Table) *Engine {
	return &Engine{pipe: p, table: t, timeout: DefaultTimeout}
}

// SetTimeout overrides DefaultTimeout, e.g. for faster tests.
func (e *Engine) SetTimeout(d time.Duration) { e.timeout = d }

// Table returns the address/topology manager the engine serializes access
// to, for callers (the host supervisor) that need to free addresses on
// detach.
func (e *Engine) Table() *topology.Table { return e.table }

func (e *Engine) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// splitSetup issues the SETUP stage, wrapping it in split-transaction
// protocol when h is behind a transaction translator.
func (e *Engine) splitSetup(ctx context.Context, h topology.Handle, req Request) error {
	var buf [8]byte
	req.MarshalTo(&buf)

	if err := e.pipe.SetAddr(ctx, h.Address); err != nil {
		return err
	}

	if !h.Info.TT.Valid {
		return e.pipe.Setup(ctx, &buf)
	}

	for round := 0; round < MaxStartSplitRounds; round++ {
		if err := e.pipe.Split(ctx, false, h.Info.TT.HubPort, pipe.EndpointControl, h.Info.Speed); err != nil {
			if errors.Is(err, pkg.ErrNAK) {
				continue
			}
			return err
		}
		if err := e.pipe.Setup(ctx, &buf); err != nil {
			return err
		}
		if err := e.completeSplitLoop(ctx, h, true); err == nil {
			return nil
		} else if !errors.Is(err, pkg.ErrNYET) {
			return err
		}
	}
	return pkg.ErrStall
}

// completeSplitLoop issues CSPLIT, retrying up to MaxCompleteSplitRetries
// times on NYET, per spec.md section 4.5/4.6 and the property in section 8
// item 7.
func (e *Engine) completeSplitLoop(ctx context.Context, h topology.Handle, isSetup bool) error {
	for i := 0; i < MaxCompleteSplitRetries; i++ {
		if err := e.pipe.Split(ctx, true, h.Info.TT.HubPort, pipe.EndpointControl, h.Info.Speed); err != nil {
			return err
		}
		var err error
		if isSetup {
			err = e.pipe.Setup(ctx, nil)
		} else {
			err = e.pipe.DataOut(ctx, 0, pipe.DATA0, nil)
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, pkg.ErrNYET):
			continue
		default:
			return err
		}
	}
	return pkg.ErrNYET
}

// ControlTransfer performs the three-stage control transfer described in
// spec.md section 4.5.
func (e *Engine) ControlTransfer(ctx context.Context, h topology.Handle, req Request, buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := e.deadline(ctx)
	defer cancel()

	if err := e.splitSetup(ctx, h, req); err != nil {
		return 0, translateTimeout(err)
	}

	n := 0
	if req.Length > 0 && req.IsDeviceToHost() {
		var err error
		n, err = e.dataInStage(ctx, h, buf, req.Length)
		if err != nil {
			return n, translateTimeout(err)
		}
	}

	// Status stage: zero-length opposite-direction transaction, always
	// DATA1 (spec.md section 3).
	if err := e.statusStage(ctx, h, req.IsDeviceToHost()); err != nil {
		return n, translateTimeout(err)
	}
	return n, nil
}

func (e *Engine) dataInStage(ctx context.Context, h topology.Handle, buf []byte, wantLength uint16) (int, error) {
	tog := pipe.DATA1
	total := 0
	max := int(h.MaxPacketSize0)
	if max == 0 {
		max = 8
	}
	for total < int(wantLength) {
		chunk := buf[total:]
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		n, err := e.dataInOnce(ctx, h, tog, chunk)
		if err != nil {
			return total, err
		}
		total += n
		tog = tog.Flip()
		if n < max {
			break
		}
	}
	return total, nil
}

func (e *Engine) dataInOnce(ctx context.Context, h topology.Handle, tog pipe.Toggle, buf []byte) (int, error) {
	if !h.Info.TT.Valid {
		return e.pipe.DataIn(ctx, 0, tog, true, true, buf)
	}
	for round := 0; round < MaxStartSplitRounds; round++ {
		if err := e.pipe.Split(ctx, false, h.Info.TT.HubPort, pipe.EndpointControl, h.Info.Speed); err != nil {
			return 0, err
		}
		if _, err := e.pipe.DataIn(ctx, 0, tog, false, false, nil); err != nil {
			return 0, err
		}
		for i := 0; i < MaxCompleteSplitRetries; i++ {
			if err := e.pipe.Split(ctx, true, h.Info.TT.HubPort, pipe.EndpointControl, h.Info.Speed); err != nil {
				return 0, err
			}
			n, err := e.pipe.DataIn(ctx, 0, tog, true, true, buf)
			switch {
			case err == nil:
				return n, nil
			case errors.Is(err, pkg.ErrNYET):
				continue
			default:
				return 0, err
			}
		}
	}
	return 0, pkg.ErrStall
}

func (e *Engine) statusStage(ctx context.Context, h topology.Handle, dataWasIn bool) error {
	if dataWasIn {
		return e.pipe.DataOut(ctx, 0, pipe.DATA1, []byte{})
	}
	_, err := e.dataInOnce(ctx, h, pipe.DATA1, make([]byte, 0))
	return err
}

// InterruptTransfer performs a single interrupt-endpoint poll: direct if
// the channel's device has no TT, split-wrapped otherwise (spec.md section
// 4.5/4.6).
func (e *Engine) InterruptTransfer(ctx context.Context, ch *InterruptChannel, buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := e.deadline(ctx)
	defer cancel()

	if err := e.pipe.SetAddr(ctx, ch.Handle.Address); err != nil {
		return 0, translateTimeout(err)
	}

	isIn := ch.Endpoint&0x80 != 0
	info := ch.Handle.Info

	var n int
	var err error
	if !info.TT.Valid {
		if isIn {
			n, err = e.pipe.DataIn(ctx, ch.Endpoint&0x0F, ch.Toggle, true, true, buf)
		} else {
			err = e.pipe.DataOut(ctx, ch.Endpoint&0x0F, ch.Toggle, buf)
		}
	} else {
		n, err = e.splitInterrupt(ctx, ch, buf, isIn)
	}

	if err != nil {
		if errors.Is(err, pkg.ErrNAK) {
			// NAK on an interrupt channel means "no data", not an error
			// (spec.md section 4.5/7).
			return 0, nil
		}
		return 0, translateTimeout(err)
	}
	ch.Toggle = ch.Toggle.Flip()
	return n, nil
}

func (e *Engine) splitInterrupt(ctx context.Context, ch *InterruptChannel, buf []byte, isIn bool) (int, error) {
	ep := ch.Endpoint & 0x0F
	tt := ch.Handle.Info.TT
	speed := ch.Handle.Info.Speed

	for round := 0; round < MaxStartSplitRounds; round++ {
		if err := e.pipe.Split(ctx, false, tt.HubPort, pipe.EndpointInterrupt, speed); err != nil {
			if errors.Is(err, pkg.ErrNAK) {
				continue
			}
			return 0, err
		}
		if isIn {
			if _, err := e.pipe.DataIn(ctx, ep, ch.Toggle, false, false, nil); err != nil {
				return 0, err
			}
		} else {
			if err := e.pipe.DataOut(ctx, ep, ch.Toggle, buf); err != nil {
				return 0, err
			}
		}

		for i := 0; i < MaxCompleteSplitRetries; i++ {
			if err := e.pipe.Split(ctx, true, tt.HubPort, pipe.EndpointInterrupt, speed); err != nil {
				return 0, err
			}
			if isIn {
				n, err := e.pipe.DataIn(ctx, ep, ch.Toggle, true, true, buf)
				switch {
				case err == nil:
					return n, nil
				case errors.Is(err, pkg.ErrNYET):
					continue
				default:
					return 0, err
				}
			}
			err := e.pipe.DataOut(ctx, ep, ch.Toggle, nil)
			switch {
			case err == nil:
				return 0, nil
			case errors.Is(err, pkg.ErrNYET):
				continue
			default:
				return 0, err
			}
		}
	}
	return 0, pkg.ErrStall
}

// DevAttach performs the enumeration sequence from spec.md section 4.5:
// fetch the device descriptor at the default address, allocate a real
// address, and Set_Address the device onto it.
func (e *Engine) DevAttach(ctx context.Context, parent topology.DevInfo) (descriptor.Device, topology.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := e.deadline(ctx)
	defer cancel()

	defaultHandle := topology.Handle{Address: 0, MaxPacketSize0: 8, Info: parent}

	// Get_Descriptor(Device) with a 64-byte length; dataInStage (invoked
	// by controlTransferLocked) repeats IN transactions until the full
	// 18-byte device descriptor arrives (spec.md section 4.5 step 1).
	var buf [64]byte
	req := GetDescriptor(descriptor.TypeDevice, 0, 0, 64)
	n, err := e.controlTransferLocked(ctx, defaultHandle, req, buf[:])
	if err != nil {
		return descriptor.Device{}, topology.Handle{}, translateTimeout(err)
	}
	if n < descriptor.DeviceDescriptorSize {
		return descriptor.Device{}, topology.Handle{}, pkg.ErrInvalidResponse
	}
	if err := e.statusStage(ctx, defaultHandle, true); err != nil {
		return descriptor.Device{}, topology.Handle{}, translateTimeout(err)
	}

	dev, err := descriptor.ParseDevice(buf[:n])
	if err != nil {
		return descriptor.Device{}, topology.Handle{}, err
	}

	handle, err := e.table.Alloc(dev.MaxPacketSize0, parent)
	if err != nil {
		return descriptor.Device{}, topology.Handle{}, err
	}

	if err := e.controlTransferNoData(ctx, defaultHandle, SetAddress(handle.Address)); err != nil {
		e.table.Free(handle)
		return descriptor.Device{}, topology.Handle{}, translateTimeout(err)
	}

	return dev, handle, nil
}

// controlTransferLocked is ControlTransfer's setup+data-stage body without
// re-acquiring the mutex, for callers that already hold it (DevAttach).
func (e *Engine) controlTransferLocked(ctx context.Context, h topology.Handle, req Request, buf []byte) (int, error) {
	if err := e.splitSetup(ctx, h, req); err != nil {
		return 0, err
	}
	if req.Length == 0 || !req.IsDeviceToHost() {
		return 0, e.statusStage(ctx, h, req.IsDeviceToHost())
	}
	return e.dataInStage(ctx, h, buf, req.Length)
}

func (e *Engine) controlTransferNoData(ctx context.Context, h topology.Handle, req Request) error {
	if err := e.splitSetup(ctx, h, req); err != nil {
		return err
	}
	return e.statusStage(ctx, h, req.IsDeviceToHost())
}

func translateTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pkg.ErrTransferTimeout
	}
	return err
}
