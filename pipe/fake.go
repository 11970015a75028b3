package pipe

import (
	"context"
	"sync"

	"github.com/ardnew/usbhost/bus"
)

// CallKind tags which primitive a Fake recorded a call for, used by the
// lock-invariant property test (spec.md section 8 item 5) to assert that
// no two transfer operations' hardware-visible transactions interleave.
type CallKind uint8

const (
	CallSetAddr CallKind = iota
	CallSetup
	CallDataIn
	CallDataOut
	CallSplit
)

// Call records one primitive invocation against a Fake pipe.
type Call struct {
	Kind     CallKind
	Addr     uint8
	Endpoint uint8
	Toggle   Toggle
	Complete bool // Split: true for complete-split
}

// Fake is a scriptable software Pipe for tests. It records call order (so
// tests can assert serialization) and returns scripted responses and
// errors from caller-supplied hooks.
type Fake struct {
	mu sync.Mutex

	calls []Call
	addr  uint8

	// SetupFunc, DataInFunc, DataOutFunc, SplitFunc let a test script exact
	// responses per call; nil means "succeed with zero bytes". Each
	// receives ctx so a test can simulate a hardware HAL that blocks until
	// cancellation or deadline, the way a real Pipe implementation must.
	SetupFunc   func(ctx context.Context, pkt *[8]byte) error
	DataInFunc  func(ctx context.Context, ep uint8, tog Toggle, waitForReply, sendAck bool, buf []byte) (int, error)
	DataOutFunc func(ctx context.Context, ep uint8, tog Toggle, data []byte) error
	SplitFunc   func(ctx context.Context, complete bool, port uint8, et EndpointType, speed bus.Speed) error

	// inFlight detects illegal concurrent use: every method increments
	// and decrements it, and Fake fails loudly (panics) on reentrance,
	// standing in for the lock-invariant assertion a real race detector
	// would otherwise need a goroutine race to trip.
	inFlight int
}

// NewFake returns an empty Fake pipe targeting address 0.
func NewFake() *Fake { return &Fake{} }

// Calls returns a snapshot of recorded calls in issue order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) enter() func() {
	f.mu.Lock()
	f.inFlight++
	n := f.inFlight
	f.mu.Unlock()
	if n > 1 {
		panic("pipe.Fake: concurrent hardware access detected")
	}
	return func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *Fake) SetAddr(ctx context.Context, addr uint8) error {
	defer f.enter()()
	f.record(Call{Kind: CallSetAddr, Addr: addr})
	f.mu.Lock()
	f.addr = addr
	f.mu.Unlock()
	return nil
}

func (f *Fake) Setup(ctx context.Context, pkt *[8]byte) error {
	defer f.enter()()
	f.record(Call{Kind: CallSetup, Addr: f.addr})
	if f.SetupFunc != nil {
		return f.SetupFunc(ctx, pkt)
	}
	return nil
}

func (f *Fake) DataIn(ctx context.Context, ep uint8, tog Toggle, waitForReply, sendAck bool, buf []byte) (int, error) {
	defer f.enter()()
	f.record(Call{Kind: CallDataIn, Addr: f.addr, Endpoint: ep, Toggle: tog})
	if f.DataInFunc != nil {
		return f.DataInFunc(ctx, ep, tog, waitForReply, sendAck, buf)
	}
	return 0, nil
}

func (f *Fake) DataOut(ctx context.Context, ep uint8, tog Toggle, data []byte) error {
	defer f.enter()()
	f.record(Call{Kind: CallDataOut, Addr: f.addr, Endpoint: ep, Toggle: tog})
	if f.DataOutFunc != nil {
		return f.DataOutFunc(ctx, ep, tog, data)
	}
	return nil
}

func (f *Fake) Split(ctx context.Context, complete bool, port uint8, et EndpointType, speed bus.Speed) error {
	defer f.enter()()
	f.record(Call{Kind: CallSplit, Addr: f.addr, Endpoint: port, Complete: complete})
	if f.SplitFunc != nil {
		return f.SplitFunc(ctx, complete, port, et, speed)
	}
	return nil
}
