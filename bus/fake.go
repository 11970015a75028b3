package bus

import "context"

// Fake is a software Bus driven by a test's injected event queue, grounded
// on the teacher's host/hal/fifo software HAL pattern.
type Fake struct {
	events    chan Event
	resets    int
	speed     Speed
	speedOK   bool
	resetFunc func() error
}

// NewFake returns a Fake bus with no pending events.
func NewFake() *Fake {
	return &Fake{events: make(chan Event, 32)}
}

// Push enqueues an event for the next Poll to return.
func (f *Fake) Push(kind EventKind) {
	f.events <- Event{Kind: kind}
}

// SetSpeed sets the speed Speed() reports.
func (f *Fake) SetSpeed(s Speed) {
	f.speed = s
	f.speedOK = true
}

// OnReset installs a hook invoked by Reset, e.g. to fail a reset in tests.
func (f *Fake) OnReset(fn func() error) { f.resetFunc = fn }

// ResetCount returns how many times Reset has been called.
func (f *Fake) ResetCount() int { return f.resets }

func (f *Fake) Reset(ctx context.Context) error {
	f.resets++
	if f.resetFunc != nil {
		return f.resetFunc()
	}
	return nil
}

func (f *Fake) Poll(ctx context.Context) (Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (f *Fake) Speed() (Speed, bool) { return f.speed, f.speedOK }
