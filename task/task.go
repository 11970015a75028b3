// Package task implements the static, heap-free task poller (C7): a
// fixed-capacity slab of cooperative tasks polled round-robin in place of
// goroutines or dynamically allocated futures.
package task

import (
	"context"

	"github.com/ardnew/usbhost/pkg"
)

// Task is one unit of cooperative work. Poll is called repeatedly until it
// reports done or returns an error; it must never block.
type Task interface {
	Poll(ctx context.Context) (done bool, err error)
}

// slot holds one task's state in the fixed array, live or not.
type slot[T Task] struct {
	task T
	live bool
}

// Poller is a fixed-capacity, array-backed task slab. It never allocates
// after construction: Insert fails with pkg.ErrTaskSlabFull once every slot
// is occupied, mirroring the teacher's fixed-size HAL buffer idiom.
type Poller[T Task] struct {
	slots []slot[T]
	next  int // round-robin cursor for PollNext
	count int
}

// New returns a Poller with capacity n.
func New[T Task](n int) *Poller[T] {
	return &Poller[T]{slots: make([]slot[T], n)}
}

// Len reports the number of live tasks.
func (p *Poller[T]) Len() int { return p.count }

// IsEmpty reports whether no task is live.
func (p *Poller[T]) IsEmpty() bool { return p.count == 0 }

// Capacity returns the slab's fixed size.
func (p *Poller[T]) Capacity() int { return len(p.slots) }

// Insert places t into the first free slot and returns its slot index.
func (p *Poller[T]) Insert(t T) (int, error) {
	for i := range p.slots {
		if !p.slots[i].live {
			p.slots[i] = slot[T]{task: t, live: true}
			p.count++
			pkg.LogDebug(pkg.ComponentTask, "task inserted", "slot", i)
			return i, nil
		}
	}
	return -1, pkg.ErrTaskSlabFull
}

// Remove frees the slot at index i, if live.
func (p *Poller[T]) Remove(i int) {
	if i < 0 || i >= len(p.slots) || !p.slots[i].live {
		return
	}
	var zero T
	p.slots[i] = slot[T]{task: zero, live: false}
	p.count--
	pkg.LogDebug(pkg.ComponentTask, "task removed", "slot", i)
}

// At returns the task in slot i and whether it is live.
func (p *Poller[T]) At(i int) (T, bool) {
	if i < 0 || i >= len(p.slots) || !p.slots[i].live {
		var zero T
		return zero, false
	}
	return p.slots[i].task, true
}

// PollNext advances the round-robin cursor by one live task and polls it,
// removing it on completion or error. It returns the slot index polled, or
// -1 if the slab holds no live task. Errors are returned to the caller
// (typically the dispatcher, which logs and frees the slot) rather than
// swallowed, so a misbehaving class driver task cannot silently wedge the
// slab.
func (p *Poller[T]) PollNext(ctx context.Context) (int, error) {
	if p.count == 0 {
		return -1, nil
	}
	n := len(p.slots)
	for step := 0; step < n; step++ {
		i := (p.next + step) % n
		if !p.slots[i].live {
			continue
		}
		p.next = (i + 1) % n
		done, err := p.slots[i].task.Poll(ctx)
		if err != nil {
			p.Remove(i)
			return i, err
		}
		if done {
			p.Remove(i)
		}
		return i, nil
	}
	return -1, nil
}
