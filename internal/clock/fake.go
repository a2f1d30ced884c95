package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually advanced clock whose Sleep returns immediately after moving time
// forward. It records every requested sleep. Functions registered with Every run
// synchronously, in time order, as Advance or Sleep moves past their due times.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	repeats map[int]*repeat
	nextID  int
}

type repeat struct {
	id    int
	every time.Duration
	next  time.Time
	fn    func()
}

// NewFake creates a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, repeats: make(map[int]*repeat)}
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, running every repeat that falls due on the way.
func (f *Fake) Advance(d time.Duration) {
	f.advanceTo(f.Now().Add(d))
}

// Set moves the clock to t without running repeats.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Sleep implements Sleeper.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	target := f.now.Add(d)
	f.mu.Unlock()
	if d > 0 {
		f.advanceTo(target)
	}
	return nil
}

// Every implements Repeater.
func (f *Fake) Every(d time.Duration, fn func()) func() {
	if d <= 0 {
		return func() {}
	}
	f.mu.Lock()
	if f.repeats == nil {
		f.repeats = make(map[int]*repeat)
	}
	id := f.nextID
	f.nextID++
	f.repeats[id] = &repeat{id: id, every: d, next: f.now.Add(d), fn: fn}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.repeats, id)
	}
}

// advanceTo steps the clock to each due repeat in turn, calling it without the lock held so
// it may read the clock, then settles on target.
func (f *Fake) advanceTo(target time.Time) {
	for {
		f.mu.Lock()
		var due *repeat
		for _, r := range f.repeats {
			if r.next.After(target) {
				continue
			}
			if due == nil || r.next.Before(due.next) || (r.next.Equal(due.next) && r.id < due.id) {
				due = r
			}
		}
		if due == nil {
			if target.After(f.now) {
				f.now = target
			}
			f.mu.Unlock()
			return
		}
		if due.next.After(f.now) {
			f.now = due.next
		}
		due.next = due.next.Add(due.every)
		fn := due.fn
		f.mu.Unlock()
		fn()
	}
}

// Sleeps returns the durations passed to Sleep so far.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}
