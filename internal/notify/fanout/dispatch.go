package fanout

import (
	"context"
	"sync"
)

// Dispatch is the handle of an asynchronous fan-out. Callers may ignore it.
type Dispatch struct {
	done   chan struct{}
	mu     sync.Mutex
	report Report
}

func newDispatch() *Dispatch { return &Dispatch{done: make(chan struct{})} }

func (d *Dispatch) finish(r Report) {
	d.mu.Lock()
	d.report = r
	d.mu.Unlock()
	close(d.done)
}

// Done is closed when every channel for every recipient has settled.
func (d *Dispatch) Done() <-chan struct{} { return d.done }

// Wait blocks until the dispatch completes or ctx ends. Cancelling ctx only
// stops the wait; the dispatch keeps running.
func (d *Dispatch) Wait(ctx context.Context) (Report, error) {
	select {
	case <-d.done:
		return d.Report(), nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Report returns the result so far; it is complete once Done is closed.
func (d *Dispatch) Report() Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.report
}
