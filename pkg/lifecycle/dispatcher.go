// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lifecycle

import (
	"fmt"
	"sync"

	"github.com/luxfi/mediation/pkg/log"
)

// Dispatcher runs callbacks one at a time, in posting order, on a single
// goroutine. Host code invoked from it never needs its own locking.
type Dispatcher struct {
	log log.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	stopped chan struct{}
}

// NewDispatcher starts a dispatcher
func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NoOp()
	}
	d := &Dispatcher{
		log:     logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Post queues fn. It never blocks; after Close it reports false and drops fn.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until everything posted before it has run
func (d *Dispatcher) Flush() {
	done := make(chan struct{})
	if !d.Post(func() { close(done) }) {
		<-d.stopped
		return
	}
	<-done
}

// Close runs what is already queued and stops the goroutine
func (d *Dispatcher) Close() {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()

	if !already {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.call(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *Dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("callback panicked", log.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
