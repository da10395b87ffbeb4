// Package ui provides the presentation event queue. Every presentation
// update runs on the single goroutine executing Queue.Run.
package ui

import (
	"log"
	"sync"
)

// DefaultQueueSize is the number of pending events a queue buffers.
const DefaultQueueSize = 64

// Queue is a single-consumer queue of presentation updates.
type Queue struct {
	events chan func()
	done   chan struct{}
	once   sync.Once
}

// NewQueue creates a queue buffering up to size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		events: make(chan func(), size),
		done:   make(chan struct{}),
	}
}

// Post schedules fn to run on the queue goroutine. It blocks while the
// buffer is full and returns false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.events <- fn:
		return true
	case <-q.done:
		return false
	}
}

// Run executes posted events in order until Close is called. Events still
// buffered at close time are run before Run returns.
func (q *Queue) Run() {
	for {
		select {
		case fn := <-q.events:
			q.exec(fn)
		case <-q.done:
			for {
				select {
				case fn := <-q.events:
					q.exec(fn)
				default:
					return
				}
			}
		}
	}
}

// Flush blocks until every event posted before it has run.
func (q *Queue) Flush() bool {
	ran := make(chan struct{})
	if !q.Post(func() { close(ran) }) {
		return false
	}

	select {
	case <-ran:
		return true
	case <-q.done:
		return false
	}
}

// Close stops the queue. It is safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Presentation update panicked: %v", r)
		}
	}()
	fn()
}
