package rowset

import (
	"sync"
	"sync/atomic"

	"rowflow/internal/row"
)

// Buffer is a bounded blocking RowSet backed by a channel.
//
// Put parks while the buffer is full and Get parks while it is empty. Both
// return as soon as the stop channel is closed. A single producer goroutine
// writes to a Buffer; SetDone closes the channel so drained reads see EOF.
type Buffer struct {
	producer string
	consumer string

	ch   chan Item
	stop <-chan struct{}
	wake chan struct{}

	doneOnce sync.Once
	done     atomic.Bool
}

// NewBuffer creates a buffer of the given capacity. stop unparks blocked
// callers when closed. wake, if non-nil, receives a non-blocking signal on
// every put and on completion so a consumer with several inputs can wait for
// any of them.
func NewBuffer(producer, consumer string, size int, stop <-chan struct{}, wake chan struct{}) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		producer: producer,
		consumer: consumer,
		ch:       make(chan Item, size),
		stop:     stop,
		wake:     wake,
	}
}

func (b *Buffer) Put(s *row.Schema, r row.Row) bool {
	if b.done.Load() || b.stopped() {
		return false
	}
	select {
	case b.ch <- Item{Schema: s, Row: r}:
		b.poke()
		return true
	case <-b.stop:
		return false
	}
}

func (b *Buffer) Get() (Item, Result) {
	select {
	case it, ok := <-b.ch:
		if !ok {
			return Item{}, EOF
		}
		return it, OK
	default:
	}
	select {
	case it, ok := <-b.ch:
		if !ok {
			return Item{}, EOF
		}
		return it, OK
	case <-b.stop:
		return Item{}, Stopped
	}
}

func (b *Buffer) TryGet() (Item, Result) {
	select {
	case it, ok := <-b.ch:
		if !ok {
			return Item{}, EOF
		}
		return it, OK
	default:
		if b.stopped() {
			return Item{}, Stopped
		}
		return Item{}, Empty
	}
}

func (b *Buffer) SetDone() {
	b.doneOnce.Do(func() {
		b.done.Store(true)
		close(b.ch)
		b.poke()
	})
}

func (b *Buffer) Producer() string { return b.producer }
func (b *Buffer) Consumer() string { return b.consumer }
func (b *Buffer) Len() int         { return len(b.ch) }
func (b *Buffer) Finished() bool   { return b.done.Load() && len(b.ch) == 0 }

func (b *Buffer) stopped() bool {
	if b.stop == nil {
		return false
	}
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func (b *Buffer) poke() {
	if b.wake == nil {
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
