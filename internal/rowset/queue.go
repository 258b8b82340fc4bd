package rowset

import "rowflow/internal/row"

// Queue is an unbounded FIFO for single-goroutine use. Get never waits: it
// returns Empty when nothing is queued and the producer is still active.
type Queue struct {
	producer string
	consumer string
	items    []Item
	head     int
	done     bool
}

func NewQueue(producer, consumer string) *Queue {
	return &Queue{producer: producer, consumer: consumer}
}

func (q *Queue) Put(s *row.Schema, r row.Row) bool {
	if q.done {
		return false
	}
	q.items = append(q.items, Item{Schema: s, Row: r})
	return true
}

func (q *Queue) Get() (Item, Result) { return q.TryGet() }

func (q *Queue) TryGet() (Item, Result) {
	if q.head < len(q.items) {
		it := q.items[q.head]
		q.items[q.head] = Item{}
		q.head++
		if q.head == len(q.items) {
			q.items = q.items[:0]
			q.head = 0
		}
		return it, OK
	}
	if q.done {
		return Item{}, EOF
	}
	return Item{}, Empty
}

func (q *Queue) SetDone()         { q.done = true }
func (q *Queue) Producer() string { return q.producer }
func (q *Queue) Consumer() string { return q.consumer }
func (q *Queue) Len() int         { return len(q.items) - q.head }
func (q *Queue) Finished() bool   { return q.done && q.Len() == 0 }
