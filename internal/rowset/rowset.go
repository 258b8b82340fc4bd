// Package rowset carries rows between two steps.
//
// Two implementations share the RowSet interface:
//
//   - Buffer is a bounded, blocking channel used by the threaded supervisor.
//     It is the only synchronization point between step workers.
//   - Queue is an unbounded, non-blocking FIFO used by the cooperative
//     executor, where every step runs on the caller's goroutine.
package rowset

import "rowflow/internal/row"

// Result reports the outcome of a read.
type Result uint8

const (
	// OK means a row was returned.
	OK Result = iota
	// Empty means nothing is queued yet but the producer is still active.
	Empty
	// EOF means the producer finished and every row has been read.
	EOF
	// Stopped means the pipeline was stopped while waiting.
	Stopped
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Empty:
		return "empty"
	case EOF:
		return "eof"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Item is one row together with the schema it is aligned to.
type Item struct {
	Schema *row.Schema
	Row    row.Row
}

// RowSet is a FIFO connection from one producing step copy to one consuming
// step copy.
type RowSet interface {
	// Put enqueues a row. It returns false when the row was not accepted
	// because the pipeline stopped or the producer already finished.
	Put(s *row.Schema, r row.Row) bool
	// Get returns the next row, waiting if the implementation blocks.
	Get() (Item, Result)
	// TryGet returns the next row without waiting.
	TryGet() (Item, Result)
	// SetDone marks the producer as finished.
	SetDone()
	Producer() string
	Consumer() string
	Len() int
	// Finished reports whether the producer is done and nothing is left.
	Finished() bool
}

// Name formats a producer/consumer pair for diagnostics.
func Name(rs RowSet) string {
	return rs.Producer() + " -> " + rs.Consumer()
}
