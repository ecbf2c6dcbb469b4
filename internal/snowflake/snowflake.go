// Package snowflake generates 64-bit time-ordered unique identifiers. The
// layout is bits [63:22] milliseconds since the custom epoch, [21:17] worker,
// [16:12] process, and [11:0] a per-millisecond sequence. Ordering of IDs from
// a single worker matches creation order.
package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Epoch is the custom epoch (2024-01-01T00:00:00Z) in Unix milliseconds.
const Epoch int64 = 1704067200000

const (
	timestampShift = 22
	workerShift    = 17
	processShift   = 12

	maxWorker   = 1<<5 - 1
	maxProcess  = 1<<5 - 1
	sequenceMax = 1<<12 - 1
)

// ID is a snowflake identifier. It marshals to a JSON string because 64-bit
// integers overflow the precision of JSON numbers in most clients.
type ID int64

// String returns the decimal representation of the ID.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Timestamp returns the creation time encoded in the ID.
func (id ID) Timestamp() time.Time {
	ms := int64(id)>>timestampShift + Epoch
	return time.UnixMilli(ms)
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == 0 }

// MarshalJSON encodes the ID as a quoted decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare number.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse snowflake %q: %w", s, err)
	}
	*id = ID(n)
	return nil
}

// Parse converts a decimal string into an ID.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse snowflake %q: %w", s, err)
	}
	return ID(n), nil
}

// Node generates IDs for a single (worker, process) pair. Next never blocks:
// when the 4096-per-millisecond sequence would overflow, the generator borrows
// from the next millisecond instead of sleeping.
type Node struct {
	mu       sync.Mutex
	worker   int64
	process  int64
	lastMS   int64
	sequence int64
	now      func() time.Time
}

// NewNode creates a generator for the given worker and process numbers.
func NewNode(worker, process int64) (*Node, error) {
	if worker < 0 || worker > maxWorker {
		return nil, fmt.Errorf("worker %d out of range [0,%d]", worker, maxWorker)
	}
	if process < 0 || process > maxProcess {
		return nil, fmt.Errorf("process %d out of range [0,%d]", process, maxProcess)
	}
	return &Node{worker: worker, process: process, now: time.Now}, nil
}

// Next returns a fresh ID, strictly greater than any previously returned by
// this node.
func (n *Node) Next() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := n.now().UnixMilli() - Epoch
	if ms < n.lastMS {
		// Clock went backwards; keep issuing from the last observed millisecond
		// so ordering is preserved.
		ms = n.lastMS
	}

	if ms == n.lastMS {
		n.sequence++
		if n.sequence > sequenceMax {
			// Sequence exhausted for this millisecond: advance the logical
			// clock rather than blocking the caller.
			ms++
			n.sequence = 0
		}
	} else {
		n.sequence = 0
	}
	n.lastMS = ms

	return ID(ms<<timestampShift | n.worker<<workerShift | n.process<<processShift | n.sequence)
}
