package queue

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending items are available for assignment.
	StatusPending Status = "pending"
	// StatusLeased items are exclusively held by one reviewer.
	StatusLeased Status = "leased"
	// StatusCompleted items have been reviewed and confirmed.
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLeased, StatusCompleted:
		return true
	}
	return false
}

// Item is one queue row, keyed by the record's original snapshot index.
// LeasedBy and LeasedAt are both set when Status is leased and both zero
// otherwise.
type Item struct {
	OriginalIndex int        `json:"original_index"`
	Status        Status     `json:"status"`
	LeasedBy      string     `json:"leased_by,omitempty"`
	LeasedAt      *time.Time `json:"leased_at,omitempty"`
	CompletedBy   string     `json:"completed_by,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Assignment is the outcome of asking for an item. ReadOnly is set when the
// requested item is leased by another reviewer: the caller may view it but
// holds no lease on it. ExpiredReleased counts the overdue leases returned
// to pending while handling this request, so the caller can tell the
// reviewer that earlier work timed out.
type Assignment struct {
	Item            Item `json:"item"`
	ReadOnly        bool `json:"read_only"`
	ExpiredReleased int  `json:"expired_released,omitempty"`
}

// Stats summarizes queue progress.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Leased    int `json:"leased"`
	Completed int `json:"completed"`
}

// ErrExhausted is returned by AssignNext when no pending item exists. The
// counts let callers distinguish "all done" from "all currently leased".
type ErrExhausted struct {
	Completed int
	Total     int
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("no pending items (%d of %d completed)", e.Completed, e.Total)
}

// ErrLeaseConflict is returned when a mutation requires a lease the caller
// does not hold.
var ErrLeaseConflict = errors.New("item is leased by another reviewer")

// ErrNotFound is returned when no queue row exists for the index.
var ErrNotFound = errors.New("queue item not found")
