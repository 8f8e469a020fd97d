package app

import "time"

// Operation statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation tracks one CLI command. Its ID tags every log line the command
// writes. Commands that change the store mark the operation mutating; with
// auto-snapshots enabled such an operation ends with a snapshot.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string
	Mutating   bool
	Started    time.Time
}

// NewOperation creates an operation started at now.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		Status:     StatusSuccess,
		Started:    now,
	}
}

// MarkMutating records that the operation changed the store.
func (op *Operation) MarkMutating() {
	op.Mutating = true
}

// Fail records that the operation did not complete.
func (op *Operation) Fail() {
	op.Status = StatusError
}

// NeedsSnapshot reports whether the operation should be followed by a
// snapshot.
func (op *Operation) NeedsSnapshot() bool {
	return op.Mutating && op.Status == StatusSuccess
}
