package engine

import (
	"fmt"
	"strings"
)

// SlotError ties a failure to the slot it affected. Index is the slot's
// position in the configured slot table.
type SlotError struct {
	Index int
	Err   error
}

// Error implements the error interface.
func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying failure.
func (e *SlotError) Unwrap() error { return e.Err }

// OpError aggregates per-slot failures from one sync operation. The
// operation ran to completion on every connection; Slots lists what failed.
type OpError struct {
	Op    string
	Slots []*SlotError
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if len(e.Slots) == 1 {
		return fmt.Sprintf("%s: %v", e.Op, e.Slots[0])
	}
	parts := make([]string, len(e.Slots))
	for i, s := range e.Slots {
		parts[i] = s.Error()
	}
	return fmt.Sprintf("%s: %d slots failed: %s", e.Op, len(e.Slots), strings.Join(parts, "; "))
}

// AsOpError extracts an *OpError when err is one.
func AsOpError(err error) (*OpError, bool) {
	oe, ok := err.(*OpError)
	return oe, ok
}
