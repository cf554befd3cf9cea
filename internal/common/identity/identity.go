// Package identity generates the time-sortable identifiers used for
// dispatches and captured events. IDs sort lexicographically in creation
// order: a zero-padded unix-millisecond prefix, a process-wide sequence
// number to break ties within the same millisecond, and a short random
// suffix to keep ids unique across processes.
package identity

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var seq atomic.Uint64

// NewDispatchID returns a new dispatch identifier.
func NewDispatchID() string {
	return newID("d")
}

// NewEventID returns a new captured-event identifier.
func NewEventID() string {
	return newID("e")
}

// NewSessionID returns an opaque draft-session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

func newID(prefix string) string {
	n := seq.Add(1)
	return fmt.Sprintf("%s-%013d-%06d-%s", prefix, time.Now().UnixMilli(), n%1000000, shortSuffix())
}

func shortSuffix() string {
	id := uuid.New().String()
	return strings.SplitN(id, "-", 2)[0]
}
