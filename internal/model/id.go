package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a task identifier. ULIDs carry
// 80 bits of randomness behind a millisecond timestamp, so identifiers are
// never reused within a process lifetime.
func NewID() string {
	return ulid.Make().String()
}
