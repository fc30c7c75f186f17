package model

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewJobID generates a new ULID string for use as a job identifier.
func NewJobID() string {
	return ulid.Make().String()
}

// NewOutputID generates a ULID for tagging a job's output payload. ULIDs are
// 26 ASCII characters, which keeps them inside the 32-byte id field of the
// client binary frame.
func NewOutputID() string {
	return ulid.Make().String()
}

// NewSessionID generates an unguessable session identifier: 32 lowercase hex
// characters from a random UUID. Session ids double as bearer capabilities,
// so they must not be enumerable.
func NewSessionID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
