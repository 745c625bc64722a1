package melda

import "github.com/google/uuid"

// NewObjectID mints a fresh globally-unique identifier suitable for the
// _id field of a flattened sub-object. Identifiers are opaque to the
// engine; callers with naturally unique keys (ticket
// numbers, paths) can use those directly instead.
func NewObjectID() string {
	return uuid.NewString()
}
