package ident

import "github.com/google/uuid"

// InstanceID identifies one running process of a service. Worker
// identity needs global uniqueness but not time ordering, so plain
// UUIDv4 is enough.
type InstanceID = uuid.UUID

// NewInstanceID creates a fresh instance identifier.
func NewInstanceID() InstanceID {
	return uuid.New()
}
