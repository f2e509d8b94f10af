package ident

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// ID identifies messages, streams and events. The canonical form is a
// 26-character Crockford base32 string whose lexicographic order
// matches creation order, so identifier columns double as time
// indexes and stay readable in logs.
type ID = ulid.ULID

// Zero is the all-zero ID, used as the absent value.
var Zero ID

// New creates an ID stamped with the current time. IDs created within
// the same millisecond stay monotonically ordered.
func New() ID {
	return ulid.Make()
}

// NewAt creates an ID stamped with the given time.
func NewAt(t time.Time) ID {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy())
}

// Parse reads an ID from its canonical text form.
func Parse(value string) (ID, error) {
	id, err := ulid.ParseStrict(value)
	if err != nil {
		return Zero, errors.Wrapf(err, "unable to parse id %q", value)
	}
	return id, nil
}

// MustParse is Parse for hardcoded identifiers.
func MustParse(value string) ID {
	id, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the ID is the absent value.
func IsZero(id ID) bool {
	return id == Zero
}

// Timestamp extracts the creation time of an ID, at millisecond
// precision, in UTC.
func Timestamp(id ID) time.Time {
	return ulid.Time(id.Time()).UTC()
}
