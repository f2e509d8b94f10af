package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

// ConcurrencyError reports a serialized-stream version conflict: two
// transactions appended to the same stream and this one lost. The
// whole batch was rolled back; retrying against current state is the
// only correct reaction.
type ConcurrencyError struct {
	StreamID ident.ID
	Err      error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict on stream %s: %v", e.StreamID, e.Err)
}

func (e *ConcurrencyError) Unwrap() error {
	return e.Err
}

// IsConcurrencyError reports whether err is a ConcurrencyError
// anywhere in its chain.
func IsConcurrencyError(err error) bool {
	var target *ConcurrencyError
	return errors.As(err, &target)
}

// The driver does not expose typed errors through the session
// abstraction, so classification matches on the SQLSTATE embedded in
// the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}

func isNoRows(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no rows in result set")
}
