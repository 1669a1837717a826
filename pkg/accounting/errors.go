package accounting

import (
	"errors"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
)

var (
	// ErrMissingStatusType is returned for requests without Acct-Status-Type
	ErrMissingStatusType = errors.New("missing Acct-Status-Type")
	// ErrUnknownStatusType is returned for status types the server does not track
	ErrUnknownStatusType = errors.New("unknown Acct-Status-Type")
)

// SequenceError reports a request that arrived out of the expected order.
// The request is still acknowledged.
type SequenceError struct {
	Key    session.Key
	Reason string
}

func (e *SequenceError) Error() string {
	return "sequence error for " + e.Key.String() + ": " + e.Reason
}
