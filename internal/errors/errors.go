package errors

import (
	"errors"
)

// indicates an unrecoverable error
var ErrPermanentFailure = errors.New("permanent failure, do not retry")

// IsPermanent reports whether err, or anything it wraps, is marked permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentFailure)
}

// Permanent marks err as unrecoverable while keeping it inspectable with errors.Is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(err, ErrPermanentFailure)
}
