package device

import (
	"github.com/pkg/errors"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrNotFound             = errors.New("not found")
	ErrBindFailure          = errors.New("bind failure")
	ErrMalformedRequest     = errors.New("malformed request")
)

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfiguration, format, args...)
}
