package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrRateLimited       = errors.New("rate limited")
	ErrProvider          = errors.New("provider failure")
	ErrDispatch          = errors.New("dispatch failure")
	ErrTimeout           = errors.New("stage timeout")
	ErrNormalization     = errors.New("unparsable provider output")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrJobNotFound       = errors.New("job not found")
	ErrTemporary         = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
