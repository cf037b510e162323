package domain

import "errors"

// ErrNotFound signals an unknown project, activity, or user id.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input or an upload outside the
// extension/size filter. Nothing is mutated when one is returned.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

// ForbiddenError rejects a download attempted before dual approval.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string { return e.Reason }
