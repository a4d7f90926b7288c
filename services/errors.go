// Package services holds the sequence lifecycle and tracking logic shared by
// the HTTP controllers and the background workers.
package services

import (
	"errors"
	"fmt"

	"outreachly/store"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
	ErrTransportFailure       = errors.New("transport failure")
)

// notFound converts a store miss into ErrNotFound naming what was missing.
func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

func validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
