package escrow

import "errors"

var (
	// ErrNotFound is returned when the escrow identifier is unknown.
	ErrNotFound = errors.New("escrow: not found")
	// ErrUnauthorized is returned when the caller is not a party to the
	// escrow or lacks the arbitrator/admin capability the operation needs.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidState is returned when the operation is not valid for the
	// record's current status.
	ErrInvalidState = errors.New("escrow: invalid state for operation")
	// ErrInvalidData is returned for malformed or missing input before any
	// mutation takes place.
	ErrInvalidData = errors.New("escrow: invalid data")
)
