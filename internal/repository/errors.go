package repository

import "errors"

// ErrStateConflict is returned when a compare-and-swap transition finds the session
// in a state other than the expected ones.
var ErrStateConflict = errors.New("session state changed concurrently")
