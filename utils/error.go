package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrProcessNotPending is returned when an approve/reject transition is
// attempted on a process record that already left the PENDING state.
var ErrProcessNotPending = errors.New("infra object process is not pending")

// ErrMalformedBatch marks a detection batch with a dangling category or image
// reference. The whole batch is rejected; nothing is persisted.
var ErrMalformedBatch = errors.New("malformed detection batch")

// ErrGeocoderUnavailable marks a transient reverse-geocoding failure. Callers
// may retry the batch; the parser never substitutes an empty address.
var ErrGeocoderUnavailable = errors.New("geocoder unavailable")
