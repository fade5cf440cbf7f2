package crawlkit

import "errors"

var (
	// ErrEmptyBaseURIs is returned when a job is created without any seeds.
	ErrEmptyBaseURIs = errors.New("crawlkit: base URI collection is empty")

	// ErrInvalidJobID is returned when resuming a job the queue does not know.
	ErrInvalidJobID = errors.New("crawlkit: invalid job id")
)
