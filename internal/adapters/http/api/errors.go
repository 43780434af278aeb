package api

import "errors"

var (
	// ErrBadRequest marks a query or body the handlers could not parse.
	ErrBadRequest = errors.New("bad request")
	// ErrBackpressure is returned when the ingest queue refuses a batch.
	ErrBackpressure = errors.New("ingest queue full")
)
