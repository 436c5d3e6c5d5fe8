package server

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrBadRequest       = errors.New("bad request")
)
