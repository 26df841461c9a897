package store

import "errors"

var (
	ErrNotFound      = errors.New("run not found")
	ErrRunFinished   = errors.New("run already finished")
	ErrInvalidStatus = errors.New("invalid run status")
)
