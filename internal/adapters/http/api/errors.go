package api

import (
	"errors"
	"fmt"
)

// Sentinel kinds for request errors. Both specific kinds match ErrBadRequest.
var (
	ErrBadRequest     = errors.New("bad request")
	ErrMissingEpochID = fmt.Errorf("%w: missing epoch id", ErrBadRequest)
	ErrUnknownStatus  = fmt.Errorf("%w: unknown epoch status", ErrBadRequest)
)
