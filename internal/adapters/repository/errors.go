package repository

import (
	"errors"
	"fmt"

	"github.com/okian/scanreward/internal/domain/model"
)

// Sentinel kinds for store errors.
var (
	ErrDuplicateEpoch    = errors.New("epoch already exists")
	ErrActiveEpochExists = fmt.Errorf("%w: another epoch is active", model.ErrInvalidTransition)
	ErrConcurrentUpdate  = errors.New("epoch modified concurrently")
	ErrUnknownDriver     = errors.New("unknown store driver")
	ErrMissingConnection = errors.New("store connection settings missing")
)
