package config

import "errors"

// Error kinds shared across packages. Chain adapters classify RPC failures
// as transient (retry on a later tick) or permanent (surface to the caller).
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrChainTransient = errors.New("transient chain error")
	ErrChainPermanent = errors.New("permanent chain error")
	ErrFatal          = errors.New("fatal configuration error")
)
