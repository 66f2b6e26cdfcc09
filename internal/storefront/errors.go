package storefront

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrOutOfStock      = errors.New("product out of stock")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrInvalidStock    = errors.New("invalid stock")
	ErrChargeInFlight  = errors.New("charge request already in progress")
	ErrWrongState      = errors.New("operation not valid in current session state")
)
