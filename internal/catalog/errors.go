package catalog

import "errors"

var (
	ErrProductNotFound = errors.New("product not found")
	ErrStockOutOfRange = errors.New("stock out of range")
)
