package domain

import "github.com/pkg/errors"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrIllegalTransition = errors.New("illegal order state transition")
	ErrInvalidPayload    = errors.New("invalid order payload")
	ErrNoItemsToValidate = errors.New("No items to validate")
)
