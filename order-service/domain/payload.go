package domain

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trellis/order-saga/shared/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Item is one order line
type Item struct {
	SKU string `json:"sku" validate:"required"`
	Qty int    `json:"qty" validate:"gt=0"`
}

// DefaultItems is used when an order is started without items
func DefaultItems() []Item {
	return []Item{{SKU: "ABC", Qty: 1}}
}

// OrderPayload is the value passed between saga steps. An empty item list is
// structurally valid; it is ValidateOrder that rejects it.
type OrderPayload struct {
	OrderID models.ID `json:"order_id" validate:"required"`
	Items   []Item    `json:"items" validate:"dive"`
	Address Address   `json:"address"`
}

// TotalQty is the sum of quantities over all items
func (p OrderPayload) TotalQty() int64 {
	var total int64
	for _, item := range p.Items {
		total += int64(item.Qty)
	}
	return total
}

// Validate checks the payload shape at an activity boundary
func (p OrderPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
			}
			return errors.Wrap(ErrInvalidPayload, strings.Join(fields, "; "))
		}
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return nil
}
