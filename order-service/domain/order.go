package domain

import (
	"time"

	"github.com/pkg/errors"

	"github.com/trellis/order-saga/shared/models"
)

// OrderState is the lifecycle label persisted on the order row
type OrderState string

const (
	OrderStateReceived        OrderState = "received"
	OrderStateValidated       OrderState = "validated"
	OrderStateRejected        OrderState = "rejected"
	OrderStateCharged         OrderState = "charged"
	OrderStatePackagePrepared OrderState = "package_prepared"
	OrderStateDispatched      OrderState = "dispatched"
	OrderStateShipped         OrderState = "shipped"
)

// predecessors lists, per target state, the states an order may move from.
// Shipped accepts charged directly so a failed shipping saga does not block
// the order saga from completing.
var predecessors = map[OrderState][]OrderState{
	OrderStateValidated:       {OrderStateReceived},
	OrderStateRejected:        {OrderStateReceived},
	OrderStateCharged:         {OrderStateValidated},
	OrderStatePackagePrepared: {OrderStateCharged},
	OrderStateDispatched:      {OrderStatePackagePrepared},
	OrderStateShipped:         {OrderStateCharged, OrderStatePackagePrepared, OrderStateDispatched},
}

var stateRank = map[OrderState]int{
	OrderStateReceived:        0,
	OrderStateValidated:       1,
	OrderStateCharged:         2,
	OrderStatePackagePrepared: 3,
	OrderStateDispatched:      4,
	OrderStateShipped:         5,
}

func ParseOrderState(s string) (OrderState, error) {
	state := OrderState(s)
	if _, ok := stateRank[state]; ok || state == OrderStateRejected {
		return state, nil
	}
	return "", errors.Errorf("unknown order state %q", s)
}

func (s OrderState) String() string {
	return string(s)
}

// Predecessors returns the states an order may move to s from
func Predecessors(s OrderState) []OrderState {
	return append([]OrderState(nil), predecessors[s]...)
}

// CanTransitionTo reports whether s may be followed by target. Staying in the
// same state is allowed and is a no-op for the store.
func (s OrderState) CanTransitionTo(target OrderState) bool {
	if s == target {
		return true
	}
	for _, from := range predecessors[target] {
		if from == s {
			return true
		}
	}
	return false
}

// IsTerminal is true for states no activity moves away from
func (s OrderState) IsTerminal() bool {
	return s == OrderStateRejected || s == OrderStateShipped
}

// ReachedOrPassed reports whether s is at or beyond other on the forward
// lineage. Rejected is off the lineage and never reaches anything but itself.
func (s OrderState) ReachedOrPassed(other OrderState) bool {
	if s == other {
		return true
	}
	sr, ok := stateRank[s]
	if !ok {
		return false
	}
	or, ok := stateRank[other]
	return ok && sr >= or
}

// Address is where the order ships to
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// DefaultAddress is used when an order is started without one
func DefaultAddress() Address {
	return Address{Street: "123 Main St"}
}

// Order is the persisted order row
type Order struct {
	ID         models.ID  `json:"id"`
	State      OrderState `json:"state"`
	Address    Address    `json:"address"`
	Timestamps models.Timestamps
}

// NewOrder creates an order in the received state
func NewOrder(id models.ID, address Address, now time.Time) *Order {
	return &Order{
		ID:         id,
		State:      OrderStateReceived,
		Address:    address,
		Timestamps: models.NewTimestamps(now),
	}
}

// TransitionTo moves the order to target. It returns false, with no error,
// when the order already is in target.
func (o *Order) TransitionTo(target OrderState, now time.Time) (bool, error) {
	if o.State == target {
		return false, nil
	}
	if !o.State.CanTransitionTo(target) {
		return false, errors.Wrapf(ErrIllegalTransition, "order %s: %s -> %s", o.ID, o.State, target)
	}
	o.State = target
	o.Timestamps = o.Timestamps.Update(now)
	return true, nil
}
