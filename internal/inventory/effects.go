package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// effect folds one movement into a balance. The engine and replay share the
// table below so a balance built incrementally and one rebuilt from history
// always agree.
type effect func(b Balance, m StockMovement) Balance

var effects = map[MovementType]effect{
	MovementInitial:     inbound,
	MovementIn:          inbound,
	MovementTransferIn:  inbound,
	MovementOut:         outbound,
	MovementTransferOut: outbound,
	MovementAdjustment:  signed,
}

// directions holds the fixed sign of every type except adjustments.
var directions = map[MovementType]int{
	MovementInitial:     1,
	MovementIn:          1,
	MovementTransferIn:  1,
	MovementOut:         -1,
	MovementTransferOut: -1,
}

func inbound(b Balance, m StockMovement) Balance {
	b.AvgCost = WeightedAverage(b.Quantity, b.AvgCost, m.Quantity, m.UnitCost)
	b.Quantity = b.Quantity.Add(m.Quantity)
	return b
}

func outbound(b Balance, m StockMovement) Balance {
	b.Quantity = b.Quantity.Sub(m.Quantity)
	return b
}

func signed(b Balance, m StockMovement) Balance {
	if m.Sign > 0 {
		return inbound(b, m)
	}
	return outbound(b, m)
}

// applyMovement folds m into b using the effect registered for its type.
func applyMovement(b Balance, m StockMovement) (Balance, error) {
	fn, ok := effects[m.Type]
	if !ok {
		return b, fmt.Errorf("inventory: unknown movement type %q", m.Type)
	}
	b = fn(b, m)
	if m.OccurredAt.After(b.LastMovementAt) {
		b.LastMovementAt = m.OccurredAt
	}
	return b, nil
}

// directionOf returns the sign for a movement of type t with signed delta.
func directionOf(t MovementType, delta decimal.Decimal) int {
	if d, ok := directions[t]; ok {
		return d
	}
	if delta.IsNegative() {
		return -1
	}
	return 1
}
