package inventory

import (
	"context"
	"time"
)

// MovementCommittedEvent is published after a movement and its balance update
// committed, for costing and accounting consumers.
type MovementCommittedEvent struct {
	MovementID    int64        `json:"movement_id"`
	CompanyID     int64        `json:"company_id"`
	WarehouseID   int64        `json:"warehouse_id"`
	LocationID    int64        `json:"location_id,omitempty"`
	ItemID        int64        `json:"item_id"`
	LotID         int64        `json:"lot_id,omitempty"`
	Type          MovementType `json:"type"`
	Quantity      string       `json:"quantity"`
	UnitCost      string       `json:"unit_cost"`
	ReferenceType string       `json:"reference_type"`
	ReferenceID   string       `json:"reference_id"`
	OccurredAt    time.Time    `json:"occurred_at"`
	BalanceQty    string       `json:"balance_qty"`
	AvgCost       string       `json:"avg_cost"`
}

// NewMovementCommittedEvent builds the event for m and the resulting balance.
func NewMovementCommittedEvent(m StockMovement, b Balance) MovementCommittedEvent {
	return MovementCommittedEvent{
		MovementID:    m.ID,
		CompanyID:     m.CompanyID,
		WarehouseID:   m.WarehouseID,
		LocationID:    m.LocationID,
		ItemID:        m.ItemID,
		LotID:         m.LotID,
		Type:          m.Type,
		Quantity:      m.SignedQuantity().String(),
		UnitCost:      m.UnitCost.String(),
		ReferenceType: m.ReferenceType,
		ReferenceID:   m.ReferenceID,
		OccurredAt:    m.OccurredAt,
		BalanceQty:    b.Quantity.String(),
		AvgCost:       b.AvgCost.String(),
	}
}

// EventPublisher hands committed movements to downstream consumers.
type EventPublisher interface {
	PublishMovement(ctx context.Context, evt MovementCommittedEvent) error
}
