package transfer

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status captures the lifecycle of a stock transfer.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusInTransit Status = "in_transit"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
)

// ReferenceType tags ledger movements produced by transfers.
const ReferenceType = "stock_transfer"

// Transfer moves stock between two warehouses of one company.
type Transfer struct {
	ID              int64
	Number          string
	CompanyID       int64
	FromWarehouseID int64
	FromLocationID  int64
	ToWarehouseID   int64
	ToLocationID    int64
	Status          Status
	Note            string
	CreatedBy       string
	CreatedAt       time.Time
	ShippedAt       *time.Time
	ReceivedAt      *time.Time
	CancelledAt     *time.Time
	Lines           []Line
}

// Line is one item of a transfer. UnitCost is captured from the source
// average cost when the transfer ships.
type Line struct {
	ID          int64
	ItemID      int64
	LotID       int64
	Quantity    decimal.Decimal
	ReceivedQty decimal.Decimal
	UnitCost    decimal.Decimal
}

// Outstanding is the quantity still to be received.
func (l Line) Outstanding() decimal.Decimal {
	return l.Quantity.Sub(l.ReceivedQty)
}

// HasReceipts reports whether any line received stock.
func (t Transfer) HasReceipts() bool {
	for _, l := range t.Lines {
		if l.ReceivedQty.IsPositive() {
			return true
		}
	}
	return false
}

// FullyReceived reports whether every line received its full quantity.
func (t Transfer) FullyReceived() bool {
	for _, l := range t.Lines {
		if l.Outstanding().IsPositive() {
			return false
		}
	}
	return true
}

// LineInput describes a requested transfer line.
type LineInput struct {
	ItemID   int64
	LotID    int64
	Quantity decimal.Decimal
}

// CreateInput carries data for a new draft transfer.
type CreateInput struct {
	CompanyID       int64
	FromWarehouseID int64
	FromLocationID  int64
	ToWarehouseID   int64
	ToLocationID    int64
	Note            string
	ActorID         string
	Lines           []LineInput
}

// ReceiveLine is the quantity received for one item/lot of the transfer.
type ReceiveLine struct {
	ItemID   int64
	LotID    int64
	Quantity decimal.Decimal
}

// ReceiveInput records a (partial) receipt. Empty Lines receives everything
// outstanding.
type ReceiveInput struct {
	TransferID int64
	ActorID    string
	OccurredAt time.Time
	Lines      []ReceiveLine
}

var (
	// ErrNotFound indicates the transfer does not exist.
	ErrNotFound = errors.New("transfer: not found")
	// ErrInvalidState indicates the requested transition is not allowed.
	ErrInvalidState = errors.New("transfer: invalid state")
	// ErrInvalidTransfer indicates malformed transfer header or lines.
	ErrInvalidTransfer = errors.New("transfer: invalid transfer")
)
