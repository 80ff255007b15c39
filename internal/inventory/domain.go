package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType enumerates the stock movements the ledger understands.
type MovementType string

const (
	// MovementInitial is the first inbound movement of a balance key.
	MovementInitial MovementType = "initial"
	// MovementIn represents an inbound receipt.
	MovementIn MovementType = "in"
	// MovementOut represents an outbound issue.
	MovementOut MovementType = "out"
	// MovementAdjustment carries a signed correction (manual or count driven).
	MovementAdjustment MovementType = "adjustment"
	// MovementTransferOut leaves the source warehouse of a transfer.
	MovementTransferOut MovementType = "transfer_out"
	// MovementTransferIn arrives at the destination warehouse of a transfer.
	MovementTransferIn MovementType = "transfer_in"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	_, ok := effects[t]
	return ok
}

// CostScale is the number of decimal places kept for average costs.
const CostScale int32 = 6

// BalanceKey identifies one stock balance. Zero LocationID/LotID mean "not set".
type BalanceKey struct {
	CompanyID   int64 `json:"company_id"`
	WarehouseID int64 `json:"warehouse_id"`
	LocationID  int64 `json:"location_id,omitempty"`
	ItemID      int64 `json:"item_id"`
	LotID       int64 `json:"lot_id,omitempty"`
}

// Validate checks the mandatory parts of the key.
func (k BalanceKey) Validate() error {
	if k.CompanyID <= 0 || k.WarehouseID <= 0 || k.ItemID <= 0 {
		return ErrInvalidKey
	}
	if k.LocationID < 0 || k.LotID < 0 {
		return ErrInvalidKey
	}
	return nil
}

// String renders the key, used for lock names and logs.
func (k BalanceKey) String() string {
	return fmt.Sprintf("%d:%d:%d:%d:%d", k.CompanyID, k.WarehouseID, k.LocationID, k.ItemID, k.LotID)
}

// Reference links a movement back to its originating document.
type Reference struct {
	Type string `json:"reference_type"`
	ID   string `json:"reference_id"`
}

// StockMovement is one immutable ledger event.
type StockMovement struct {
	ID            int64
	CompanyID     int64
	WarehouseID   int64
	LocationID    int64
	ItemID        int64
	LotID         int64
	SerialID      string
	Type          MovementType
	Quantity      decimal.Decimal
	Sign          int
	UnitCost      decimal.Decimal
	ReferenceType string
	ReferenceID   string
	OccurredAt    time.Time
	CreatedAt     time.Time
	CreatedBy     string
}

// Key returns the balance key the movement belongs to.
func (m StockMovement) Key() BalanceKey {
	return BalanceKey{
		CompanyID:   m.CompanyID,
		WarehouseID: m.WarehouseID,
		LocationID:  m.LocationID,
		ItemID:      m.ItemID,
		LotID:       m.LotID,
	}
}

// SignedQuantity returns the quantity with its direction applied.
func (m StockMovement) SignedQuantity() decimal.Decimal {
	if m.Sign < 0 {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

// Balance is the materialised stock state of one key.
type Balance struct {
	BalanceKey
	Quantity       decimal.Decimal
	ReservedQty    decimal.Decimal
	AvgCost        decimal.Decimal
	LastMovementAt time.Time
	Version        int64
	UpdatedAt      time.Time
}

// Available is on-hand quantity not earmarked by reservations.
func (b Balance) Available() decimal.Decimal {
	return b.Quantity.Sub(b.ReservedQty)
}

// Exists reports whether the balance row has been persisted.
func (b Balance) Exists() bool {
	return b.Version > 0
}

// WarningCode identifies a non-fatal condition reported with a result.
type WarningCode string

// WarningNegativeStock is raised when an operation leaves quantity below zero.
const WarningNegativeStock WarningCode = "negative_stock"

// Warning is a condition the caller may act on; the operation still committed.
type Warning struct {
	Code     WarningCode     `json:"code"`
	Key      BalanceKey      `json:"key"`
	Quantity decimal.Decimal `json:"quantity"`
	Message  string          `json:"message"`
}

// Result is returned by every mutating ledger operation.
type Result struct {
	Balance  Balance
	Movement *StockMovement
	Warnings []Warning
}

// HasWarning reports whether the result carries the given warning.
func (r Result) HasWarning(code WarningCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// IncrementInput describes an inbound movement.
type IncrementInput struct {
	Key            BalanceKey
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	Ref            Reference
	SerialID       string
	OccurredAt     time.Time
	ActorID        string
	IdempotencyKey string
}

// DecrementInput describes an outbound movement. ReleaseReserved, when set,
// consumes that much of the reservation in the same unit of work.
type DecrementInput struct {
	Key             BalanceKey
	Quantity        decimal.Decimal
	ReleaseReserved decimal.Decimal
	Ref             Reference
	SerialID        string
	OccurredAt      time.Time
	ActorID         string
	IdempotencyKey  string
}

// AdjustInput sets the absolute on-hand quantity of a key. UnitCost is used
// only for upward adjustments and defaults to the current average cost.
type AdjustInput struct {
	Key            BalanceKey
	NewQuantity    decimal.Decimal
	UnitCost       *decimal.Decimal
	Ref            Reference
	OccurredAt     time.Time
	ActorID        string
	IdempotencyKey string
}

// ReserveInput earmarks quantity against an open commitment.
type ReserveInput struct {
	Key      BalanceKey
	Quantity decimal.Decimal
	Ref      Reference
	ActorID  string
}

// ReleaseInput returns earmarked quantity to availability.
type ReleaseInput = ReserveInput

// MovementFilter selects movements for the stock card.
type MovementFilter struct {
	Key   BalanceKey
	From  time.Time
	To    time.Time
	Limit int
}

// NegativeStockPolicy decides what happens when an outbound movement would
// leave the balance below zero.
type NegativeStockPolicy string

const (
	// NegativeStockWarn commits the movement and reports a warning.
	NegativeStockWarn NegativeStockPolicy = "warn"
	// NegativeStockBlock rejects the movement with ErrNegativeStock.
	NegativeStockBlock NegativeStockPolicy = "block"
)

var (
	// ErrInvalidQuantity indicates a non-positive magnitude or negative target.
	ErrInvalidQuantity = errors.New("inventory: invalid quantity")
	// ErrInvalidUnitCost indicates invalid cost value.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
	// ErrInvalidKey indicates an incomplete balance key.
	ErrInvalidKey = errors.New("inventory: company, warehouse and item required")
	// ErrUnknownReference indicates a dangling company/warehouse/location/item id.
	ErrUnknownReference = errors.New("inventory: unknown reference")
	// ErrOverReceipt is returned when a receipt exceeds what was shipped.
	ErrOverReceipt = errors.New("inventory: receipt exceeds outstanding quantity")
	// ErrConcurrencyTimeout signals an exhausted lock/retry budget. Retryable.
	ErrConcurrencyTimeout = errors.New("inventory: concurrency timeout")
	// ErrNegativeStock triggered when movement would result negative qty under the block policy.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrInsufficientAvailable indicates a reservation larger than available stock.
	ErrInsufficientAvailable = errors.New("inventory: insufficient available quantity")
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("inventory: balance not found")
	// ErrVersionConflict is raised by repositories when the balance row changed underneath.
	ErrVersionConflict = errors.New("inventory: balance version conflict")
)

// IsRetryable reports whether err may be retried safely by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyTimeout)
}
