package stockcount

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status of a physical inventory count.
type Status string

const (
	StatusOpen      Status = "open"
	StatusCounting  Status = "counting"
	StatusReview    Status = "review"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// ReferenceType tags adjustments produced by closing a count.
const ReferenceType = "inventory_count"

// Count is a physical count of one warehouse (optionally one location).
type Count struct {
	ID          int64
	Number      string
	CompanyID   int64
	WarehouseID int64
	LocationID  int64
	Status      Status
	Note        string
	CreatedBy   string
	CreatedAt   time.Time
	ClosedAt    *time.Time
	Lines       []Line
}

// Line compares the system quantity snapshotted at open with the count.
type Line struct {
	ID         int64
	ItemID     int64
	LotID      int64
	SystemQty  decimal.Decimal
	CountedQty decimal.Decimal
	Counted    bool
}

// Difference is counted minus system quantity; zero until counted.
func (l Line) Difference() decimal.Decimal {
	if !l.Counted {
		return decimal.Zero
	}
	return l.CountedQty.Sub(l.SystemQty)
}

// OpenInput starts a count. Empty ItemIDs counts every item with a balance
// in the warehouse.
type OpenInput struct {
	CompanyID   int64
	WarehouseID int64
	LocationID  int64
	ItemIDs     []int64
	Note        string
	ActorID     string
}

// RecordInput records the counted quantity of one line.
type RecordInput struct {
	CountID    int64
	LineID     int64
	CountedQty decimal.Decimal
	ActorID    string
}

var (
	// ErrNotFound indicates the count or line does not exist.
	ErrNotFound = errors.New("stockcount: not found")
	// ErrInvalidState indicates the requested transition is not allowed.
	ErrInvalidState = errors.New("stockcount: invalid state")
	// ErrInvalidCount indicates malformed input.
	ErrInvalidCount = errors.New("stockcount: invalid count")
)
