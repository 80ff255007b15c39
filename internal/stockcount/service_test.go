package stockcount

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/lock"
)

const (
	company   = int64(1)
	warehouse = int64(10)
	itemA     = int64(100)
	itemB     = int64(200)
	itemC     = int64(300)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

type fixture struct {
	svc    *Service
	ledger *inventory.Service
	repo   *MemoryRepository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	locker := lock.NewLocal(time.Second)
	ledger := inventory.NewService(inventory.Dependencies{
		Repo:   inventory.NewMemoryRepository(),
		Locker: locker,
	}, inventory.ServiceConfig{MaxRetries: 2, RetryBackoff: time.Millisecond})
	repo := NewMemoryRepository()
	return fixture{
		svc:    NewService(repo, ledger, ledger.Reconciler(), locker, nil),
		ledger: ledger,
		repo:   repo,
	}
}

func key(itemID int64) inventory.BalanceKey {
	return inventory.BalanceKey{CompanyID: company, WarehouseID: warehouse, ItemID: itemID}
}

func (f fixture) stock(t *testing.T, itemID int64, qty, cost string) {
	t.Helper()
	_, err := f.ledger.Increment(context.Background(), inventory.IncrementInput{
		Key: key(itemID), Quantity: d(qty), UnitCost: d(cost), Ref: inventory.Reference{Type: "GRN", ID: "seed"},
	})
	require.NoError(t, err)
}

func (f fixture) qty(t *testing.T, itemID int64) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), key(itemID))
	if errors.Is(err, inventory.ErrBalanceNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return b.Quantity
}

func (f fixture) open(t *testing.T, items ...int64) Count {
	t.Helper()
	c, err := f.svc.Open(context.Background(), OpenInput{
		CompanyID: company, WarehouseID: warehouse, ItemIDs: items, ActorID: "counter",
	})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, c.Status)
	return c
}

func (f fixture) record(t *testing.T, c Count, itemID int64, qty string) Count {
	t.Helper()
	for _, l := range c.Lines {
		if l.ItemID != itemID {
			continue
		}
		out, err := f.svc.RecordCount(context.Background(), RecordInput{CountID: c.ID, LineID: l.ID, CountedQty: d(qty)})
		require.NoError(t, err)
		return out
	}
	t.Fatalf("item %d not on count %d", itemID, c.ID)
	return Count{}
}

func TestOpenSnapshotsWarehouseBalances(t *testing.T) {
	f := newFixture(t)
	f.stock(t, itemB, "4", "2")
	f.stock(t, itemA, "10", "5")

	c := f.open(t)
	require.NotEmpty(t, c.Number)
	require.Len(t, c.Lines, 2)
	require.Equal(t, itemA, c.Lines[0].ItemID)
	requireDecimal(t, "10", c.Lines[0].SystemQty)
	require.Equal(t, itemB, c.Lines[1].ItemID)
	requireDecimal(t, "4", c.Lines[1].SystemQty)
	for _, l := range c.Lines {
		require.False(t, l.Counted)
		require.True(t, l.Difference().IsZero())
	}
}

func TestOpenWithExplicitItems(t *testing.T) {
	f := newFixture(t)
	f.stock(t, itemA, "10", "5")

	c := f.open(t, itemA, itemC, itemA)
	require.Len(t, c.Lines, 2)
	requireDecimal(t, "10", c.Lines[0].SystemQty)
	require.Equal(t, itemC, c.Lines[1].ItemID)
	requireDecimal(t, "0", c.Lines[1].SystemQty)
}

func TestOpenRejectsEmptyCount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Open(context.Background(), OpenInput{CompanyID: company, WarehouseID: warehouse})
	require.ErrorIs(t, err, ErrInvalidCount)

	_, err = f.svc.Open(context.Background(), OpenInput{CompanyID: company})
	require.ErrorIs(t, err, ErrInvalidCount)
}

func TestCountWorkflowPostsDifferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, itemA, "10", "5")
	f.stock(t, itemB, "4", "2")

	c := f.open(t)
	c = f.record(t, c, itemA, "8")
	require.Equal(t, StatusCounting, c.Status)
	requireDecimal(t, "-2", c.Lines[0].Difference())
	c = f.record(t, c, itemB, "4")

	c, err := f.svc.SubmitForReview(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReview, c.Status)

	out, err := f.svc.Close(ctx, c.ID, "supervisor")
	require.NoError(t, err)
	require.Equal(t, StatusClosed, out.Count.Status)
	require.NotNil(t, out.Count.ClosedAt)
	require.Len(t, out.Adjustments, 1)

	adj := out.Adjustments[0].Movement
	require.Equal(t, inventory.MovementAdjustment, adj.Type)
	require.Equal(t, -1, adj.Sign)
	requireDecimal(t, "2", adj.Quantity)
	require.Equal(t, ReferenceType, adj.ReferenceType)
	require.Equal(t, c.Number, adj.ReferenceID)

	requireDecimal(t, "8", f.qty(t, itemA))
	requireDecimal(t, "4", f.qty(t, itemB))

	stored, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, stored.Status)
}

func TestCloseKeepsMovementsOnUnchangedLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, itemA, "10", "5")
	f.stock(t, itemB, "10", "5")

	c := f.open(t, itemA, itemB)
	for _, item := range []int64{itemA, itemB} {
		_, err := f.ledger.Decrement(ctx, inventory.DecrementInput{
			Key: key(item), Quantity: d("3"), Ref: inventory.Reference{Type: "DO", ID: "do-1"},
		})
		require.NoError(t, err)
	}

	c = f.record(t, c, itemA, "10")
	c = f.record(t, c, itemB, "8")
	_, err := f.svc.SubmitForReview(ctx, c.ID)
	require.NoError(t, err)
	out, err := f.svc.Close(ctx, c.ID, "supervisor")
	require.NoError(t, err)
	require.Equal(t, StatusClosed, out.Count.Status)

	require.Len(t, out.Adjustments, 1)
	require.Equal(t, itemB, out.Adjustments[0].Movement.ItemID)
	require.Equal(t, 1, out.Adjustments[0].Movement.Sign)
	requireDecimal(t, "1", out.Adjustments[0].Movement.Quantity)
	requireDecimal(t, "7", f.qty(t, itemA))
	requireDecimal(t, "8", f.qty(t, itemB))

	moves, err := f.ledger.ListMovements(ctx, inventory.MovementFilter{Key: key(itemA)})
	require.NoError(t, err)
	require.Len(t, moves, 2)
}

func TestRecordCountValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, itemA, "10", "5")
	c := f.open(t)

	_, err := f.svc.RecordCount(ctx, RecordInput{CountID: c.ID, LineID: c.Lines[0].ID, CountedQty: d("-1")})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	_, err = f.svc.RecordCount(ctx, RecordInput{CountID: c.ID, LineID: 999, CountedQty: d("1")})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.RecordCount(ctx, RecordInput{CountID: 999, LineID: c.Lines[0].ID, CountedQty: d("1")})
	require.ErrorIs(t, err, ErrNotFound)

	// recount overwrites
	f.record(t, c, itemA, "7")
	c = f.record(t, c, itemA, "9")
	requireDecimal(t, "9", c.Lines[0].CountedQty)
}

func TestSubmitRequiresEveryLineCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, itemA, "10", "5")
	f.stock(t, itemB, "4", "2")
	c := f.open(t)

	_, err := f.svc.SubmitForReview(ctx, c.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	f.record(t, c, itemA, "10")
	_, err = f.svc.SubmitForReview(ctx, c.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.Close(ctx, c.ID, "supervisor")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordRejectedAfterReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, itemA, "10", "5")
	c := f.open(t)
	c = f.record(t, c, itemA, "10")
	_, err := f.svc.SubmitForReview(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.svc.RecordCount(ctx, RecordInput{CountID: c.ID, LineID: c.Lines[0].ID, CountedQty: d("3")})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancel(t *testing.T) {
	t.Run("open count", func(t *testing.T) {
		f := newFixture(t)
		f.stock(t, itemA, "10", "5")
		c := f.open(t)

		out, err := f.svc.Cancel(context.Background(), c.ID)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, out.Status)

		_, err = f.svc.Cancel(context.Background(), c.ID)
		require.ErrorIs(t, err, ErrInvalidState)
		_, err = f.svc.RecordCount(context.Background(), RecordInput{CountID: c.ID, LineID: c.Lines[0].ID, CountedQty: d("1")})
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("closed count", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.stock(t, itemA, "10", "5")
		c := f.open(t)
		f.record(t, c, itemA, "10")
		_, err := f.svc.SubmitForReview(ctx, c.ID)
		require.NoError(t, err)
		out, err := f.svc.Close(ctx, c.ID, "supervisor")
		require.NoError(t, err)
		require.Empty(t, out.Adjustments)

		_, err = f.svc.Cancel(ctx, c.ID)
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

type failingCloser struct{}

func (failingCloser) CloseInventoryCount(context.Context, inventory.CountClosing) ([]inventory.Result, error) {
	return nil, inventory.ErrConcurrencyTimeout
}

func (failingCloser) ReverseCountClosing(context.Context, []inventory.Result, inventory.Reference, string) {}

func TestCloseFailureKeepsReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, itemA, "10", "5")
	svc := NewService(f.repo, f.ledger, failingCloser{}, lock.NewLocal(time.Second), nil)

	c := f.open(t)
	f.record(t, c, itemA, "6")
	_, err := f.svc.SubmitForReview(ctx, c.ID)
	require.NoError(t, err)

	_, err = svc.Close(ctx, c.ID, "supervisor")
	require.ErrorIs(t, err, inventory.ErrConcurrencyTimeout)

	stored, err := f.repo.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReview, stored.Status)
	require.Nil(t, stored.ClosedAt)
	requireDecimal(t, "10", f.qty(t, itemA))
}

var errStoreDown = errors.New("store unavailable")

type flakyRepository struct {
	*MemoryRepository
	failUpdates int
}

func (r *flakyRepository) Update(ctx context.Context, c Count) error {
	if r.failUpdates > 0 {
		r.failUpdates--
		return errStoreDown
	}
	return r.MemoryRepository.Update(ctx, c)
}

func TestUnsavedCloseReversesAdjustments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, itemA, "10", "5")
	f.stock(t, itemB, "4", "5")
	repo := &flakyRepository{MemoryRepository: f.repo}
	svc := NewService(repo, f.ledger, f.ledger.Reconciler(), lock.NewLocal(time.Second), nil)

	c := f.open(t, itemA, itemB)
	c = f.record(t, c, itemA, "6")
	c = f.record(t, c, itemB, "7")
	_, err := f.svc.SubmitForReview(ctx, c.ID)
	require.NoError(t, err)

	repo.failUpdates = 1
	_, err = svc.Close(ctx, c.ID, "supervisor")
	require.ErrorIs(t, err, errStoreDown)
	requireDecimal(t, "10", f.qty(t, itemA))
	requireDecimal(t, "4", f.qty(t, itemB))
	stored, err := f.repo.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReview, stored.Status)
	require.Nil(t, stored.ClosedAt)

	out, err := svc.Close(ctx, c.ID, "supervisor")
	require.NoError(t, err)
	require.Equal(t, StatusClosed, out.Count.Status)
	require.Len(t, out.Adjustments, 2)
	requireDecimal(t, "6", f.qty(t, itemA))
	requireDecimal(t, "7", f.qty(t, itemB))
}
