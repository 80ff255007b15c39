package transfer

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
	company = int64(1)
	whSrc   = int64(10)
	whDst   = int64(20)
	itemA   = int64(100)
	itemB   = int64(200)
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

func newFixture(t *testing.T, policy inventory.NegativeStockPolicy) fixture {
	t.Helper()
	locker := lock.NewLocal(time.Second)
	ledger := inventory.NewService(inventory.Dependencies{
		Repo:   inventory.NewMemoryRepository(),
		Locker: locker,
	}, inventory.ServiceConfig{NegativeStock: policy, MaxRetries: 2, RetryBackoff: time.Millisecond})
	repo := NewMemoryRepository()
	return fixture{svc: NewService(repo, ledger, locker, nil), ledger: ledger, repo: repo}
}

func key(warehouseID, itemID int64) inventory.BalanceKey {
	return inventory.BalanceKey{CompanyID: company, WarehouseID: warehouseID, ItemID: itemID}
}

func (f fixture) stock(t *testing.T, warehouseID, itemID int64, qty, cost string) {
	t.Helper()
	_, err := f.ledger.Increment(context.Background(), inventory.IncrementInput{
		Key: key(warehouseID, itemID), Quantity: d(qty), UnitCost: d(cost), Ref: inventory.Reference{Type: "GRN", ID: "seed"},
	})
	require.NoError(t, err)
}

func (f fixture) qty(t *testing.T, warehouseID, itemID int64) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), key(warehouseID, itemID))
	if errors.Is(err, inventory.ErrBalanceNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return b.Quantity
}

func (f fixture) draft(t *testing.T, lines ...LineInput) Transfer {
	t.Helper()
	tr, err := f.svc.Create(context.Background(), CreateInput{
		CompanyID: company, FromWarehouseID: whSrc, ToWarehouseID: whDst, ActorID: "clerk", Lines: lines,
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, tr.Status)
	return tr
}

func TestTransferConservation(t *testing.T) {
	f := newFixture(t, inventory.NegativeStockWarn)
	ctx := context.Background()
	f.stock(t, whSrc, itemA, "10", "4")

	tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("6")})

	shipped, err := f.svc.Ship(ctx, tr.ID, "clerk")
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, shipped.Transfer.Status)
	requireDecimal(t, "4", shipped.Transfer.Lines[0].UnitCost)
	requireDecimal(t, "4", f.qty(t, whSrc, itemA))
	requireDecimal(t, "0", f.qty(t, whDst, itemA))

	received, err := f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, ActorID: "keeper"})
	require.NoError(t, err)
	require.Equal(t, StatusReceived, received.Transfer.Status)
	require.NotNil(t, received.Transfer.ReceivedAt)

	requireDecimal(t, "4", f.qty(t, whSrc, itemA))
	requireDecimal(t, "6", f.qty(t, whDst, itemA))
	dst, err := f.ledger.GetBalance(ctx, key(whDst, itemA))
	require.NoError(t, err)
	requireDecimal(t, "4", dst.AvgCost)

	moves, err := f.ledger.ListMovements(ctx, inventory.MovementFilter{Key: key(whDst, itemA)})
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.Equal(t, inventory.MovementTransferIn, moves[0].Type)
	require.Equal(t, tr.Number, moves[0].ReferenceID)
}

func TestPartialReceiptBound(t *testing.T) {
	f := newFixture(t, inventory.NegativeStockWarn)
	ctx := context.Background()
	f.stock(t, whSrc, itemA, "10", "2")
	tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("6")})
	_, err := f.svc.Ship(ctx, tr.ID, "clerk")
	require.NoError(t, err)

	out, err := f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, Lines: []ReceiveLine{{ItemID: itemA, Quantity: d("4")}}})
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, out.Transfer.Status)
	requireDecimal(t, "4", out.Transfer.Lines[0].ReceivedQty)

	_, err = f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, Lines: []ReceiveLine{{ItemID: itemA, Quantity: d("3")}}})
	require.ErrorIs(t, err, inventory.ErrOverReceipt)
	requireDecimal(t, "4", f.qty(t, whDst, itemA))

	stored, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	requireDecimal(t, "4", stored.Lines[0].ReceivedQty)

	_, err = f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, Lines: []ReceiveLine{
		{ItemID: itemA, Quantity: d("1")},
		{ItemID: itemA, Quantity: d("1.5")},
	}})
	require.ErrorIs(t, err, inventory.ErrOverReceipt)

	out, err = f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, Lines: []ReceiveLine{{ItemID: itemA, Quantity: d("2")}}})
	require.NoError(t, err)
	require.Equal(t, StatusReceived, out.Transfer.Status)
	requireDecimal(t, "6", f.qty(t, whDst, itemA))
}

func TestShipIsAllOrNothing(t *testing.T) {
	f := newFixture(t, inventory.NegativeStockBlock)
	ctx := context.Background()
	f.stock(t, whSrc, itemA, "10", "3")

	tr := f.draft(t,
		LineInput{ItemID: itemA, Quantity: d("5")},
		LineInput{ItemID: itemB, Quantity: d("3")},
	)
	_, err := f.svc.Ship(ctx, tr.ID, "clerk")
	require.ErrorIs(t, err, inventory.ErrNegativeStock)

	requireDecimal(t, "10", f.qty(t, whSrc, itemA))
	requireDecimal(t, "0", f.qty(t, whSrc, itemB))

	stored, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stored.Status)
	require.True(t, stored.Lines[0].UnitCost.IsZero())

	moves, err := f.ledger.ListMovements(ctx, inventory.MovementFilter{Key: key(whSrc, itemA)})
	require.NoError(t, err)
	require.Len(t, moves, 3)
	require.Equal(t, inventory.MovementTransferOut, moves[1].Type)
	require.Equal(t, inventory.MovementTransferIn, moves[2].Type)

	src, err := f.ledger.GetBalance(ctx, key(whSrc, itemA))
	require.NoError(t, err)
	requireDecimal(t, "3", src.AvgCost)
}

func TestCancel(t *testing.T) {
	t.Run("draft", func(t *testing.T) {
		f := newFixture(t, inventory.NegativeStockWarn)
		tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("1")})
		out, err := f.svc.Cancel(context.Background(), tr.ID, "clerk")
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, out.Transfer.Status)

		_, err = f.svc.Ship(context.Background(), tr.ID, "clerk")
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("in transit returns stock", func(t *testing.T) {
		f := newFixture(t, inventory.NegativeStockWarn)
		ctx := context.Background()
		f.stock(t, whSrc, itemA, "8", "5")
		tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("8")})
		_, err := f.svc.Ship(ctx, tr.ID, "clerk")
		require.NoError(t, err)
		requireDecimal(t, "0", f.qty(t, whSrc, itemA))

		out, err := f.svc.Cancel(ctx, tr.ID, "clerk")
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, out.Transfer.Status)
		requireDecimal(t, "8", f.qty(t, whSrc, itemA))

		moves, err := f.ledger.ListMovements(ctx, inventory.MovementFilter{Key: key(whSrc, itemA)})
		require.NoError(t, err)
		require.Len(t, moves, 3)
	})

	t.Run("after partial receipt", func(t *testing.T) {
		f := newFixture(t, inventory.NegativeStockWarn)
		ctx := context.Background()
		f.stock(t, whSrc, itemA, "8", "5")
		tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("8")})
		_, err := f.svc.Ship(ctx, tr.ID, "clerk")
		require.NoError(t, err)
		_, err = f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, Lines: []ReceiveLine{{ItemID: itemA, Quantity: d("1")}}})
		require.NoError(t, err)

		_, err = f.svc.Cancel(ctx, tr.ID, "clerk")
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestUpdateLinesOnlyInDraft(t *testing.T) {
	f := newFixture(t, inventory.NegativeStockWarn)
	ctx := context.Background()
	f.stock(t, whSrc, itemA, "5", "1")
	tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("1")})

	updated, err := f.svc.UpdateLines(ctx, tr.ID, []LineInput{{ItemID: itemA, Quantity: d("2")}, {ItemID: itemB, Quantity: d("1")}})
	require.NoError(t, err)
	require.Len(t, updated.Lines, 2)

	_, err = f.svc.UpdateLines(ctx, tr.ID, []LineInput{{ItemID: itemA, Quantity: d("1")}, {ItemID: itemA, Quantity: d("1")}})
	require.ErrorIs(t, err, ErrInvalidTransfer)

	_, err = f.svc.Ship(ctx, tr.ID, "clerk")
	require.NoError(t, err)
	_, err = f.svc.UpdateLines(ctx, tr.ID, []LineInput{{ItemID: itemA, Quantity: d("1")}})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateAndReceiveValidation(t *testing.T) {
	f := newFixture(t, inventory.NegativeStockWarn)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{CompanyID: company, FromWarehouseID: whSrc, ToWarehouseID: whSrc,
		Lines: []LineInput{{ItemID: itemA, Quantity: d("1")}}})
	require.ErrorIs(t, err, ErrInvalidTransfer)

	_, err = f.svc.Create(ctx, CreateInput{CompanyID: company, FromWarehouseID: whSrc, ToWarehouseID: whDst,
		Lines: []LineInput{{ItemID: itemA, Quantity: d("0")}}})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("1")})
	_, err = f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.Ship(ctx, tr.ID, "clerk")
	require.NoError(t, err)
	_, err = f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, Lines: []ReceiveLine{{ItemID: itemB, Quantity: d("1")}}})
	require.ErrorIs(t, err, ErrInvalidTransfer)

	_, err = f.svc.Get(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

var errStoreDown = errors.New("store unavailable")

// flakyRepository fails the next failUpdates status writes.
type flakyRepository struct {
	*MemoryRepository
	failUpdates int
}

func (r *flakyRepository) Update(ctx context.Context, t Transfer) error {
	if r.failUpdates > 0 {
		r.failUpdates--
		return errStoreDown
	}
	return r.MemoryRepository.Update(ctx, t)
}

func newFlakyFixture(t *testing.T) (fixture, *flakyRepository) {
	t.Helper()
	locker := lock.NewLocal(time.Second)
	ledger := inventory.NewService(inventory.Dependencies{
		Repo:   inventory.NewMemoryRepository(),
		Locker: locker,
	}, inventory.ServiceConfig{NegativeStock: inventory.NegativeStockWarn, MaxRetries: 2, RetryBackoff: time.Millisecond})
	repo := &flakyRepository{MemoryRepository: NewMemoryRepository()}
	return fixture{svc: NewService(repo, ledger, locker, nil), ledger: ledger, repo: repo.MemoryRepository}, repo
}

func TestUnsavedTransitionLeavesLedgerUntouched(t *testing.T) {
	t.Run("ship", func(t *testing.T) {
		f, repo := newFlakyFixture(t)
		ctx := context.Background()
		f.stock(t, whSrc, itemA, "10", "3")
		tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("6")})

		repo.failUpdates = 1
		_, err := f.svc.Ship(ctx, tr.ID, "clerk")
		require.ErrorIs(t, err, errStoreDown)
		requireDecimal(t, "10", f.qty(t, whSrc, itemA))
		stored, err := f.repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		require.Equal(t, StatusDraft, stored.Status)

		_, err = f.svc.Ship(ctx, tr.ID, "clerk")
		require.NoError(t, err)
		requireDecimal(t, "4", f.qty(t, whSrc, itemA))
	})

	t.Run("receive", func(t *testing.T) {
		f, repo := newFlakyFixture(t)
		ctx := context.Background()
		f.stock(t, whSrc, itemA, "10", "3")
		tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("6")})
		_, err := f.svc.Ship(ctx, tr.ID, "clerk")
		require.NoError(t, err)

		repo.failUpdates = 1
		_, err = f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, ActorID: "keeper"})
		require.ErrorIs(t, err, errStoreDown)
		requireDecimal(t, "0", f.qty(t, whDst, itemA))
		stored, err := f.repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		require.Equal(t, StatusInTransit, stored.Status)
		requireDecimal(t, "0", stored.Lines[0].ReceivedQty)

		out, err := f.svc.Receive(ctx, ReceiveInput{TransferID: tr.ID, ActorID: "keeper"})
		require.NoError(t, err)
		require.Equal(t, StatusReceived, out.Transfer.Status)
		requireDecimal(t, "6", f.qty(t, whDst, itemA))
	})

	t.Run("cancel in transit", func(t *testing.T) {
		f, repo := newFlakyFixture(t)
		ctx := context.Background()
		f.stock(t, whSrc, itemA, "10", "3")
		tr := f.draft(t, LineInput{ItemID: itemA, Quantity: d("4")})
		_, err := f.svc.Ship(ctx, tr.ID, "clerk")
		require.NoError(t, err)
		requireDecimal(t, "6", f.qty(t, whSrc, itemA))

		repo.failUpdates = 1
		_, err = f.svc.Cancel(ctx, tr.ID, "clerk")
		require.ErrorIs(t, err, errStoreDown)
		requireDecimal(t, "6", f.qty(t, whSrc, itemA))
		stored, err := f.repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		require.Equal(t, StatusInTransit, stored.Status)

		out, err := f.svc.Cancel(ctx, tr.ID, "clerk")
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, out.Transfer.Status)
		requireDecimal(t, "10", f.qty(t, whSrc, itemA))
	})
}
