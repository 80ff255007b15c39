package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/platform/lock"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (e *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (e *recordingEnqueuer) Close() error { return nil }

func sampleEvent() inventory.MovementCommittedEvent {
	return inventory.MovementCommittedEvent{
		MovementID:  42,
		CompanyID:   1,
		WarehouseID: 10,
		ItemID:      100,
		Type:        inventory.MovementOut,
		Quantity:    "-3",
		UnitCost:    "6",
		OccurredAt:  time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		BalanceQty:  "17",
		AvgCost:     "6",
	}
}

func TestPublishMovementEnqueuesAccountingTask(t *testing.T) {
	enq := &recordingEnqueuer{}
	client := &Client{client: enq}

	require.NoError(t, client.PublishMovement(context.Background(), sampleEvent()))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskMovementCommitted, enq.tasks[0].Type())

	var got inventory.MovementCommittedEvent
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &got))
	require.Equal(t, sampleEvent(), got)
}

func TestPublishMovementIgnoresDuplicates(t *testing.T) {
	client := &Client{client: &recordingEnqueuer{err: asynq.ErrTaskIDConflict}}
	require.NoError(t, client.PublishMovement(context.Background(), sampleEvent()))

	boom := errors.New("redis down")
	client = &Client{client: &recordingEnqueuer{err: boom}}
	require.ErrorIs(t, client.PublishMovement(context.Background(), sampleEvent()), boom)
}

type captureSink struct {
	events []inventory.MovementCommittedEvent
	err    error
}

func (s *captureSink) ConsumeMovement(_ context.Context, evt inventory.MovementCommittedEvent) error {
	s.events = append(s.events, evt)
	return s.err
}

func TestMovementCommittedHandler(t *testing.T) {
	sink := &captureSink{}
	h := NewMovementCommittedHandler(sink, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewMovementCommittedTask(sampleEvent())
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))
	require.Equal(t, []inventory.MovementCommittedEvent{sampleEvent()}, sink.events)

	err = h.ProcessTask(context.Background(), asynq.NewTask(TaskMovementCommitted, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = h.ProcessTask(context.Background(), asynq.NewTask(TaskMovementCommitted, []byte(`{"movement_id":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	sink.err = errors.New("ledger consumer unavailable")
	require.ErrorIs(t, h.ProcessTask(context.Background(), task), sink.err)
}

type sweeperStub struct {
	results map[int64]inventory.SweepResult
	fail    map[int64]error
	calls   []int64
}

func (s *sweeperStub) Sweep(_ context.Context, companyID int64) (inventory.SweepResult, error) {
	s.calls = append(s.calls, companyID)
	if err := s.fail[companyID]; err != nil {
		return inventory.SweepResult{}, err
	}
	return s.results[companyID], nil
}

type companiesStub []int64

func (c companiesStub) ListCompanyIDs(context.Context) ([]int64, error) { return c, nil }

func TestReconcileHandlerSweepsEveryCompany(t *testing.T) {
	boom := errors.New("pg timeout")
	sweeper := &sweeperStub{
		results: map[int64]inventory.SweepResult{
			1: {Checked: 4, Repaired: 1},
			3: {Checked: 2},
		},
		fail: map[int64]error{2: boom},
	}
	h := NewReconcileHandler(sweeper, companiesStub{1, 2, 3}, nil, nil)

	res, err := h.Run(context.Background(), 0)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int64{1, 2, 3}, sweeper.calls)
	require.Equal(t, 6, res.Checked)
	require.Equal(t, 1, res.Repaired)
}

func TestReconcileHandlerSingleCompanyTask(t *testing.T) {
	sweeper := &sweeperStub{results: map[int64]inventory.SweepResult{5: {Checked: 1}}}
	h := NewReconcileHandler(sweeper, companiesStub{1, 5}, jobmetrics.NewMetrics(prometheus.NewRegistry()), nil)

	task, err := NewReconcileTask(ReconcilePayload{CompanyID: 5})
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))
	require.Equal(t, []int64{5}, sweeper.calls)

	err = h.ProcessTask(context.Background(), asynq.NewTask(TaskReconcile, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReconcileSweepsLedgerEndToEnd(t *testing.T) {
	ledger := inventory.NewService(inventory.Dependencies{
		Repo:   inventory.NewMemoryRepository(),
		Locker: lock.NewLocal(time.Second),
	}, inventory.ServiceConfig{})
	key := inventory.BalanceKey{CompanyID: 1, WarehouseID: 10, ItemID: 100}
	_, err := ledger.Increment(context.Background(), inventory.IncrementInput{
		Key: key, Quantity: decimal.NewFromInt(5), UnitCost: decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	h := NewReconcileHandler(ledger.Reconciler(), companiesStub{1}, nil, nil)
	res, err := h.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.Checked)
	require.Zero(t, res.Repaired)
}

type cleanerStub struct {
	olderThan time.Duration
}

func (c *cleanerStub) Cleanup(_ context.Context, olderThan time.Duration) error {
	c.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanup(t *testing.T) {
	cleaner := &cleanerStub{}
	handler := HandleIdempotencyCleanup(cleaner, nil, nil)

	task, err := NewIdempotencyCleanupTask(24 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, 24*time.Hour, cleaner.olderThan)

	require.NoError(t, handler(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, DefaultIdempotencyRetention, cleaner.olderThan)

	_, err = NewIdempotencyCleanupTask(0)
	require.Error(t, err)
}

type inspectorStub map[string]*asynq.QueueInfo

func (s inspectorStub) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := s[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestJobsHealth(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(inspectorStub{QueueAccounting: {Queue: QueueAccounting, Pending: 3}}, nil).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueDefault},
		{Queue: QueueAccounting, Pending: 3},
	}, body.Queues)
}
