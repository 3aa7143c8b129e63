package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robosats-go/trading-core/internal/database"
	"github.com/robosats-go/trading-core/internal/lnd"
	"github.com/robosats-go/trading-core/internal/trade"
	"github.com/robosats-go/trading-core/internal/trade/statemachine"
	"github.com/robosats-go/trading-core/pkg/logger"
)

func encodeJob(job trade.LockWatchJob) ([]byte, error) {
	return json.Marshal(job)
}

func decimalHundred() decimal.Decimal {
	return decimal.NewFromInt(100)
}

func init() {
	_ = logger.Init("development")
}

// fakeStore is the same in-memory map-backed fake the orchestrator's own
// tests use, kept minimal here since the worker only drives two entry
// points (AwaitBondLock, SweepExpiredOrders).
type fakeStore struct {
	orders   map[string]*database.Order
	payments map[string]*database.LNPayment
	profiles map[string]*database.Profile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   map[string]*database.Order{},
		payments: map[string]*database.LNPayment{},
		profiles: map[string]*database.Profile{},
	}
}

func (s *fakeStore) GetOrder(_ context.Context, id string) (*database.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return o, nil
}

func (s *fakeStore) CreateOrder(_ context.Context, o *database.Order) error {
	s.orders[o.ID] = o
	return nil
}

func (s *fakeStore) ListPublicOrders(_ context.Context) ([]*database.Order, error) {
	return nil, nil
}

func (s *fakeStore) ListExpiringOrders(_ context.Context) ([]*database.Order, error) {
	var out []*database.Order
	for _, o := range s.orders {
		if !o.Status.IsTerminal() && o.ExpiresAt.Before(time.Now()) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakeStore) UserHasActiveOrder(_ context.Context, userID string) (bool, error) {
	for _, o := range s.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if (o.MakerID != nil && *o.MakerID == userID) || (o.TakerID != nil && *o.TakerID == userID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetPayment(_ context.Context, id string) (*database.LNPayment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", id)
	}
	return p, nil
}

func (s *fakeStore) SettlePayment(_ context.Context, id string) error {
	if p, ok := s.payments[id]; ok {
		p.Status = database.Setled
	}
	return nil
}

func (s *fakeStore) GetProfile(_ context.Context, userID string) (*database.Profile, error) {
	p, ok := s.profiles[userID]
	if !ok {
		p = &database.Profile{UserID: userID}
		s.profiles[userID] = p
	}
	return p, nil
}

func (s *fakeStore) SaveProfile(_ context.Context, p *database.Profile) error {
	s.profiles[p.UserID] = p
	return nil
}

func (s *fakeStore) SetPenalty(_ context.Context, userID string, until time.Time) error {
	p, ok := s.profiles[userID]
	if !ok {
		p = &database.Profile{UserID: userID}
		s.profiles[userID] = p
	}
	p.PenaltyExpiration = &until
	return nil
}

func (s *fakeStore) CommitOrderUpdate(_ context.Context, orderID string, fn func(*database.Order) (*database.LNPayment, error)) (*database.Order, error) {
	ord, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	payment, err := fn(ord)
	if err != nil {
		return ord, err
	}
	if payment != nil {
		s.payments[payment.ID] = payment
	}
	return ord, nil
}

type fakeLocker struct{}

func (fakeLocker) Lock(_ context.Context, _ string) (func(), error) { return func() {}, nil }

type fakeWatcher struct{}

func (fakeWatcher) Publish(_ context.Context, _ trade.LockWatchJob) error { return nil }

// fakeLN stubs lnd.LightningClient with the locked/settled defaults that
// suffice for the worker tests; no test here needs to override a branch.
type fakeLN struct{}

func (fakeLN) GenHoldInvoice(_ context.Context, _ int64, _ string, expiry time.Duration) (*lnd.HoldInvoice, error) {
	return &lnd.HoldInvoice{
		Invoice:     "lnbc-fake",
		Preimage:    []byte("preimage"),
		PaymentHash: []byte("hash"),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(expiry),
	}, nil
}
func (fakeLN) ValidateLNInvoice(context.Context, string, int64) (*lnd.InvoiceValidation, error) {
	return &lnd.InvoiceValidation{Valid: true}, nil
}
func (fakeLN) CheckUntilInvoiceLocked(context.Context, []byte, time.Time) (bool, error) {
	return true, nil
}
func (fakeLN) ValidateHoldInvoiceLocked(context.Context, []byte) (bool, error) { return false, nil }
func (fakeLN) SettleHoldInvoice(context.Context, []byte) (bool, error)         { return true, nil }
func (fakeLN) DoubleCheckHTLCIsSettled(context.Context, []byte) (bool, error)  { return true, nil }
func (fakeLN) PayInvoice(context.Context, string, int64) (*lnd.PaymentResult, error) {
	return &lnd.PaymentResult{Succeeded: true}, nil
}
func (fakeLN) Close() error { return nil }

type fakePrices struct{}

func (fakePrices) GetPrice(context.Context, string) (float64, error) { return 50_000, nil }

func testConfig() trade.Config {
	return trade.Config{
		FeeRate:             0.002,
		BondSize:            0.03,
		MinTradeSats:        20_000,
		MaxTradeSats:        800_000,
		ExpMakerBondInvoice: 5 * time.Minute,
		ExpTakerBondInvoice: 5 * time.Minute,
		ExpTradeEscrInvoice: 10 * time.Minute,
		BondExpiry:          2 * time.Hour,
		EscrowExpiry:        3 * time.Hour,
		PenaltyTimeout:      3 * time.Minute,
		RatingWindow:        100,
		EnableCollabCancel:  true,
		MaxPaymentFeeSats:   100,
	}
}

func newTestOrder(id string, status statemachine.Status) *database.Order {
	maker := "maker-1"
	return &database.Order{
		ID:        id,
		Type:      database.Buy,
		Currency:  "USD",
		Amount:    decimalHundred(),
		Status:    status,
		MakerID:   &maker,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// TestLockWatcher_HandleDropsMalformedJob exercises handle directly — it
// only touches the orchestrator, never the queue, so no Redis is needed.
func TestLockWatcher_HandleDropsMalformedJob(t *testing.T) {
	store := newFakeStore()
	orchestrator := trade.NewOrchestrator(store, fakeLocker{}, fakeLN{}, fakePrices{}, trade.PlatformIdentity{UserID: "escrow"}, testConfig(), fakeWatcher{})
	w := NewLockWatcher(orchestrator, nil, "consumer-1")

	err := w.handle("1-0", []byte("not json"))
	assert.NoError(t, err, "a malformed job must be dropped, not retried")
}

func TestLockWatcher_HandleAwaitsBondLock(t *testing.T) {
	store := newFakeStore()
	orchestrator := trade.NewOrchestrator(store, fakeLocker{}, fakeLN{}, fakePrices{}, trade.PlatformIdentity{UserID: "escrow"}, testConfig(), fakeWatcher{})
	w := NewLockWatcher(orchestrator, nil, "consumer-1")

	order := newTestOrder("order-1", statemachine.WFB)
	store.orders[order.ID] = order
	store.payments["bond-1"] = &database.LNPayment{ID: "bond-1", Concept: database.MakeBond, Status: database.InvGen, PaymentHash: "hash"}

	job := trade.LockWatchJob{OrderID: order.ID, PaymentID: "bond-1"}
	data, err := encodeJob(job)
	require.NoError(t, err)

	err = w.handle("1-0", data)
	require.NoError(t, err)
	assert.Equal(t, statemachine.PUB, store.orders[order.ID].Status)
}

func TestExpirySweeper_RunSweepsOnEachTick(t *testing.T) {
	store := newFakeStore()
	orchestrator := trade.NewOrchestrator(store, fakeLocker{}, fakeLN{}, fakePrices{}, trade.PlatformIdentity{UserID: "escrow"}, testConfig(), fakeWatcher{})

	order := newTestOrder("order-1", statemachine.WFB)
	order.ExpiresAt = time.Now().Add(-time.Minute)
	store.orders[order.ID] = order

	sweeper := NewExpirySweeper(orchestrator, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, statemachine.EXP, store.orders[order.ID].Status)
}
