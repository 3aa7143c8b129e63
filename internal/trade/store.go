package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/robosats-go/trading-core/internal/database"
)

// Store is the narrow persistence contract the orchestrator depends on.
// dbStore is the production implementation, composing the order,
// payment, and user repositories; tests substitute an in-memory fake.
type Store interface {
	GetOrder(ctx context.Context, id string) (*database.Order, error)
	CreateOrder(ctx context.Context, o *database.Order) error
	ListPublicOrders(ctx context.Context) ([]*database.Order, error)

	// ListExpiringOrders returns every non-terminal order whose expiry has
	// passed, for the expiry-sweeper worker.
	ListExpiringOrders(ctx context.Context) ([]*database.Order, error)

	// UserHasActiveOrder reports whether userID is maker or taker of any
	// order that has not yet reached a terminal status. A user may hold at
	// most one active role across the whole platform.
	UserHasActiveOrder(ctx context.Context, userID string) (bool, error)

	GetPayment(ctx context.Context, id string) (*database.LNPayment, error)

	// SettlePayment moves a payment straight to SETLED outside of an
	// order-mutating transaction. Used only by the collaborative-cancel
	// path, which settles each still-LOCKED bond (maker's, then taker's)
	// through this call before committing the order's own status change
	// with a CommitOrderUpdate that carries no payment. A bond that is no
	// longer LOCKED is skipped, so a repeated confirming request does not
	// settle it twice.
	SettlePayment(ctx context.Context, paymentID string) error

	GetProfile(ctx context.Context, userID string) (*database.Profile, error)
	SaveProfile(ctx context.Context, p *database.Profile) error
	SetPenalty(ctx context.Context, userID string, until time.Time) error

	// CommitOrderUpdate re-reads the order under a row lock, runs fn
	// against the freshly-locked snapshot, and commits fn's in-place
	// mutation of that snapshot together with an optional payment upsert
	// in a single transaction, so preconditions are re-verified after
	// any Lightning RPC that ran outside the lock. fn returning an
	// error aborts with no mutation; the order snapshot is still
	// returned so the caller can inspect the state it rejected against.
	CommitOrderUpdate(ctx context.Context, orderID string, fn func(o *database.Order) (*database.LNPayment, error)) (*database.Order, error)
}

type dbStore struct {
	orders   *database.OrderRepository
	payments *database.LNPaymentRepository
	users    *database.UserRepository
}

// NewStore builds the production Store over Postgres.
func NewStore(orders *database.OrderRepository, payments *database.LNPaymentRepository, users *database.UserRepository) Store {
	return &dbStore{orders: orders, payments: payments, users: users}
}

func (s *dbStore) GetOrder(ctx context.Context, id string) (*database.Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *dbStore) CreateOrder(ctx context.Context, o *database.Order) error {
	return s.orders.CreateOrder(ctx, o)
}

func (s *dbStore) ListPublicOrders(ctx context.Context) ([]*database.Order, error) {
	return s.orders.ListPublic(ctx)
}

func (s *dbStore) ListExpiringOrders(ctx context.Context) ([]*database.Order, error) {
	return s.orders.ListExpiring(ctx)
}

func (s *dbStore) UserHasActiveOrder(ctx context.Context, userID string) (bool, error) {
	return s.orders.UserHasActive(ctx, userID)
}

func (s *dbStore) GetPayment(ctx context.Context, id string) (*database.LNPayment, error) {
	return s.payments.GetByID(ctx, id)
}

func (s *dbStore) SettlePayment(ctx context.Context, paymentID string) error {
	return s.payments.UpdateStatus(ctx, paymentID, database.Setled, nil)
}

func (s *dbStore) GetProfile(ctx context.Context, userID string) (*database.Profile, error) {
	return s.users.GetProfile(ctx, userID)
}

func (s *dbStore) SaveProfile(ctx context.Context, p *database.Profile) error {
	return s.users.SaveProfile(ctx, p)
}

func (s *dbStore) SetPenalty(ctx context.Context, userID string, until time.Time) error {
	return s.users.SetPenalty(ctx, userID, until)
}

func (s *dbStore) CommitOrderUpdate(ctx context.Context, orderID string, fn func(o *database.Order) (*database.LNPayment, error)) (*database.Order, error) {
	tx, err := s.orders.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade: failed to begin order transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.orders.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	payment, err := fn(order)
	if err != nil {
		return order, err
	}

	if err := s.orders.UpdateOrderAndPayment(ctx, tx, order, payment); err != nil {
		return order, err
	}

	return order, tx.Commit(ctx)
}
