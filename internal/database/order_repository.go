package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robosats-go/trading-core/internal/trade/statemachine"
)

var ErrOrderNotFound = errors.New("order not found")

// OrderRepository persists Order aggregates and their payment slots.
type OrderRepository struct {
	db *pgxpool.Pool
}

func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db.pool}
}

const selectOrder = `SELECT
	id, type, currency, amount, satoshis, is_explicit, premium, t0_satoshis,
	last_satoshis, is_fiat_sent, is_pending_cancel, pending_cancel_by, status,
	maker_id, taker_id, maker_bond_id, taker_bond_id, trade_escrow_id, buyer_invoice_id,
	created_at, expires_at
	FROM orders`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.Type, &o.Currency, &o.Amount, &o.Satoshis, &o.IsExplicitFlag, &o.Premium, &o.T0Satoshis,
		&o.LastSatoshis, &o.IsFiatSent, &o.IsPendingCancel, &o.PendingCancelByID, &o.Status,
		&o.MakerID, &o.TakerID, &o.MakerBondID, &o.TakerBondID, &o.TradeEscrowID, &o.BuyerInvoiceID,
		&o.CreatedAt, &o.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return &o, nil
}

func (r *OrderRepository) CreateOrder(ctx context.Context, o *Order) error {
	query := `INSERT INTO orders (
		id, type, currency, amount, satoshis, is_explicit, premium, t0_satoshis,
		last_satoshis, is_fiat_sent, is_pending_cancel, pending_cancel_by, status,
		maker_id, taker_id, maker_bond_id, taker_bond_id, trade_escrow_id, buyer_invoice_id,
		created_at, expires_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`

	_, err := r.db.Exec(ctx, query,
		o.ID, o.Type, o.Currency, o.Amount, o.Satoshis, o.IsExplicitFlag, o.Premium, o.T0Satoshis,
		o.LastSatoshis, o.IsFiatSent, o.IsPendingCancel, o.PendingCancelByID, o.Status,
		o.MakerID, o.TakerID, o.MakerBondID, o.TakerBondID, o.TradeEscrowID, o.BuyerInvoiceID,
		o.CreatedAt, o.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	return scanOrder(r.db.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
}

// GetByIDForUpdate locks the order row for the duration of tx, so a
// "read state -> check legality -> mutate -> commit" sequence sees no
// concurrent writes. Callers must run this inside a transaction and
// commit/rollback it.
func (r *OrderRepository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Order, error) {
	return scanOrder(tx.QueryRow(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, id))
}

// BeginTx starts a transaction for a single orchestrator operation's
// read-check-mutate-commit unit.
func (r *OrderRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

// UpdateOrderAndPayment commits an order's mutated fields and, when payment
// is non-nil, a new or updated LNPayment row, in one transaction: the order
// and any linked payment status change commit together or not at all.
func (r *OrderRepository) UpdateOrderAndPayment(ctx context.Context, tx pgx.Tx, o *Order, payment *LNPayment) error {
	query := `UPDATE orders SET
		status = $2, last_satoshis = $3, is_fiat_sent = $4, is_pending_cancel = $5,
		pending_cancel_by = $6, maker_id = $7, taker_id = $8,
		maker_bond_id = $9, taker_bond_id = $10, trade_escrow_id = $11, buyer_invoice_id = $12
		WHERE id = $1`

	commandTag, err := tx.Exec(ctx, query,
		o.ID, o.Status, o.LastSatoshis, o.IsFiatSent, o.IsPendingCancel,
		o.PendingCancelByID, o.MakerID, o.TakerID,
		o.MakerBondID, o.TakerBondID, o.TradeEscrowID, o.BuyerInvoiceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}

	if payment != nil {
		if err := upsertLNPaymentTx(ctx, tx, payment); err != nil {
			return err
		}
	}
	return nil
}

func upsertLNPaymentTx(ctx context.Context, tx pgx.Tx, p *LNPayment) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ln_payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check ln_payment existence: %w", err)
	}
	if !exists {
		return createLNPayment(ctx, tx, p)
	}

	_, err := tx.Exec(ctx,
		`UPDATE ln_payments SET invoice = $2, payment_hash = $3, preimage = COALESCE($4, preimage),
			num_satoshis = $5, status = $6, expires_at = $7 WHERE id = $1`,
		p.ID, p.Invoice, p.PaymentHash, p.Preimage, p.NumSatoshis, p.Status, p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update ln_payment %s: %w", p.ID, err)
	}
	return nil
}

// ListPublic returns orders currently in the PUB state, for the order book
// consumer outside this core's scope.
func (r *OrderRepository) ListPublic(ctx context.Context) ([]*Order, error) {
	rows, err := r.db.Query(ctx, selectOrder+` WHERE status = $1 ORDER BY created_at DESC`, statemachine.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to list public orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return orders, nil
}

// UserHasActive reports whether userID is maker or taker of any order not
// yet in a terminal status. Backs the one-active-order-per-user rule.
func (r *OrderRepository) UserHasActive(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders
			WHERE (maker_id = $1 OR taker_id = $1) AND status NOT IN ($2, $3, $4, $5))`,
		userID, statemachine.SUC, statemachine.UCA, statemachine.EXP, statemachine.DIS,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active orders for user %s: %w", userID, err)
	}
	return exists, nil
}

// ListExpiring returns every non-terminal order whose expires_at has
// already passed, for the expiry-sweeper worker.
func (r *OrderRepository) ListExpiring(ctx context.Context) ([]*Order, error) {
	rows, err := r.db.Query(ctx, selectOrder+
		` WHERE expires_at < now() AND status NOT IN ($1, $2, $3, $4) ORDER BY expires_at ASC`,
		statemachine.SUC, statemachine.UCA, statemachine.EXP, statemachine.DIS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return orders, nil
}
