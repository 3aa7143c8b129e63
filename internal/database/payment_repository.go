package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrPaymentNotFound = errors.New("payment not found")

// LNPaymentRepository persists LNPayment records: the maker/taker bonds,
// the trade escrow, and the buyer payout.
type LNPaymentRepository struct {
	db *pgxpool.Pool
}

func NewLNPaymentRepository(db *DB) *LNPaymentRepository {
	return &LNPaymentRepository{db: db.pool}
}

func (r *LNPaymentRepository) Create(ctx context.Context, p *LNPayment) error {
	return createLNPayment(ctx, r.db, p)
}

// createLNPayment is shared by the repository and by the order repository's
// single-transaction commits.
func createLNPayment(ctx context.Context, q queryer, p *LNPayment) error {
	query := `INSERT INTO ln_payments (
		id, concept, type, sender_id, receiver_id, invoice, payment_hash,
		preimage, num_satoshis, description, status, created_at, expires_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := q.Exec(ctx, query,
		p.ID, p.Concept, p.Type, p.SenderID, p.ReceiverID, p.Invoice, p.PaymentHash,
		p.Preimage, p.NumSatoshis, p.Description, p.Status, p.CreatedAt, p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create ln_payment: %w", err)
	}
	return nil
}

func (r *LNPaymentRepository) GetByID(ctx context.Context, id string) (*LNPayment, error) {
	return scanLNPayment(r.db.QueryRow(ctx, selectLNPayment+` WHERE id = $1`, id))
}

func (r *LNPaymentRepository) GetByPaymentHash(ctx context.Context, hash string) (*LNPayment, error) {
	return scanLNPayment(r.db.QueryRow(ctx, selectLNPayment+` WHERE payment_hash = $1`, hash))
}

const selectLNPayment = `SELECT
	id, concept, type, sender_id, receiver_id, invoice, payment_hash,
	preimage, num_satoshis, description, status, created_at, expires_at
	FROM ln_payments`

func scanLNPayment(row pgx.Row) (*LNPayment, error) {
	var p LNPayment
	err := row.Scan(
		&p.ID, &p.Concept, &p.Type, &p.SenderID, &p.ReceiverID, &p.Invoice, &p.PaymentHash,
		&p.Preimage, &p.NumSatoshis, &p.Description, &p.Status, &p.CreatedAt, &p.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to scan ln_payment: %w", err)
	}
	return &p, nil
}

// UpdateStatus moves a payment to a new status, rejecting any transition
// that is not forward in the payment lifecycle. preimage is optional and
// is only ever written once, on settlement.
func (r *LNPaymentRepository) UpdateStatus(ctx context.Context, id string, status LNPaymentStatus, preimage *string) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !IsForwardTransition(current.Status, status) {
		return fmt.Errorf("ln_payment %s: illegal status transition %s -> %s", id, current.Status, status)
	}

	commandTag, err := r.db.Exec(ctx,
		`UPDATE ln_payments SET status = $2, preimage = COALESCE($3, preimage) WHERE id = $1`,
		id, status, preimage,
	)
	if err != nil {
		return fmt.Errorf("failed to update ln_payment %s: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// queryer is satisfied by *pgxpool.Pool and pgx.Tx, letting createLNPayment
// run either standalone or as part of the order repository's transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
