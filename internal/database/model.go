// Package database persists the orders, Lightning payments, users, and
// profiles that make up the trading core's durable state.
package database

import (
	"time"

	"github.com/robosats-go/trading-core/internal/trade/statemachine"
	"github.com/shopspring/decimal"
)

// OrderType is the maker's side of the trade.
type OrderType string

const (
	Buy  OrderType = "BUY"
	Sell OrderType = "SELL"
)

// LNPaymentConcept identifies which of the trade's three payments a record
// represents.
type LNPaymentConcept string

const (
	MakeBond LNPaymentConcept = "MAKEBOND"
	TakeBond LNPaymentConcept = "TAKEBOND"
	TrEscrow LNPaymentConcept = "TRESCROW"
	PayBuyer LNPaymentConcept = "PAYBUYER"
)

// LNPaymentType distinguishes a hold invoice (collateral, settled by
// preimage reveal) from a normal invoice (paid out directly).
type LNPaymentType string

const (
	Hold LNPaymentType = "HOLD"
	Norm LNPaymentType = "NORM"
)

// LNPaymentStatus is the payment's position in its lifecycle. Transitions
// are monotone; SETLED and PAYING are terminal.
type LNPaymentStatus string

const (
	InvGen LNPaymentStatus = "INVGEN"
	Locked LNPaymentStatus = "LOCKED"
	Setled LNPaymentStatus = "SETLED"
	Validi LNPaymentStatus = "VALIDI"
	Paying LNPaymentStatus = "PAYING"
)

// paymentRank gives each status its position in the monotone DAG so
// UpdateStatus can reject a backward transition. INVGEN/VALIDI are the two
// entry points (hold invoices start INVGEN, externally supplied buyer
// invoices start VALIDI); everything downstream of either is >= its rank.
var paymentRank = map[LNPaymentStatus]int{
	InvGen: 0,
	Locked: 1,
	Setled: 2,
	Validi: 0,
	Paying: 1,
}

// IsForwardTransition reports whether moving from `from` to `to` increases
// rank (or is a no-op), which is the only direction the payment registry
// permits.
func IsForwardTransition(from, to LNPaymentStatus) bool {
	if from == to {
		return true
	}
	if from == Setled || from == Paying {
		return false // terminal
	}
	fr, ok1 := paymentRank[from]
	tr, ok2 := paymentRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr > fr
}

// User is the identity key. Every order/payment references users by ID.
type User struct {
	ID        string    `db:"id"`
	Username  string    `db:"username"`
	CreatedAt time.Time `db:"created_at"`
}

// Profile carries a user's rating aggregate and any active penalty.
type Profile struct {
	UserID            string     `db:"user_id"`
	TotalRatingsCount int        `db:"total_ratings"`
	LatestRatings     []int      `db:"latest_ratings"`
	AvgRatingValue    float64    `db:"avg_rating"`
	PenaltyExpiration *time.Time `db:"penalty_expiration"`
}

// TotalRatings, SetTotalRatings, Ratings, SetRatings, SetAvgRating
// implement rating.Profile.
func (p *Profile) TotalRatings() int      { return p.TotalRatingsCount }
func (p *Profile) SetTotalRatings(n int)  { p.TotalRatingsCount = n }
func (p *Profile) Ratings() []int         { return p.LatestRatings }
func (p *Profile) SetRatings(r []int)     { p.LatestRatings = r }
func (p *Profile) SetAvgRating(v float64) { p.AvgRatingValue = v }

// IsPenalized reports whether the profile's penalty is still in effect,
// and if so, the remaining duration.
func (p *Profile) IsPenalized(now time.Time) (bool, time.Duration) {
	if p.PenaltyExpiration == nil || !p.PenaltyExpiration.After(now) {
		return false, 0
	}
	return true, p.PenaltyExpiration.Sub(now)
}

// Order is the trade aggregate: the maker's terms, the taker, the frozen
// trade amount, and the four payment slots.
type Order struct {
	ID                string              `db:"id"`
	Type              OrderType           `db:"type"`
	Currency          string              `db:"currency"`
	Amount            decimal.Decimal     `db:"amount"`
	Satoshis          int64               `db:"satoshis"`
	IsExplicitFlag    bool                `db:"is_explicit"`
	Premium           decimal.Decimal     `db:"premium"`
	T0Satoshis        int64               `db:"t0_satoshis"`
	LastSatoshis      int64               `db:"last_satoshis"`
	IsFiatSent        bool                `db:"is_fiat_sent"`
	IsPendingCancel   bool                `db:"is_pending_cancel"`
	PendingCancelByID *string             `db:"pending_cancel_by"`
	Status            statemachine.Status `db:"status"`

	MakerID *string `db:"maker_id"`
	TakerID *string `db:"taker_id"`

	MakerBondID    *string `db:"maker_bond_id"`
	TakerBondID    *string `db:"taker_bond_id"`
	TradeEscrowID  *string `db:"trade_escrow_id"`
	BuyerInvoiceID *string `db:"buyer_invoice_id"`

	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// IsExplicit, OrderSatoshis, OrderAmount, OrderPremium implement
// pricing.RateOrder.
func (o *Order) IsExplicit() bool              { return o.IsExplicitFlag }
func (o *Order) OrderSatoshis() int64          { return o.Satoshis }
func (o *Order) OrderAmount() decimal.Decimal  { return o.Amount }
func (o *Order) OrderPremium() decimal.Decimal { return o.Premium }

// LNPayment is a single Lightning payment record (bond, escrow, or payout).
type LNPayment struct {
	ID          string           `db:"id"`
	Concept     LNPaymentConcept `db:"concept"`
	Type        LNPaymentType    `db:"type"`
	SenderID    *string          `db:"sender_id"`
	ReceiverID  *string          `db:"receiver_id"`
	Invoice     string           `db:"invoice"`
	PaymentHash string           `db:"payment_hash"`
	Preimage    *string          `db:"preimage"`
	NumSatoshis int64            `db:"num_satoshis"`
	Description string           `db:"description"`
	Status      LNPaymentStatus  `db:"status"`
	CreatedAt   time.Time        `db:"created_at"`
	ExpiresAt   time.Time        `db:"expires_at"`
}
