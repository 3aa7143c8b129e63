package trade

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robosats-go/trading-core/internal/database"
	"github.com/robosats-go/trading-core/internal/exchange"
	"github.com/robosats-go/trading-core/internal/lnd"
	"github.com/robosats-go/trading-core/internal/pricing"
	"github.com/robosats-go/trading-core/internal/rating"
	"github.com/robosats-go/trading-core/internal/trade/statemachine"
	"github.com/robosats-go/trading-core/pkg/logger"
	"go.uber.org/zap"
)

// Orchestrator composes the state machine (statemachine), the invoice
// gateway (lnd.LightningClient), and the order/payment stores into the
// public trade operations. Take, the three Gen*HoldInvoice methods,
// UpdateInvoice, ConfirmFiat and CancelOrder acquire the per-order lock
// first, so concurrent requests against the same order serialize;
// requests against distinct orders never contend. AwaitBondLock and
// SweepExpiredOrders take the lock only around their commit,
// HandleBondLocked expects its caller to hold it, and CreateOrder,
// RateCounterparty and IsPenalized take no order lock.
type Orchestrator struct {
	store    Store
	locker   OrderLocker
	ln       lnd.LightningClient
	prices   exchange.PriceProvider
	platform PlatformIdentity
	cfg      Config
	watch    LockWatchPublisher
}

// NewOrchestrator wires the orchestrator's dependencies. Constructed once at
// startup in cmd/trade-api and cmd/worker/*. watch may be nil, in which case
// the orchestrator never schedules background lock-watching and callers
// must poll the gen_*_hold_invoice methods themselves to observe a lock.
func NewOrchestrator(store Store, locker OrderLocker, ln lnd.LightningClient, prices exchange.PriceProvider, platform PlatformIdentity, cfg Config, watch LockWatchPublisher) *Orchestrator {
	return &Orchestrator{store: store, locker: locker, ln: ln, prices: prices, platform: platform, cfg: cfg, watch: watch}
}

func isMaker(order *database.Order, userID string) bool {
	return order.MakerID != nil && *order.MakerID == userID
}

func isTaker(order *database.Order, userID string) bool {
	return order.TakerID != nil && *order.TakerID == userID
}

// isBuyer reports whether user is the fiat-paying party: the maker of a BUY
// order, or the taker of a SELL order.
func isBuyer(order *database.Order, userID string) bool {
	return (isMaker(order, userID) && order.Type == database.Buy) ||
		(isTaker(order, userID) && order.Type == database.Sell)
}

// isSeller is isBuyer's complement among the order's two parties.
func isSeller(order *database.Order, userID string) bool {
	return (isMaker(order, userID) && order.Type == database.Sell) ||
		(isTaker(order, userID) && order.Type == database.Buy)
}

func clearMaker(o *database.Order) { o.MakerID = nil }
func clearTaker(o *database.Order) { o.TakerID = nil }

// IsPenalized reports whether user currently holds an active cancellation
// penalty and, if so, how long it has left.
func (o *Orchestrator) IsPenalized(ctx context.Context, userID string) (bool, time.Duration, error) {
	profile, err := o.store.GetProfile(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	penalized, remaining := profile.IsPenalized(time.Now())
	return penalized, remaining, nil
}

// CreateOrder persists a brand-new order in WFB, pending the maker's bond.
// The creation-time rules live here and only here: a penalized maker
// cannot open a trade, a user already in an active order cannot open
// another, and the order's valuation must fall within the platform's
// trade-size limits. T0Satoshis is priced once here via
// pricing.SatoshisNow and never recomputed — LastSatoshis, the amount
// actually locked at taker-bond time, is a separate later read of the
// same pricing function.
func (o *Orchestrator) CreateOrder(ctx context.Context, order *database.Order) (bool, map[string]any, error) {
	if order.MakerID == nil {
		return false, nil, fmt.Errorf("trade: new order has no maker")
	}
	if order.IsExplicitFlag && order.Satoshis == 0 {
		return false, reject("an explicit order must specify a non-zero satoshi amount"), nil
	}

	penalized, remaining, err := o.IsPenalized(ctx, *order.MakerID)
	if err != nil {
		return false, nil, err
	}
	if penalized {
		return false, map[string]any{"seconds_remaining": int64(remaining.Seconds())}, nil
	}

	active, err := o.store.UserHasActiveOrder(ctx, *order.MakerID)
	if err != nil {
		return false, nil, err
	}
	if active {
		return false, reject("you are already involved in another order"), nil
	}

	rate, err := o.prices.GetPrice(ctx, order.Currency)
	if err != nil {
		return false, nil, fmt.Errorf("pricing_unavailable: %w", err)
	}
	t0, err := pricing.SatoshisNow(order, rate)
	if err != nil {
		return false, reject(err.Error()), nil
	}
	if t0 < o.cfg.MinTradeSats || t0 > o.cfg.MaxTradeSats {
		return false, reject(fmt.Sprintf("order size must be between %d and %d satoshis", o.cfg.MinTradeSats, o.cfg.MaxTradeSats)), nil
	}

	order.T0Satoshis = t0
	order.Status = statemachine.WFB
	order.TakerID = nil
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if order.ExpiresAt.IsZero() {
		order.ExpiresAt = order.CreatedAt.Add(o.cfg.ExpMakerBondInvoice)
	}

	if err := o.store.CreateOrder(ctx, order); err != nil {
		return false, nil, err
	}
	return true, map[string]any{"order_id": order.ID}, nil
}

// Take assigns user as the order's taker, moving PUB -> TAK. A penalized
// user is rejected with the number of seconds remaining on their penalty.
func (o *Orchestrator) Take(ctx context.Context, orderID, userID string) (bool, map[string]any, error) {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	defer unlock()

	penalized, remaining, err := o.IsPenalized(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if penalized {
		return false, map[string]any{"seconds_remaining": int64(remaining.Seconds())}, nil
	}

	snapshot, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	if isMaker(snapshot, userID) {
		return false, reject("you cannot take your own order"), nil
	}

	active, err := o.store.UserHasActiveOrder(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if active {
		return false, reject("you are already involved in another order"), nil
	}

	_, err = o.store.CommitOrderUpdate(ctx, orderID, func(ord *database.Order) (*database.LNPayment, error) {
		if isMaker(ord, userID) {
			return nil, bad("you cannot take your own order")
		}
		if err := statemachine.Transition(ord.Status, statemachine.TAK); err != nil {
			return nil, bad("this order is no longer public")
		}
		ord.TakerID = &userID
		ord.Status = statemachine.TAK
		return nil, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// expireOrder transitions an order to EXP and clears both parties.
func (o *Orchestrator) expireOrder(ctx context.Context, orderID string) error {
	_, err := o.store.CommitOrderUpdate(ctx, orderID, func(ord *database.Order) (*database.LNPayment, error) {
		if ord.Status.IsTerminal() {
			return nil, nil
		}
		if err := statemachine.Transition(ord.Status, statemachine.EXP); err != nil {
			return nil, err
		}
		ord.Status = statemachine.EXP
		ord.MakerID = nil
		ord.TakerID = nil
		return nil, nil
	})
	return err
}

// SweepExpiredOrders drives worker.ExpirySweeper's periodic scan. It only
// expires orders still in WFB whose expires_at has passed — the one
// order-level (as opposed to per-invoice) deadline in the flow. Every
// other expiry (the taker bond invoice, the escrow invoice) is keyed to
// that specific payment's own expires_at and is already handled inline by
// the corresponding invoice-generation call the next time either party
// polls — sweeping those here too would just duplicate that check racily
// against the same per-order lock.
func (o *Orchestrator) SweepExpiredOrders(ctx context.Context) (int, error) {
	orders, err := o.store.ListExpiringOrders(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, ord := range orders {
		if ord.Status != statemachine.WFB {
			continue
		}
		unlock, err := o.locker.Lock(ctx, ord.ID)
		if err != nil {
			logger.Warn("expiry sweep: failed to lock order", zap.String("order_id", ord.ID), zap.Error(err))
			continue
		}
		err = o.expireOrder(ctx, ord.ID)
		unlock()
		if err != nil {
			logger.Warn("expiry sweep: failed to expire order", zap.String("order_id", ord.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// AwaitBondLock blocks on CheckUntilInvoiceLocked for an already-generated
// hold invoice and, once it locks, re-enters the per-order lock to commit
// the transition via HandleBondLocked. This is worker.LockWatcher's entire
// job: the long RPC runs with no order lock held at all, only the final
// commit does.
func (o *Orchestrator) AwaitBondLock(ctx context.Context, orderID, paymentID string) error {
	payment, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != database.InvGen {
		return nil
	}

	locked, err := o.ln.CheckUntilInvoiceLocked(ctx, mustDecodeHex(payment.PaymentHash), payment.ExpiresAt)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}

	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()
	return o.HandleBondLocked(ctx, orderID, paymentID)
}

// GenMakerHoldInvoice is the first hold invoice of the trade: the maker's
// anti-griefing bond. Idempotent while the invoice sits unpaid (INVGEN);
// returns a hard failure once it has locked, since the caller should not
// re-prompt for payment of an invoice that already locked.
func (o *Orchestrator) GenMakerHoldInvoice(ctx context.Context, orderID, userID string) (bool, map[string]any, error) {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	defer unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}

	if order.Status == statemachine.WFB && order.ExpiresAt.Before(time.Now()) {
		if err := o.expireOrder(ctx, orderID); err != nil {
			return false, nil, err
		}
		return false, reject("Invoice expired. You did not confirm publishing the order in time. Make a new order."), nil
	}

	if order.MakerBondID != nil {
		bond, err := o.store.GetPayment(ctx, *order.MakerBondID)
		if err != nil {
			return false, nil, err
		}
		if bond.Status == database.InvGen {
			locked, err := o.ln.ValidateHoldInvoiceLocked(ctx, mustDecodeHex(bond.PaymentHash))
			if err != nil {
				return false, nil, err
			}
			if locked {
				if err := o.HandleBondLocked(ctx, orderID, *order.MakerBondID); err != nil {
					return false, nil, err
				}
				return false, nil, nil
			}
			return true, map[string]any{"bond_invoice": bond.Invoice, "bond_satoshis": bond.NumSatoshis}, nil
		}
		return false, nil, nil
	}

	rate, err := o.prices.GetPrice(ctx, order.Currency)
	if err != nil {
		return false, nil, fmt.Errorf("pricing_unavailable: %w", err)
	}
	lastSats, err := pricing.SatoshisNow(order, rate)
	if err != nil {
		return false, nil, err
	}
	bondSats := bondSatoshis(lastSats, o.cfg.BondSize)
	description := fmt.Sprintf("maker bond for order %s", orderID)

	hold, err := o.ln.GenHoldInvoice(ctx, bondSats, description, o.cfg.BondExpiry)
	if err != nil {
		return false, nil, err
	}

	paymentID := uuid.New().String()
	payment := newHoldPayment(paymentID, database.MakeBond, userID, o.platform.UserID, description, bondSats, hold)

	_, err = o.store.CommitOrderUpdate(ctx, orderID, func(ord *database.Order) (*database.LNPayment, error) {
		if ord.MakerBondID != nil {
			return nil, bad("maker bond already exists")
		}
		ord.LastSatoshis = lastSats
		ord.MakerBondID = &paymentID
		return payment, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	o.publishLockWatch(ctx, orderID, paymentID)

	return true, map[string]any{"bond_invoice": hold.Invoice, "bond_satoshis": bondSats}, nil
}

// GenTakerHoldInvoice is the taker's anti-griefing bond. Its creation is the
// amount-locking point of the trade: last_satoshis is re-derived from
// satoshis_now and frozen here, never recomputed again.
func (o *Orchestrator) GenTakerHoldInvoice(ctx context.Context, orderID, userID string) (bool, map[string]any, error) {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	defer unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}

	if order.TakerBondID != nil {
		bond, err := o.store.GetPayment(ctx, *order.TakerBondID)
		if err != nil {
			return false, nil, err
		}
		if bond.Status == database.InvGen {
			locked, err := o.ln.ValidateHoldInvoiceLocked(ctx, mustDecodeHex(bond.PaymentHash))
			if err != nil {
				return false, nil, err
			}
			if locked {
				if err := o.HandleBondLocked(ctx, orderID, *order.TakerBondID); err != nil {
					return false, nil, err
				}
				return false, nil, nil
			}
			if bond.CreatedAt.Before(time.Now().Add(-o.cfg.ExpTakerBondInvoice)) {
				if _, _, err := o.cancelWithPenalty(ctx, orderID, userID); err != nil {
					return false, nil, err
				}
				return false, reject("Invoice expired. You did not confirm taking the order in time."), nil
			}
			return true, map[string]any{"bond_invoice": bond.Invoice, "bond_satoshis": bond.NumSatoshis}, nil
		}
		return false, nil, nil
	}

	rate, err := o.prices.GetPrice(ctx, order.Currency)
	if err != nil {
		return false, nil, fmt.Errorf("pricing_unavailable: %w", err)
	}
	lastSats, err := pricing.SatoshisNow(order, rate)
	if err != nil {
		return false, nil, err
	}
	bondSats := bondSatoshis(lastSats, o.cfg.BondSize)
	description := fmt.Sprintf("taker bond for order %s", orderID)

	hold, err := o.ln.GenHoldInvoice(ctx, bondSats, description, o.cfg.BondExpiry)
	if err != nil {
		return false, nil, err
	}

	paymentID := uuid.New().String()
	payment := newHoldPayment(paymentID, database.TakeBond, userID, o.platform.UserID, description, bondSats, hold)

	_, err = o.store.CommitOrderUpdate(ctx, orderID, func(ord *database.Order) (*database.LNPayment, error) {
		if ord.TakerBondID != nil {
			return nil, bad("taker bond already exists")
		}
		ord.LastSatoshis = lastSats
		ord.TakerBondID = &paymentID
		return payment, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	o.publishLockWatch(ctx, orderID, paymentID)

	return true, map[string]any{"bond_invoice": hold.Invoice, "bond_satoshis": bondSats}, nil
}

// GenEscrowHoldInvoice is the seller's trade collateral, sized at the
// already-frozen order.LastSatoshis.
func (o *Orchestrator) GenEscrowHoldInvoice(ctx context.Context, orderID, userID string) (bool, map[string]any, error) {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	defer unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}

	if order.TradeEscrowID != nil {
		escrow, err := o.store.GetPayment(ctx, *order.TradeEscrowID)
		if err != nil {
			return false, nil, err
		}
		if escrow.Status == database.InvGen {
			locked, err := o.ln.ValidateHoldInvoiceLocked(ctx, mustDecodeHex(escrow.PaymentHash))
			if err != nil {
				return false, nil, err
			}
			if locked {
				if err := o.HandleBondLocked(ctx, orderID, *order.TradeEscrowID); err != nil {
					return false, nil, err
				}
				return false, nil, nil
			}
			if escrow.CreatedAt.Before(time.Now().Add(-o.cfg.ExpTradeEscrInvoice)) {
				if _, _, err := o.cancelPhase4(ctx, orderID, userID); err != nil {
					return false, nil, err
				}
				return false, reject("Invoice expired. You did not lock the trade escrow in time."), nil
			}
			return true, map[string]any{"escrow_invoice": escrow.Invoice, "escrow_satoshis": escrow.NumSatoshis}, nil
		}
		return false, nil, nil
	}

	escrowSats := order.LastSatoshis
	description := fmt.Sprintf("trade escrow for order %s", orderID)

	hold, err := o.ln.GenHoldInvoice(ctx, escrowSats, description, o.cfg.EscrowExpiry)
	if err != nil {
		return false, nil, err
	}

	paymentID := uuid.New().String()
	payment := newHoldPayment(paymentID, database.TrEscrow, userID, o.platform.UserID, description, escrowSats, hold)

	_, err = o.store.CommitOrderUpdate(ctx, orderID, func(ord *database.Order) (*database.LNPayment, error) {
		if ord.TradeEscrowID != nil {
			return nil, bad("trade escrow already exists")
		}
		ord.TradeEscrowID = &paymentID
		return payment, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	o.publishLockWatch(ctx, orderID, paymentID)

	return true, map[string]any{"escrow_invoice": hold.Invoice, "escrow_satoshis": escrowSats}, nil
}

// HandleBondLocked marks paymentID LOCKED and advances the order, if the
// order's current status still calls for that advance. It is the commit
// half of the acquire-the-Lightning-result-outside-the-lock discipline:
// called both by the invoice-generation idempotent-refetch branches (the
// caller already holds the order lock) and by worker.LockWatcher (which
// does not, so it locks around this call itself).
//
// Which next status applies depends on which payment locked and what else
// has already happened on the order:
//   - the maker bond locking is WFB -> PUB
//   - the taker bond locking is TAK -> WF2
//   - the trade escrow locking is WF2 -> WFI (still waiting on the buyer
//     invoice) or WFE -> CHA (the invoice was already posted, symmetric
//     with UpdateInvoice's WF2 -> WFE/CHA branch)
//
// Any other current status means a racing event already advanced the
// order past the point this lock applies to; HandleBondLocked is then a
// no-op rather than an error, since retried/duplicate lock notifications
// are expected.
func (o *Orchestrator) HandleBondLocked(ctx context.Context, orderID, paymentID string) error {
	bond, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	_, err = o.store.CommitOrderUpdate(ctx, orderID, func(ord *database.Order) (*database.LNPayment, error) {
		var next statemachine.Status
		switch {
		case bond.Concept == database.MakeBond && ord.Status == statemachine.WFB:
			next = statemachine.PUB
		case bond.Concept == database.TakeBond && ord.Status == statemachine.TAK:
			next = statemachine.WF2
		case bond.Concept == database.TrEscrow && ord.Status == statemachine.WF2:
			next = statemachine.WFI
		case bond.Concept == database.TrEscrow && ord.Status == statemachine.WFE:
			next = statemachine.CHA
		default:
			return nil, nil
		}
		if err := statemachine.Transition(ord.Status, next); err != nil {
			return nil, err
		}
		bond.Status = database.Locked
		ord.Status = next
		return bond, nil
	})
	return err
}

// UpdateInvoice accepts the buyer's payout invoice. Only the buyer may call
// it, and only once both bonds are locked. Duplicate submissions replace
// the prior VALIDI record until the seller acts on it.
func (o *Orchestrator) UpdateInvoice(ctx context.Context, orderID, userID, bolt11 string) (bool, map[string]any, error) {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	defer unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}

	if !isBuyer(order, userID) {
		return false, reject("Only the buyer of this order can provide a buyer invoice."), nil
	}
	if order.TakerBondID == nil || order.MakerBondID == nil {
		return false, reject("Wait for your order to be taken."), nil
	}

	makerBond, err := o.store.GetPayment(ctx, *order.MakerBondID)
	if err != nil {
		return false, nil, err
	}
	takerBond, err := o.store.GetPayment(ctx, *order.TakerBondID)
	if err != nil {
		return false, nil, err
	}
	if makerBond.Status != database.Locked || takerBond.Status != database.Locked {
		return false, reject("You cannot post an invoice while bonds are not posted."), nil
	}

	numSats := decimal.NewFromInt(order.LastSatoshis).
		Mul(decimal.NewFromFloat(1 - o.cfg.FeeRate)).
		Floor().IntPart()

	validation, err := o.ln.ValidateLNInvoice(ctx, bolt11, numSats)
	if err != nil {
		return false, nil, err
	}
	if !validation.Valid {
		return false, reject(validation.Reason), nil
	}

	escrowLocked := false
	if order.TradeEscrowID != nil {
		escrow, err := o.store.GetPayment(ctx, *order.TradeEscrowID)
		if err != nil {
			return false, nil, err
		}
		escrowLocked = escrow.Status == database.Locked
	}

	paymentID := uuid.New().String()
	if order.BuyerInvoiceID != nil {
		paymentID = *order.BuyerInvoiceID
	}
	payment := &database.LNPayment{
		ID:          paymentID,
		Concept:     database.PayBuyer,
		Type:        database.Norm,
		SenderID:    &o.platform.UserID,
		ReceiverID:  &userID,
		Invoice:     bolt11,
		PaymentHash: hex.EncodeToString(validation.PaymentHash),
		NumSatoshis: numSats,
		Description: validation.Description,
		Status:      database.Validi,
		CreatedAt:   validation.CreatedAt,
		ExpiresAt:   validation.ExpiresAt,
	}

	_, err = o.store.CommitOrderUpdate(ctx, orderID, func(ord *database.Order) (*database.LNPayment, error) {
		ord.BuyerInvoiceID = &paymentID
		switch ord.Status {
		case statemachine.WFE, statemachine.WFI:
			// WFE: invoice already posted once, just replacing it — no
			// status change. WFI: escrow already locked, this invoice is
			// the last thing the order was waiting on.
			if ord.Status == statemachine.WFI {
				ord.Status = statemachine.CHA
			}
		case statemachine.WF2:
			if escrowLocked {
				ord.Status = statemachine.CHA
			} else {
				ord.Status = statemachine.WFE
			}
		}
		return payment, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}

	return true, nil, nil
}

// ConfirmFiat implements both sides of the handshake that releases the
// trade: the buyer's fiat-sent assertion (which settles the escrow — the
// single atomic, irreversible preimage reveal of the whole flow) and the
// seller's fiat-received confirmation (which pays out the buyer invoice).
func (o *Orchestrator) ConfirmFiat(ctx context.Context, orderID, userID string) (bool, map[string]any, error) {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	defer unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	if order.Status != statemachine.CHA && order.Status != statemachine.FSE {
		return false, reject("You cannot confirm the fiat payment at this stage"), nil
	}

	switch {
	case isBuyer(order, userID):
		return o.confirmFiatAsBuyer(ctx, order)
	case isSeller(order, userID):
		return o.confirmFiatAsSeller(ctx, order)
	default:
		return false, reject("you are not a party to this order"), nil
	}
}

func (o *Orchestrator) confirmFiatAsBuyer(ctx context.Context, order *database.Order) (bool, map[string]any, error) {
	if order.TradeEscrowID == nil {
		return false, nil, fmt.Errorf("trade: order %s has no trade escrow to settle", order.ID)
	}
	escrow, err := o.store.GetPayment(ctx, *order.TradeEscrowID)
	if err != nil {
		return false, nil, err
	}
	if escrow.Preimage == nil {
		return false, nil, fmt.Errorf("trade: trade escrow %s has no retained preimage", escrow.ID)
	}
	preimage, err := hex.DecodeString(*escrow.Preimage)
	if err != nil {
		return false, nil, fmt.Errorf("trade: malformed preimage on escrow %s: %w", escrow.ID, err)
	}

	settled, err := o.ln.SettleHoldInvoice(ctx, preimage)
	if err != nil {
		return false, nil, err
	}
	if !settled {
		return false, reject("could not settle the trade escrow"), nil
	}

	_, err = o.store.CommitOrderUpdate(ctx, order.ID, func(ord *database.Order) (*database.LNPayment, error) {
		if ord.Status != statemachine.CHA && ord.Status != statemachine.FSE {
			return nil, bad("You cannot confirm the fiat payment at this stage")
		}
		escrow.Status = database.Setled
		ord.Status = statemachine.FSE
		ord.IsFiatSent = true
		return escrow, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

func (o *Orchestrator) confirmFiatAsSeller(ctx context.Context, order *database.Order) (bool, map[string]any, error) {
	if !order.IsFiatSent {
		return false, reject("You cannot confirm to have received the fiat before it is confirmed to be sent by the buyer."), nil
	}
	if order.TradeEscrowID == nil || order.BuyerInvoiceID == nil {
		return false, nil, fmt.Errorf("trade: order %s missing escrow or buyer invoice at payout time", order.ID)
	}

	escrow, err := o.store.GetPayment(ctx, *order.TradeEscrowID)
	if err != nil {
		return false, nil, err
	}
	buyerInvoice, err := o.store.GetPayment(ctx, *order.BuyerInvoiceID)
	if err != nil {
		return false, nil, err
	}

	// The escrow must always cover the payout; anything else means a
	// pricing or amount-locking step went badly wrong upstream.
	if escrow.NumSatoshis < buyerInvoice.NumSatoshis {
		logger.Error("trade escrow smaller than buyer invoice",
			zap.String("order_id", order.ID),
			zap.Int64("escrow_sats", escrow.NumSatoshis),
			zap.Int64("invoice_sats", buyerInvoice.NumSatoshis),
		)
		return false, reject("Woah, something broke badly. Report in the public channels, or open a Github Issue."), nil
	}

	settled, err := o.ln.DoubleCheckHTLCIsSettled(ctx, mustDecodeHex(escrow.PaymentHash))
	if err != nil {
		return false, nil, err
	}
	if !settled {
		// Not settled yet on the node's side. Leave the order in FSE for
		// the next poll rather than surfacing a hard failure.
		return false, nil, nil
	}

	payResult, err := o.ln.PayInvoice(ctx, buyerInvoice.Invoice, o.cfg.MaxPaymentFeeSats)
	if err != nil {
		return false, nil, err
	}
	if payResult == nil || !payResult.Succeeded {
		// Record nothing; leave the order in its current state for
		// operator inspection.
		return false, reject("payout to buyer failed"), nil
	}

	_, err = o.store.CommitOrderUpdate(ctx, order.ID, func(ord *database.Order) (*database.LNPayment, error) {
		if ord.Status != statemachine.FSE {
			return nil, bad("order is not awaiting payout")
		}
		buyerInvoice.Status = database.Paying
		ord.Status = statemachine.PAY
		return buyerInvoice, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// RateCounterparty lets a party rate the other once the trade has
// succeeded. Because terminal states UCA/EXP/DIS carry ordinals above SUC,
// a raw "status > PAY" comparison would also admit a cancelled or disputed
// order; InRange(status, PAY, UCA) excludes them — the only status between
// PAY and UCA is SUC.
func (o *Orchestrator) RateCounterparty(ctx context.Context, orderID, userID string, rating_ int) (bool, map[string]any, error) {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	if !statemachine.InRange(order.Status, statemachine.PAY, statemachine.UCA) {
		return false, reject("You cannot rate your counterparty yet."), nil
	}

	var targetID *string
	switch {
	case isMaker(order, userID):
		targetID = order.TakerID
	case isTaker(order, userID):
		targetID = order.MakerID
	default:
		return false, reject("you are not a party to this order"), nil
	}
	if targetID == nil {
		return false, nil, fmt.Errorf("trade: order %s has no counterparty to rate", orderID)
	}

	profile, err := o.store.GetProfile(ctx, *targetID)
	if err != nil {
		return false, nil, err
	}
	if err := rating.AddRating(profile, rating_); err != nil {
		return false, reject(err.Error()), nil
	}
	if err := o.store.SaveProfile(ctx, profile); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// CancelOrder dispatches to the phased cancellation rules: what a cancel
// costs depends on how far the trade has progressed and who is asking.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID, userID string) (bool, map[string]any, error) {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	defer unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}

	switch {
	// Phase 1: maker cancels before posting their bond. No cost.
	case order.Status == statemachine.WFB && isMaker(order, userID):
		return o.cancelNoSettlement(ctx, orderID, statemachine.UCA, clearMaker)

	// Phase 2: maker cancels a public order. Bond forfeited.
	case order.Status == statemachine.PUB && isMaker(order, userID):
		return o.forfeitBondAndCancel(ctx, order, statemachine.UCA, clearMaker, order.MakerBondID)

	// Phase 3: taker cancels before posting their bond. Timeout penalty,
	// order reopens.
	case order.Status == statemachine.TAK && isTaker(order, userID):
		return o.cancelWithPenalty(ctx, orderID, userID)

	// Phase 4a: maker cancels after bonding, before chat. Bond forfeited.
	case statemachine.InRange(order.Status, statemachine.PUB, statemachine.CHA) && isMaker(order, userID):
		return o.forfeitBondAndCancel(ctx, order, statemachine.UCA, clearMaker, order.MakerBondID)

	// Phase 4b: taker cancels after bonding, before chat. Bond forfeited,
	// order reopens.
	case statemachine.InRange(order.Status, statemachine.TAK, statemachine.CHA) && isTaker(order, userID):
		return o.forfeitBondAndCancel(ctx, order, statemachine.PUB, clearTaker, order.TakerBondID)

	// Phase 5: collateral posted and chat open — collaborative cancel only.
	// Restricted to CHA: once the escrow preimage is revealed in FSE the
	// transfer is irreversible and there is nothing left to cancel.
	case order.Status == statemachine.CHA:
		if !o.cfg.EnableCollabCancel {
			return false, reject("cannot cancel this order"), nil
		}
		return o.collaborativeCancel(ctx, order, userID)

	default:
		return false, reject("cannot cancel this order"), nil
	}
}

func (o *Orchestrator) cancelNoSettlement(ctx context.Context, orderID string, nextStatus statemachine.Status, clearRole func(*database.Order)) (bool, map[string]any, error) {
	_, err := o.store.CommitOrderUpdate(ctx, orderID, func(ord *database.Order) (*database.LNPayment, error) {
		if err := statemachine.Transition(ord.Status, nextStatus); err != nil {
			return nil, bad("cannot cancel this order")
		}
		clearRole(ord)
		ord.Status = nextStatus
		return nil, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, map[string]any{}, nil
}

// cancelWithPenalty is the phase-3 path: the taker walks before bonding, so
// the order reopens and the abandoned INVGEN bond is unlinked — the next
// taker must generate their own, not inherit the deserter's invoice.
func (o *Orchestrator) cancelWithPenalty(ctx context.Context, orderID, userID string) (bool, map[string]any, error) {
	if err := o.store.SetPenalty(ctx, userID, time.Now().Add(o.cfg.PenaltyTimeout)); err != nil {
		return false, nil, err
	}
	return o.cancelNoSettlement(ctx, orderID, statemachine.PUB, func(ord *database.Order) {
		ord.TakerID = nil
		ord.TakerBondID = nil
	})
}

// forfeitBondAndCancel settles bondID (forfeiting it to the platform) and
// moves the order to nextStatus. The Lightning settlement runs before the
// commit, outside the per-order row lock — only the final commit
// re-verifies legality.
func (o *Orchestrator) forfeitBondAndCancel(ctx context.Context, order *database.Order, nextStatus statemachine.Status, clearRole func(*database.Order), bondID *string) (bool, map[string]any, error) {
	if bondID == nil {
		return false, nil, fmt.Errorf("trade: order %s has no bond to forfeit", order.ID)
	}
	bond, err := o.store.GetPayment(ctx, *bondID)
	if err != nil {
		return false, nil, err
	}
	if bond.Preimage == nil {
		return false, nil, fmt.Errorf("trade: bond %s has no retained preimage", bond.ID)
	}
	preimage, err := hex.DecodeString(*bond.Preimage)
	if err != nil {
		return false, nil, fmt.Errorf("trade: malformed preimage on bond %s: %w", bond.ID, err)
	}

	settled, err := o.ln.SettleHoldInvoice(ctx, preimage)
	if err != nil {
		return false, nil, err
	}
	if !settled {
		return false, reject("could not settle the forfeited bond"), nil
	}

	_, err = o.store.CommitOrderUpdate(ctx, order.ID, func(ord *database.Order) (*database.LNPayment, error) {
		if err := statemachine.Transition(ord.Status, nextStatus); err != nil {
			return nil, bad("cannot cancel this order")
		}
		clearRole(ord)
		ord.Status = nextStatus
		bond.Status = database.Setled
		return bond, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, map[string]any{}, nil
}

// cancelPhase4 dispatches an escrow-invoice-expiry cancel to the 4a/4b
// branch matching whichever party let the invoice lapse.
func (o *Orchestrator) cancelPhase4(ctx context.Context, orderID, userID string) (bool, map[string]any, error) {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	switch {
	case isMaker(order, userID):
		return o.forfeitBondAndCancel(ctx, order, statemachine.UCA, clearMaker, order.MakerBondID)
	case isTaker(order, userID):
		return o.forfeitBondAndCancel(ctx, order, statemachine.PUB, clearTaker, order.TakerBondID)
	default:
		return false, reject("cannot cancel this order"), nil
	}
}

// collaborativeCancel implements phase 5: the first party's request marks
// the order pending; the opposing party's subsequent request forfeits both
// bonds (a small symmetric cost) and cancels.
func (o *Orchestrator) collaborativeCancel(ctx context.Context, order *database.Order, userID string) (bool, map[string]any, error) {
	if !order.IsPendingCancel {
		_, err := o.store.CommitOrderUpdate(ctx, order.ID, func(ord *database.Order) (*database.LNPayment, error) {
			if ord.Status != statemachine.CHA {
				return nil, bad("cannot cancel this order")
			}
			if ord.IsPendingCancel {
				return nil, bad("cancellation already requested, waiting on the counterparty")
			}
			ord.IsPendingCancel = true
			ord.PendingCancelByID = &userID
			return nil, nil
		})
		if msg, ok := rejection(err); ok {
			return false, reject(msg), nil
		}
		if err != nil {
			return false, nil, err
		}
		return true, map[string]any{"pending_cancel": true}, nil
	}

	if order.PendingCancelByID != nil && *order.PendingCancelByID == userID {
		return false, reject("cancellation already requested, waiting on the counterparty"), nil
	}

	if order.MakerBondID != nil {
		if err := o.settleIfLocked(ctx, *order.MakerBondID); err != nil {
			return false, nil, err
		}
	}
	if order.TakerBondID != nil {
		if err := o.settleIfLocked(ctx, *order.TakerBondID); err != nil {
			return false, nil, err
		}
	}

	_, err := o.store.CommitOrderUpdate(ctx, order.ID, func(ord *database.Order) (*database.LNPayment, error) {
		if ord.Status != statemachine.CHA || !ord.IsPendingCancel {
			return nil, bad("cannot cancel this order")
		}
		if err := statemachine.Transition(ord.Status, statemachine.UCA); err != nil {
			return nil, bad("cannot cancel this order")
		}
		ord.Status = statemachine.UCA
		ord.IsPendingCancel = false
		ord.PendingCancelByID = nil
		return nil, nil
	})
	if msg, ok := rejection(err); ok {
		return false, reject(msg), nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, map[string]any{}, nil
}

func (o *Orchestrator) settleIfLocked(ctx context.Context, paymentID string) error {
	payment, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != database.Locked || payment.Preimage == nil {
		return nil
	}
	preimage, err := hex.DecodeString(*payment.Preimage)
	if err != nil {
		return fmt.Errorf("trade: malformed preimage on payment %s: %w", payment.ID, err)
	}
	settled, err := o.ln.SettleHoldInvoice(ctx, preimage)
	if err != nil {
		return err
	}
	if !settled {
		return fmt.Errorf("trade: could not settle payment %s", payment.ID)
	}
	return o.store.SettlePayment(ctx, paymentID)
}

// bondSatoshis floors last*size to an integer satoshi amount using exact
// decimal arithmetic.
func bondSatoshis(lastSatoshis int64, bondSize float64) int64 {
	return decimal.NewFromInt(lastSatoshis).Mul(decimal.NewFromFloat(bondSize)).Floor().IntPart()
}

func newHoldPayment(id string, concept database.LNPaymentConcept, senderID, receiverID, description string, sats int64, hold *lnd.HoldInvoice) *database.LNPayment {
	preimage := hex.EncodeToString(hold.Preimage)
	return &database.LNPayment{
		ID:          id,
		Concept:     concept,
		Type:        database.Hold,
		SenderID:    &senderID,
		ReceiverID:  &receiverID,
		Invoice:     hold.Invoice,
		PaymentHash: hex.EncodeToString(hold.PaymentHash),
		Preimage:    &preimage,
		NumSatoshis: sats,
		Description: description,
		Status:      database.InvGen,
		CreatedAt:   hold.CreatedAt,
		ExpiresAt:   hold.ExpiresAt,
	}
}

// mustDecodeHex decodes a payment hash stored as hex; the registry never
// persists a malformed one, so a decode failure here is a bug, not a
// recoverable condition, and is reported back as an empty hash rather than
// panicking.
func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
