// Package trade implements the orchestrator that composes the state
// machine, invoice gateway, and payment/order stores into the public
// trade operations: take, the three gen_*_hold_invoice variants,
// update_invoice, cancel_order, confirm_fiat, rate_counterparty, and
// is_penalized.
package trade

import (
	"time"

	"github.com/robosats-go/trading-core/config"
)

// Config carries the orchestrator's economic parameters, copied from
// config.TradeConfig.Trading at wiring time (see cmd/trade-api).
type Config struct {
	FeeRate  float64
	BondSize float64

	MinTradeSats int64
	MaxTradeSats int64

	ExpMakerBondInvoice time.Duration
	ExpTakerBondInvoice time.Duration
	ExpTradeEscrInvoice time.Duration

	BondExpiry   time.Duration
	EscrowExpiry time.Duration

	PenaltyTimeout time.Duration

	RatingWindow int

	EnableCollabCancel bool

	// MaxPaymentFeeSats bounds the routing fee the orchestrator will
	// accept when paying out the buyer invoice in confirm_fiat's seller
	// branch.
	MaxPaymentFeeSats int64
}

// NewConfig converts the minutes/hours/seconds fields of TradeConfig.Trading
// (the TOML/env shape cleanenv understands) into the time.Duration fields
// the orchestrator operates on.
func NewConfig(t config.TradeConfig) Config {
	tr := t.Trading
	return Config{
		FeeRate:             tr.FeeRate,
		BondSize:            tr.BondSize,
		MinTradeSats:        tr.MinTradeSats,
		MaxTradeSats:        tr.MaxTradeSats,
		ExpMakerBondInvoice: time.Duration(tr.ExpMakerBondInvoiceMinutes) * time.Minute,
		ExpTakerBondInvoice: time.Duration(tr.ExpTakerBondInvoiceMinutes) * time.Minute,
		ExpTradeEscrInvoice: time.Duration(tr.ExpTradeEscrInvoiceMinutes) * time.Minute,
		BondExpiry:          time.Duration(tr.BondExpiryHours) * time.Hour,
		EscrowExpiry:        time.Duration(tr.EscrowExpiryHours) * time.Hour,
		PenaltyTimeout:      time.Duration(tr.PenaltyTimeoutSeconds) * time.Second,
		RatingWindow:        tr.RatingWindow,
		EnableCollabCancel:  tr.EnableCollabCancel,
		MaxPaymentFeeSats:   t.LND.MaxPaymentFeeSats,
	}
}
