package lnd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
)

// GenHoldInvoice creates a new hold invoice for sats satoshis, generating
// and retaining the preimage locally — only the orchestrator's settlement
// path ever reveals it.
func (c *Client) GenHoldInvoice(ctx context.Context, sats int64, description string, expiry time.Duration) (*HoldInvoice, error) {
	if sats <= 0 {
		return nil, fmt.Errorf("lnd: invalid hold invoice amount %d", sats)
	}

	preimage, paymentHash, err := newPreimage()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	resp, err := c.invoicesClient.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Memo:   description,
		Hash:   paymentHash,
		Value:  sats,
		Expiry: int64(expiry.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("lnd: failed to create hold invoice: %w", err)
	}

	return &HoldInvoice{
		Invoice:     resp.PaymentRequest,
		Preimage:    preimage,
		PaymentHash: paymentHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiry),
	}, nil
}

// ValidateLNInvoice decodes an externally-supplied bolt11 invoice (the
// buyer's payout invoice) and checks it matches expectedSats, is not
// expired, and is non-zero.
func (c *Client) ValidateLNInvoice(ctx context.Context, bolt11 string, expectedSats int64) (*InvoiceValidation, error) {
	resp, err := c.lnClient.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: bolt11})
	if err != nil {
		return &InvoiceValidation{Valid: false, Reason: "could not decode invoice"}, nil
	}

	createdAt := time.Unix(resp.Timestamp, 0)
	expiresAt := createdAt.Add(time.Duration(resp.Expiry) * time.Second)

	paymentHash, err := hexDecode(resp.PaymentHash)
	if err != nil {
		return &InvoiceValidation{Valid: false, Reason: "malformed payment hash"}, nil
	}

	switch {
	case resp.NumSatoshis == 0:
		return &InvoiceValidation{Valid: false, Reason: "zero-amount invoice"}, nil
	case resp.NumSatoshis != expectedSats:
		return &InvoiceValidation{Valid: false, Reason: fmt.Sprintf("amount mismatch: want %d, got %d", expectedSats, resp.NumSatoshis)}, nil
	case time.Now().After(expiresAt):
		return &InvoiceValidation{Valid: false, Reason: "invoice expired"}, nil
	}

	return &InvoiceValidation{
		Valid:       true,
		Description: resp.Description,
		PaymentHash: paymentHash,
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// CheckUntilInvoiceLocked blocks, subscribing to the hold invoice's state
// stream, until it reaches ACCEPTED (the HTLC is locked) or the deadline
// passes.
func (c *Client) CheckUntilInvoiceLocked(ctx context.Context, paymentHash []byte, deadline time.Time) (bool, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	stream, err := c.invoicesClient.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: paymentHash,
	})
	if err != nil {
		return false, fmt.Errorf("lnd: failed to subscribe to invoice: %w", err)
	}

	for {
		inv, err := stream.Recv()
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("lnd: invoice subscription error: %w", err)
		}

		switch inv.State {
		case lnrpc.Invoice_ACCEPTED:
			return true, nil
		case lnrpc.Invoice_CANCELED:
			return false, nil
		case lnrpc.Invoice_SETTLED:
			// Already settled is a stronger condition than locked.
			return true, nil
		}
	}
}

// ValidateHoldInvoiceLocked is a non-blocking probe of whether a hold
// invoice's HTLC is currently locked (ACCEPTED) or settled.
func (c *Client) ValidateHoldInvoiceLocked(ctx context.Context, paymentHash []byte) (bool, error) {
	inv, err := c.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: paymentHash})
	if err != nil {
		return false, fmt.Errorf("lnd: failed to look up invoice: %w", err)
	}
	return inv.State == lnrpc.Invoice_ACCEPTED || inv.State == lnrpc.Invoice_SETTLED, nil
}

// SettleHoldInvoice reveals preimage, settling the matching hold invoice.
// Re-settling an already-settled hold is idempotent and returns true.
func (c *Client) SettleHoldInvoice(ctx context.Context, preimage []byte) (bool, error) {
	_, err := c.invoicesClient.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{Preimage: preimage})
	if err != nil {
		return false, fmt.Errorf("lnd: failed to settle hold invoice: %w", err)
	}
	return true, nil
}

// DoubleCheckHTLCIsSettled re-queries the node for a payment hash's
// invoice state, verifying it is actually SETTLED rather than trusting a
// prior local record.
func (c *Client) DoubleCheckHTLCIsSettled(ctx context.Context, paymentHash []byte) (bool, error) {
	inv, err := c.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: paymentHash})
	if err != nil {
		return false, fmt.Errorf("lnd: failed to look up invoice: %w", err)
	}
	return inv.State == lnrpc.Invoice_SETTLED, nil
}
