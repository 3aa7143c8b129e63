// Package lnd is a typed gRPC facade over the LND node's hold-invoice
// lifecycle: generate a hold invoice, validate an externally-supplied
// invoice, wait for a hold to lock, settle it by preimage reveal, and pay
// out a normal invoice.
package lnd

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config holds LND connection settings, populated from the [lnd] section of
// TradeConfig.
type Config struct {
	GRPCHost              string
	GRPCPort              string
	TLSCertPath           string
	MacaroonPath          string
	Network               string
	PaymentTimeoutSeconds int
	MaxPaymentFeeSats     int64
}

// HoldInvoice is the result of generating a bond/escrow hold invoice.
type HoldInvoice struct {
	Invoice     string
	Preimage    []byte
	PaymentHash []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// InvoiceValidation is the result of validating an externally-supplied
// invoice (the buyer's payout invoice).
type InvoiceValidation struct {
	Valid       bool
	Reason      string
	Description string
	PaymentHash []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// PaymentResult is the outcome of paying out a normal invoice.
type PaymentResult struct {
	PaymentHash     string
	PaymentPreimage string
	FeeSats         int64
	Succeeded       bool
}

// LightningClient is the contract the trade orchestrator depends on. It is
// implemented by *Client against a real LND node, and by fakes in tests.
type LightningClient interface {
	GenHoldInvoice(ctx context.Context, sats int64, description string, expiry time.Duration) (*HoldInvoice, error)
	ValidateLNInvoice(ctx context.Context, bolt11 string, expectedSats int64) (*InvoiceValidation, error)
	CheckUntilInvoiceLocked(ctx context.Context, paymentHash []byte, deadline time.Time) (bool, error)
	ValidateHoldInvoiceLocked(ctx context.Context, paymentHash []byte) (bool, error)
	SettleHoldInvoice(ctx context.Context, preimage []byte) (bool, error)
	DoubleCheckHTLCIsSettled(ctx context.Context, paymentHash []byte) (bool, error)
	PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error)
	Close() error
}

// macaroonCredential attaches the hex-encoded macaroon as gRPC metadata on
// every RPC, so LND can authenticate and authorize the request.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// Client is the concrete LightningClient backed by a real LND node.
type Client struct {
	conn           *grpc.ClientConn
	lnClient       lnrpc.LightningClient
	invoicesClient invoicesrpc.InvoicesClient
	routerClient   routerrpc.RouterClient
	cfg            Config
}

func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	macaroonData, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon file %s: %w", cfg.MacaroonPath, err)
	}
	macaroonCreds := macaroonCredential{macaroon: hex.EncodeToString(macaroonData)}

	url := cfg.GRPCHost + ":" + cfg.GRPCPort
	conn, err := grpc.NewClient(url, grpc.WithTransportCredentials(creds), grpc.WithPerRPCCredentials(macaroonCreds))
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}

	lnClient := lnrpc.NewLightningClient(conn)

	info, err := lnClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to LND (is it running? wallet unlocked?): %w", err)
	}
	if !info.SyncedToChain {
		return nil, fmt.Errorf("LND node %s is not synced to chain", info.IdentityPubkey)
	}

	return &Client{
		conn:           conn,
		lnClient:       lnClient,
		invoicesClient: invoicesrpc.NewInvoicesClient(conn),
		routerClient:   routerrpc.NewRouterClient(conn),
		cfg:            cfg,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// newPreimage generates a random 32-byte preimage and its sha256 payment
// hash — the caller of gen_hold_invoice, not LND, owns the preimage until
// settlement.
func newPreimage() ([]byte, []byte, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, nil, fmt.Errorf("failed to generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)
	return preimage, hash[:], nil
}
