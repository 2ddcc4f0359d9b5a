// Package ledger implements the ledger-client collaborator over the Solana
// JSON-RPC API: blockhash acquisition, transaction submission, and
// confirmation polling.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrReverted means the transaction confirmed but failed on chain.
	// Callers must treat this as terminal: retrying a revert without
	// understanding its cause risks repeating it.
	ErrReverted = errors.New("transaction reverted on chain")

	// ErrConfirmTimeout means the transaction was not observed as confirmed
	// within the timeout. The usual cause is blockhash expiry, which is a
	// transient condition: rebuilding against a fresh blockhash may succeed.
	ErrConfirmTimeout = errors.New("confirmation timeout")
)

// RPC is the subset of the Solana RPC client the ledger uses.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	RPC          RPC
	Commitment   solanarpc.CommitmentType
	PollInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// LatestBlockhash fetches a recent blockhash at the configured commitment.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.cfg.RPC.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to fetch latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, errors.New("rpc returned empty blockhash result")
	}
	return out.Value.Blockhash, nil
}

// Submit sends a signed transaction. Preflight runs at the configured
// commitment so obvious failures surface before the transaction lands.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: c.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to submit transaction: %w", err)
	}
	c.log.Debug("ledger: submitted", "signature", sig.String())
	return sig, nil
}

// Confirm polls signature status until the transaction reaches the configured
// commitment, it reverts, or the timeout elapses.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) error {
	deadline := c.cfg.Clock.Now().Add(timeout)

	for {
		out, err := c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			c.log.Debug("ledger: status poll failed", "signature", sig.String(), "error", err)
		} else if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrReverted, status.Err)
			}
			if confirmed(status.ConfirmationStatus, c.cfg.Commitment) {
				c.log.Debug("ledger: confirmed", "signature", sig.String(), "status", status.ConfirmationStatus)
				return nil
			}
		}

		if !c.cfg.Clock.Now().Add(c.cfg.PollInterval).Before(deadline) {
			return fmt.Errorf("%w: %s not confirmed after %s", ErrConfirmTimeout, sig, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(c.cfg.PollInterval):
		}
	}
}

func confirmed(status solanarpc.ConfirmationStatusType, commitment solanarpc.CommitmentType) bool {
	switch commitment {
	case solanarpc.CommitmentFinalized:
		return status == solanarpc.ConfirmationStatusFinalized
	default:
		return status == solanarpc.ConfirmationStatusConfirmed || status == solanarpc.ConfirmationStatusFinalized
	}
}
