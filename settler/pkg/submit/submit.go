// Package submit executes instruction batches against the ledger, strictly in
// dependency order. Batches are never submitted in parallel: a later batch may
// spend token balances created by an earlier one.
//
// Per-batch state machine: Built -> Signed -> Submitted -> {Confirmed|Failed}.
// Submitted loops back on transient failure up to the retry bound. A
// confirmed-but-reverted transaction is terminal and is never retried; batches
// depending on it are Skipped instead of attempted.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/PolymersNetwork/settlement/settler/pkg/batch"
	"github.com/PolymersNetwork/settlement/settler/pkg/checkpoint"
	"github.com/PolymersNetwork/settlement/settler/pkg/ledger"
	"github.com/PolymersNetwork/settlement/settler/pkg/metrics"
	"github.com/PolymersNetwork/settlement/utils/pkg/retry"
)

type Status string

const (
	StatusBuilt     Status = "built"
	StatusSigned    Status = "signed"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Ledger is the ledger-client collaborator contract consumed by the submitter.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) error
}

// Result is one batch's terminal outcome.
type Result struct {
	BatchIndex int
	Status     Status
	Signature  solana.Signature
	Err        error
}

type Config struct {
	Logger  *slog.Logger
	Ledger  Ledger
	Journal checkpoint.Journal
	// Operator signs and pays for every settlement transaction.
	Operator       solana.PrivateKey
	Retry          retry.Config
	ConfirmTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Journal == nil {
		return errors.New("journal is required")
	}
	if len(cfg.Operator) == 0 {
		return errors.New("operator key is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	return nil
}

type Submitter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Submitter{log: cfg.Logger, cfg: cfg}, nil
}

// Run submits batches sequentially and returns one result per batch.
// Cancellation between batches suppresses the remaining ones; an
// already-submitted transaction cannot be retracted.
func (s *Submitter) Run(ctx context.Context, runID uuid.UUID, batches []batch.Batch) []Result {
	results := make([]Result, len(batches))

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			results[i] = s.finish(ctx, runID, Result{
				BatchIndex: i,
				Status:     StatusSkipped,
				Err:        fmt.Errorf("run cancelled before submission: %w", err),
			})
			continue
		}

		if b.DependsOn >= 0 && results[b.DependsOn].Status != StatusConfirmed {
			results[i] = s.finish(ctx, runID, Result{
				BatchIndex: i,
				Status:     StatusSkipped,
				Err:        fmt.Errorf("depends on batch %d which was not confirmed", b.DependsOn),
			})
			continue
		}

		results[i] = s.finish(ctx, runID, s.submitBatch(ctx, i, b))
	}

	return results
}

func (s *Submitter) submitBatch(ctx context.Context, index int, b batch.Batch) Result {
	var lastSig solana.Signature
	attempts := 0

	err := retry.Do(ctx, s.cfg.Retry, func() error {
		attempts++
		if attempts > 1 {
			metrics.SubmissionRetriesTotal.Inc()
			s.log.Info("submit: retrying batch", "batch", index, "attempt", attempts)
		}

		blockhash, err := s.cfg.Ledger.LatestBlockhash(ctx)
		if err != nil {
			return err
		}

		ixs := make([]solana.Instruction, len(b.Items))
		for i, item := range b.Items {
			ixs[i] = item.Instruction
		}
		tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(s.cfg.Operator.PublicKey()))
		if err != nil {
			return fmt.Errorf("failed to build transaction: %w", err)
		}
		s.log.Debug("submit: batch built", "batch", index, "instructions", len(ixs), "estimated_bytes", b.EstimatedBytes)

		if _, err := tx.Sign(s.signerFor); err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}
		s.log.Debug("submit: batch signed", "batch", index)

		sig, err := s.cfg.Ledger.Submit(ctx, tx)
		if err != nil {
			return err
		}
		lastSig = sig
		s.log.Debug("submit: batch submitted", "batch", index, "signature", sig.String())
		metrics.BatchSizeBytes.Observe(float64(b.EstimatedBytes))

		return s.cfg.Ledger.Confirm(ctx, sig, s.cfg.ConfirmTimeout)
	})

	if err != nil {
		status := StatusFailed
		if errors.Is(err, ledger.ErrReverted) {
			s.log.Error("submit: batch reverted on chain", "batch", index, "signature", lastSig.String(), "error", err)
		} else {
			s.log.Error("submit: batch failed", "batch", index, "attempts", attempts, "error", err)
		}
		return Result{BatchIndex: index, Status: status, Signature: lastSig, Err: err}
	}

	s.log.Info("submit: batch confirmed", "batch", index, "signature", lastSig.String(), "attempts", attempts)
	return Result{BatchIndex: index, Status: StatusConfirmed, Signature: lastSig}
}

func (s *Submitter) signerFor(key solana.PublicKey) *solana.PrivateKey {
	if key.Equals(s.cfg.Operator.PublicKey()) {
		return &s.cfg.Operator
	}
	return nil
}

// finish journals a terminal outcome and bumps metrics. Journal failures are
// logged, not escalated: losing a checkpoint must not fail a settled batch.
func (s *Submitter) finish(ctx context.Context, runID uuid.UUID, r Result) Result {
	metrics.BatchesTotal.WithLabelValues(string(r.Status)).Inc()

	reason := ""
	if r.Err != nil {
		reason = r.Err.Error()
	}
	sig := ""
	if !r.Signature.IsZero() {
		sig = r.Signature.String()
	}
	// Outcomes are journaled even when the run context is already cancelled.
	if err := s.cfg.Journal.Record(context.WithoutCancel(ctx), checkpoint.Outcome{
		RunID:      runID,
		BatchIndex: r.BatchIndex,
		Status:     string(r.Status),
		Signature:  sig,
		Reason:     reason,
	}); err != nil {
		s.log.Warn("submit: failed to journal batch outcome", "batch", r.BatchIndex, "error", err)
	}
	return r
}
