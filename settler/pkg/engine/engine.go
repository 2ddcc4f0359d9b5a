// Package engine orchestrates one settlement run: claim aggregation,
// proportional allocation, per-asset swap planning, byte-budget batching, and
// sequential submission. All external collaborators (staking program, AMM
// oracle, ledger, journal) are injected, so a run is deterministic under test
// fakes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/PolymersNetwork/settlement/settler/pkg/allocation"
	"github.com/PolymersNetwork/settlement/settler/pkg/batch"
	"github.com/PolymersNetwork/settlement/settler/pkg/checkpoint"
	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
	"github.com/PolymersNetwork/settlement/settler/pkg/metrics"
	"github.com/PolymersNetwork/settlement/settler/pkg/submit"
	"github.com/PolymersNetwork/settlement/settler/pkg/swap"
	"github.com/PolymersNetwork/settlement/settler/pkg/valuator"
	"github.com/PolymersNetwork/settlement/utils/pkg/retry"
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Claimer claims.Claimer
	Weights valuator.Strategy
	Oracle  swap.Oracle
	Ledger  submit.Ledger
	Journal checkpoint.Journal
	// Operator holds claimed funds between claim, swap, and payout
	// transactions, and signs every batch.
	Operator solana.PrivateKey
	// Treasury receives the rounding residual under the treasury policy.
	Treasury       solana.PublicKey
	ResidualPolicy allocation.ResidualPolicy

	MaxClaimConcurrency int
	MaxQuoteConcurrency int
	ClaimRateLimit      rate.Limit
	Batch               batch.Config
	Retry               retry.Config
	ConfirmTimeout      time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Claimer == nil {
		return errors.New("claimer is required")
	}
	if cfg.Oracle == nil {
		return errors.New("oracle is required")
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
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ResidualPolicy == "" {
		cfg.ResidualPolicy = allocation.ResidualUnallocated
	}
	if err := cfg.ResidualPolicy.Validate(); err != nil {
		return err
	}
	if cfg.ResidualPolicy == allocation.ResidualTreasury && cfg.Treasury.IsZero() {
		return errors.New("treasury account is required for the treasury residual policy")
	}
	if cfg.Weights == nil {
		duration, err := valuator.NewDurationStrategy(valuator.DurationConfig{Clock: cfg.Clock})
		if err != nil {
			return err
		}
		score, err := valuator.NewScoreStrategy(valuator.ScoreConfig{Fallback: duration})
		if err != nil {
			return err
		}
		cfg.Weights = score
	}
	return nil
}

type Engine struct {
	log       *slog.Logger
	cfg       Config
	claims    *claims.Aggregator
	swaps     *swap.Aggregator
	packer    *batch.Packer
	submitter *submit.Submitter
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	claimAgg, err := claims.New(claims.Config{
		Logger:         cfg.Logger,
		Claimer:        cfg.Claimer,
		Weights:        cfg.Weights,
		MaxConcurrency: cfg.MaxClaimConcurrency,
		RateLimit:      cfg.ClaimRateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create claim aggregator: %w", err)
	}

	swapAgg, err := swap.New(swap.Config{
		Logger:         cfg.Logger,
		Oracle:         cfg.Oracle,
		MaxConcurrency: cfg.MaxQuoteConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create swap aggregator: %w", err)
	}

	batchCfg := cfg.Batch
	batchCfg.Logger = cfg.Logger
	packer, err := batch.New(batchCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create instruction packer: %w", err)
	}

	submitter, err := submit.New(submit.Config{
		Logger:         cfg.Logger,
		Ledger:         cfg.Ledger,
		Journal:        cfg.Journal,
		Operator:       cfg.Operator,
		Retry:          cfg.Retry,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create submitter: %w", err)
	}

	return &Engine{
		log:       cfg.Logger,
		cfg:       cfg,
		claims:    claimAgg,
		swaps:     swapAgg,
		packer:    packer,
		submitter: submitter,
	}, nil
}

// Settle runs the full pipeline for one recipient set and always returns a
// report, with one exception: an invariant violation (ordering, overflow)
// aborts before anything is submitted and surfaces as an error.
func (e *Engine) Settle(ctx context.Context, recipients []claims.Recipient, settlementAsset solana.PublicKey, slippageBps uint16) (*Report, error) {
	started := e.cfg.Clock.Now()
	runID := uuid.New()
	log := e.log.With("run_id", runID.String())

	report := &Report{
		RunID:           runID,
		TotalRecipients: len(recipients),
		TotalSettled:    new(big.Int),
		Residual:        new(big.Int),
		ResidualPolicy:  e.cfg.ResidualPolicy,
	}

	if len(recipients) == 0 {
		log.Info("engine: nothing to settle")
		report.NoOp = true
		e.observeRun(started, "noop")
		return report, nil
	}

	log.Info("engine: settlement started", "recipients", len(recipients), "settlement_asset", settlementAsset.String(), "slippage_bps", slippageBps)

	// Stage 1: gather claims and weights, in parallel per recipient.
	results, claimFailures, err := e.claims.Collect(ctx, recipients)
	if err != nil {
		e.observeRun(started, "aborted")
		return nil, err
	}
	metrics.ClaimsTotal.WithLabelValues("ok").Add(float64(len(results)))
	metrics.ClaimsTotal.WithLabelValues("failed").Add(float64(len(claimFailures)))
	for _, f := range claimFailures {
		report.FailedClaims = append(report.FailedClaims, FailedClaim{
			Owner:    f.Recipient.Owner.String(),
			Position: f.Recipient.Position.String(),
			Reason:   f.Err.Error(),
		})
	}

	// Stage 2: one swap plan per distinct claimed asset.
	plans, groupFailures, err := e.swaps.PlanSwaps(ctx, results, settlementAsset, slippageBps)
	if err != nil {
		e.observeRun(started, "aborted")
		return nil, err
	}
	metrics.SwapsPlannedTotal.WithLabelValues("ok").Add(float64(len(plans)))
	metrics.SwapsPlannedTotal.WithLabelValues("failed").Add(float64(len(groupFailures)))

	droppedAssets := make(map[solana.PublicKey]bool, len(groupFailures))
	for _, f := range groupFailures {
		droppedAssets[f.SourceAsset] = true
		fg := FailedGroup{Asset: f.SourceAsset.String(), Reason: f.Err.Error()}
		for _, m := range f.Members {
			fg.Owners = append(fg.Owners, m.Owner.String())
		}
		report.FailedGroups = append(report.FailedGroups, fg)
	}

	// Recipients of a dropped asset group receive no payout this run and do
	// not dilute the surviving recipients' shares.
	eligible := make([]claims.Result, 0, len(results))
	for _, r := range results {
		if !droppedAssets[r.Asset] {
			eligible = append(eligible, r)
		}
	}

	// Stage 3: proportional allocation over the guaranteed settled value.
	total := swap.SettledValue(plans)
	outcome, err := allocation.Allocate(eligible, settlementAsset, total)
	if err != nil {
		e.observeRun(started, "aborted")
		return nil, err
	}
	report.Residual.Set(outcome.Residual)
	if outcome.NoOp {
		log.Info("engine: no claimable weight, terminating as no-op")
		report.NoOp = true
		e.observeRun(started, "noop")
		return report, nil
	}

	// Stage 4: instruction list in dependency order, then byte-budget packing.
	items, payoutTotal, err := e.buildItems(eligible, plans, outcome, settlementAsset)
	if err != nil {
		e.observeRun(started, "invariant_violation")
		return nil, err
	}
	batches, err := e.packer.Pack(items)
	if err != nil {
		e.observeRun(started, "invariant_violation")
		return nil, fmt.Errorf("refusing to submit: %w", err)
	}
	if len(batches) == 0 {
		report.NoOp = true
		e.observeRun(started, "noop")
		return report, nil
	}

	// Stage 5: sequential submission in dependency order.
	submitResults := e.submitter.Run(ctx, runID, batches)
	for i, r := range submitResults {
		status := BatchStatus{Status: r.Status}
		if !r.Signature.IsZero() {
			status.TxID = r.Signature.String()
		}
		if r.Err != nil {
			status.Reason = r.Err.Error()
		}
		report.PerBatch = append(report.PerBatch, status)

		if r.Status == submit.StatusConfirmed {
			for _, item := range batches[i].Items {
				if item.Stage == batch.StagePayout && item.Amount != nil {
					report.TotalSettled.Add(report.TotalSettled, item.Amount)
				}
			}
		}
	}

	runStatus := "ok"
	for _, r := range submitResults {
		if r.Status != submit.StatusConfirmed {
			runStatus = "partial"
			break
		}
	}
	e.observeRun(started, runStatus)

	log.Info("engine: settlement finished",
		"status", runStatus,
		"batches", len(batches),
		"settled", report.TotalSettled.String(),
		"planned", payoutTotal.String(),
		"residual", report.Residual.String(),
	)
	return report, nil
}

// buildItems lays out instructions in causal order: claims, then swaps, then
// payout transfers, then the optional treasury sweep. Payouts depend on the
// last swap because the settlement pool is complete only once every group has
// converted.
func (e *Engine) buildItems(results []claims.Result, plans []swap.Plan, outcome *allocation.Outcome, settlementAsset solana.PublicKey) ([]batch.Item, *big.Int, error) {
	var items []batch.Item

	lastClaim := -1
	for _, r := range results {
		// A nil instruction means the reward was already moved to the
		// operator's holding account; nothing to execute.
		if r.Instruction == nil {
			continue
		}
		items = append(items, batch.Item{Instruction: r.Instruction, Stage: batch.StageClaim, DependsOn: -1})
		lastClaim = len(items) - 1
	}

	lastSwap := -1
	for _, p := range plans {
		if p.Bypass {
			continue
		}
		items = append(items, batch.Item{Instruction: p.Quote.Instruction, Stage: batch.StageSwap, DependsOn: lastClaim})
		lastSwap = len(items) - 1
	}

	payoutDep := lastSwap
	if payoutDep < 0 {
		payoutDep = lastClaim
	}

	source, _, err := solana.FindAssociatedTokenAddress(e.cfg.Operator.PublicKey(), settlementAsset)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive operator token account: %w", err)
	}

	payoutTotal := new(big.Int)
	for _, share := range outcome.Shares {
		ix, err := e.transferInstruction(source, share.Recipient.Owner, settlementAsset, share.Amount)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, batch.Item{
			Instruction: ix,
			Stage:       batch.StagePayout,
			DependsOn:   payoutDep,
			Amount:      new(big.Int).Set(share.Amount),
		})
		payoutTotal.Add(payoutTotal, share.Amount)
	}

	if e.cfg.ResidualPolicy == allocation.ResidualTreasury && outcome.Residual.Sign() > 0 {
		ix, err := e.transferInstruction(source, e.cfg.Treasury, settlementAsset, outcome.Residual)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, batch.Item{Instruction: ix, Stage: batch.StagePayout, DependsOn: payoutDep})
	}

	return items, payoutTotal, nil
}

func (e *Engine) transferInstruction(source, owner, mint solana.PublicKey, amount *big.Int) (solana.Instruction, error) {
	if !amount.IsUint64() {
		return nil, fmt.Errorf("%w: transfer amount %s overflows u64", batch.ErrInvariantViolation, amount)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token account for %s: %w", owner, err)
	}
	return token.NewTransferInstruction(
		amount.Uint64(),
		source,
		dest,
		e.cfg.Operator.PublicKey(),
		nil,
	).Build(), nil
}

func (e *Engine) observeRun(started time.Time, status string) {
	metrics.SettlementRunsTotal.WithLabelValues(status).Inc()
	metrics.SettlementDuration.Observe(e.cfg.Clock.Since(started).Seconds())
}
