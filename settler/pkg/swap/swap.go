// Package swap groups claimed amounts by source asset and plans one AMM swap
// per distinct asset. Swapping per asset instead of per recipient bounds the
// operation count by the number of distinct assets and keeps cumulative price
// impact down.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
)

// ErrPoolNotFound indicates no AMM pool exists for an asset pair. It aborts
// settlement for that asset group only; other groups proceed.
var ErrPoolNotFound = errors.New("no amm pool for pair")

// Quote is the AMM collaborator's answer for a summed group input. The
// instruction must enforce MinAmountOut on-chain; a swap is never submitted
// without an explicit minimum-output floor.
type Quote struct {
	AmountOut    *big.Int
	MinAmountOut *big.Int
	Instruction  solana.Instruction
}

// Oracle is the AMM pool collaborator contract.
type Oracle interface {
	Quote(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error)
}

// Group is the summed claim input for one distinct source asset.
type Group struct {
	SourceAsset solana.PublicKey
	TotalInput  *big.Int
	Members     []claims.Recipient
}

// Plan is a group together with its quote. Bypass groups already hold the
// settlement asset and need no swap.
type Plan struct {
	Group  Group
	Quote  *Quote
	Bypass bool
}

// GroupFailure records an asset group dropped from the run; its members
// receive no payout this run and are reported separately.
type GroupFailure struct {
	SourceAsset solana.PublicKey
	Members     []claims.Recipient
	Err         error
}

type Config struct {
	Logger *slog.Logger
	Oracle Oracle
	// MaxConcurrency bounds concurrent quote requests across asset groups.
	MaxConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Oracle == nil {
		return errors.New("oracle is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return nil
}

type Aggregator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{log: cfg.Logger, cfg: cfg}, nil
}

// GroupByAsset buckets claim results by claimed asset in first-seen order.
// Zero-amount claims still join their group's membership but add no input.
func GroupByAsset(results []claims.Result) []Group {
	index := make(map[solana.PublicKey]int)
	var groups []Group
	for _, r := range results {
		i, ok := index[r.Asset]
		if !ok {
			i = len(groups)
			index[r.Asset] = i
			groups = append(groups, Group{
				SourceAsset: r.Asset,
				TotalInput:  new(big.Int),
			})
		}
		groups[i].TotalInput.Add(groups[i].TotalInput, r.Amount)
		groups[i].Members = append(groups[i].Members, r.Recipient)
	}
	return groups
}

// PlanSwaps requests exactly one quote per distinct non-settlement asset, for
// the summed group input. Groups already in the settlement asset bypass the
// oracle. A failed group is isolated; only context cancellation aborts.
// Plans preserve the first-seen group order.
func (a *Aggregator) PlanSwaps(ctx context.Context, results []claims.Result, settlementAsset solana.PublicKey, slippageBps uint16) ([]Plan, []GroupFailure, error) {
	groups := GroupByAsset(results)
	a.log.Debug("swap: planning", "groups", len(groups), "settlement_asset", settlementAsset.String())

	plans := make([]*Plan, len(groups))
	var mu sync.Mutex
	var failures []GroupFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrency)

	for i, group := range groups {
		if group.TotalInput.Sign() == 0 {
			continue
		}
		if group.SourceAsset.Equals(settlementAsset) {
			plans[i] = &Plan{Group: group, Bypass: true}
			continue
		}

		i, group := i, group
		g.Go(func() error {
			quote, err := a.cfg.Oracle.Quote(gctx, group.SourceAsset, settlementAsset, group.TotalInput, slippageBps)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				a.log.Warn("swap: asset group dropped", "asset", group.SourceAsset.String(), "members", len(group.Members), "error", err)
				mu.Lock()
				failures = append(failures, GroupFailure{
					SourceAsset: group.SourceAsset,
					Members:     group.Members,
					Err:         err,
				})
				mu.Unlock()
				return nil
			}
			if quote.MinAmountOut == nil || quote.MinAmountOut.Sign() <= 0 {
				mu.Lock()
				failures = append(failures, GroupFailure{
					SourceAsset: group.SourceAsset,
					Members:     group.Members,
					Err:         fmt.Errorf("oracle returned no minimum-output floor for %s", group.SourceAsset),
				})
				mu.Unlock()
				return nil
			}
			plans[i] = &Plan{Group: group, Quote: quote}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("swap planning aborted: %w", err)
	}

	planned := make([]Plan, 0, len(groups))
	for _, p := range plans {
		if p != nil {
			planned = append(planned, *p)
		}
	}

	a.log.Info("swap: planned", "swaps", countSwaps(planned), "bypass", len(planned)-countSwaps(planned), "failed_groups", len(failures))
	return planned, failures, nil
}

// SettledValue sums the guaranteed settlement-asset value across plans:
// bypass groups contribute their full input, swapped groups contribute the
// quoted minimum output (the only amount the swap instruction guarantees).
func SettledValue(plans []Plan) *big.Int {
	total := new(big.Int)
	for _, p := range plans {
		if p.Bypass {
			total.Add(total, p.Group.TotalInput)
			continue
		}
		total.Add(total, p.Quote.MinAmountOut)
	}
	return total
}

func countSwaps(plans []Plan) int {
	n := 0
	for _, p := range plans {
		if !p.Bypass {
			n++
		}
	}
	return n
}
