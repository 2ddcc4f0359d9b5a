// Package claims collects claimable rewards for a set of recipients. Each
// (owner, position) pair is resolved against the external staking program
// collaborator; the claim instruction is gathered but not executed here.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/PolymersNetwork/settlement/settler/pkg/valuator"
)

// ErrClaimUnavailable indicates no claimable position exists for an
// (owner, position) pair. It is recoverable per recipient: the recipient is
// excluded from the run and recorded, the run continues.
var ErrClaimUnavailable = errors.New("no claimable position")

// Recipient identifies one claimable position.
type Recipient struct {
	Owner    solana.PublicKey
	Position solana.PublicKey
}

func (r Recipient) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Position)
}

// Claimable is what the staking collaborator reports for a position, without
// executing the claim.
type Claimable struct {
	Asset       solana.PublicKey
	Amount      *big.Int
	Instruction solana.Instruction
	StakedAt    time.Time
	Score       uint64
	HasScore    bool
}

// Claimer is the external staking program contract consumed by the aggregator.
type Claimer interface {
	Claim(ctx context.Context, owner, position solana.PublicKey) (*Claimable, error)
}

// Result is one successfully gathered claim with its allocation weight.
type Result struct {
	Recipient   Recipient
	Asset       solana.PublicKey
	Amount      *big.Int
	Instruction solana.Instruction
	Weight      uint64
}

// Failure records a recipient excluded from the run.
type Failure struct {
	Recipient Recipient
	Err       error
}

type Config struct {
	Logger  *slog.Logger
	Claimer Claimer
	Weights valuator.Strategy
	// MaxConcurrency bounds the fan-out against the claim interface.
	MaxConcurrency int
	// RateLimit caps claim calls per second; 0 means unlimited.
	RateLimit rate.Limit
	RateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Claimer == nil {
		return errors.New("claimer is required")
	}
	if cfg.Weights == nil {
		return errors.New("weight strategy is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return nil
}

type Aggregator struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return &Aggregator{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

// Collect resolves claims for all recipients with bounded concurrency.
// Per-recipient failures are isolated into the returned failure list; the only
// error returned is context cancellation. Results preserve input order.
func (a *Aggregator) Collect(ctx context.Context, recipients []Recipient) ([]Result, []Failure, error) {
	a.log.Debug("claims: collecting", "recipients", len(recipients))

	results := make([]*Result, len(recipients))
	var mu sync.Mutex
	var failures []Failure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrency)

	for i, r := range recipients {
		i, r := i, r
		g.Go(func() error {
			if a.limiter != nil {
				if err := a.limiter.Wait(gctx); err != nil {
					return err
				}
			}

			claimable, err := a.cfg.Claimer.Claim(gctx, r.Owner, r.Position)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				a.log.Warn("claims: recipient excluded", "recipient", r.String(), "error", err)
				mu.Lock()
				failures = append(failures, Failure{Recipient: r, Err: err})
				mu.Unlock()
				return nil
			}

			weight := a.cfg.Weights.Weight(valuator.Position{
				StakedAt: claimable.StakedAt,
				Score:    claimable.Score,
				HasScore: claimable.HasScore,
			})

			results[i] = &Result{
				Recipient:   r,
				Asset:       claimable.Asset,
				Amount:      new(big.Int).Set(claimable.Amount),
				Instruction: claimable.Instruction,
				Weight:      weight,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("claim collection aborted: %w", err)
	}

	collected := make([]Result, 0, len(recipients))
	for _, res := range results {
		if res != nil {
			collected = append(collected, *res)
		}
	}

	a.log.Info("claims: collected", "ok", len(collected), "failed", len(failures))
	return collected, failures, nil
}
