// Package batch packs claim, swap, and payout instructions into the fewest
// ledger transactions that each stay under a byte budget, while preserving
// causal order. A payout may land in a later transaction than the swap that
// funds it; that cross-transaction dependency is tracked explicitly instead of
// assuming the whole settlement fits one atomic transaction.
package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// ErrInvariantViolation marks a packing that would violate causal ordering or
// carry a negative amount. It is fatal to the whole run: nothing is submitted.
var ErrInvariantViolation = errors.New("batch invariant violation")

// Stage orders instructions by causal role.
type Stage int

const (
	StageClaim Stage = iota
	StageSwap
	StagePayout
)

func (s Stage) String() string {
	switch s {
	case StageClaim:
		return "claim"
	case StageSwap:
		return "swap"
	case StagePayout:
		return "payout"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Item is one instruction queued for packing. DependsOn is the index of an
// earlier item that must execute before this one (-1 for none); for a payout
// that is the swap producing the settlement asset it spends.
type Item struct {
	Instruction solana.Instruction
	Stage       Stage
	DependsOn   int
	// Amount is the settled value a payout moves; nil for claims and swaps.
	Amount *big.Int
}

// Batch is one transaction's worth of instructions. DependsOn is the highest
// earlier batch index whose on-chain effects this batch requires (-1 if the
// batch is self-contained).
type Batch struct {
	Items          []Item
	EstimatedBytes int
	DependsOn      int
}

type Config struct {
	Logger *slog.Logger
	// MaxTxBytes is the ledger's serialized transaction limit.
	MaxTxBytes int
	// SafetyMargin is subtracted from MaxTxBytes to absorb estimate error.
	SafetyMargin int
	// TxBaseBytes is the fixed per-transaction overhead (signature, header,
	// payer key, blockhash) counted when a batch opens.
	TxBaseBytes int
	// PerAccountBytes is the estimated cost of one account reference
	// (static key plus per-instruction index).
	PerAccountBytes int
	// PerInstructionBytes covers the instruction header (program index,
	// account count, data length).
	PerInstructionBytes int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MaxTxBytes <= 0 {
		cfg.MaxTxBytes = 1232
	}
	if cfg.SafetyMargin < 0 {
		return errors.New("safety margin cannot be negative")
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = 64
	}
	if cfg.TxBaseBytes <= 0 {
		cfg.TxBaseBytes = 168
	}
	if cfg.PerAccountBytes <= 0 {
		cfg.PerAccountBytes = 34
	}
	if cfg.PerInstructionBytes <= 0 {
		cfg.PerInstructionBytes = 4
	}
	if cfg.SafetyMargin+cfg.TxBaseBytes >= cfg.MaxTxBytes {
		return errors.New("byte budget leaves no room for instructions")
	}
	return nil
}

type Packer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Packer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Packer{log: cfg.Logger, cfg: cfg}, nil
}

// Budget returns the usable instruction byte budget per batch.
func (p *Packer) Budget() int {
	return p.cfg.MaxTxBytes - p.cfg.SafetyMargin
}

// Estimate returns the running byte-size contribution of one instruction:
// data bytes plus per-account overhead plus the instruction header.
func (p *Packer) Estimate(ix solana.Instruction) (int, error) {
	data, err := ix.Data()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize instruction data: %w", err)
	}
	return p.cfg.PerInstructionBytes + len(data) + p.cfg.PerAccountBytes*len(ix.Accounts()), nil
}

// Pack greedily packs items in their given dependency order: a batch is
// closed as soon as the next item would push it over the budget. The packing
// is validated before it is returned; an ordering violation is rejected at
// construction time, never submitted.
func (p *Packer) Pack(items []Item) ([]Batch, error) {
	if len(items) == 0 {
		return nil, nil
	}

	for i, item := range items {
		if item.Instruction == nil {
			return nil, fmt.Errorf("%w: item %d has no instruction", ErrInvariantViolation, i)
		}
		if item.DependsOn >= i {
			return nil, fmt.Errorf("%w: item %d depends on later-or-equal item %d", ErrInvariantViolation, i, item.DependsOn)
		}
		if item.Amount != nil && item.Amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: item %d carries negative amount", ErrInvariantViolation, i)
		}
	}

	budget := p.Budget()
	itemBatch := make([]int, len(items))

	var batches []Batch
	current := Batch{DependsOn: -1, EstimatedBytes: p.cfg.TxBaseBytes}
	packed := 0

	flush := func() {
		if len(current.Items) > 0 {
			batches = append(batches, current)
			current = Batch{DependsOn: -1, EstimatedBytes: p.cfg.TxBaseBytes}
		}
	}

	for i, item := range items {
		size, err := p.Estimate(item.Instruction)
		if err != nil {
			return nil, err
		}
		if p.cfg.TxBaseBytes+size > budget {
			return nil, fmt.Errorf("instruction %d (%s) estimated at %d bytes cannot fit any batch (budget %d)",
				i, item.Stage, size, budget-p.cfg.TxBaseBytes)
		}
		if current.EstimatedBytes+size > budget {
			flush()
		}

		itemBatch[i] = len(batches)
		if item.DependsOn >= 0 {
			if depBatch := itemBatch[item.DependsOn]; depBatch < len(batches) && depBatch > current.DependsOn {
				current.DependsOn = depBatch
			}
		}
		current.Items = append(current.Items, item)
		current.EstimatedBytes += size
		packed++
	}
	flush()

	if err := p.Validate(batches); err != nil {
		return nil, err
	}

	p.log.Debug("batch: packed", "items", packed, "batches", len(batches))
	return batches, nil
}

// Validate re-checks the two packing invariants over an emitted sequence:
// every batch fits the budget, and every dependent item executes after its
// dependency — in a strictly earlier batch, or earlier within the same one.
func (p *Packer) Validate(batches []Batch) error {
	budget := p.Budget()

	type position struct{ batch, index int }
	var positions []position

	for bi, b := range batches {
		if b.EstimatedBytes > budget {
			return fmt.Errorf("%w: batch %d estimated at %d bytes exceeds budget %d", ErrInvariantViolation, bi, b.EstimatedBytes, budget)
		}
		for ii := range b.Items {
			positions = append(positions, position{batch: bi, index: ii})
		}
	}

	for bi, b := range batches {
		for ii, item := range b.Items {
			if item.DependsOn < 0 {
				continue
			}
			if item.DependsOn >= len(positions) {
				return fmt.Errorf("%w: batch %d item %d depends on unknown item %d", ErrInvariantViolation, bi, ii, item.DependsOn)
			}
			dep := positions[item.DependsOn]
			if dep.batch > bi || (dep.batch == bi && dep.index >= ii) {
				return fmt.Errorf("%w: %s in batch %d precedes its dependency in batch %d", ErrInvariantViolation, item.Stage, bi, dep.batch)
			}
		}
	}

	return nil
}
