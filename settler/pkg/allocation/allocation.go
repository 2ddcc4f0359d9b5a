// Package allocation converts claim weights into proportional shares of the
// settled value. Shares use floor division, so a run may leave a residual;
// its disposition is an explicit policy choice, never silent.
package allocation

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
)

// ResidualPolicy selects what happens to value left unallocated by floor
// rounding. The upstream system never settled this consistently, so it is
// surfaced as configuration rather than guessed.
type ResidualPolicy string

const (
	// ResidualUnallocated leaves the residual in the operator account.
	ResidualUnallocated ResidualPolicy = "unallocated"
	// ResidualTreasury sweeps the residual to a treasury account.
	ResidualTreasury ResidualPolicy = "treasury"
	// ResidualCarry reports the residual for inclusion in the next run.
	ResidualCarry ResidualPolicy = "carry"
)

func (p ResidualPolicy) Validate() error {
	switch p {
	case ResidualUnallocated, ResidualTreasury, ResidualCarry:
		return nil
	}
	return fmt.Errorf("unknown residual policy %q", p)
}

// Share is one recipient's cut of the settled value, denominated in the
// settlement asset.
type Share struct {
	Recipient claims.Recipient
	Asset     solana.PublicKey
	Amount    *big.Int
}

// Outcome summarises one allocation pass.
type Outcome struct {
	Shares    []Share
	Residual  *big.Int
	TotalPaid *big.Int
	// NoOp is set when the total weight is zero; the run terminates as a
	// successful no-op rather than an error.
	NoOp bool
}

// Allocate splits total across results proportionally to their weights:
// share = floor(weight * total / totalWeight). Zero-amount shares are dropped
// so no-op transfers are never emitted. The invariant sum(shares) <= total
// always holds; the difference is returned as Residual.
func Allocate(results []claims.Result, settlementAsset solana.PublicKey, total *big.Int) (*Outcome, error) {
	if total == nil || total.Sign() < 0 {
		return nil, errors.New("settlement total must be non-negative")
	}

	totalWeight := new(big.Int)
	for _, r := range results {
		totalWeight.Add(totalWeight, new(big.Int).SetUint64(r.Weight))
	}

	if totalWeight.Sign() == 0 {
		return &Outcome{
			Residual:  new(big.Int).Set(total),
			TotalPaid: new(big.Int),
			NoOp:      true,
		}, nil
	}

	paid := new(big.Int)
	shares := make([]Share, 0, len(results))
	for _, r := range results {
		amount := new(big.Int).SetUint64(r.Weight)
		amount.Mul(amount, total)
		amount.Quo(amount, totalWeight)
		if amount.Sign() == 0 {
			continue
		}
		paid.Add(paid, amount)
		shares = append(shares, Share{
			Recipient: r.Recipient,
			Asset:     settlementAsset,
			Amount:    amount,
		})
	}

	residual := new(big.Int).Sub(total, paid)
	if residual.Sign() < 0 {
		return nil, fmt.Errorf("allocation overcommitted: paid %s of %s", paid, total)
	}

	return &Outcome{
		Shares:    shares,
		Residual:  residual,
		TotalPaid: paid,
	}, nil
}
