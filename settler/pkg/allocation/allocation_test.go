package allocation

import (
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
)

func resultsWithWeights(weights ...uint64) []claims.Result {
	results := make([]claims.Result, len(weights))
	for i, w := range weights {
		results[i] = claims.Result{
			Recipient: claims.Recipient{
				Owner:    solana.NewWallet().PublicKey(),
				Position: solana.NewWallet().PublicKey(),
			},
			Weight: w,
		}
	}
	return results
}

func TestSettlement_Allocation_ProportionalShares(t *testing.T) {
	t.Parallel()

	asset := solana.NewWallet().PublicKey()
	results := resultsWithWeights(1, 2, 1)

	out, err := Allocate(results, asset, big.NewInt(400))
	require.NoError(t, err)
	require.False(t, out.NoOp)
	require.Len(t, out.Shares, 3)

	require.Equal(t, int64(100), out.Shares[0].Amount.Int64())
	require.Equal(t, int64(200), out.Shares[1].Amount.Int64())
	require.Equal(t, int64(100), out.Shares[2].Amount.Int64())
	require.Equal(t, int64(0), out.Residual.Int64())
	require.Equal(t, int64(400), out.TotalPaid.Int64())

	for i, share := range out.Shares {
		require.Equal(t, results[i].Recipient, share.Recipient)
		require.Equal(t, asset, share.Asset)
	}
}

func TestSettlement_Allocation_Conservation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		weights []uint64
		total   int64
	}{
		{"rounding leaves residual", []uint64{1, 1, 1}, 100},
		{"uneven weights", []uint64{3, 7, 11, 13}, 99999},
		{"single recipient", []uint64{5}, 42},
		{"large weights small total", []uint64{1000000, 2000000}, 7},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			total := big.NewInt(tt.total)
			out, err := Allocate(resultsWithWeights(tt.weights...), solana.PublicKey{}, total)
			require.NoError(t, err)

			sum := new(big.Int)
			for _, share := range out.Shares {
				require.Positive(t, share.Amount.Sign(), "zero shares must be dropped")
				sum.Add(sum, share.Amount)
			}
			require.LessOrEqual(t, sum.Cmp(total), 0, "sum of shares must not exceed total")
			require.Equal(t, new(big.Int).Sub(total, sum), out.Residual)
		})
	}
}

func TestSettlement_Allocation_ZeroTotalWeightIsNoOp(t *testing.T) {
	t.Parallel()

	out, err := Allocate(nil, solana.PublicKey{}, big.NewInt(500))
	require.NoError(t, err)
	require.True(t, out.NoOp)
	require.Empty(t, out.Shares)
	require.Equal(t, int64(500), out.Residual.Int64())
}

func TestSettlement_Allocation_ZeroSharesDropped(t *testing.T) {
	t.Parallel()

	// Two tiny weights against a dominant one: floor gives them zero.
	out, err := Allocate(resultsWithWeights(1, 1, 1000000), solana.PublicKey{}, big.NewInt(10))
	require.NoError(t, err)
	require.Len(t, out.Shares, 1)
	require.Equal(t, int64(9), out.Shares[0].Amount.Int64())
	require.Equal(t, int64(1), out.Residual.Int64())
}

func TestSettlement_Allocation_NegativeTotalRejected(t *testing.T) {
	t.Parallel()

	_, err := Allocate(resultsWithWeights(1), solana.PublicKey{}, big.NewInt(-1))
	require.Error(t, err)

	_, err = Allocate(resultsWithWeights(1), solana.PublicKey{}, nil)
	require.Error(t, err)
}

func TestSettlement_Allocation_ResidualPolicyValidation(t *testing.T) {
	t.Parallel()

	require.NoError(t, ResidualUnallocated.Validate())
	require.NoError(t, ResidualTreasury.Validate())
	require.NoError(t, ResidualCarry.Validate())
	require.Error(t, ResidualPolicy("burn").Validate())
	require.Error(t, ResidualPolicy("").Validate())
}
