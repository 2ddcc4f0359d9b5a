package swap

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
	settletesting "github.com/PolymersNetwork/settlement/utils/pkg/testing"
)

type mockOracle struct {
	quoteFunc func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error)
}

func (m *mockOracle) Quote(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error) {
	if m.quoteFunc != nil {
		return m.quoteFunc(ctx, assetIn, assetOut, amountIn, slippageBps)
	}
	return &Quote{
		AmountOut:    new(big.Int).Set(amountIn),
		MinAmountOut: new(big.Int).Set(amountIn),
	}, nil
}

func claimResult(asset solana.PublicKey, amount int64) claims.Result {
	return claims.Result{
		Recipient: claims.Recipient{
			Owner:    solana.NewWallet().PublicKey(),
			Position: solana.NewWallet().PublicKey(),
		},
		Asset:  asset,
		Amount: big.NewInt(amount),
		Weight: 1,
	}
}

func TestSettlement_Swap_GroupByAsset(t *testing.T) {
	t.Parallel()

	assetA := solana.NewWallet().PublicKey()
	assetB := solana.NewWallet().PublicKey()

	groups := GroupByAsset([]claims.Result{
		claimResult(assetA, 100),
		claimResult(assetB, 50),
		claimResult(assetA, 300),
	})

	require.Len(t, groups, 2)
	require.Equal(t, assetA, groups[0].SourceAsset)
	require.Equal(t, int64(400), groups[0].TotalInput.Int64())
	require.Len(t, groups[0].Members, 2)
	require.Equal(t, assetB, groups[1].SourceAsset)
	require.Equal(t, int64(50), groups[1].TotalInput.Int64())
	require.Len(t, groups[1].Members, 1)
}

func TestSettlement_Swap_OneSwapPerAsset(t *testing.T) {
	t.Parallel()

	assetA := solana.NewWallet().PublicKey()
	assetB := solana.NewWallet().PublicKey()
	settlement := solana.NewWallet().PublicKey()

	var quoteCalls atomic.Int64
	agg, err := New(Config{
		Logger: settletesting.NewLogger(),
		Oracle: &mockOracle{
			quoteFunc: func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error) {
				quoteCalls.Add(1)
				require.Equal(t, settlement, assetOut)
				return &Quote{
					AmountOut:    new(big.Int).Set(amountIn),
					MinAmountOut: new(big.Int).Set(amountIn),
				}, nil
			},
		},
	})
	require.NoError(t, err)

	// 2 recipients claiming asset A (100, 300), one claiming asset B (50).
	plans, failures, err := agg.PlanSwaps(context.Background(), []claims.Result{
		claimResult(assetA, 100),
		claimResult(assetA, 300),
		claimResult(assetB, 50),
	}, settlement, 50)
	require.NoError(t, err)
	require.Empty(t, failures)

	// Exactly 2 swaps: A->settlement for 400 and B->settlement for 50.
	require.Equal(t, int64(2), quoteCalls.Load())
	require.Len(t, plans, 2)
	require.Equal(t, int64(400), plans[0].Group.TotalInput.Int64())
	require.Equal(t, int64(50), plans[1].Group.TotalInput.Int64())
	require.False(t, plans[0].Bypass)
	require.False(t, plans[1].Bypass)
}

func TestSettlement_Swap_SwapCountIndependentOfRecipients(t *testing.T) {
	t.Parallel()

	asset := solana.NewWallet().PublicKey()
	settlement := solana.NewWallet().PublicKey()

	var quoteCalls atomic.Int64
	agg, err := New(Config{
		Logger: settletesting.NewLogger(),
		Oracle: &mockOracle{
			quoteFunc: func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error) {
				quoteCalls.Add(1)
				return &Quote{AmountOut: amountIn, MinAmountOut: amountIn}, nil
			},
		},
	})
	require.NoError(t, err)

	results := make([]claims.Result, 50)
	for i := range results {
		results[i] = claimResult(asset, 10)
	}

	plans, failures, err := agg.PlanSwaps(context.Background(), results, settlement, 50)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, plans, 1)
	require.Equal(t, int64(1), quoteCalls.Load(), "50 recipients of one asset must produce exactly one swap")
	require.Equal(t, int64(500), plans[0].Group.TotalInput.Int64())
}

func TestSettlement_Swap_SettlementAssetBypasses(t *testing.T) {
	t.Parallel()

	settlement := solana.NewWallet().PublicKey()

	agg, err := New(Config{
		Logger: settletesting.NewLogger(),
		Oracle: &mockOracle{
			quoteFunc: func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error) {
				t.Fatal("oracle must not be called for the settlement asset")
				return nil, nil
			},
		},
	})
	require.NoError(t, err)

	plans, failures, err := agg.PlanSwaps(context.Background(), []claims.Result{
		claimResult(settlement, 100),
	}, settlement, 50)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, plans, 1)
	require.True(t, plans[0].Bypass)
	require.Nil(t, plans[0].Quote)
}

func TestSettlement_Swap_PoolNotFoundIsolatesGroup(t *testing.T) {
	t.Parallel()

	exotic := solana.NewWallet().PublicKey()
	liquid := solana.NewWallet().PublicKey()
	settlement := solana.NewWallet().PublicKey()

	agg, err := New(Config{
		Logger: settletesting.NewLogger(),
		Oracle: &mockOracle{
			quoteFunc: func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error) {
				if assetIn.Equals(exotic) {
					return nil, ErrPoolNotFound
				}
				return &Quote{AmountOut: amountIn, MinAmountOut: amountIn}, nil
			},
		},
	})
	require.NoError(t, err)

	plans, failures, err := agg.PlanSwaps(context.Background(), []claims.Result{
		claimResult(exotic, 100),
		claimResult(liquid, 200),
	}, settlement, 50)
	require.NoError(t, err)

	require.Len(t, plans, 1)
	require.Equal(t, liquid, plans[0].Group.SourceAsset)
	require.Len(t, failures, 1)
	require.Equal(t, exotic, failures[0].SourceAsset)
	require.ErrorIs(t, failures[0].Err, ErrPoolNotFound)
}

func TestSettlement_Swap_MissingMinOutDropsGroup(t *testing.T) {
	t.Parallel()

	asset := solana.NewWallet().PublicKey()
	settlement := solana.NewWallet().PublicKey()

	agg, err := New(Config{
		Logger: settletesting.NewLogger(),
		Oracle: &mockOracle{
			quoteFunc: func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error) {
				return &Quote{AmountOut: amountIn}, nil
			},
		},
	})
	require.NoError(t, err)

	plans, failures, err := agg.PlanSwaps(context.Background(), []claims.Result{
		claimResult(asset, 100),
	}, settlement, 50)
	require.NoError(t, err)
	require.Empty(t, plans)
	require.Len(t, failures, 1)
}

func TestSettlement_Swap_SettledValue(t *testing.T) {
	t.Parallel()

	plans := []Plan{
		{Group: Group{TotalInput: big.NewInt(100)}, Bypass: true},
		{Group: Group{TotalInput: big.NewInt(400)}, Quote: &Quote{AmountOut: big.NewInt(390), MinAmountOut: big.NewInt(380)}},
	}

	require.Equal(t, int64(480), SettledValue(plans).Int64())
}

func TestSettlement_Swap_ZeroInputGroupSkipped(t *testing.T) {
	t.Parallel()

	asset := solana.NewWallet().PublicKey()
	settlement := solana.NewWallet().PublicKey()

	agg, err := New(Config{
		Logger: settletesting.NewLogger(),
		Oracle: &mockOracle{
			quoteFunc: func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*Quote, error) {
				t.Fatal("oracle must not be called for an empty group")
				return nil, nil
			},
		},
	})
	require.NoError(t, err)

	plans, failures, err := agg.PlanSwaps(context.Background(), []claims.Result{
		claimResult(asset, 0),
	}, settlement, 50)
	require.NoError(t, err)
	require.Empty(t, plans)
	require.Empty(t, failures)
}
