package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/PolymersNetwork/settlement/settler/pkg/allocation"
	"github.com/PolymersNetwork/settlement/settler/pkg/batch"
	"github.com/PolymersNetwork/settlement/settler/pkg/checkpoint"
	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
	"github.com/PolymersNetwork/settlement/settler/pkg/ledger"
	"github.com/PolymersNetwork/settlement/settler/pkg/submit"
	"github.com/PolymersNetwork/settlement/settler/pkg/swap"
	"github.com/PolymersNetwork/settlement/utils/pkg/retry"
	settletesting "github.com/PolymersNetwork/settlement/utils/pkg/testing"
)

type mockClaimer struct {
	claimFunc func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error)
}

func (m *mockClaimer) Claim(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
	return m.claimFunc(ctx, owner, position)
}

type mockOracle struct {
	quoteFunc func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*swap.Quote, error)
}

func (m *mockOracle) Quote(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*swap.Quote, error) {
	if m.quoteFunc != nil {
		return m.quoteFunc(ctx, assetIn, assetOut, amountIn, slippageBps)
	}
	// 1:1 quote with no slippage haircut keeps arithmetic legible in tests.
	return &swap.Quote{
		AmountOut:    new(big.Int).Set(amountIn),
		MinAmountOut: new(big.Int).Set(amountIn),
		Instruction:  testInstruction(),
	}, nil
}

type mockLedger struct {
	submitted   int
	confirmFunc func(ctx context.Context, sig solana.Signature, timeout time.Duration) error
}

func (m *mockLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{1}, nil
}

func (m *mockLedger) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.submitted++
	return solana.Signature{byte(m.submitted)}, nil
}

func (m *mockLedger) Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) error {
	if m.confirmFunc != nil {
		return m.confirmFunc(ctx, sig, timeout)
	}
	return nil
}

func testInstruction() solana.Instruction {
	return solana.NewInstruction(
		solana.NewWallet().PublicKey(),
		solana.AccountMetaSlice{solana.NewAccountMeta(solana.NewWallet().PublicKey(), true, false)},
		[]byte{1, 2, 3},
	)
}

func testEngine(t *testing.T, claimer claims.Claimer, oracle swap.Oracle, l submit.Ledger, mutate func(*Config)) *Engine {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	cfg := Config{
		Logger:   settletesting.NewLogger(),
		Claimer:  claimer,
		Oracle:   oracle,
		Ledger:   l,
		Journal:  checkpoint.NewMemory(nil),
		Operator: key,
		Retry:    retry.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func claimableFor(asset solana.PublicKey, amount int64, score uint64) *claims.Claimable {
	return &claims.Claimable{
		Asset:       asset,
		Amount:      big.NewInt(amount),
		Instruction: testInstruction(),
		Score:       score,
		HasScore:    true,
	}
}

func TestSettlement_Engine_ProportionalRun(t *testing.T) {
	t.Parallel()

	settlementAsset := solana.NewWallet().PublicKey()
	rewardAsset := solana.NewWallet().PublicKey()
	recipients := []claims.Recipient{
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
	}

	claimer := &mockClaimer{claimFunc: func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
		if owner.Equals(recipients[0].Owner) {
			return claimableFor(rewardAsset, 300, 1), nil
		}
		// Already denominated in the settlement asset: no swap needed.
		return claimableFor(settlementAsset, 100, 3), nil
	}}

	l := &mockLedger{}
	e := testEngine(t, claimer, &mockOracle{}, l, nil)

	report, err := e.Settle(context.Background(), recipients, settlementAsset, 50)
	require.NoError(t, err)
	require.False(t, report.NoOp)
	require.Equal(t, 2, report.TotalRecipients)
	require.Empty(t, report.FailedClaims)
	require.Empty(t, report.FailedGroups)

	// Settled pool is 300 (swap floor) + 100 (bypass) = 400, split 1:3.
	require.Equal(t, "400", report.TotalSettled.String())
	require.Equal(t, "0", report.Residual.String())

	require.NotEmpty(t, report.PerBatch)
	for _, b := range report.PerBatch {
		require.Equal(t, submit.StatusConfirmed, b.Status)
		require.NotEmpty(t, b.TxID)
	}
	require.Equal(t, len(report.PerBatch), l.submitted)
}

func TestSettlement_Engine_EmptyRecipientsIsNoOp(t *testing.T) {
	t.Parallel()

	l := &mockLedger{}
	e := testEngine(t, &mockClaimer{}, &mockOracle{}, l, nil)

	report, err := e.Settle(context.Background(), nil, solana.NewWallet().PublicKey(), 50)
	require.NoError(t, err)
	require.True(t, report.NoOp)
	require.Zero(t, l.submitted)
}

func TestSettlement_Engine_FailedClaimIsolated(t *testing.T) {
	t.Parallel()

	settlementAsset := solana.NewWallet().PublicKey()
	recipients := []claims.Recipient{
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
	}

	claimer := &mockClaimer{claimFunc: func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
		if owner.Equals(recipients[0].Owner) {
			return nil, claims.ErrClaimUnavailable
		}
		return claimableFor(settlementAsset, 500, 1), nil
	}}

	e := testEngine(t, claimer, &mockOracle{}, &mockLedger{}, nil)

	report, err := e.Settle(context.Background(), recipients, settlementAsset, 50)
	require.NoError(t, err)
	require.Len(t, report.FailedClaims, 1)
	require.Equal(t, recipients[0].Owner.String(), report.FailedClaims[0].Owner)

	// The surviving recipient takes the whole pool.
	require.Equal(t, "500", report.TotalSettled.String())
}

func TestSettlement_Engine_DroppedAssetGroupExcludedFromAllocation(t *testing.T) {
	t.Parallel()

	settlementAsset := solana.NewWallet().PublicKey()
	orphanAsset := solana.NewWallet().PublicKey()
	recipients := []claims.Recipient{
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
	}

	claimer := &mockClaimer{claimFunc: func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
		if owner.Equals(recipients[0].Owner) {
			return claimableFor(orphanAsset, 1000, 9), nil
		}
		return claimableFor(settlementAsset, 200, 1), nil
	}}

	oracle := &mockOracle{quoteFunc: func(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*swap.Quote, error) {
		return nil, swap.ErrPoolNotFound
	}}

	e := testEngine(t, claimer, oracle, &mockLedger{}, nil)

	report, err := e.Settle(context.Background(), recipients, settlementAsset, 50)
	require.NoError(t, err)
	require.Len(t, report.FailedGroups, 1)
	require.Equal(t, orphanAsset.String(), report.FailedGroups[0].Asset)

	// The dropped recipient's weight (9) must not dilute the survivor's share.
	require.Equal(t, "200", report.TotalSettled.String())
}

func TestSettlement_Engine_ZeroWeightPoolIsNoOp(t *testing.T) {
	t.Parallel()

	settlementAsset := solana.NewWallet().PublicKey()
	recipients := []claims.Recipient{
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
	}

	claimer := &mockClaimer{claimFunc: func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
		return nil, errors.New("rpc unreachable")
	}}

	l := &mockLedger{}
	e := testEngine(t, claimer, &mockOracle{}, l, nil)

	report, err := e.Settle(context.Background(), recipients, settlementAsset, 50)
	require.NoError(t, err)
	require.True(t, report.NoOp)
	require.Len(t, report.FailedClaims, 1)
	require.Zero(t, l.submitted, "a no-op run must not touch the ledger")
}

func TestSettlement_Engine_OverflowingPayoutAborts(t *testing.T) {
	t.Parallel()

	settlementAsset := solana.NewWallet().PublicKey()
	recipients := []claims.Recipient{
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
	}

	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	claimer := &mockClaimer{claimFunc: func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
		return &claims.Claimable{
			Asset:       settlementAsset,
			Amount:      huge,
			Instruction: testInstruction(),
			Score:       1,
			HasScore:    true,
		}, nil
	}}

	l := &mockLedger{}
	e := testEngine(t, claimer, &mockOracle{}, l, nil)

	report, err := e.Settle(context.Background(), recipients, settlementAsset, 50)
	require.ErrorIs(t, err, batch.ErrInvariantViolation)
	require.Nil(t, report)
	require.Zero(t, l.submitted, "nothing may be submitted after an invariant violation")
}

func TestSettlement_Engine_TreasurySweepOnResidual(t *testing.T) {
	t.Parallel()

	settlementAsset := solana.NewWallet().PublicKey()
	treasury := solana.NewWallet().PublicKey()
	recipients := []claims.Recipient{
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
	}

	// 100 split across three equal weights: 33 each, residual 1.
	claimer := &mockClaimer{claimFunc: func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
		amount := int64(0)
		if owner.Equals(recipients[0].Owner) {
			amount = 100
		}
		return claimableFor(settlementAsset, amount, 1), nil
	}}

	e := testEngine(t, claimer, &mockOracle{}, &mockLedger{}, func(cfg *Config) {
		cfg.ResidualPolicy = allocation.ResidualTreasury
		cfg.Treasury = treasury
	})

	report, err := e.Settle(context.Background(), recipients, settlementAsset, 50)
	require.NoError(t, err)
	require.Equal(t, "1", report.Residual.String())
	require.Equal(t, "99", report.TotalSettled.String(), "the sweep is not a recipient payout")
	for _, b := range report.PerBatch {
		require.Equal(t, submit.StatusConfirmed, b.Status)
	}
}

func TestSettlement_Engine_RevertedBatchExcludedFromSettledTotal(t *testing.T) {
	t.Parallel()

	settlementAsset := solana.NewWallet().PublicKey()
	recipients := []claims.Recipient{
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
	}

	claimer := &mockClaimer{claimFunc: func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
		return claimableFor(settlementAsset, 250, 1), nil
	}}

	l := &mockLedger{confirmFunc: func(ctx context.Context, sig solana.Signature, timeout time.Duration) error {
		return ledger.ErrReverted
	}}
	e := testEngine(t, claimer, &mockOracle{}, l, nil)

	report, err := e.Settle(context.Background(), recipients, settlementAsset, 50)
	require.NoError(t, err, "a failed batch is reported, not escalated")
	require.Equal(t, "0", report.TotalSettled.String())
	for _, b := range report.PerBatch {
		require.NotEqual(t, submit.StatusConfirmed, b.Status)
	}
}

func TestSettlement_Engine_RequiresTreasuryForTreasuryPolicy(t *testing.T) {
	t.Parallel()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	_, err = New(Config{
		Logger:         settletesting.NewLogger(),
		Claimer:        &mockClaimer{},
		Oracle:         &mockOracle{},
		Ledger:         &mockLedger{},
		Journal:        checkpoint.NewMemory(nil),
		Operator:       key,
		ResidualPolicy: allocation.ResidualTreasury,
	})
	require.ErrorContains(t, err, "treasury")
}

func TestSettlement_Engine_ReportJournaled(t *testing.T) {
	t.Parallel()

	settlementAsset := solana.NewWallet().PublicKey()
	recipients := []claims.Recipient{
		{Owner: solana.NewWallet().PublicKey(), Position: solana.NewWallet().PublicKey()},
	}

	claimer := &mockClaimer{claimFunc: func(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
		return claimableFor(settlementAsset, 50, 1), nil
	}}

	journal := checkpoint.NewMemory(nil)
	e := testEngine(t, claimer, &mockOracle{}, &mockLedger{}, func(cfg *Config) {
		cfg.Journal = journal
	})

	report, err := e.Settle(context.Background(), recipients, settlementAsset, 50)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, report.RunID)

	outcomes, err := journal.Outcomes(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, outcomes, len(report.PerBatch))
}
