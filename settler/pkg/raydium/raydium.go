// Package raydium implements the AMM pool oracle against Raydium v4 liquidity
// pools. The pool registry is fetched from the public liquidity endpoint and
// cached; quotes read live vault reserves and apply constant-product pricing
// with the pool fee, so the minimum-output floor reflects the current market.
package raydium

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/PolymersNetwork/settlement/settler/pkg/swap"
)

// DefaultRegistryURL is Raydium's published liquidity pool registry.
const DefaultRegistryURL = "https://api.raydium.io/v2/sdk/liquidity/mainnet.json"

// swapBaseInDiscriminator is the AMM v4 instruction tag for a fixed-input swap.
const swapBaseInDiscriminator = 9

// RPC is the subset of the Solana RPC client consumed by the oracle.
type RPC interface {
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	RPC        RPC
	HTTPClient *http.Client
	// Owner is the operator account whose token accounts fund the swap.
	Owner       solana.PublicKey
	RegistryURL string
	// CacheTTL bounds how long the pool registry is served without refresh.
	CacheTTL time.Duration
	// FeeBps is the pool trade fee; Raydium v4 pools charge 25 bps.
	FeeBps uint16
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Owner.IsZero() {
		return errors.New("owner account is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = DefaultRegistryURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.FeeBps == 0 {
		cfg.FeeBps = 25
	}
	return nil
}

// Pool is one AMM v4 pool from the liquidity registry.
type Pool struct {
	ID               solana.PublicKey `json:"id"`
	BaseMint         solana.PublicKey `json:"baseMint"`
	QuoteMint        solana.PublicKey `json:"quoteMint"`
	ProgramID        solana.PublicKey `json:"programId"`
	Authority        solana.PublicKey `json:"authority"`
	OpenOrders       solana.PublicKey `json:"openOrders"`
	TargetOrders     solana.PublicKey `json:"targetOrders"`
	BaseVault        solana.PublicKey `json:"baseVault"`
	QuoteVault       solana.PublicKey `json:"quoteVault"`
	MarketProgramID  solana.PublicKey `json:"marketProgramId"`
	MarketID         solana.PublicKey `json:"marketId"`
	MarketAuthority  solana.PublicKey `json:"marketAuthority"`
	MarketBaseVault  solana.PublicKey `json:"marketBaseVault"`
	MarketQuoteVault solana.PublicKey `json:"marketQuoteVault"`
	MarketBids       solana.PublicKey `json:"marketBids"`
	MarketAsks       solana.PublicKey `json:"marketAsks"`
	MarketEventQueue solana.PublicKey `json:"marketEventQueue"`
}

type registry struct {
	Official   []Pool `json:"official"`
	UnOfficial []Pool `json:"unOfficial"`
}

type pairKey struct {
	a, b solana.PublicKey
}

// orderedPair normalizes a mint pair so lookup is direction-independent.
func orderedPair(a, b solana.PublicKey) pairKey {
	if a.String() < b.String() {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

type Oracle struct {
	log *slog.Logger
	cfg Config

	mu        sync.Mutex
	pools     map[pairKey]Pool
	fetchedAt time.Time
}

func New(cfg Config) (*Oracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Oracle{log: cfg.Logger, cfg: cfg}, nil
}

// Quote prices amountIn of assetIn against the pool for (assetIn, assetOut)
// and returns the swap instruction enforcing the slippage-adjusted minimum
// output on chain. No pool for the pair maps to swap.ErrPoolNotFound.
func (o *Oracle) Quote(ctx context.Context, assetIn, assetOut solana.PublicKey, amountIn *big.Int, slippageBps uint16) (*swap.Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, errors.New("swap input must be positive")
	}
	if slippageBps >= 10_000 {
		return nil, fmt.Errorf("slippage %d bps exceeds 100%%", slippageBps)
	}

	pool, err := o.lookupPool(ctx, assetIn, assetOut)
	if err != nil {
		return nil, err
	}

	inVault, outVault := pool.BaseVault, pool.QuoteVault
	if assetIn.Equals(pool.QuoteMint) {
		inVault, outVault = pool.QuoteVault, pool.BaseVault
	}

	reserveIn, err := o.vaultBalance(ctx, inVault)
	if err != nil {
		return nil, fmt.Errorf("failed to read input reserve of pool %s: %w", pool.ID, err)
	}
	reserveOut, err := o.vaultBalance(ctx, outVault)
	if err != nil {
		return nil, fmt.Errorf("failed to read output reserve of pool %s: %w", pool.ID, err)
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, fmt.Errorf("pool %s has drained reserves", pool.ID)
	}

	amountOut := constantProductOut(amountIn, reserveIn, reserveOut, o.cfg.FeeBps)
	if amountOut.Sign() <= 0 {
		return nil, fmt.Errorf("input %s too small to price against pool %s", amountIn, pool.ID)
	}
	minOut := applySlippage(amountOut, slippageBps)

	ix, err := o.swapInstruction(pool, assetIn, assetOut, amountIn, minOut)
	if err != nil {
		return nil, err
	}

	o.log.Debug("raydium: quoted",
		"pool", pool.ID.String(),
		"amount_in", amountIn.String(),
		"amount_out", amountOut.String(),
		"min_out", minOut.String(),
	)

	return &swap.Quote{
		AmountOut:    amountOut,
		MinAmountOut: minOut,
		Instruction:  ix,
	}, nil
}

// constantProductOut prices a fixed input against x*y=k reserves after
// deducting the pool fee from the input side, matching the on-chain program.
func constantProductOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint16) *big.Int {
	scale := big.NewInt(10_000)
	effectiveIn := new(big.Int).Mul(amountIn, big.NewInt(int64(10_000-feeBps)))

	numerator := new(big.Int).Mul(effectiveIn, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, scale)
	denominator.Add(denominator, effectiveIn)

	return numerator.Quo(numerator, denominator)
}

func applySlippage(amountOut *big.Int, slippageBps uint16) *big.Int {
	minOut := new(big.Int).Mul(amountOut, big.NewInt(int64(10_000-slippageBps)))
	return minOut.Quo(minOut, big.NewInt(10_000))
}

func (o *Oracle) lookupPool(ctx context.Context, assetIn, assetOut solana.PublicKey) (Pool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pools == nil || o.cfg.Clock.Now().Sub(o.fetchedAt) > o.cfg.CacheTTL {
		if err := o.refreshLocked(ctx); err != nil {
			if o.pools == nil {
				return Pool{}, err
			}
			// Serve the stale registry rather than dropping asset groups.
			o.log.Warn("raydium: registry refresh failed, serving cached pools", "error", err)
		}
	}

	pool, ok := o.pools[orderedPair(assetIn, assetOut)]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %s/%s", swap.ErrPoolNotFound, assetIn, assetOut)
	}
	return pool, nil
}

func (o *Oracle) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.RegistryURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build registry request: %w", err)
	}
	resp, err := o.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch pool registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pool registry returned status %d", resp.StatusCode)
	}

	var reg registry
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("failed to decode pool registry: %w", err)
	}

	pools := make(map[pairKey]Pool, len(reg.Official)+len(reg.UnOfficial))
	// Official pools win on pair collisions, so merge unofficial first.
	for _, p := range reg.UnOfficial {
		pools[orderedPair(p.BaseMint, p.QuoteMint)] = p
	}
	for _, p := range reg.Official {
		pools[orderedPair(p.BaseMint, p.QuoteMint)] = p
	}

	o.pools = pools
	o.fetchedAt = o.cfg.Clock.Now()
	o.log.Info("raydium: pool registry refreshed", "pairs", len(pools))
	return nil
}

func (o *Oracle) vaultBalance(ctx context.Context, vault solana.PublicKey) (*big.Int, error) {
	res, err := o.cfg.RPC.GetTokenAccountBalance(ctx, vault, solanarpc.CommitmentConfirmed)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil {
		return nil, errors.New("empty balance response")
	}
	amount, ok := new(big.Int).SetString(res.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable vault balance %q", res.Value.Amount)
	}
	return amount, nil
}

// swapInstruction encodes an AMM v4 swap_base_in: tag, input amount, and the
// on-chain minimum-output floor, both little-endian u64.
func (o *Oracle) swapInstruction(pool Pool, assetIn, assetOut solana.PublicKey, amountIn, minOut *big.Int) (solana.Instruction, error) {
	if !amountIn.IsUint64() {
		return nil, fmt.Errorf("swap input %s overflows u64", amountIn)
	}
	if !minOut.IsUint64() {
		return nil, fmt.Errorf("minimum output %s overflows u64", minOut)
	}

	source, _, err := solana.FindAssociatedTokenAddress(o.cfg.Owner, assetIn)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(o.cfg.Owner, assetOut)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination token account: %w", err)
	}

	data := make([]byte, 17)
	data[0] = swapBaseInDiscriminator
	binary.LittleEndian.PutUint64(data[1:9], amountIn.Uint64())
	binary.LittleEndian.PutUint64(data[9:17], minOut.Uint64())

	return solana.NewInstruction(
		pool.ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
			solana.NewAccountMeta(pool.ID, true, false),
			solana.NewAccountMeta(pool.Authority, false, false),
			solana.NewAccountMeta(pool.OpenOrders, true, false),
			solana.NewAccountMeta(pool.TargetOrders, true, false),
			solana.NewAccountMeta(pool.BaseVault, true, false),
			solana.NewAccountMeta(pool.QuoteVault, true, false),
			solana.NewAccountMeta(pool.MarketProgramID, false, false),
			solana.NewAccountMeta(pool.MarketID, true, false),
			solana.NewAccountMeta(pool.MarketBids, true, false),
			solana.NewAccountMeta(pool.MarketAsks, true, false),
			solana.NewAccountMeta(pool.MarketEventQueue, true, false),
			solana.NewAccountMeta(pool.MarketBaseVault, true, false),
			solana.NewAccountMeta(pool.MarketQuoteVault, true, false),
			solana.NewAccountMeta(pool.MarketAuthority, false, false),
			solana.NewAccountMeta(source, true, false),
			solana.NewAccountMeta(dest, true, false),
			solana.NewAccountMeta(o.cfg.Owner, false, true),
		},
		data,
	), nil
}
