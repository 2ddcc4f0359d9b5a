// Package staking resolves claimable rewards from the on-chain staking
// program. It reads the stake account PDA for an (owner, position) pair and
// builds the claim instruction that moves accrued rewards into the operator's
// holding account; execution happens later, inside a settlement batch.
package staking

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
)

// stakeSeed is the PDA seed prefix used by the staking program.
const stakeSeed = "staking"

// RPC is the subset of the Solana RPC client consumed by the staking client.
type RPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
}

type Config struct {
	Logger *slog.Logger
	RPC    RPC
	// ProgramID is the staking program that owns stake account PDAs.
	ProgramID solana.PublicKey
	// Operator receives claimed rewards and cranks the claim instruction.
	Operator solana.PublicKey
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("staking program id is required")
	}
	if cfg.Operator.IsZero() {
		return errors.New("operator account is required")
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// stakeAccount is the on-chain stake account layout, after the 8-byte
// discriminator.
type stakeAccount struct {
	Owner         solana.PublicKey
	PositionMint  solana.PublicKey
	RewardMint    solana.PublicKey
	AccruedAmount uint64
	StakedAtUnix  int64
	Score         uint64
}

// Claim resolves the stake account for (owner, position) and returns the
// claimable reward with a ready-to-execute claim instruction. A missing or
// closed stake account maps to claims.ErrClaimUnavailable.
func (c *Client) Claim(ctx context.Context, owner, position solana.PublicKey) (*claims.Claimable, error) {
	stake, _, err := solana.FindProgramAddress(
		[][]byte{[]byte(stakeSeed), position.Bytes(), owner.Bytes()},
		c.cfg.ProgramID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to derive stake account: %w", err)
	}

	info, err := c.cfg.RPC.GetAccountInfo(ctx, stake)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: no stake account for %s/%s", claims.ErrClaimUnavailable, owner, position)
		}
		return nil, fmt.Errorf("failed to fetch stake account %s: %w", stake, err)
	}
	if info == nil || info.Value == nil {
		return nil, fmt.Errorf("%w: stake account %s is closed", claims.ErrClaimUnavailable, stake)
	}

	acc, err := decodeStakeAccount(info.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("failed to decode stake account %s: %w", stake, err)
	}
	if !acc.Owner.Equals(owner) {
		return nil, fmt.Errorf("stake account %s owner mismatch: have %s, want %s", stake, acc.Owner, owner)
	}

	ix, err := c.claimInstruction(stake, owner, acc.RewardMint)
	if err != nil {
		return nil, err
	}

	c.log.Debug("staking: claim resolved",
		"stake", stake.String(),
		"reward_mint", acc.RewardMint.String(),
		"amount", acc.AccruedAmount,
		"score", acc.Score,
	)

	return &claims.Claimable{
		Asset:       acc.RewardMint,
		Amount:      new(big.Int).SetUint64(acc.AccruedAmount),
		Instruction: ix,
		StakedAt:    time.Unix(acc.StakedAtUnix, 0).UTC(),
		Score:       acc.Score,
		HasScore:    acc.Score > 0,
	}, nil
}

func decodeStakeAccount(data []byte) (*stakeAccount, error) {
	if len(data) <= 8 {
		return nil, fmt.Errorf("account data too short: %d bytes", len(data))
	}
	var acc stakeAccount
	// First 8 bytes are the account discriminator.
	if err := bin.NewBorshDecoder(data[8:]).Decode(&acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// claimInstruction builds the operator-cranked claim_rewards instruction. The
// owner is a readonly key: the operator claims on their behalf and the program
// pays out to the operator's holding account for later redistribution.
func (c *Client) claimInstruction(stake, owner, rewardMint solana.PublicKey) (solana.Instruction, error) {
	holding, _, err := solana.FindAssociatedTokenAddress(c.cfg.Operator, rewardMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive operator holding account: %w", err)
	}
	vault, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("vault"), rewardMint.Bytes()},
		c.cfg.ProgramID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to derive reward vault: %w", err)
	}

	data := anchorDiscriminator("claim_rewards")
	return solana.NewInstruction(
		c.cfg.ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(stake, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(vault, true, false),
			solana.NewAccountMeta(holding, true, false),
			solana.NewAccountMeta(c.cfg.Operator, true, true),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
		},
		data,
	), nil
}

func anchorDiscriminator(method string) []byte {
	sum := sha256.Sum256([]byte("global:" + method))
	return sum[:8]
}
