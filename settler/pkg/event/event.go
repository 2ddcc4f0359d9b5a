// Package event turns external stake-activity notifications into settlement
// runs. Payloads arrive as webhook JSON; anything that does not parse into a
// recognized stake event is acknowledged and ignored so the upstream notifier
// never retries garbage.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
	"github.com/PolymersNetwork/settlement/settler/pkg/engine"
)

// Settler is the settlement entry point consumed by the handler.
type Settler interface {
	Settle(ctx context.Context, recipients []claims.Recipient, settlementAsset solana.PublicKey, slippageBps uint16) (*engine.Report, error)
}

type Config struct {
	Logger  *slog.Logger
	Settler Settler
	// SettlementAsset is the mint every triggered run settles into.
	SettlementAsset solana.PublicKey
	// SlippageBps bounds swap slippage for triggered runs; defaults to 50.
	SlippageBps uint16
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Settler == nil {
		return errors.New("settler is required")
	}
	if cfg.SettlementAsset.IsZero() {
		return errors.New("settlement asset is required")
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 50
	}
	return nil
}

type Handler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{log: cfg.Logger, cfg: cfg}, nil
}

type payload struct {
	Type   string `json:"type"`
	Events struct {
		Stake []stakeEvent `json:"stake"`
	} `json:"events"`
}

type stakeEvent struct {
	Owner    string `json:"owner"`
	Position string `json:"position"`
}

// Handle parses one notification body and, if it names at least one stake
// recipient, runs a settlement over the deduplicated recipient set. A payload
// of any other shape returns (nil, nil): not an error, just not ours.
func (h *Handler) Handle(ctx context.Context, body []byte) (*engine.Report, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		h.log.Debug("event: ignoring unparseable payload", "error", err)
		return nil, nil
	}
	if p.Type != "TRANSFER" || len(p.Events.Stake) == 0 {
		h.log.Debug("event: ignoring payload", "type", p.Type, "stake_events", len(p.Events.Stake))
		return nil, nil
	}

	seen := make(map[claims.Recipient]bool)
	recipients := make([]claims.Recipient, 0, len(p.Events.Stake))
	for _, ev := range p.Events.Stake {
		owner, err := parseKey(ev.Owner)
		if err != nil {
			h.log.Warn("event: skipping stake event with bad owner", "owner", ev.Owner, "error", err)
			continue
		}
		position, err := parseKey(ev.Position)
		if err != nil {
			h.log.Warn("event: skipping stake event with bad position", "position", ev.Position, "error", err)
			continue
		}
		r := claims.Recipient{Owner: owner, Position: position}
		if seen[r] {
			continue
		}
		seen[r] = true
		recipients = append(recipients, r)
	}

	if len(recipients) == 0 {
		h.log.Debug("event: no valid recipients in payload")
		return nil, nil
	}

	h.log.Info("event: triggering settlement", "recipients", len(recipients))
	return h.cfg.Settler.Settle(ctx, recipients, h.cfg.SettlementAsset, h.cfg.SlippageBps)
}

func parseKey(s string) (solana.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, errors.New("not a 32-byte key")
	}
	return solana.PublicKeyFromBytes(raw), nil
}
