// Package valuator computes the proportional-allocation weight of a staked
// position. Weights are strictly positive: a position with no recorded score
// falls back to its staking duration, and even a freshly staked position is
// worth at least one point so long-unclaimed positions are never starved.
package valuator

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// Position carries the valuation inputs for a single staked position.
type Position struct {
	StakedAt time.Time
	Score    uint64
	HasScore bool
}

// Strategy converts a position into an allocation weight. Implementations
// must return a strictly positive value and have no side effects.
type Strategy interface {
	Weight(pos Position) uint64
}

type DurationConfig struct {
	Clock clockwork.Clock
	// PointsPerDay scales the duration-derived weight. Whether 1 point/day is
	// the intended economic policy is unsettled upstream, so it is
	// configurable rather than baked in.
	PointsPerDay uint64
}

func (cfg *DurationConfig) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PointsPerDay == 0 {
		cfg.PointsPerDay = 1
	}
	return nil
}

// DurationStrategy weighs a position by the number of full days it has been
// staked, scaled by PointsPerDay, with a floor of 1.
type DurationStrategy struct {
	cfg DurationConfig
}

func NewDurationStrategy(cfg DurationConfig) (*DurationStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DurationStrategy{cfg: cfg}, nil
}

func (s *DurationStrategy) Weight(pos Position) uint64 {
	elapsed := s.cfg.Clock.Now().Sub(pos.StakedAt)
	days := uint64(0)
	if elapsed > 0 {
		days = uint64(elapsed / (24 * time.Hour))
	}
	w := days * s.cfg.PointsPerDay
	if w == 0 {
		return 1
	}
	return w
}

type ScoreConfig struct {
	// Fallback is consulted when a position has no stored score.
	Fallback Strategy
}

func (cfg *ScoreConfig) Validate() error {
	if cfg.Fallback == nil {
		return errors.New("fallback strategy is required")
	}
	return nil
}

// ScoreStrategy prefers the externally stored score of a position and falls
// back to the duration-derived weight when none is present.
type ScoreStrategy struct {
	cfg ScoreConfig
}

func NewScoreStrategy(cfg ScoreConfig) (*ScoreStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ScoreStrategy{cfg: cfg}, nil
}

func (s *ScoreStrategy) Weight(pos Position) uint64 {
	if pos.HasScore {
		if pos.Score == 0 {
			// A stored zero score still entitles the position to a minimal share.
			return 1
		}
		return pos.Score
	}
	return s.cfg.Fallback.Weight(pos)
}
