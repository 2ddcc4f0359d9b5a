// Package checkpoint journals per-batch submission outcomes so an interrupted
// settlement can be resumed without resubmitting batches that already landed.
// The engine only writes through the Journal interface; persistence beyond
// process lifetime is the Postgres backend's job.
package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Outcome is one batch's terminal submission state within a run.
type Outcome struct {
	RunID      uuid.UUID
	BatchIndex int
	Status     string
	Signature  string
	Reason     string
	RecordedAt time.Time
}

// Journal records and replays batch outcomes.
type Journal interface {
	Record(ctx context.Context, o Outcome) error
	Outcomes(ctx context.Context, runID uuid.UUID) ([]Outcome, error)
}

// Memory is an in-process journal. It satisfies the submitter's persistence
// contract for single-shot CLI runs and tests; the daemon wires Postgres.
type Memory struct {
	clock clockwork.Clock

	mu   sync.Mutex
	runs map[uuid.UUID][]Outcome
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock: clock,
		runs:  make(map[uuid.UUID][]Outcome),
	}
}

func (m *Memory) Record(ctx context.Context, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.RecordedAt = m.clock.Now()
	m.runs[o.RunID] = append(m.runs[o.RunID], o)
	return nil
}

func (m *Memory) Outcomes(ctx context.Context, runID uuid.UUID) ([]Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcomes := make([]Outcome, len(m.runs[runID]))
	copy(outcomes, m.runs[runID])
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].BatchIndex < outcomes[j].BatchIndex
	})
	return outcomes, nil
}
