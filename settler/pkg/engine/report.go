package engine

import (
	"math/big"

	"github.com/google/uuid"

	"github.com/PolymersNetwork/settlement/settler/pkg/allocation"
	"github.com/PolymersNetwork/settlement/settler/pkg/submit"
)

// Report summarises one settlement run. TotalSettled counts only payouts in
// confirmed batches; a planned-but-skipped payout contributes nothing.
type Report struct {
	RunID           uuid.UUID                 `json:"run_id"`
	TotalRecipients int                       `json:"total_recipients"`
	TotalSettled    *big.Int                  `json:"total_settled"`
	Residual        *big.Int                  `json:"residual"`
	ResidualPolicy  allocation.ResidualPolicy `json:"residual_policy"`
	PerBatch        []BatchStatus             `json:"per_batch,omitempty"`
	FailedClaims    []FailedClaim             `json:"failed_claims,omitempty"`
	FailedGroups    []FailedGroup             `json:"failed_groups,omitempty"`
	// NoOp marks a run that terminated successfully without submitting
	// anything: no recipients, no claimable weight, or nothing to execute.
	NoOp bool `json:"no_op"`
}

// BatchStatus is the terminal state of one submitted batch.
type BatchStatus struct {
	Status submit.Status `json:"status"`
	TxID   string        `json:"tx_id,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// FailedClaim records a recipient excluded during claim collection.
type FailedClaim struct {
	Owner    string `json:"owner"`
	Position string `json:"position"`
	Reason   string `json:"reason"`
}

// FailedGroup records an asset group dropped during swap planning.
type FailedGroup struct {
	Asset  string   `json:"asset"`
	Owners []string `json:"owners"`
	Reason string   `json:"reason"`
}
