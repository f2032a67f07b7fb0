// Package domain defines the persistent entities of the work-order marketplace.
package domain

import "time"

// WorkOrder statuses.
const (
	StatusDraft                   = "DRAFT"
	StatusBidding                 = "BIDDING"
	StatusSelected                = "SELECTED"
	StatusVerifying                = "VERIFYING"
	StatusPassedPendingChallenge  = "PASSED_PENDING_CHALLENGE"
	StatusChallenged               = "CHALLENGED"
	StatusCompleted                = "COMPLETED"
	StatusFailed                   = "FAILED"
	StatusExpired                  = "EXPIRED"
)

// Challenge sub-states.
const (
	ChallengeNone         = "NONE"
	ChallengeOpen         = "OPEN"
	ChallengeRejected     = "REJECTED"
	ChallengePatchWindow  = "PATCH_WINDOW"
	ChallengePatchPassed  = "PATCH_PASSED"
	ChallengePatchFailed  = "PATCH_FAILED"
)

// PaymentEvent types.
const (
	PaymentQuoteReward     = "QUOTE_REWARD"
	PaymentMilestone       = "MILESTONE"
	PaymentChallengeReward = "CHALLENGE_REWARD"
	PaymentRefund          = "REFUND"
)

// VerificationReport statuses.
const (
	VerificationPass = "PASS"
	VerificationFail = "FAIL"
)

// Money is a decimal amount carried as a string at API/storage boundaries;
// see internal/money for the integer base-units representation used in arithmetic.
type Money struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// Selection captures the outcome of the bidding phase.
type Selection struct {
	SelectedQuoteID   *string  `json:"selectedQuoteId,omitempty"`
	SelectedSolverID  *string  `json:"selectedSolverId,omitempty"`
	SelectedAt        *time.Time `json:"selectedAt,omitempty"`
	AttemptedQuoteIDs []string `json:"attemptedQuoteIds"`
}

// ChallengeState captures the challenge/patch sub-state machine.
type ChallengeState struct {
	Status               string  `json:"status"`
	ChallengeID          *string `json:"challengeId,omitempty"`
	ChallengerAddress    *string `json:"challengerAddress,omitempty"`
	PendingRewardAmount  *string `json:"pendingRewardAmount,omitempty"`
}

// Allocation is one participant's share of a session's allowance.
type Allocation struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}

// SessionHandle is the work order's view of its payment-channel session.
type SessionHandle struct {
	SessionID      *string      `json:"sessionId,omitempty"`
	AssetAddress   string       `json:"assetAddress,omitempty"`
	AllowanceTotal string       `json:"allowanceTotal,omitempty"`
	Participants   []string     `json:"participants,omitempty"`
	Allocations    []Allocation `json:"allocations,omitempty"`
	SessionVersion int64        `json:"sessionVersion"`
}

// PayoutMilestone is one named fraction of the base price.
type PayoutMilestone struct {
	Key     string `json:"key"`
	Percent int    `json:"percent"`
}

// DeadlineVector holds every window boundary tracked on a work order.
type DeadlineVector struct {
	BiddingEndsAt   time.Time  `json:"biddingEndsAt"`
	DeliveryEndsAt  *time.Time `json:"deliveryEndsAt,omitempty"`
	VerifyEndsAt    *time.Time `json:"verifyEndsAt,omitempty"`
	ChallengeEndsAt *time.Time `json:"challengeEndsAt,omitempty"`
	PatchEndsAt     *time.Time `json:"patchEndsAt,omitempty"`
}

// WorkOrder is the central marketplace entity: a posted job moving through
// bidding, selection, verification, an optional challenge/patch round, and
// settlement.
type WorkOrder struct {
	ID                     string            `json:"id"`
	CreatedAt              time.Time         `json:"createdAt"`
	Title                  string            `json:"title"`
	TemplateType           string            `json:"templateType"`
	Params                 map[string]any    `json:"params,omitempty"`
	Bounty                 Money             `json:"bounty"`
	RequesterAddress       *string           `json:"requesterAddress,omitempty"`
	Status                 string            `json:"status"`
	Deadlines              DeadlineVector    `json:"deadlines"`
	Selection              Selection         `json:"selection"`
	Challenge              ChallengeState    `json:"challenge"`
	Session                SessionHandle     `json:"session"`
	PayoutSchedule         []PayoutMilestone `json:"payoutSchedule"`
	VerificationReportID   *string           `json:"verificationReportId,omitempty"`
	SettlementTxID         *string           `json:"settlementTxId,omitempty"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

// Quote is a solver's signed bid. Immutable after insert.
type Quote struct {
	ID            string    `json:"id"`
	WorkOrderID   string    `json:"workOrderId"`
	SolverAddress string    `json:"solverAddress"`
	Price         string    `json:"price"`
	EtaMinutes    int       `json:"etaMinutes"`
	ValidUntil    time.Time `json:"validUntil"`
	Signature     string    `json:"signature"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Artifact identifies the delivered code for a Submission.
type Artifact struct {
	Kind         string `json:"kind"`
	RepoURL      string `json:"repoUrl"`
	CommitSha    string `json:"commitSha"`
	ArtifactHash string `json:"artifactHash"`
}

// Submission is a signed delivery attempt against a work order. Immutable;
// multiple may exist per work order (fallback selection, patch resubmission).
type Submission struct {
	ID            string    `json:"id"`
	WorkOrderID   string    `json:"workOrderId"`
	SolverAddress string    `json:"solverAddress"`
	Artifact      Artifact  `json:"artifact"`
	Signature     string    `json:"signature"`
	CreatedAt     time.Time `json:"createdAt"`
}

// VerificationReport is the outcome of an external verifier run.
type VerificationReport struct {
	ID           string         `json:"id"`
	SubmissionID string         `json:"submissionId"`
	Status       string         `json:"status"`
	Logs         string         `json:"logs,omitempty"`
	Proof        map[string]any `json:"proof,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	ArtifactHash string         `json:"artifactHash"`
	ProducedAt   time.Time      `json:"producedAt"`
}

// PaymentEvent is one append-only ledger entry against a work order's session.
type PaymentEvent struct {
	ID              string    `json:"id"`
	WorkOrderID     string    `json:"workOrderId"`
	Type            string    `json:"type"`
	DestinationAddr string    `json:"destinationAddress"`
	Amount          string    `json:"amount"`
	MilestoneKey    *string   `json:"milestoneKey,omitempty"`
	TransferID      string    `json:"transferId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SolverStats accumulates a solver's marketplace track record, keyed by
// lowercase address.
type SolverStats struct {
	Address              string `json:"address"`
	QuotesSubmitted      int    `json:"quotesSubmitted"`
	QuotesWon            int    `json:"quotesWon"`
	DeliveriesSucceeded  int    `json:"deliveriesSucceeded"`
	DeliveriesFailed     int    `json:"deliveriesFailed"`
	OnTimeDeliveries     int    `json:"onTimeDeliveries"`
	TotalEtaMinutes      int64  `json:"totalEtaMinutes"`
	TotalActualMinutes   int64  `json:"totalActualMinutes"`
	ChallengesAgainst    int    `json:"challengesAgainst"`
	ChallengesWon        int    `json:"challengesWon"`
}

// Event is a single entry on the work order's event stream.
type Event struct {
	ID          int64          `json:"id"`
	WorkOrderID string         `json:"workOrderId"`
	Type        string         `json:"type"`
	CreatedAt   time.Time      `json:"createdAt"`
	Payload     map[string]any `json:"payload"`
}
