package server

import (
	"time"

	"hookline/internal/domain"
)

// Request/response DTOs and their mapping functions, grounded on the
// teacher's dto.go convention of one response-mapping function per domain
// type (taskResponse, projectResponse, ...).

type moneyDTO struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func moneyResponse(m domain.Money) moneyDTO { return moneyDTO{Currency: m.Currency, Amount: m.Amount} }

type deadlinesDTO struct {
	BiddingEndsAt   time.Time  `json:"biddingEndsAt"`
	DeliveryEndsAt  *time.Time `json:"deliveryEndsAt,omitempty"`
	VerifyEndsAt    *time.Time `json:"verifyEndsAt,omitempty"`
	ChallengeEndsAt *time.Time `json:"challengeEndsAt,omitempty"`
	PatchEndsAt     *time.Time `json:"patchEndsAt,omitempty"`
}

type selectionDTO struct {
	SelectedQuoteID   *string    `json:"selectedQuoteId,omitempty"`
	SelectedSolverID  *string    `json:"selectedSolverId,omitempty"`
	SelectedAt        *time.Time `json:"selectedAt,omitempty"`
	AttemptedQuoteIDs []string   `json:"attemptedQuoteIds"`
}

type challengeDTO struct {
	Status              string  `json:"status"`
	ChallengeID         *string `json:"challengeId,omitempty"`
	ChallengerAddress   *string `json:"challengerAddress,omitempty"`
	PendingRewardAmount *string `json:"pendingRewardAmount,omitempty"`
}

type allocationDTO struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}

type sessionDTO struct {
	SessionID      *string         `json:"sessionId,omitempty"`
	AssetAddress   string          `json:"assetAddress,omitempty"`
	AllowanceTotal string          `json:"allowanceTotal,omitempty"`
	Participants   []string        `json:"participants,omitempty"`
	Allocations    []allocationDTO `json:"allocations,omitempty"`
	SessionVersion int64           `json:"sessionVersion"`
}

func sessionResponse(s domain.SessionHandle) sessionDTO {
	allocs := make([]allocationDTO, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		allocs = append(allocs, allocationDTO{Participant: a.Participant, Amount: a.Amount})
	}
	return sessionDTO{
		SessionID:      s.SessionID,
		AssetAddress:   s.AssetAddress,
		AllowanceTotal: s.AllowanceTotal,
		Participants:   s.Participants,
		Allocations:    allocs,
		SessionVersion: s.SessionVersion,
	}
}

type payoutMilestoneDTO struct {
	Key     string `json:"key"`
	Percent int    `json:"percent"`
}

// WorkOrderResponse is the full wire representation of a work order.
type WorkOrderResponse struct {
	ID                   string               `json:"id"`
	CreatedAt            time.Time            `json:"createdAt"`
	Title                string               `json:"title"`
	TemplateType         string               `json:"templateType"`
	Params               map[string]any       `json:"params,omitempty"`
	Bounty               moneyDTO             `json:"bounty"`
	RequesterAddress     *string              `json:"requesterAddress,omitempty"`
	Status               string               `json:"status"`
	Deadlines            deadlinesDTO         `json:"deadlines"`
	Selection            selectionDTO         `json:"selection"`
	Challenge            challengeDTO         `json:"challenge"`
	Session              sessionDTO           `json:"session"`
	PayoutSchedule       []payoutMilestoneDTO `json:"payoutSchedule"`
	VerificationReportID *string              `json:"verificationReportId,omitempty"`
	SettlementTxID       *string              `json:"settlementTxId,omitempty"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

func workOrderResponse(wo domain.WorkOrder) WorkOrderResponse {
	schedule := make([]payoutMilestoneDTO, 0, len(wo.PayoutSchedule))
	for _, m := range wo.PayoutSchedule {
		schedule = append(schedule, payoutMilestoneDTO{Key: m.Key, Percent: m.Percent})
	}
	return WorkOrderResponse{
		ID:               wo.ID,
		CreatedAt:        wo.CreatedAt,
		Title:            wo.Title,
		TemplateType:     wo.TemplateType,
		Params:           wo.Params,
		Bounty:           moneyResponse(wo.Bounty),
		RequesterAddress: wo.RequesterAddress,
		Status:           wo.Status,
		Deadlines: deadlinesDTO{
			BiddingEndsAt:   wo.Deadlines.BiddingEndsAt,
			DeliveryEndsAt:  wo.Deadlines.DeliveryEndsAt,
			VerifyEndsAt:    wo.Deadlines.VerifyEndsAt,
			ChallengeEndsAt: wo.Deadlines.ChallengeEndsAt,
			PatchEndsAt:     wo.Deadlines.PatchEndsAt,
		},
		Selection: selectionDTO{
			SelectedQuoteID:   wo.Selection.SelectedQuoteID,
			SelectedSolverID:  wo.Selection.SelectedSolverID,
			SelectedAt:        wo.Selection.SelectedAt,
			AttemptedQuoteIDs: nonNilStrings(wo.Selection.AttemptedQuoteIDs),
		},
		Challenge: challengeDTO{
			Status:              wo.Challenge.Status,
			ChallengeID:         wo.Challenge.ChallengeID,
			ChallengerAddress:   wo.Challenge.ChallengerAddress,
			PendingRewardAmount: wo.Challenge.PendingRewardAmount,
		},
		Session:              sessionResponse(wo.Session),
		PayoutSchedule:       schedule,
		VerificationReportID: wo.VerificationReportID,
		SettlementTxID:       wo.SettlementTxID,
		UpdatedAt:            wo.UpdatedAt,
	}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func mapWorkOrders(items []domain.WorkOrder) []WorkOrderResponse {
	out := make([]WorkOrderResponse, 0, len(items))
	for _, wo := range items {
		out = append(out, workOrderResponse(wo))
	}
	return out
}

// QuoteResponse is the wire representation of a Quote.
type QuoteResponse struct {
	ID            string    `json:"id"`
	WorkOrderID   string    `json:"workOrderId"`
	SolverAddress string    `json:"solverAddress"`
	Price         string    `json:"price"`
	EtaMinutes    int       `json:"etaMinutes"`
	ValidUntil    time.Time `json:"validUntil"`
	Signature     string    `json:"signature"`
	CreatedAt     time.Time `json:"createdAt"`
}

func quoteResponse(q domain.Quote) QuoteResponse {
	return QuoteResponse{
		ID: q.ID, WorkOrderID: q.WorkOrderID, SolverAddress: q.SolverAddress,
		Price: q.Price, EtaMinutes: q.EtaMinutes, ValidUntil: q.ValidUntil,
		Signature: q.Signature, CreatedAt: q.CreatedAt,
	}
}

func mapQuotes(items []domain.Quote) []QuoteResponse {
	out := make([]QuoteResponse, 0, len(items))
	for _, q := range items {
		out = append(out, quoteResponse(q))
	}
	return out
}

// ArtifactDTO is the wire representation of a delivery artifact.
type ArtifactDTO struct {
	Kind         string `json:"kind"`
	RepoURL      string `json:"repoUrl"`
	CommitSha    string `json:"commitSha"`
	ArtifactHash string `json:"artifactHash"`
}

// SubmissionResponse is the wire representation of a Submission.
type SubmissionResponse struct {
	ID            string      `json:"id"`
	WorkOrderID   string      `json:"workOrderId"`
	SolverAddress string      `json:"solverAddress"`
	Artifact      ArtifactDTO `json:"artifact"`
	Signature     string      `json:"signature"`
	CreatedAt     time.Time   `json:"createdAt"`
}

func submissionResponse(s domain.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID: s.ID, WorkOrderID: s.WorkOrderID, SolverAddress: s.SolverAddress,
		Artifact: ArtifactDTO{
			Kind: s.Artifact.Kind, RepoURL: s.Artifact.RepoURL,
			CommitSha: s.Artifact.CommitSha, ArtifactHash: s.Artifact.ArtifactHash,
		},
		Signature: s.Signature, CreatedAt: s.CreatedAt,
	}
}

func mapSubmissions(items []domain.Submission) []SubmissionResponse {
	out := make([]SubmissionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, submissionResponse(s))
	}
	return out
}

// VerificationReportResponse is the wire representation of a verification report.
type VerificationReportResponse struct {
	ID           string         `json:"id"`
	SubmissionID string         `json:"submissionId"`
	Status       string         `json:"status"`
	Logs         string         `json:"logs,omitempty"`
	Proof        map[string]any `json:"proof,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	ArtifactHash string         `json:"artifactHash"`
	ProducedAt   time.Time      `json:"producedAt"`
}

func verificationReportResponse(r domain.VerificationReport) VerificationReportResponse {
	return VerificationReportResponse{
		ID: r.ID, SubmissionID: r.SubmissionID, Status: r.Status, Logs: r.Logs,
		Proof: r.Proof, Metrics: r.Metrics, ArtifactHash: r.ArtifactHash, ProducedAt: r.ProducedAt,
	}
}

// PaymentEventResponse is the wire representation of a PaymentEvent.
type PaymentEventResponse struct {
	ID              string    `json:"id"`
	WorkOrderID     string    `json:"workOrderId"`
	Type            string    `json:"type"`
	DestinationAddr string    `json:"destinationAddress"`
	Amount          string    `json:"amount"`
	MilestoneKey    *string   `json:"milestoneKey,omitempty"`
	TransferID      string    `json:"transferId"`
	CreatedAt       time.Time `json:"createdAt"`
}

func paymentEventResponse(p domain.PaymentEvent) PaymentEventResponse {
	return PaymentEventResponse{
		ID: p.ID, WorkOrderID: p.WorkOrderID, Type: p.Type, DestinationAddr: p.DestinationAddr,
		Amount: p.Amount, MilestoneKey: p.MilestoneKey, TransferID: p.TransferID, CreatedAt: p.CreatedAt,
	}
}

func mapPaymentEvents(items []domain.PaymentEvent) []PaymentEventResponse {
	out := make([]PaymentEventResponse, 0, len(items))
	for _, p := range items {
		out = append(out, paymentEventResponse(p))
	}
	return out
}

// SolverStatsResponse reports a solver's track record plus its derived
// reputation score.
type SolverStatsResponse struct {
	Address             string  `json:"address"`
	QuotesSubmitted     int     `json:"quotesSubmitted"`
	QuotesWon           int     `json:"quotesWon"`
	DeliveriesSucceeded int     `json:"deliveriesSucceeded"`
	DeliveriesFailed    int     `json:"deliveriesFailed"`
	OnTimeDeliveries    int     `json:"onTimeDeliveries"`
	ChallengesAgainst   int     `json:"challengesAgainst"`
	ChallengesWon       int     `json:"challengesWon"`
	ReputationScore     float64 `json:"reputationScore"`
}

// SignatureDTO carries an ECDSA signature over the wire as hex-encoded
// R/S plus the uncompressed public key, matching internal/signature.Signature.
type SignatureDTO struct {
	R         string `json:"r"`
	S         string `json:"s"`
	PublicKey string `json:"publicKey"`
}

// CreateWorkOrderRequest is the POST /work-orders body.
type CreateWorkOrderRequest struct {
	Title            string         `json:"title"`
	TemplateType     string         `json:"templateType"`
	Params           map[string]any `json:"params,omitempty"`
	Bounty           moneyDTO       `json:"bounty"`
	RequesterAddress *string        `json:"requesterAddress,omitempty"`
}

// SubmitQuoteRequest is the POST /solver/quotes body.
type SubmitQuoteRequest struct {
	WorkOrderID   string       `json:"workOrderId"`
	SolverAddress string       `json:"solverAddress"`
	Price         string       `json:"price"`
	EtaMinutes    int          `json:"etaMinutes"`
	ValidUntil    time.Time    `json:"validUntil"`
	Signature     SignatureDTO `json:"signature"`
}

// SubmitSubmissionRequest is the POST /work-orders/:id/submit body.
type SubmitSubmissionRequest struct {
	SolverAddress string       `json:"solverAddress"`
	Artifact      ArtifactDTO  `json:"artifact"`
	Signature     SignatureDTO `json:"signature"`
}

// SubmitChallengeRequest is the POST /challenger/challenges body.
type SubmitChallengeRequest struct {
	WorkOrderID       string         `json:"workOrderId"`
	SubmissionID      string         `json:"submissionId"`
	ChallengerAddress string         `json:"challengerAddress"`
	ReproductionSpec  map[string]any `json:"reproductionSpec"`
	Signature         SignatureDTO   `json:"signature"`
}

// ConfigResponse echoes the asset/chain configuration for GET /config.
type ConfigResponse struct {
	AssetMode                string `json:"assetMode"`
	MilestoneSplits          int    `json:"milestoneSplits"`
	DemoActions              bool   `json:"demoActions"`
	ChallengeDurationSeconds int    `json:"challengeDurationSeconds"`
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
