// Package engine implements the WorkOrderEngine state machine: create, bid,
// select, verify, challenge/patch, settle. Grounded on the teacher engine's
// transactional operation shape (internal/engine/engine.go: BeginTx →
// business logic → Repo.*Tx writes → Events.Append → Commit), retargeted
// from task-lifecycle mutations to the work-order marketplace lifecycle.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookline/internal/apperr"
	"hookline/internal/domain"
	"hookline/internal/eventbus"
	"hookline/internal/money"
	"hookline/internal/reputation"
	"hookline/internal/session"
	"hookline/internal/signature"
	"hookline/internal/store"
	"hookline/internal/verifierclient"
)

// QuoteRewardAmount mirrors session.QuoteRewardAmount for readability at call sites.
var QuoteRewardAmount = session.QuoteRewardAmount

// ChallengeRewardPercent is the percentage of basePrice paid to a challenger
// whose dispute succeeds, per spec §4.7 step 5.
const ChallengeRewardPercent = 20

// Windows fixes the deadline-vector durations; all are configuration.
type Windows struct {
	Bidding   time.Duration
	Delivery  time.Duration
	Verify    time.Duration
	Challenge time.Duration
	Patch     time.Duration
}

// Config bundles the engine's tunables.
type Config struct {
	Windows         Windows
	MilestoneSplits int  // 1..20, the teacher's MILESTONE_SPLITS
	DemoActions     bool // gates force=true before a window closes
}

// DefaultPayoutSchedule is used when no per-template schedule is configured;
// it matches the milestone keys named throughout spec §8's scenarios.
func DefaultPayoutSchedule() []domain.PayoutMilestone {
	return []domain.PayoutMilestone{
		{Key: "M1_COMPILE_OK", Percent: 20},
		{Key: "M2_TESTS_OK", Percent: 20},
		{Key: "M3_DEPLOY_OK", Percent: 20},
		{Key: "M4_V4_POOL_PROOF_OK", Percent: 20},
		{Key: "M5_NO_CHALLENGE_OR_PATCH_OK", Percent: 20},
	}
}

const terminalMilestoneKey = "M5_NO_CHALLENGE_OR_PATCH_OK"

// Engine is the sole mutator of WorkOrder state. It is logically
// single-writer per work order (spec §5): every public operation on an
// existing work order takes the per-id lock before reading or writing;
// CreateWorkOrder, which allocates a fresh id, takes no lock.
type Engine struct {
	Store          *store.Store
	Events         *eventbus.Bus
	Sessions       *session.Manager
	Verifier       *signature.Verifier
	VerifierClient *verifierclient.Client
	Config         Config
	Now            func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(st *store.Store, bus *eventbus.Bus, sessions *session.Manager, verifier *signature.Verifier, vc *verifierclient.Client, cfg Config) *Engine {
	if cfg.MilestoneSplits <= 0 {
		cfg.MilestoneSplits = 1
	}
	return &Engine{
		Store:          st,
		Events:         bus,
		Sessions:       sessions,
		Verifier:       verifier,
		VerifierClient: vc,
		Config:         cfg,
		Now:            func() time.Time { return time.Now().UTC() },
		locks:          make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(workOrderID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[workOrderID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[workOrderID] = l
	}
	return l
}

func (e *Engine) withLock(workOrderID string, fn func() error) error {
	l := e.lockFor(workOrderID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (e *Engine) emit(workOrderID, typ string, payload map[string]any) {
	e.Events.Emit(domain.Event{WorkOrderID: workOrderID, Type: typ, CreatedAt: e.Now(), Payload: payload})
}

// ---- createWorkOrder ----

// CreateInput is the validated payload for POST /work-orders.
type CreateInput struct {
	Title            string
	TemplateType     string
	Params           map[string]any
	Bounty           domain.Money
	RequesterAddress *string
	PayoutSchedule   []domain.PayoutMilestone // optional per-template override
}

func (e *Engine) CreateWorkOrder(ctx context.Context, in CreateInput) (domain.WorkOrder, error) {
	if in.RequesterAddress != nil {
		normalized := signature.NormalizeAddress(*in.RequesterAddress)
		in.RequesterAddress = &normalized
	}
	if in.Title == "" || in.TemplateType == "" {
		return domain.WorkOrder{}, apperr.Validation("title and templateType are required")
	}
	if _, err := money.Parse(in.Bounty.Amount); err != nil {
		return domain.WorkOrder{}, apperr.Validation("invalid bounty amount %q", in.Bounty.Amount)
	}
	if in.Bounty.Currency == "" {
		return domain.WorkOrder{}, apperr.Validation("bounty currency is required")
	}

	schedule := in.PayoutSchedule
	if len(schedule) == 0 {
		schedule = DefaultPayoutSchedule()
	}
	if err := validatePayoutSchedule(schedule); err != nil {
		return domain.WorkOrder{}, err
	}

	now := e.Now()
	wo := domain.WorkOrder{
		ID:               uuid.NewString(),
		CreatedAt:        now,
		Title:            in.Title,
		TemplateType:     in.TemplateType,
		Params:           in.Params,
		Bounty:           in.Bounty,
		RequesterAddress: in.RequesterAddress,
		Status:           domain.StatusBidding,
		Deadlines:        domain.DeadlineVector{BiddingEndsAt: now.Add(e.Config.Windows.Bidding)},
		Selection:        domain.Selection{AttemptedQuoteIDs: []string{}},
		Challenge:        domain.ChallengeState{Status: domain.ChallengeNone},
		PayoutSchedule:   schedule,
		UpdatedAt:        now,
	}

	if err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.Store.InsertWorkOrderTx(ctx, tx, wo)
	}); err != nil {
		return domain.WorkOrder{}, apperr.Storage(err)
	}

	e.emit(wo.ID, "workOrderCreated", map[string]any{"workOrderId": wo.ID, "title": wo.Title})
	return wo, nil
}

func validatePayoutSchedule(schedule []domain.PayoutMilestone) error {
	total := 0
	for _, m := range schedule {
		if m.Key == "" || m.Percent < 0 {
			return apperr.Validation("invalid payout milestone %+v", m)
		}
		total += m.Percent
	}
	if total != 100 {
		return apperr.Validation("payout schedule percentages must sum to 100, got %d", total)
	}
	return nil
}

// ---- submitQuote ----

// SubmitQuoteInput is the validated, signed payload for a solver's bid.
type SubmitQuoteInput struct {
	WorkOrderID   string
	SolverAddress string
	Price         string
	EtaMinutes    int
	ValidUntil    time.Time
	Signature     signature.Signature
}

func (e *Engine) SubmitQuote(ctx context.Context, in SubmitQuoteInput) (domain.Quote, error) {
	in.SolverAddress = signature.NormalizeAddress(in.SolverAddress)
	var out domain.Quote
	err := e.withLock(in.WorkOrderID, func() error {
		wo, err := e.Store.GetWorkOrder(ctx, in.WorkOrderID)
		if err != nil {
			return mapStoreErr(err)
		}
		now := e.Now()
		if wo.Status != domain.StatusBidding {
			return apperr.State("work order is not accepting bids (status=%s)", wo.Status)
		}
		if now.After(wo.Deadlines.BiddingEndsAt) {
			return apperr.State("bidding window has closed")
		}
		if in.ValidUntil.Before(now) {
			return apperr.Validation("validUntil must not be before now")
		}
		price, err := money.Parse(in.Price)
		if err != nil {
			return apperr.Validation("invalid price %q", in.Price)
		}
		bounty, err := money.Parse(wo.Bounty.Amount)
		if err != nil {
			return apperr.Validation("invalid bounty amount on work order")
		}
		if price.Cmp(bounty) > 0 {
			return apperr.Validation("price exceeds bounty amount")
		}

		msg := signature.QuoteMessage{
			WorkOrderID: in.WorkOrderID,
			Price:       in.Price,
			EtaMinutes:  in.EtaMinutes,
			ValidUntil:  in.ValidUntil.Format(time.RFC3339Nano),
		}
		signer, err := e.Verifier.RecoverSigner(msg, in.Signature)
		if err != nil || !signature.SameAddress(signer, in.SolverAddress) {
			return apperr.Authorization("quote signature does not recover to claimed solver address")
		}

		q := domain.Quote{
			ID:            uuid.NewString(),
			WorkOrderID:   in.WorkOrderID,
			SolverAddress: in.SolverAddress,
			Price:         in.Price,
			EtaMinutes:    in.EtaMinutes,
			ValidUntil:    in.ValidUntil,
			Signature:     fmt.Sprintf("%x.%x", in.Signature.R, in.Signature.S),
			CreatedAt:     now,
		}

		return e.Store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.Store.InsertQuoteTx(ctx, tx, q); err != nil {
				return apperr.Storage(err)
			}
			stats, err := e.Store.GetSolverStatsTx(ctx, tx, in.SolverAddress)
			if err != nil {
				return apperr.Storage(err)
			}
			stats.QuotesSubmitted++
			if err := e.Store.UpsertSolverStatsTx(ctx, tx, stats); err != nil {
				return apperr.Storage(err)
			}
			out = q
			return nil
		})
	})
	if err != nil {
		return domain.Quote{}, err
	}
	e.emit(in.WorkOrderID, "quoteCreated", map[string]any{"quoteId": out.ID, "solverAddress": out.SolverAddress, "price": out.Price})
	return out, nil
}

// ---- selectQuote ----

// SelectQuote selects the winning quote via the manual selection path
// (operator/API-driven), emitting solverSelected.
func (e *Engine) SelectQuote(ctx context.Context, workOrderID string, quoteID string, force bool) (domain.WorkOrder, error) {
	return e.selectQuote(ctx, workOrderID, quoteID, force, "solverSelected")
}

// AutoSelectQuote auto-selects the best quote once the bidding window has
// closed, driven by the sweeper rather than a caller request. It emits
// solverAutoSelected (spec §4.8) instead of solverSelected, so subscribers
// can distinguish sweeper-driven selection from a manual one.
func (e *Engine) AutoSelectQuote(ctx context.Context, workOrderID string) (domain.WorkOrder, error) {
	return e.selectQuote(ctx, workOrderID, "", true, "solverAutoSelected")
}

func (e *Engine) selectQuote(ctx context.Context, workOrderID string, quoteID string, force bool, selectedEventType string) (domain.WorkOrder, error) {
	var out domain.WorkOrder
	var eventType string
	err := e.withLock(workOrderID, func() error {
		wo, err := e.Store.GetWorkOrder(ctx, workOrderID)
		if err != nil {
			return mapStoreErr(err)
		}
		if wo.Status != domain.StatusBidding && wo.Status != domain.StatusFailed && wo.Status != domain.StatusExpired {
			return apperr.State("work order is not selectable from status %s", wo.Status)
		}

		quotes, err := e.Store.ListQuotes(ctx, workOrderID)
		if err != nil {
			return apperr.Storage(err)
		}
		if (wo.Status == domain.StatusFailed || wo.Status == domain.StatusExpired) && len(quotes) == 0 {
			return apperr.State("work order has no quotes to select from")
		}

		now := e.Now()
		if wo.Status == domain.StatusBidding && now.Before(wo.Deadlines.BiddingEndsAt) {
			if !force || !e.Config.DemoActions {
				return apperr.State("bidding window has not closed")
			}
		}

		if err := e.ensureSessionAndRewards(ctx, &wo, quotes); err != nil {
			return err
		}

		eligible := eligibleQuotes(wo, quotes)
		var chosen *domain.Quote
		if quoteID != "" {
			for i := range eligible {
				if eligible[i].ID == quoteID {
					chosen = &eligible[i]
					break
				}
			}
			if chosen == nil {
				return apperr.Validation("quote %s is not eligible for selection", quoteID)
			}
		} else {
			chosen, err = e.selectBestQuote(ctx, eligible)
			if err != nil {
				return err
			}
			if chosen == nil {
				return apperr.State("no eligible quotes remain")
			}
		}

		applySelection(&wo, *chosen, now, e.Config.Windows)
		eventType = selectedEventType

		return e.Store.WithTx(ctx, func(tx *sql.Tx) error {
			stats, err := e.Store.GetSolverStatsTx(ctx, tx, chosen.SolverAddress)
			if err != nil {
				return apperr.Storage(err)
			}
			stats.QuotesWon++
			if err := e.Store.UpsertSolverStatsTx(ctx, tx, stats); err != nil {
				return apperr.Storage(err)
			}
			wo.UpdatedAt = now
			if err := e.Store.UpdateWorkOrderTx(ctx, tx, wo); err != nil {
				return apperr.Storage(err)
			}
			out = wo
			return nil
		})
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	e.emit(workOrderID, eventType, map[string]any{"quoteId": *out.Selection.SelectedQuoteID, "solverAddress": *out.Selection.SelectedSolverID})
	return out, nil
}

func eligibleQuotes(wo domain.WorkOrder, quotes []domain.Quote) []domain.Quote {
	participants := make(map[string]bool, len(wo.Session.Participants))
	for _, p := range wo.Session.Participants {
		participants[p] = true
	}
	attempted := make(map[string]bool, len(wo.Selection.AttemptedQuoteIDs))
	for _, id := range wo.Selection.AttemptedQuoteIDs {
		attempted[id] = true
	}
	var out []domain.Quote
	for _, q := range quotes {
		if !participants[q.SolverAddress] {
			continue
		}
		if attempted[q.ID] {
			continue
		}
		out = append(out, q)
	}
	return out
}

// selectBestQuote orders by ascending price, then ascending etaMinutes, then
// descending reputation score, then ascending createdAt.
func (e *Engine) selectBestQuote(ctx context.Context, eligible []domain.Quote) (*domain.Quote, error) {
	if len(eligible) == 0 {
		return nil, nil
	}
	scores := make(map[string]float64, len(eligible))
	for _, q := range eligible {
		if _, ok := scores[q.SolverAddress]; ok {
			continue
		}
		stats, err := e.Store.GetSolverStats(ctx, q.SolverAddress)
		if err != nil {
			return nil, apperr.Storage(err)
		}
		scores[q.SolverAddress] = reputation.Score(stats)
	}

	sorted := make([]domain.Quote, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, err1 := money.Parse(sorted[i].Price)
		pj, err2 := money.Parse(sorted[j].Price)
		if err1 == nil && err2 == nil {
			if c := pi.Cmp(pj); c != 0 {
				return c < 0
			}
		}
		if sorted[i].EtaMinutes != sorted[j].EtaMinutes {
			return sorted[i].EtaMinutes < sorted[j].EtaMinutes
		}
		si, sj := scores[sorted[i].SolverAddress], scores[sorted[j].SolverAddress]
		if si != sj {
			return si > sj
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return &sorted[0], nil
}

func applySelection(wo *domain.WorkOrder, q domain.Quote, now time.Time, w Windows) {
	wo.Status = domain.StatusSelected
	wo.Selection.SelectedQuoteID = &q.ID
	wo.Selection.SelectedSolverID = &q.SolverAddress
	wo.Selection.SelectedAt = &now
	deliveryEnds := now.Add(w.Delivery)
	verifyEnds := now.Add(w.Verify)
	wo.Deadlines.DeliveryEndsAt = &deliveryEnds
	wo.Deadlines.VerifyEndsAt = &verifyEnds
	wo.Deadlines.ChallengeEndsAt = nil
	wo.Challenge = domain.ChallengeState{Status: domain.ChallengeNone}
}

func (e *Engine) ensureSessionAndRewards(ctx context.Context, wo *domain.WorkOrder, quotes []domain.Quote) error {
	firstSession := wo.Session.SessionID == nil
	if _, err := e.Sessions.EnsureSession(ctx, wo, quotes); err != nil {
		return err
	}
	if firstSession && wo.Session.SessionID != nil {
		e.emit(wo.ID, "yellowSessionCreated", map[string]any{
			"sessionId":      *wo.Session.SessionID,
			"allowanceTotal": wo.Session.AllowanceTotal,
			"participants":   wo.Session.Participants,
		})
	}
	alreadyPaid, err := e.paidQuoteRewardAddresses(ctx, wo.ID)
	if err != nil {
		return err
	}
	issued, err := e.Sessions.EnsureQuoteRewardsPaid(ctx, wo, alreadyPaid)
	if err != nil {
		return err
	}
	if len(issued) > 0 {
		if err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
			for i := range issued {
				issued[i].CreatedAt = e.Now()
				if err := e.Store.InsertPaymentEventTx(ctx, tx, issued[i]); err != nil {
					return apperr.Storage(err)
				}
			}
			return e.Store.UpdateWorkOrderTx(ctx, tx, *wo)
		}); err != nil {
			return err
		}
		for _, ev := range issued {
			e.emit(wo.ID, "quoteRewardPaid", map[string]any{"destinationAddress": ev.DestinationAddr, "amount": ev.Amount})
		}
	}
	return nil
}

func (e *Engine) paidQuoteRewardAddresses(ctx context.Context, workOrderID string) (map[string]bool, error) {
	events, err := e.Store.ListPaymentEvents(ctx, workOrderID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	paid := make(map[string]bool)
	for _, ev := range events {
		if ev.Type == domain.PaymentQuoteReward {
			paid[ev.DestinationAddr] = true
		}
	}
	return paid, nil
}

// ---- submitSubmission ----

// SubmitSubmissionInput is the validated, signed payload for a delivery.
type SubmitSubmissionInput struct {
	WorkOrderID   string
	SolverAddress string
	Artifact      domain.Artifact
	Signature     signature.Signature
}

func (e *Engine) SubmitSubmission(ctx context.Context, in SubmitSubmissionInput) (domain.WorkOrder, error) {
	in.SolverAddress = signature.NormalizeAddress(in.SolverAddress)
	var wo domain.WorkOrder
	var sub domain.Submission
	err := e.withLock(in.WorkOrderID, func() error {
		var err error
		wo, err = e.Store.GetWorkOrder(ctx, in.WorkOrderID)
		if err != nil {
			return mapStoreErr(err)
		}

		patchAttempt := wo.Status == domain.StatusChallenged
		if wo.Status != domain.StatusSelected && !patchAttempt {
			return apperr.State("work order does not accept submissions in status %s", wo.Status)
		}
		now := e.Now()
		if patchAttempt {
			if wo.Deadlines.PatchEndsAt == nil || now.After(*wo.Deadlines.PatchEndsAt) {
				return apperr.State("patch window has closed")
			}
		}
		if wo.Selection.SelectedSolverID == nil || !signature.SameAddress(*wo.Selection.SelectedSolverID, in.SolverAddress) {
			return apperr.Authorization("solver is not the selected solver for this work order")
		}

		wantHash := signature.ArtifactHash(in.Artifact.RepoURL, in.Artifact.CommitSha)
		if in.Artifact.ArtifactHash != wantHash {
			return apperr.HashMismatch("artifactHash does not match hash(repoUrl:commitSha)")
		}

		msg := signature.SubmissionMessage{
			WorkOrderID:  in.WorkOrderID,
			RepoURL:      in.Artifact.RepoURL,
			CommitSha:    in.Artifact.CommitSha,
			ArtifactHash: in.Artifact.ArtifactHash,
		}
		signer, err := e.Verifier.RecoverSigner(msg, in.Signature)
		if err != nil || !signature.SameAddress(signer, in.SolverAddress) {
			return apperr.Authorization("submission signature does not recover to claimed solver address")
		}

		sub = domain.Submission{
			ID:            uuid.NewString(),
			WorkOrderID:   in.WorkOrderID,
			SolverAddress: in.SolverAddress,
			Artifact:      in.Artifact,
			Signature:     fmt.Sprintf("%x.%x", in.Signature.R, in.Signature.S),
			CreatedAt:     now,
		}
		wo.Status = domain.StatusVerifying
		wo.UpdatedAt = now

		return e.Store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.Store.InsertSubmissionTx(ctx, tx, sub); err != nil {
				return apperr.Storage(err)
			}
			return e.Store.UpdateWorkOrderTx(ctx, tx, wo)
		})
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	e.emit(in.WorkOrderID, "submissionReceived", map[string]any{"submissionId": sub.ID, "solverAddress": sub.SolverAddress})

	return e.runVerification(ctx, in.WorkOrderID, sub)
}

// runVerification calls the external verifier synchronously and applies its
// outcome. Split out of submitSubmission so the write lock covers the whole
// verify-and-transition sequence.
func (e *Engine) runVerification(ctx context.Context, workOrderID string, sub domain.Submission) (domain.WorkOrder, error) {
	var out domain.WorkOrder
	err := e.withLock(workOrderID, func() error {
		wo, err := e.Store.GetWorkOrder(ctx, workOrderID)
		if err != nil {
			return mapStoreErr(err)
		}

		resp, verr := e.VerifierClient.Verify(ctx, verifierclient.VerifyRequest{WorkOrder: wo, Submission: sub})
		now := e.Now()
		if verr != nil {
			wo.Status = domain.StatusFailed
			wo.UpdatedAt = now
			if err := e.Store.UpdateWorkOrder(ctx, wo); err != nil {
				return apperr.Storage(err)
			}
			out = wo
			e.emit(workOrderID, "verificationFailed", map[string]any{"reason": "verifier_transport_error", "error": verr.Error()})
			return apperr.Verifier(verr)
		}

		report := resp.Report
		if report.ID == "" {
			report.ID = uuid.NewString()
		}
		report.SubmissionID = sub.ID
		if report.ProducedAt.IsZero() {
			report.ProducedAt = now
		}

		if err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Store.InsertVerificationReportTx(ctx, tx, report)
		}); err != nil {
			return apperr.Storage(err)
		}
		wo.VerificationReportID = &report.ID

		if report.Status == domain.VerificationPass {
			if err := e.applyVerificationPass(ctx, &wo, sub, resp.MilestonesPassed, now); err != nil {
				return err
			}
			out = wo
			return nil
		}
		return e.applyVerificationFail(ctx, &wo, sub, now, &out)
	})
	if err != nil {
		if out.ID != "" {
			return out, err
		}
		return domain.WorkOrder{}, err
	}
	return out, nil
}

func (e *Engine) applyVerificationPass(ctx context.Context, wo *domain.WorkOrder, sub domain.Submission, milestonesPassed []string, now time.Time) error {
	patched := wo.Challenge.Status == domain.ChallengePatchWindow
	wo.Status = domain.StatusPassedPendingChallenge
	if patched {
		wo.Challenge.Status = domain.ChallengePatchPassed
		wo.Deadlines.ChallengeEndsAt = &now
	} else {
		wo.Challenge.Status = domain.ChallengeOpen
		challengeEnds := now.Add(e.Config.Windows.Challenge)
		wo.Deadlines.ChallengeEndsAt = &challengeEnds
	}
	wo.Deadlines.PatchEndsAt = nil
	wo.UpdatedAt = now

	quotes, err := e.Store.ListQuotes(ctx, wo.ID)
	if err != nil {
		return apperr.Storage(err)
	}
	var selectedQuote *domain.Quote
	for i := range quotes {
		if wo.Selection.SelectedQuoteID != nil && quotes[i].ID == *wo.Selection.SelectedQuoteID {
			selectedQuote = &quotes[i]
			break
		}
	}

	stats, err := e.Store.GetSolverStats(ctx, sub.SolverAddress)
	if err != nil {
		return apperr.Storage(err)
	}
	stats.DeliveriesSucceeded++
	if selectedQuote != nil {
		stats.TotalEtaMinutes += int64(selectedQuote.EtaMinutes)
	}
	if wo.Selection.SelectedAt != nil {
		actualMinutes := int64(math.Ceil(now.Sub(*wo.Selection.SelectedAt).Seconds() / 60))
		stats.TotalActualMinutes += actualMinutes
	}
	if wo.Deadlines.DeliveryEndsAt != nil && !now.After(*wo.Deadlines.DeliveryEndsAt) {
		stats.OnTimeDeliveries++
	}

	if err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Store.UpsertSolverStatsTx(ctx, tx, stats); err != nil {
			return apperr.Storage(err)
		}
		return e.Store.UpdateWorkOrderTx(ctx, tx, *wo)
	}); err != nil {
		return err
	}

	e.emit(wo.ID, "verificationPassed", map[string]any{"submissionId": sub.ID, "patched": patched})

	basePrice, err := basePriceFor(*wo, selectedQuote)
	if err != nil {
		return err
	}
	milestoneEvents, err := e.payMilestones(ctx, wo, basePrice, milestonesPassed)
	if err != nil {
		return err
	}
	for _, ev := range milestoneEvents {
		e.emit(wo.ID, "milestonePaid", map[string]any{"milestoneKey": *ev.MilestoneKey, "amount": ev.Amount, "destinationAddress": ev.DestinationAddr})
	}
	return nil
}

func basePriceFor(wo domain.WorkOrder, selectedQuote *domain.Quote) (money.Units, error) {
	if selectedQuote != nil {
		return money.Parse(selectedQuote.Price)
	}
	// Fallback to bounty per §9 open question (c); this path is reachable
	// only if the selected quote row is missing.
	return money.Parse(wo.Bounty.Amount)
}

// payMilestones pays every milestone named in milestonesPassed, splitting
// the remainder (target minus already-paid) into Config.MilestoneSplits
// equal parts. The terminal milestone is never split (settled at endSession).
func (e *Engine) payMilestones(ctx context.Context, wo *domain.WorkOrder, basePrice money.Units, milestonesPassed []string) ([]domain.PaymentEvent, error) {
	passed := make(map[string]bool, len(milestonesPassed))
	for _, k := range milestonesPassed {
		passed[k] = true
	}
	if wo.Selection.SelectedSolverID == nil {
		return nil, apperr.State("no selected solver to pay milestones to")
	}
	solver := *wo.Selection.SelectedSolverID

	existing, err := e.Store.ListPaymentEvents(ctx, wo.ID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	alreadyPaid := make(map[string]money.Units)
	for _, ev := range existing {
		if ev.Type != domain.PaymentMilestone || ev.MilestoneKey == nil {
			continue
		}
		amt, err := money.Parse(ev.Amount)
		if err != nil {
			continue
		}
		alreadyPaid[*ev.MilestoneKey] = alreadyPaid[*ev.MilestoneKey].Add(amt)
	}

	var issued []domain.PaymentEvent
	for _, m := range wo.PayoutSchedule {
		if !passed[m.Key] || m.Key == terminalMilestoneKey {
			continue
		}
		target := basePrice.PercentOf(m.Percent)
		remaining := target.Sub(alreadyPaid[m.Key])
		if !remaining.IsPositive() {
			continue
		}
		splits := e.Config.MilestoneSplits
		parts := money.Split(remaining, splits)
		for _, part := range parts {
			key := m.Key
			ev := domain.PaymentEvent{
				ID:              uuid.NewString(),
				WorkOrderID:     wo.ID,
				Type:            domain.PaymentMilestone,
				DestinationAddr: solver,
				Amount:          part.String(),
				MilestoneKey:    &key,
			}
			paid, err := e.Sessions.RecordPayment(ctx, wo, ev)
			if err != nil {
				return issued, err
			}
			paid.CreatedAt = e.Now()
			if err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
				if err := e.Store.InsertPaymentEventTx(ctx, tx, paid); err != nil {
					return apperr.Storage(err)
				}
				return e.Store.UpdateWorkOrderTx(ctx, tx, *wo)
			}); err != nil {
				return issued, err
			}
			issued = append(issued, paid)
		}
	}
	return issued, nil
}

func (e *Engine) applyVerificationFail(ctx context.Context, wo *domain.WorkOrder, sub domain.Submission, now time.Time, out *domain.WorkOrder) error {
	e.emit(wo.ID, "verificationFailed", map[string]any{"submissionId": sub.ID})

	if wo.Challenge.Status == domain.ChallengePatchWindow {
		return e.finalizeChallengeFailureLocked(ctx, wo, now, out)
	}

	stats, err := e.Store.GetSolverStats(ctx, sub.SolverAddress)
	if err != nil {
		return apperr.Storage(err)
	}
	stats.DeliveriesFailed++

	if wo.Selection.SelectedQuoteID != nil {
		wo.Selection.AttemptedQuoteIDs = append(wo.Selection.AttemptedQuoteIDs, *wo.Selection.SelectedQuoteID)
	}

	quotes, err := e.Store.ListQuotes(ctx, wo.ID)
	if err != nil {
		return apperr.Storage(err)
	}
	if err := e.ensureSessionAndRewards(ctx, wo, quotes); err != nil {
		return err
	}
	eligible := eligibleQuotes(*wo, quotes)
	next, err := e.selectBestQuote(ctx, eligible)
	if err != nil {
		return err
	}

	if next != nil {
		applySelection(wo, *next, now, e.Config.Windows)
		if err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
			winStats, err := e.Store.GetSolverStatsTx(ctx, tx, next.SolverAddress)
			if err != nil {
				return apperr.Storage(err)
			}
			winStats.QuotesWon++
			if err := e.Store.UpsertSolverStatsTx(ctx, tx, winStats); err != nil {
				return apperr.Storage(err)
			}
			if err := e.Store.UpsertSolverStatsTx(ctx, tx, stats); err != nil {
				return apperr.Storage(err)
			}
			wo.UpdatedAt = now
			return e.Store.UpdateWorkOrderTx(ctx, tx, *wo)
		}); err != nil {
			return err
		}
		*out = *wo
		e.emit(wo.ID, "solverFallbackSelected", map[string]any{"quoteId": *wo.Selection.SelectedQuoteID, "solverAddress": *wo.Selection.SelectedSolverID})
		return nil
	}

	wo.Status = domain.StatusFailed
	wo.UpdatedAt = now
	if err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Store.UpsertSolverStatsTx(ctx, tx, stats); err != nil {
			return apperr.Storage(err)
		}
		return e.Store.UpdateWorkOrderTx(ctx, tx, *wo)
	}); err != nil {
		return err
	}
	*out = *wo
	return nil
}

// ---- submitChallenge ----

// SubmitChallengeInput is the validated, signed dispute payload.
type SubmitChallengeInput struct {
	WorkOrderID       string
	SubmissionID      string
	ChallengerAddress string
	ReproductionSpec  map[string]any
	Signature         signature.Signature
}

func (e *Engine) SubmitChallenge(ctx context.Context, in SubmitChallengeInput) (domain.WorkOrder, error) {
	in.ChallengerAddress = signature.NormalizeAddress(in.ChallengerAddress)
	var out domain.WorkOrder
	err := e.withLock(in.WorkOrderID, func() error {
		wo, err := e.Store.GetWorkOrder(ctx, in.WorkOrderID)
		if err != nil {
			return mapStoreErr(err)
		}
		if wo.Status != domain.StatusPassedPendingChallenge {
			return apperr.State("work order is not open to challenge (status=%s)", wo.Status)
		}
		if wo.Challenge.Status != domain.ChallengeOpen {
			return apperr.State("challenge window is not open (challenge.status=%s)", wo.Challenge.Status)
		}
		now := e.Now()
		if wo.Deadlines.ChallengeEndsAt == nil || now.After(*wo.Deadlines.ChallengeEndsAt) {
			return apperr.State("challenge window has closed")
		}
		if !isParticipant(wo, in.ChallengerAddress) {
			return apperr.Authorization("challenger is not a session participant")
		}
		sub, err := e.Store.GetSubmission(ctx, in.SubmissionID)
		if err != nil || sub.WorkOrderID != in.WorkOrderID {
			return apperr.Validation("submission does not exist for this work order")
		}

		reproHash := signature.ReproductionHash(in.ReproductionSpec)
		msg := signature.ChallengeMessage{WorkOrderID: in.WorkOrderID, SubmissionID: in.SubmissionID, ReproductionHash: reproHash}
		signer, err := e.Verifier.RecoverSigner(msg, in.Signature)
		if err != nil || !signature.SameAddress(signer, in.ChallengerAddress) {
			return apperr.Authorization("challenge signature does not recover to claimed challenger address")
		}

		challengeID := uuid.NewString()
		outcome, cerr := e.VerifierClient.Challenge(ctx, verifierclient.ChallengeRequest{
			WorkOrder:  wo,
			Submission: sub,
			Challenge: verifierclient.ChallengePayload{
				ID:                challengeID,
				SubmissionID:      in.SubmissionID,
				ChallengerAddress: in.ChallengerAddress,
				ReproductionHash:  reproHash,
				ReproductionSpec:  in.ReproductionSpec,
				Signature:         fmt.Sprintf("%x.%x", in.Signature.R, in.Signature.S),
			},
		})
		if cerr != nil {
			return apperr.Verifier(cerr)
		}

		if outcome.Outcome != "SUCCESS" {
			wo.Challenge.Status = domain.ChallengeRejected
			wo.UpdatedAt = now
			if err := e.Store.UpdateWorkOrder(ctx, wo); err != nil {
				return apperr.Storage(err)
			}
			out = wo
			e.emit(wo.ID, "challengeRejected", map[string]any{"challengerAddress": in.ChallengerAddress})
			return nil
		}

		basePrice, err := e.currentBasePrice(ctx, wo)
		if err != nil {
			return err
		}
		challengeAmount := basePrice.PercentOf(ChallengeRewardPercent)

		if e.Config.Windows.Patch > 0 {
			patchEnds := now.Add(e.Config.Windows.Patch)
			amt := challengeAmount.String()
			wo.Status = domain.StatusChallenged
			wo.Deadlines.PatchEndsAt = &patchEnds
			wo.Challenge = domain.ChallengeState{
				Status:              domain.ChallengePatchWindow,
				ChallengeID:         &challengeID,
				ChallengerAddress:   &in.ChallengerAddress,
				PendingRewardAmount: &amt,
			}
			wo.UpdatedAt = now
			if err := e.Store.UpdateWorkOrder(ctx, wo); err != nil {
				return apperr.Storage(err)
			}
			out = wo
			e.emit(wo.ID, "challengeOpened", map[string]any{"challengeId": challengeID, "challengerAddress": in.ChallengerAddress, "pendingRewardAmount": amt})
			return nil
		}

		amt := challengeAmount.String()
		wo.Challenge = domain.ChallengeState{
			Status:              domain.ChallengeOpen,
			ChallengeID:         &challengeID,
			ChallengerAddress:   &in.ChallengerAddress,
			PendingRewardAmount: &amt,
		}
		return e.paySuccessfulChallengeAndFail(ctx, &wo, now, &out)
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return out, nil
}

func isParticipant(wo domain.WorkOrder, addr string) bool {
	for _, p := range wo.Session.Participants {
		if signature.SameAddress(p, addr) {
			return true
		}
	}
	return false
}

func (e *Engine) currentBasePrice(ctx context.Context, wo domain.WorkOrder) (money.Units, error) {
	if wo.Selection.SelectedQuoteID == nil {
		return money.Parse(wo.Bounty.Amount)
	}
	quotes, err := e.Store.ListQuotes(ctx, wo.ID)
	if err != nil {
		return money.Zero(), apperr.Storage(err)
	}
	for _, q := range quotes {
		if q.ID == *wo.Selection.SelectedQuoteID {
			return money.Parse(q.Price)
		}
	}
	slog.Warn("engine: selected quote not found, using bounty as base price", "workOrderId", wo.ID, "quoteId", *wo.Selection.SelectedQuoteID)
	return money.Parse(wo.Bounty.Amount)
}

// paySuccessfulChallengeAndFail pays CHALLENGE_REWARD immediately (no patch
// window configured) and moves the work order straight to FAILED, applying
// the same stats bumps as finalizeChallengeFailure.
func (e *Engine) paySuccessfulChallengeAndFail(ctx context.Context, wo *domain.WorkOrder, now time.Time, out *domain.WorkOrder) error {
	if err := e.payPendingChallengeReward(ctx, wo); err != nil {
		return err
	}
	if err := e.bumpChallengeStats(ctx, wo); err != nil {
		return err
	}
	wo.Status = domain.StatusFailed
	wo.Challenge.Status = domain.ChallengePatchFailed
	wo.Challenge.PendingRewardAmount = nil
	wo.UpdatedAt = now
	if err := e.Store.UpdateWorkOrder(ctx, *wo); err != nil {
		return apperr.Storage(err)
	}
	*out = *wo
	e.emit(wo.ID, "challengeSucceeded", map[string]any{"challengerAddress": derefStr(wo.Challenge.ChallengerAddress)})
	return nil
}

// ---- finalizeChallengeFailure ----

func (e *Engine) FinalizeChallengeFailure(ctx context.Context, workOrderID string) (domain.WorkOrder, error) {
	var out domain.WorkOrder
	err := e.withLock(workOrderID, func() error {
		wo, err := e.Store.GetWorkOrder(ctx, workOrderID)
		if err != nil {
			return mapStoreErr(err)
		}
		now := e.Now()
		return e.finalizeChallengeFailureLocked(ctx, &wo, now, &out)
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return out, nil
}

func (e *Engine) finalizeChallengeFailureLocked(ctx context.Context, wo *domain.WorkOrder, now time.Time, out *domain.WorkOrder) error {
	if err := e.payPendingChallengeReward(ctx, wo); err != nil {
		return err
	}
	if err := e.bumpChallengeStats(ctx, wo); err != nil {
		return err
	}
	wo.Status = domain.StatusFailed
	wo.Challenge.Status = domain.ChallengePatchFailed
	wo.Challenge.PendingRewardAmount = nil
	wo.Deadlines.PatchEndsAt = nil
	wo.UpdatedAt = now
	if err := e.Store.UpdateWorkOrder(ctx, *wo); err != nil {
		return apperr.Storage(err)
	}
	*out = *wo
	e.emit(wo.ID, "challengeFailed", map[string]any{"challengerAddress": derefStr(wo.Challenge.ChallengerAddress)})
	return nil
}

// payPendingChallengeReward is idempotent: it skips payment if a
// CHALLENGE_REWARD event already exists for this work order.
func (e *Engine) payPendingChallengeReward(ctx context.Context, wo *domain.WorkOrder) error {
	if wo.Challenge.PendingRewardAmount == nil || wo.Challenge.ChallengerAddress == nil {
		return nil
	}
	existing, err := e.Store.ListPaymentEvents(ctx, wo.ID)
	if err != nil {
		return apperr.Storage(err)
	}
	for _, ev := range existing {
		if ev.Type == domain.PaymentChallengeReward {
			return nil
		}
	}
	ev := domain.PaymentEvent{
		ID:              uuid.NewString(),
		WorkOrderID:     wo.ID,
		Type:            domain.PaymentChallengeReward,
		DestinationAddr: *wo.Challenge.ChallengerAddress,
		Amount:          *wo.Challenge.PendingRewardAmount,
	}
	paid, err := e.Sessions.RecordPayment(ctx, wo, ev)
	if err != nil {
		return err
	}
	paid.CreatedAt = e.Now()
	return e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Store.InsertPaymentEventTx(ctx, tx, paid); err != nil {
			return apperr.Storage(err)
		}
		return e.Store.UpdateWorkOrderTx(ctx, tx, *wo)
	})
}

func (e *Engine) bumpChallengeStats(ctx context.Context, wo *domain.WorkOrder) error {
	if wo.Selection.SelectedSolverID == nil || wo.Challenge.ChallengerAddress == nil {
		return nil
	}
	return e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		solverStats, err := e.Store.GetSolverStatsTx(ctx, tx, *wo.Selection.SelectedSolverID)
		if err != nil {
			return apperr.Storage(err)
		}
		solverStats.ChallengesAgainst++
		if err := e.Store.UpsertSolverStatsTx(ctx, tx, solverStats); err != nil {
			return apperr.Storage(err)
		}
		challengerStats, err := e.Store.GetSolverStatsTx(ctx, tx, *wo.Challenge.ChallengerAddress)
		if err != nil {
			return apperr.Storage(err)
		}
		challengerStats.ChallengesWon++
		return e.Store.UpsertSolverStatsTx(ctx, tx, challengerStats)
	})
}

// ---- endSession / settleWorkOrder ----

func (e *Engine) EndSession(ctx context.Context, workOrderID string, force bool) (domain.WorkOrder, error) {
	var out domain.WorkOrder
	err := e.withLock(workOrderID, func() error {
		wo, err := e.Store.GetWorkOrder(ctx, workOrderID)
		if err != nil {
			return mapStoreErr(err)
		}
		if wo.Status != domain.StatusPassedPendingChallenge {
			return apperr.State("work order is not settleable from status %s", wo.Status)
		}
		if wo.Challenge.Status == domain.ChallengePatchWindow {
			return apperr.State("cannot settle while a patch window is open")
		}
		now := e.Now()
		if wo.Deadlines.ChallengeEndsAt != nil && now.Before(*wo.Deadlines.ChallengeEndsAt) {
			if !force || !e.Config.DemoActions {
				return apperr.State("challenge window has not closed")
			}
		}
		return e.settleWorkOrderLocked(ctx, &wo, now, &out)
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return out, nil
}

func (e *Engine) settleWorkOrderLocked(ctx context.Context, wo *domain.WorkOrder, now time.Time, out *domain.WorkOrder) error {
	basePrice, err := e.currentBasePrice(ctx, *wo)
	if err != nil {
		return err
	}
	if wo.Selection.SelectedSolverID != nil {
		target := basePrice.PercentOf(percentFor(wo.PayoutSchedule, terminalMilestoneKey))
		existing, err := e.Store.ListPaymentEvents(ctx, wo.ID)
		if err != nil {
			return apperr.Storage(err)
		}
		paid := money.Zero()
		for _, ev := range existing {
			if ev.Type == domain.PaymentMilestone && ev.MilestoneKey != nil && *ev.MilestoneKey == terminalMilestoneKey {
				amt, err := money.Parse(ev.Amount)
				if err == nil {
					paid = paid.Add(amt)
				}
			}
		}
		owed := target.Sub(paid)
		if owed.IsPositive() {
			key := terminalMilestoneKey
			ev := domain.PaymentEvent{
				ID:              uuid.NewString(),
				WorkOrderID:     wo.ID,
				Type:            domain.PaymentMilestone,
				DestinationAddr: *wo.Selection.SelectedSolverID,
				Amount:          owed.String(),
				MilestoneKey:    &key,
			}
			paidEv, err := e.Sessions.RecordPayment(ctx, wo, ev)
			if err != nil {
				return err
			}
			paidEv.CreatedAt = e.Now()
			if err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
				if err := e.Store.InsertPaymentEventTx(ctx, tx, paidEv); err != nil {
					return apperr.Storage(err)
				}
				return e.Store.UpdateWorkOrderTx(ctx, tx, *wo)
			}); err != nil {
				return err
			}
			e.emit(wo.ID, "milestonePaid", map[string]any{"milestoneKey": terminalMilestoneKey, "amount": paidEv.Amount, "destinationAddress": paidEv.DestinationAddr})
		}
	}

	settlementTxID, err := e.Sessions.CloseSession(ctx, wo)
	if err != nil {
		return err
	}
	wo.SettlementTxID = &settlementTxID
	wo.Status = domain.StatusCompleted
	wo.UpdatedAt = now
	if err := e.Store.UpdateWorkOrder(ctx, *wo); err != nil {
		return apperr.Storage(err)
	}
	*out = *wo
	e.emit(wo.ID, "workOrderCompleted", map[string]any{"settlementTxId": settlementTxID})
	return nil
}

func percentFor(schedule []domain.PayoutMilestone, key string) int {
	for _, m := range schedule {
		if m.Key == key {
			return m.Percent
		}
	}
	return 0
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mapStoreErr(err error) error {
	if err == store.ErrNotFound {
		return apperr.NotFound("work order not found")
	}
	return apperr.Storage(err)
}
