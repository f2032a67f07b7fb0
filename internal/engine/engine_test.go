package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hookline/internal/apperr"
	"hookline/internal/db"
	"hookline/internal/domain"
	"hookline/internal/engine"
	"hookline/internal/eventbus"
	"hookline/internal/migrate"
	"hookline/internal/paymentchannel"
	"hookline/internal/session"
	"hookline/internal/signature"
	"hookline/internal/store"
	"hookline/internal/verifierclient"

	"log/slog"
)

// verifierStub is a controllable stand-in for the external verifier service,
// grounded on httptest's request/response fixture pattern.
type verifierStub struct {
	mu            sync.Mutex
	verifyResp    verifierclient.VerifyResponse
	verifyErr     bool
	challengeResp verifierclient.ChallengeOutcome
}

func newVerifierStub() *verifierStub { return &verifierStub{} }

func (v *verifierStub) setVerify(resp verifierclient.VerifyResponse) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verifyResp = resp
	v.verifyErr = false
}

func (v *verifierStub) setVerifyTransportError() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verifyErr = true
}

func (v *verifierStub) setChallenge(outcome verifierclient.ChallengeOutcome) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.challengeResp = outcome
}

func (v *verifierStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.verifyErr {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(v.verifyResp)
	})
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		defer v.mu.Unlock()
		_ = json.NewEncoder(w).Encode(v.challengeResp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	Engine   *engine.Engine
	Ctx      context.Context
	Domain   signature.Domain
	Verifier *verifierStub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	sqlDB, err := db.Open(db.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if err := migrate.Migrate(sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(sqlDB)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus, err := eventbus.Open(filepath.Join(dir, "events.jsonl"), logger)
	if err != nil {
		t.Fatalf("open eventbus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	sessions := session.New(paymentchannel.NewMock(), session.DefaultConfig())

	dom := signature.Domain{Name: "hookline-test", Version: "1", ChainID: 1, VerifyingContract: "0x00"}
	verifier := signature.New(dom)

	stub := newVerifierStub()
	vc := verifierclient.New(stub.server(t).URL)

	eng := engine.New(st, bus, sessions, verifier, vc, engine.Config{
		Windows: engine.Windows{
			Bidding:   time.Hour,
			Delivery:  time.Hour,
			Verify:    time.Hour,
			Challenge: time.Hour,
			Patch:     time.Hour,
		},
		MilestoneSplits: 1,
		DemoActions:     true,
	})
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	return &testEnv{Engine: eng, Ctx: context.Background(), Domain: dom, Verifier: stub}
}

func mustSigner(t *testing.T, dom signature.Domain) *signature.Signer {
	t.Helper()
	s, err := signature.NewSigner(dom)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func createWorkOrder(t *testing.T, env *testEnv, bounty string) domain.WorkOrder {
	t.Helper()
	wo, err := env.Engine.CreateWorkOrder(env.Ctx, engine.CreateInput{
		Title:        "wire a v4 fee hook",
		TemplateType: "v4-hook",
		Bounty:       domain.Money{Currency: "USDC", Amount: bounty},
	})
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	return wo
}

func submitQuote(t *testing.T, env *testEnv, woID string, signer *signature.Signer, price string, etaMinutes int) domain.Quote {
	t.Helper()
	validUntil := env.Engine.Now().Add(time.Hour)
	msg := signature.QuoteMessage{
		WorkOrderID: woID,
		Price:       price,
		EtaMinutes:  etaMinutes,
		ValidUntil:  validUntil.Format(time.RFC3339Nano),
	}
	sig, err := signer.SignQuote(msg)
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}
	q, err := env.Engine.SubmitQuote(env.Ctx, engine.SubmitQuoteInput{
		WorkOrderID:   woID,
		SolverAddress: signer.Address(),
		Price:         price,
		EtaMinutes:    etaMinutes,
		ValidUntil:    validUntil,
		Signature:     sig,
	})
	if err != nil {
		t.Fatalf("submit quote: %v", err)
	}
	return q
}

func deliver(t *testing.T, env *testEnv, woID string, signer *signature.Signer, repoURL, commitSha string) (domain.WorkOrder, error) {
	t.Helper()
	hash := signature.ArtifactHash(repoURL, commitSha)
	artifact := domain.Artifact{Kind: "git", RepoURL: repoURL, CommitSha: commitSha, ArtifactHash: hash}
	msg := signature.SubmissionMessage{WorkOrderID: woID, RepoURL: repoURL, CommitSha: commitSha, ArtifactHash: hash}
	sig, err := signer.SignSubmission(msg)
	if err != nil {
		t.Fatalf("sign submission: %v", err)
	}
	return env.Engine.SubmitSubmission(env.Ctx, engine.SubmitSubmissionInput{
		WorkOrderID:   woID,
		SolverAddress: signer.Address(),
		Artifact:      artifact,
		Signature:     sig,
	})
}

func submitChallenge(t *testing.T, env *testEnv, woID, submissionID string, signer *signature.Signer, repro map[string]any) (domain.WorkOrder, error) {
	t.Helper()
	reproHash := signature.ReproductionHash(repro)
	msg := signature.ChallengeMessage{WorkOrderID: woID, SubmissionID: submissionID, ReproductionHash: reproHash}
	sig, err := signer.SignChallenge(msg)
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	return env.Engine.SubmitChallenge(env.Ctx, engine.SubmitChallengeInput{
		WorkOrderID:       woID,
		SubmissionID:      submissionID,
		ChallengerAddress: signer.Address(),
		ReproductionSpec:  repro,
		Signature:         sig,
	})
}

func fullPassReport() verifierclient.VerifyResponse {
	return verifierclient.VerifyResponse{
		Report: domain.VerificationReport{Status: domain.VerificationPass},
		MilestonesPassed: []string{
			"M1_COMPILE_OK", "M2_TESTS_OK", "M3_DEPLOY_OK", "M4_V4_POOL_PROOF_OK", "M5_NO_CHALLENGE_OR_PATCH_OK",
		},
	}
}

func TestCreateWorkOrderDefaultsToBiddingWithDefaultSchedule(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "100.00")
	if wo.Status != domain.StatusBidding {
		t.Fatalf("expected BIDDING, got %s", wo.Status)
	}
	total := 0
	for _, m := range wo.PayoutSchedule {
		total += m.Percent
	}
	if total != 100 {
		t.Fatalf("expected payout schedule to sum to 100, got %d", total)
	}
	if wo.Deadlines.BiddingEndsAt.IsZero() {
		t.Fatalf("expected biddingEndsAt to be set")
	}
}

func TestSubmitQuoteRejectsForgedSignature(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "100.00")
	solver := mustSigner(t, env.Domain)
	impostor := mustSigner(t, env.Domain)

	validUntil := env.Engine.Now().Add(time.Hour)
	msg := signature.QuoteMessage{WorkOrderID: wo.ID, Price: "40.00", EtaMinutes: 30, ValidUntil: validUntil.Format(time.RFC3339Nano)}
	sig, err := impostor.SignQuote(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = env.Engine.SubmitQuote(env.Ctx, engine.SubmitQuoteInput{
		WorkOrderID:   wo.ID,
		SolverAddress: solver.Address(), // claims to be solver, signed by impostor
		Price:         "40.00",
		EtaMinutes:    30,
		ValidUntil:    validUntil,
		Signature:     sig,
	})
	if err == nil {
		t.Fatalf("expected signature mismatch to be rejected")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestSubmitQuoteRejectsPriceAboveBounty(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "10.00")
	solver := mustSigner(t, env.Domain)
	validUntil := env.Engine.Now().Add(time.Hour)
	msg := signature.QuoteMessage{WorkOrderID: wo.ID, Price: "20.00", EtaMinutes: 10, ValidUntil: validUntil.Format(time.RFC3339Nano)}
	sig, err := solver.SignQuote(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = env.Engine.SubmitQuote(env.Ctx, engine.SubmitQuoteInput{
		WorkOrderID: wo.ID, SolverAddress: solver.Address(), Price: "20.00", EtaMinutes: 10, ValidUntil: validUntil, Signature: sig,
	})
	if err == nil {
		t.Fatalf("expected price-above-bounty to be rejected")
	}
}

func TestSelectQuoteChoosesLowestPriceThenEta(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "100.00")
	solverA := mustSigner(t, env.Domain)
	solverB := mustSigner(t, env.Domain)
	submitQuote(t, env, wo.ID, solverA, "45.00", 30)
	submitQuote(t, env, wo.ID, solverB, "40.00", 45)

	selected, err := env.Engine.SelectQuote(env.Ctx, wo.ID, "", true)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected.Status != domain.StatusSelected {
		t.Fatalf("expected SELECTED, got %s", selected.Status)
	}
	if selected.Selection.SelectedSolverID == nil || *selected.Selection.SelectedSolverID != solverB.Address() {
		t.Fatalf("expected solverB (lower price) selected, got %+v", selected.Selection.SelectedSolverID)
	}
}

func TestDeliveryArtifactHashMismatchRejected(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "100.00")
	solver := mustSigner(t, env.Domain)
	submitQuote(t, env, wo.ID, solver, "40.00", 30)
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, "", true); err != nil {
		t.Fatalf("select: %v", err)
	}

	msg := signature.SubmissionMessage{WorkOrderID: wo.ID, RepoURL: "https://example.com/repo", CommitSha: "deadbeef", ArtifactHash: "0xbogus"}
	sig, err := solver.SignSubmission(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = env.Engine.SubmitSubmission(env.Ctx, engine.SubmitSubmissionInput{
		WorkOrderID:   wo.ID,
		SolverAddress: solver.Address(),
		Artifact:      domain.Artifact{Kind: "git", RepoURL: "https://example.com/repo", CommitSha: "deadbeef", ArtifactHash: "0xbogus"},
		Signature:     sig,
	})
	if err == nil {
		t.Fatalf("expected hash mismatch to be rejected")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindHashMismatch {
		t.Fatalf("expected hash_mismatch error, got %v", err)
	}
}

func TestHappyPathSettlesToCompleted(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "40.00")
	solver := mustSigner(t, env.Domain)
	submitQuote(t, env, wo.ID, solver, "40.00", 30)
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, "", true); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.Verifier.setVerify(fullPassReport())
	after, err := deliver(t, env, wo.ID, solver, "https://example.com/repo", "abc123")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if after.Status != domain.StatusPassedPendingChallenge {
		t.Fatalf("expected PASSED_PENDING_CHALLENGE, got %s", after.Status)
	}
	if after.Challenge.Status != domain.ChallengeOpen {
		t.Fatalf("expected challenge OPEN, got %s", after.Challenge.Status)
	}

	settled, err := env.Engine.EndSession(env.Ctx, wo.ID, true)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", settled.Status)
	}
	if settled.SettlementTxID == nil || *settled.SettlementTxID == "" {
		t.Fatalf("expected settlementTxId to be set")
	}
}

func TestVerificationTransportErrorFailsWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "40.00")
	solver := mustSigner(t, env.Domain)
	submitQuote(t, env, wo.ID, solver, "40.00", 30)
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, "", true); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.Verifier.setVerifyTransportError()
	after, err := deliver(t, env, wo.ID, solver, "https://example.com/repo", "abc123")
	if err == nil {
		t.Fatalf("expected verifier transport error to surface")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindVerifier {
		t.Fatalf("expected verifier error, got %v", err)
	}
	if after.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED after transport error, got %s", after.Status)
	}
}

func TestVerificationFailureFallsBackToNextQuote(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "100.00")
	solverA := mustSigner(t, env.Domain)
	solverB := mustSigner(t, env.Domain)
	submitQuote(t, env, wo.ID, solverA, "30.00", 10)
	submitQuote(t, env, wo.ID, solverB, "40.00", 10)

	selected, err := env.Engine.SelectQuote(env.Ctx, wo.ID, "", true)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if *selected.Selection.SelectedSolverID != solverA.Address() {
		t.Fatalf("expected solverA (cheaper) selected first")
	}

	env.Verifier.setVerify(verifierclient.VerifyResponse{Report: domain.VerificationReport{Status: domain.VerificationFail}})
	after, err := deliver(t, env, wo.ID, solverA, "https://example.com/repo", "bad-commit")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if after.Status != domain.StatusSelected {
		t.Fatalf("expected fallback reselection to SELECTED, got %s", after.Status)
	}
	if after.Selection.SelectedSolverID == nil || *after.Selection.SelectedSolverID != solverB.Address() {
		t.Fatalf("expected fallback to solverB, got %+v", after.Selection.SelectedSolverID)
	}

	env.Verifier.setVerify(fullPassReport())
	after, err = deliver(t, env, wo.ID, solverB, "https://example.com/repo", "good-commit")
	if err != nil {
		t.Fatalf("deliver by fallback solver: %v", err)
	}
	if after.Status != domain.StatusPassedPendingChallenge {
		t.Fatalf("expected PASSED_PENDING_CHALLENGE, got %s", after.Status)
	}
}

func TestVerificationFailureWithNoRemainingQuotesFails(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "40.00")
	solver := mustSigner(t, env.Domain)
	submitQuote(t, env, wo.ID, solver, "40.00", 30)
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, "", true); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.Verifier.setVerify(verifierclient.VerifyResponse{Report: domain.VerificationReport{Status: domain.VerificationFail}})
	after, err := deliver(t, env, wo.ID, solver, "https://example.com/repo", "bad-commit")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if after.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED with no remaining quotes, got %s", after.Status)
	}
}

func TestChallengeWindowClosedRejectsChallenge(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "40.00")
	solver := mustSigner(t, env.Domain)
	challenger := mustSigner(t, env.Domain)
	solverQuote := submitQuote(t, env, wo.ID, solver, "40.00", 30)
	submitQuote(t, env, wo.ID, challenger, "40.00", 30) // ensures challenger is a session participant
	// The two quotes tie on every ranking key, so the solver's is selected by id.
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, solverQuote.ID, true); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.Verifier.setVerify(fullPassReport())
	after, err := deliver(t, env, wo.ID, solver, "https://example.com/repo", "abc123")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	env.Engine.Now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) } // past the 1h challenge window

	subs, err := env.Engine.Store.ListSubmissions(env.Ctx, wo.ID)
	if err != nil || len(subs) == 0 {
		t.Fatalf("expected a submission row: %v", err)
	}
	_ = after
	_, err = submitChallenge(t, env, wo.ID, subs[0].ID, challenger, map[string]any{"seed": 1})
	if err == nil {
		t.Fatalf("expected challenge to be rejected once the window has closed")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindState {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestSuccessfulChallengeWithoutPatchWindowFailsAndPaysReward(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Windows.Patch = 0 // no patch round: a successful challenge fails the work order immediately

	wo := createWorkOrder(t, env, "40.00")
	solver := mustSigner(t, env.Domain)
	challenger := mustSigner(t, env.Domain)
	solverQuote := submitQuote(t, env, wo.ID, solver, "40.00", 30)
	submitQuote(t, env, wo.ID, challenger, "40.00", 30)
	// The two quotes tie on every ranking key, so the solver's is selected by id.
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, solverQuote.ID, true); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.Verifier.setVerify(fullPassReport())
	if _, err := deliver(t, env, wo.ID, solver, "https://example.com/repo", "abc123"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	subs, err := env.Engine.Store.ListSubmissions(env.Ctx, wo.ID)
	if err != nil || len(subs) == 0 {
		t.Fatalf("expected a submission row: %v", err)
	}

	env.Verifier.setChallenge(verifierclient.ChallengeOutcome{Outcome: "SUCCESS"})
	after, err := submitChallenge(t, env, wo.ID, subs[0].ID, challenger, map[string]any{"seed": 1})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if after.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED after successful challenge, got %s", after.Status)
	}
	if after.Challenge.Status != domain.ChallengePatchFailed {
		t.Fatalf("expected PATCH_FAILED challenge state, got %s", after.Challenge.Status)
	}

	events, err := env.Engine.Store.ListPaymentEvents(env.Ctx, wo.ID)
	if err != nil {
		t.Fatalf("list payment events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == domain.PaymentChallengeReward && ev.DestinationAddr == challenger.Address() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a challenge reward payment to the challenger")
	}
}

func TestRejectedChallengeLeavesWorkOrderOpenToSettlement(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "40.00")
	solver := mustSigner(t, env.Domain)
	challenger := mustSigner(t, env.Domain)
	solverQuote := submitQuote(t, env, wo.ID, solver, "40.00", 30)
	submitQuote(t, env, wo.ID, challenger, "40.00", 30)
	// The two quotes tie on every ranking key, so the solver's is selected by id.
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, solverQuote.ID, true); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.Verifier.setVerify(fullPassReport())
	if _, err := deliver(t, env, wo.ID, solver, "https://example.com/repo", "abc123"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	subs, err := env.Engine.Store.ListSubmissions(env.Ctx, wo.ID)
	if err != nil || len(subs) == 0 {
		t.Fatalf("expected a submission row: %v", err)
	}

	env.Verifier.setChallenge(verifierclient.ChallengeOutcome{Outcome: "REJECTED"})
	after, err := submitChallenge(t, env, wo.ID, subs[0].ID, challenger, map[string]any{"seed": 1})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if after.Status != domain.StatusPassedPendingChallenge {
		t.Fatalf("expected work order to remain PASSED_PENDING_CHALLENGE after a rejected challenge, got %s", after.Status)
	}
	if after.Challenge.Status != domain.ChallengeRejected {
		t.Fatalf("expected challenge status REJECTED, got %s", after.Challenge.Status)
	}

	settled, err := env.Engine.EndSession(env.Ctx, wo.ID, true)
	if err != nil {
		t.Fatalf("settle after rejected challenge: %v", err)
	}
	if settled.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", settled.Status)
	}
}

func TestMilestoneSplitsProduceMultiplePaymentsPerMilestone(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.MilestoneSplits = 4

	wo := createWorkOrder(t, env, "100.00")
	solver := mustSigner(t, env.Domain)
	submitQuote(t, env, wo.ID, solver, "100.00", 30)
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, "", true); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.Verifier.setVerify(fullPassReport())
	if _, err := deliver(t, env, wo.ID, solver, "https://example.com/repo", "abc123"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	events, err := env.Engine.Store.ListPaymentEvents(env.Ctx, wo.ID)
	if err != nil {
		t.Fatalf("list payment events: %v", err)
	}
	milestoneEvents := 0
	for _, ev := range events {
		if ev.Type == domain.PaymentMilestone {
			milestoneEvents++
		}
	}
	// four non-terminal milestones split four ways each = 16 payment rows.
	if milestoneEvents != 16 {
		t.Fatalf("expected 16 split milestone payment events, got %d", milestoneEvents)
	}
}

func TestSolverReputationUpdatesAfterDelivery(t *testing.T) {
	env := newTestEnv(t)
	wo := createWorkOrder(t, env, "40.00")
	solver := mustSigner(t, env.Domain)
	submitQuote(t, env, wo.ID, solver, "40.00", 30)
	if _, err := env.Engine.SelectQuote(env.Ctx, wo.ID, "", true); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.Verifier.setVerify(fullPassReport())
	if _, err := deliver(t, env, wo.ID, solver, "https://example.com/repo", "abc123"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	stats, err := env.Engine.Store.GetSolverStats(env.Ctx, solver.Address())
	if err != nil {
		t.Fatalf("get solver stats: %v", err)
	}
	if stats.QuotesSubmitted != 1 || stats.QuotesWon != 1 || stats.DeliveriesSucceeded != 1 {
		t.Fatalf("unexpected solver stats: %+v", stats)
	}
}
