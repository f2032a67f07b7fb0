package server

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	golangjwt "github.com/golang-jwt/jwt/v5"

	"hookline/internal/config"
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
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL      string
	client   *http.Client
	close    func()
	domain   signature.Domain
	verifier *verifierStub
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// verifierStub mirrors the engine package's fixture so server-level tests can
// drive the same external-verifier HTTP contract without depending on the
// engine test file.
type verifierStub struct {
	verifyResp verifierclient.VerifyResponse
}

func (v *verifierStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(v.verifyResp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	sqlDB, err := db.Open(db.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(sqlDB)

	bus, err := eventbus.Open(filepath.Join(dir, "events.jsonl"), nil)
	if err != nil {
		t.Fatalf("open eventbus: %v", err)
	}

	sessions := session.New(paymentchannel.NewMock(), session.DefaultConfig())

	dom := signature.Domain{Name: "hookline-test", Version: "1", ChainID: 1, VerifyingContract: "0x00"}
	verifier := signature.New(dom)

	stub := &verifierStub{}
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

	handler, err := New(Config{
		Engine: eng,
		Store:  st,
		Events: bus,
		Config: config.Config{AssetMode: config.AssetModeMock, MilestoneSplits: 1, DemoActions: true},
		Auth:   AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		domain:   dom,
		verifier: stub,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			bus.Close()
			sqlDB.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func encodeSignatureDTO(sig signature.Signature) SignatureDTO {
	raw := elliptic.Marshal(sig.PublicKey.Curve, sig.PublicKey.X, sig.PublicKey.Y)
	return SignatureDTO{
		R:         sig.R.Text(16),
		S:         sig.S.Text(16),
		PublicKey: "0x" + hex.EncodeToString(raw),
	}
}

func operatorBearerToken(t *testing.T) string {
	t.Helper()
	claims := jwtClaims{golangjwt.RegisteredClaims{Subject: "operator"}}
	token := golangjwt.NewWithClaims(golangjwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func TestHealthAndConfigEndpoints(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/config", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("config status %d: %s", res.StatusCode, string(body))
	}
	var cfgResp ConfigResponse
	if err := json.Unmarshal(body, &cfgResp); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfgResp.AssetMode != "mock" {
		t.Fatalf("expected mock asset mode, got %q", cfgResp.AssetMode)
	}
}

func TestCreateWorkOrderAndBidFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders", CreateWorkOrderRequest{
		Title:        "wire a v4 fee hook",
		TemplateType: "v4-hook",
		Bounty:       moneyDTO{Currency: "USDC", Amount: "40.00"},
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create work order status %d: %s", createRes.StatusCode, string(createBody))
	}
	var wo WorkOrderResponse
	if err := json.Unmarshal(createBody, &wo); err != nil {
		t.Fatalf("unmarshal work order: %v", err)
	}
	if wo.Status != domain.StatusBidding {
		t.Fatalf("expected BIDDING, got %s", wo.Status)
	}

	solver, err := signature.NewSigner(srv.domain)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	validUntil := time.Now().Add(time.Hour).UTC()
	quoteMsg := signature.QuoteMessage{WorkOrderID: wo.ID, Price: "40.00", EtaMinutes: 30, ValidUntil: validUntil.Format(time.RFC3339Nano)}
	quoteSig, err := solver.SignQuote(quoteMsg)
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}

	quoteRes, quoteBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/solver/quotes", SubmitQuoteRequest{
		WorkOrderID:   wo.ID,
		SolverAddress: solver.Address(),
		Price:         "40.00",
		EtaMinutes:    30,
		ValidUntil:    validUntil,
		Signature:     encodeSignatureDTO(quoteSig),
	}, nil)
	if quoteRes.StatusCode != http.StatusCreated {
		t.Fatalf("submit quote status %d: %s", quoteRes.StatusCode, string(quoteBody))
	}

	// force-selecting before the bidding window closes requires an operator
	// bearer token; without one the demo-gated select is rejected.
	unauthorizedRes, unauthorizedBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/"+wo.ID+"/select?force=true", struct{}{}, nil)
	if unauthorizedRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized force-select, got %d: %s", unauthorizedRes.StatusCode, string(unauthorizedBody))
	}

	selectRes, selectBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/"+wo.ID+"/select?force=true", struct{}{}, map[string]string{
		"Authorization": "Bearer " + operatorBearerToken(t),
	})
	if selectRes.StatusCode != http.StatusOK {
		t.Fatalf("select status %d: %s", selectRes.StatusCode, string(selectBody))
	}
	var selected WorkOrderResponse
	if err := json.Unmarshal(selectBody, &selected); err != nil {
		t.Fatalf("unmarshal selected work order: %v", err)
	}
	if selected.Status != domain.StatusSelected {
		t.Fatalf("expected SELECTED, got %s", selected.Status)
	}
	if selected.Selection.SelectedSolverID == nil || *selected.Selection.SelectedSolverID != solver.Address() {
		t.Fatalf("expected solver selected, got %+v", selected.Selection.SelectedSolverID)
	}

	srv.verifier.verifyResp = verifierclient.VerifyResponse{
		Report:           domain.VerificationReport{Status: domain.VerificationPass},
		MilestonesPassed: []string{"M1_COMPILE_OK", "M2_TESTS_OK", "M3_DEPLOY_OK", "M4_V4_POOL_PROOF_OK", "M5_NO_CHALLENGE_OR_PATCH_OK"},
	}

	repoURL, commitSha := "https://example.com/repo", "abc123"
	artifactHash := signature.ArtifactHash(repoURL, commitSha)
	submissionMsg := signature.SubmissionMessage{WorkOrderID: wo.ID, RepoURL: repoURL, CommitSha: commitSha, ArtifactHash: artifactHash}
	submissionSig, err := solver.SignSubmission(submissionMsg)
	if err != nil {
		t.Fatalf("sign submission: %v", err)
	}

	submitRes, submitBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/"+wo.ID+"/submit", SubmitSubmissionRequest{
		SolverAddress: solver.Address(),
		Artifact:      ArtifactDTO{Kind: "git", RepoURL: repoURL, CommitSha: commitSha, ArtifactHash: artifactHash},
		Signature:     encodeSignatureDTO(submissionSig),
	}, nil)
	if submitRes.StatusCode != http.StatusOK {
		t.Fatalf("submit delivery status %d: %s", submitRes.StatusCode, string(submitBody))
	}
	var delivered WorkOrderResponse
	if err := json.Unmarshal(submitBody, &delivered); err != nil {
		t.Fatalf("unmarshal delivered work order: %v", err)
	}
	if delivered.Status != domain.StatusPassedPendingChallenge {
		t.Fatalf("expected PASSED_PENDING_CHALLENGE, got %s", delivered.Status)
	}

	endRes, endBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/"+wo.ID+"/end-session?force=true", nil, map[string]string{
		"Authorization": "Bearer " + operatorBearerToken(t),
	})
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end-session status %d: %s", endRes.StatusCode, string(endBody))
	}
	var completed WorkOrderResponse
	if err := json.Unmarshal(endBody, &completed); err != nil {
		t.Fatalf("unmarshal completed work order: %v", err)
	}
	if completed.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}

	paymentsRes, paymentsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders/"+wo.ID+"/payments", nil, nil)
	if paymentsRes.StatusCode != http.StatusOK {
		t.Fatalf("list payments status %d: %s", paymentsRes.StatusCode, string(paymentsBody))
	}
	var payments []PaymentEventResponse
	if err := json.Unmarshal(paymentsBody, &payments); err != nil {
		t.Fatalf("unmarshal payments: %v", err)
	}
	if len(payments) == 0 {
		t.Fatalf("expected at least one payment event after settlement")
	}
}

func TestGetUnknownWorkOrderReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/work-orders/does-not-exist", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
}

func TestSubmitQuoteWithForgedSignatureIsRejected(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders", CreateWorkOrderRequest{
		Title:        "wire a v4 fee hook",
		TemplateType: "v4-hook",
		Bounty:       moneyDTO{Currency: "USDC", Amount: "40.00"},
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create work order status %d: %s", createRes.StatusCode, string(createBody))
	}
	var wo WorkOrderResponse
	_ = json.Unmarshal(createBody, &wo)

	claimedSolver, err := signature.NewSigner(srv.domain)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	impostor, err := signature.NewSigner(srv.domain)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	validUntil := time.Now().Add(time.Hour).UTC()
	quoteMsg := signature.QuoteMessage{WorkOrderID: wo.ID, Price: "40.00", EtaMinutes: 30, ValidUntil: validUntil.Format(time.RFC3339Nano)}
	sig, err := impostor.SignQuote(quoteMsg)
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/solver/quotes", SubmitQuoteRequest{
		WorkOrderID:   wo.ID,
		SolverAddress: claimedSolver.Address(),
		Price:         "40.00",
		EtaMinutes:    30,
		ValidUntil:    validUntil,
		Signature:     encodeSignatureDTO(sig),
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for forged signature, got %d: %s", res.StatusCode, string(body))
	}
}

func TestListSolversReflectsReputation(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders", CreateWorkOrderRequest{
		Title:        "wire a v4 fee hook",
		TemplateType: "v4-hook",
		Bounty:       moneyDTO{Currency: "USDC", Amount: "40.00"},
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create work order status %d: %s", createRes.StatusCode, string(createBody))
	}
	var wo WorkOrderResponse
	_ = json.Unmarshal(createBody, &wo)

	solver, err := signature.NewSigner(srv.domain)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	validUntil := time.Now().Add(time.Hour).UTC()
	quoteMsg := signature.QuoteMessage{WorkOrderID: wo.ID, Price: "40.00", EtaMinutes: 30, ValidUntil: validUntil.Format(time.RFC3339Nano)}
	sig, err := solver.SignQuote(quoteMsg)
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}
	quoteRes, quoteBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/solver/quotes", SubmitQuoteRequest{
		WorkOrderID: wo.ID, SolverAddress: solver.Address(), Price: "40.00", EtaMinutes: 30,
		ValidUntil: validUntil, Signature: encodeSignatureDTO(sig),
	}, nil)
	if quoteRes.StatusCode != http.StatusCreated {
		t.Fatalf("submit quote status %d: %s", quoteRes.StatusCode, string(quoteBody))
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/solvers", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list solvers status %d: %s", res.StatusCode, string(body))
	}
	var solvers []SolverStatsResponse
	if err := json.Unmarshal(body, &solvers); err != nil {
		t.Fatalf("unmarshal solvers: %v", err)
	}
	found := false
	for _, s := range solvers {
		if s.Address == solver.Address() {
			found = true
			if s.QuotesSubmitted != 1 {
				t.Fatalf("expected 1 quote submitted, got %d", s.QuotesSubmitted)
			}
		}
	}
	if !found {
		t.Fatalf("expected solver %s in list", solver.Address())
	}
}
