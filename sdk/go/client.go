// Package hooklinesdk is a minimal Go client for the Hookline work-order
// marketplace HTTP API, adapted from the teacher SDK's single-file
// Client/do()/APIError shape (sdk/go/client.go), retargeted from
// project/task/attestation resources to work-order/quote/submission
// resources. It deliberately redeclares its own request/response structs
// instead of importing internal/server's DTOs, so a module outside this
// repository can still depend on it without reaching into an internal
// package.
package hooklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Hookline marketplace HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Money mirrors the wire moneyDTO: a currency code plus a decimal string.
type Money struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// Signature mirrors the wire SignatureDTO: hex-encoded R/S plus the
// uncompressed public key of the signer.
type Signature struct {
	R         string `json:"r"`
	S         string `json:"s"`
	PublicKey string `json:"publicKey"`
}

// Artifact mirrors the wire ArtifactDTO.
type Artifact struct {
	Kind         string `json:"kind"`
	RepoURL      string `json:"repoUrl"`
	CommitSha    string `json:"commitSha"`
	ArtifactHash string `json:"artifactHash"`
}

// PayoutMilestone mirrors the wire payoutMilestoneDTO.
type PayoutMilestone struct {
	Key     string `json:"key"`
	Percent int    `json:"percent"`
}

// WorkOrder represents the API work-order resource (partial: callers that
// need the full deadlines/session/challenge sub-objects should decode the
// response body themselves).
type WorkOrder struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	TemplateType     string            `json:"templateType"`
	Bounty           Money             `json:"bounty"`
	RequesterAddress *string           `json:"requesterAddress,omitempty"`
	Status           string            `json:"status"`
	PayoutSchedule   []PayoutMilestone `json:"payoutSchedule"`
	SettlementTxID   *string           `json:"settlementTxId,omitempty"`
}

// Quote represents the API quote resource.
type Quote struct {
	ID            string    `json:"id"`
	WorkOrderID   string    `json:"workOrderId"`
	SolverAddress string    `json:"solverAddress"`
	Price         string    `json:"price"`
	EtaMinutes    int       `json:"etaMinutes"`
	ValidUntil    time.Time `json:"validUntil"`
}

// SolverStats represents the API solver track-record resource.
type SolverStats struct {
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

// PaymentEvent represents the API payment-ledger resource.
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

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkOrder posts a new work order for bidding.
func (c *Client) CreateWorkOrder(ctx context.Context, title, templateType string, bounty Money, requesterAddress *string) (WorkOrder, error) {
	body := map[string]any{
		"title":            title,
		"templateType":     templateType,
		"bounty":           bounty,
		"requesterAddress": requesterAddress,
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders", body, &resp)
	return resp, err
}

// GetWorkOrder fetches a work order by id.
func (c *Client) GetWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, "work-orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListWorkOrders lists work orders, optionally filtered by status.
func (c *Client) ListWorkOrders(ctx context.Context, status string) ([]WorkOrder, error) {
	endpoint := "work-orders"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []WorkOrder
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitQuote places a signed bid on an open work order.
func (c *Client) SubmitQuote(ctx context.Context, workOrderID, solverAddress, price string, etaMinutes int, validUntil time.Time, sig Signature) (Quote, error) {
	body := map[string]any{
		"workOrderId":   workOrderID,
		"solverAddress": solverAddress,
		"price":         price,
		"etaMinutes":    etaMinutes,
		"validUntil":    validUntil,
		"signature":     sig,
	}
	var resp Quote
	err := c.do(ctx, http.MethodPost, "solver/quotes", body, &resp)
	return resp, err
}

// SelectQuote selects the winning quote (or, with force, auto-selects
// before the bidding window closes; force requires an operator bearer
// token and is rejected unless the server has demo actions enabled).
func (c *Client) SelectQuote(ctx context.Context, workOrderID, quoteID string, force bool) (WorkOrder, error) {
	endpoint := "work-orders/" + url.PathEscape(workOrderID) + "/select"
	if force {
		endpoint += "?force=true"
	}
	body := map[string]any{"quoteId": quoteID}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitDelivery submits a signed delivery artifact for verification.
func (c *Client) SubmitDelivery(ctx context.Context, workOrderID, solverAddress string, artifact Artifact, sig Signature) (WorkOrder, error) {
	body := map[string]any{
		"solverAddress": solverAddress,
		"artifact":      artifact,
		"signature":     sig,
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(workOrderID)+"/submit", body, &resp)
	return resp, err
}

// SubmitChallenge disputes a submission within the challenge window.
func (c *Client) SubmitChallenge(ctx context.Context, workOrderID, submissionID, challengerAddress string, reproductionSpec map[string]any, sig Signature) (WorkOrder, error) {
	body := map[string]any{
		"workOrderId":       workOrderID,
		"submissionId":      submissionID,
		"challengerAddress": challengerAddress,
		"reproductionSpec":  reproductionSpec,
		"signature":         sig,
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "challenger/challenges", body, &resp)
	return resp, err
}

// EndSession settles the remaining holdback and closes the payment-channel
// session; force requires an operator bearer token.
func (c *Client) EndSession(ctx context.Context, workOrderID string, force bool) (WorkOrder, error) {
	endpoint := "work-orders/" + url.PathEscape(workOrderID) + "/end-session"
	if force {
		endpoint += "?force=true"
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListPayments lists the payment ledger for a work order.
func (c *Client) ListPayments(ctx context.Context, workOrderID string) ([]PaymentEvent, error) {
	var resp []PaymentEvent
	err := c.do(ctx, http.MethodGet, "work-orders/"+url.PathEscape(workOrderID)+"/payments", nil, &resp)
	return resp, err
}

// ListSolvers lists every recorded solver's track record and reputation score.
func (c *Client) ListSolvers(ctx context.Context) ([]SolverStats, error) {
	var resp []SolverStats
	err := c.do(ctx, http.MethodGet, "solvers", nil, &resp)
	return resp, err
}

// GetSolver fetches a single solver's track record and reputation score.
func (c *Client) GetSolver(ctx context.Context, address string) (SolverStats, error) {
	var resp SolverStats
	err := c.do(ctx, http.MethodGet, "solvers/"+url.PathEscape(address), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
