// Package verifierclient is the HTTP client for the external, out-of-scope
// verifier (spec §6): POST /verify and POST /challenge. The engine treats
// both responses as opaque. Grounded on the teacher SDK's `do` request
// helper (sdk/go/client.go) and the webhook dispatcher's explicit-header,
// checked-status-code request shape (internal/server/webhooks.go).
package verifierclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hookline/internal/domain"
)

// VerifyRequest is POSTed to /verify.
type VerifyRequest struct {
	WorkOrder  domain.WorkOrder  `json:"workOrder"`
	Submission domain.Submission `json:"submission"`
}

// VerifyResponse is the verifier's synchronous reply.
type VerifyResponse struct {
	Report          domain.VerificationReport `json:"report"`
	MilestonesPassed []string                 `json:"milestonesPassed"`
}

// ChallengeRequest is POSTed to /challenge.
type ChallengeRequest struct {
	WorkOrder   domain.WorkOrder  `json:"workOrder"`
	Submission  domain.Submission `json:"submission"`
	Challenge   ChallengePayload  `json:"challenge"`
}

// ChallengePayload is the signed dispute forwarded to the verifier.
type ChallengePayload struct {
	ID                string `json:"id"`
	SubmissionID      string `json:"submissionId"`
	ChallengerAddress string `json:"challengerAddress"`
	ReproductionHash  string `json:"reproductionHash"`
	ReproductionSpec  map[string]any `json:"reproductionSpec"`
	Signature         string `json:"signature"`
}

// ChallengeOutcome is the verifier's reply to a challenge submission.
type ChallengeOutcome struct {
	Outcome string `json:"outcome"` // SUCCESS | REJECTED
}

// Client is a minimal typed HTTP client against the external verifier,
// mirroring sdk/go.Client's BaseURL/HTTPClient/Timeout/do shape.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 30 * time.Second}
}

// TransportError wraps a network-level failure (as opposed to a non-2xx
// response), which the engine treats as a VerifierError per §7.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("verifierclient: transport: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// APIError wraps a non-2xx verifier response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("verifierclient: status=%d body=%s", e.StatusCode, e.Body)
}

// Verify calls POST /verify.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	var resp VerifyResponse
	err := c.do(ctx, http.MethodPost, "/verify", req, &resp)
	return resp, err
}

// Challenge calls POST /challenge.
func (c *Client) Challenge(ctx context.Context, req ChallengeRequest) (ChallengeOutcome, error) {
	var resp ChallengeOutcome
	err := c.do(ctx, http.MethodPost, "/challenge", req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("verifierclient: encode request: %w", err)
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return &TransportError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hookline-Request", "true")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("verifierclient: decode response: %w", err)
		}
	}
	return nil
}
