package paymentchannel

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

// RealConfig configures the external-RPC adapter: the session service's base
// URL and the credential used to authenticate state submissions.
type RealConfig struct {
	BaseURL    string
	PrivateKey string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Real authenticates with an external session service over HTTP, sending the
// configured key as a bearer credential on every request; it does not sign
// state submissions itself. Grounded on the teacher SDK's
// minimal typed client (sdk/go/client.go): a single `do` request helper and
// an APIError envelope, with the teacher webhook dispatcher's single-retry
// posture applied to transient transport failures.
type Real struct {
	cfg RealConfig
}

func NewReal(cfg RealConfig) *Real {
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Real{cfg: cfg}
}

// APIError wraps a non-2xx response from the external session service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paymentchannel: session service error: status=%d body=%s", e.StatusCode, e.Body)
}

func (r *Real) CreateSession(ctx context.Context, workOrderID string, allowanceTotal string, requester string, solvers []string) (domain.SessionHandle, error) {
	var resp domain.SessionHandle
	body := map[string]any{
		"workOrderId":    workOrderID,
		"allowanceTotal": allowanceTotal,
		"requester":      requester,
		"solvers":        solvers,
	}
	err := r.doWithRetry(ctx, http.MethodPost, "/sessions", body, &resp)
	return resp, err
}

func (r *Real) Transfer(ctx context.Context, workOrderID string, event domain.PaymentEvent, state domain.SessionHandle) (TransferResult, error) {
	var resp TransferResult
	body := map[string]any{
		"workOrderId": workOrderID,
		"event":       event,
		"state":       state,
	}
	err := r.doWithRetry(ctx, http.MethodPost, "/sessions/"+safeSegment(workOrderID)+"/transfers", body, &resp)
	return resp, err
}

func (r *Real) CloseSession(ctx context.Context, workOrderID string, state domain.SessionHandle) (CloseResult, error) {
	var resp CloseResult
	body := map[string]any{
		"workOrderId": workOrderID,
		"state":       state,
	}
	err := r.doWithRetry(ctx, http.MethodPost, "/sessions/"+safeSegment(workOrderID)+"/close", body, &resp)
	return resp, err
}

// doWithRetry performs the request, retrying exactly once on a transport
// (non-HTTP-status) error, per spec §5's "retried at most once per engine
// call" adapter contract.
func (r *Real) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	err := r.do(ctx, method, path, body, out)
	if err != nil && !isAPIError(err) {
		err = r.do(ctx, method, path, body, out)
	}
	return err
}

func isAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

func (r *Real) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("paymentchannel: encode request: %w", err)
		}
	}
	url := strings.TrimRight(r.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return fmt.Errorf("paymentchannel: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.PrivateKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.PrivateKey)
	}

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("paymentchannel: transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("paymentchannel: decode response: %w", err)
		}
	}
	return nil
}

func safeSegment(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}
