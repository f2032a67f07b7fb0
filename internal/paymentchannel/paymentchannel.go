// Package paymentchannel defines the PaymentChannelAdapter capability (spec
// §4.5) and its two implementations: an in-process Mock and an external-RPC
// Real adapter.
package paymentchannel

import (
	"context"
	"fmt"
	"sync"

	"hookline/internal/domain"
	"hookline/internal/money"
)

// ErrInsufficientAllowance is returned when a transfer would debit
// participants[0] below zero.
var ErrInsufficientAllowance = fmt.Errorf("paymentchannel: insufficient allowance")

// TransferResult is the outcome of a transfer call.
type TransferResult struct {
	TransferID string
	State      domain.SessionHandle
}

// CloseResult is the outcome of closing a session.
type CloseResult struct {
	SettlementTxID string
}

// Adapter abstracts session creation, per-transfer state submission, and
// close, so the engine depends only on the contract and not on which
// payment rail backs it.
type Adapter interface {
	CreateSession(ctx context.Context, workOrderID string, allowanceTotal string, requester string, solvers []string) (domain.SessionHandle, error)
	Transfer(ctx context.Context, workOrderID string, event domain.PaymentEvent, state domain.SessionHandle) (TransferResult, error)
	CloseSession(ctx context.Context, workOrderID string, state domain.SessionHandle) (CloseResult, error)
}

// Mock is a pure in-memory adapter that constructs synthetic ids. It is the
// default ASSET_MODE=mock implementation and the one exercised by engine
// tests.
type Mock struct {
	mu        sync.Mutex
	sessions  map[string]int // workOrderID -> synthetic session counter
	transfers map[string]bool // workOrderID|eventID already applied, for idempotency
	seq       int
}

func NewMock() *Mock {
	return &Mock{
		sessions:  make(map[string]int),
		transfers: make(map[string]bool),
	}
}

func (m *Mock) CreateSession(_ context.Context, workOrderID string, allowanceTotal string, requester string, solvers []string) (domain.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	sessionID := fmt.Sprintf("mock-session-%d", m.seq)
	participants := append([]string{requester}, solvers...)
	allocations := make([]domain.Allocation, 0, len(participants))
	total, err := money.Parse(allowanceTotal)
	if err != nil {
		return domain.SessionHandle{}, fmt.Errorf("paymentchannel: parse allowance: %w", err)
	}
	allocations = append(allocations, domain.Allocation{Participant: requester, Amount: total.String()})
	for _, s := range solvers {
		allocations = append(allocations, domain.Allocation{Participant: s, Amount: money.Zero().String()})
	}

	return domain.SessionHandle{
		SessionID:      &sessionID,
		AllowanceTotal: allowanceTotal,
		Participants:   participants,
		Allocations:    allocations,
		SessionVersion: 0,
	}, nil
}

func (m *Mock) Transfer(_ context.Context, workOrderID string, event domain.PaymentEvent, state domain.SessionHandle) (TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workOrderID + "|" + event.ID
	if m.transfers[key] {
		// idempotent replay: return current state unchanged, synthetic id derived from the event id
		return TransferResult{TransferID: "mock-transfer-" + event.ID, State: state}, nil
	}

	amount, err := money.Parse(event.Amount)
	if err != nil {
		return TransferResult{}, fmt.Errorf("paymentchannel: parse amount: %w", err)
	}

	newAllocations := make([]domain.Allocation, len(state.Allocations))
	copy(newAllocations, state.Allocations)

	if len(newAllocations) == 0 {
		return TransferResult{}, fmt.Errorf("paymentchannel: session has no participants")
	}
	requesterAmt, err := money.Parse(newAllocations[0].Amount)
	if err != nil {
		return TransferResult{}, fmt.Errorf("paymentchannel: parse requester balance: %w", err)
	}
	remaining := requesterAmt.Sub(amount)
	if remaining.IsNeg() {
		return TransferResult{}, ErrInsufficientAllowance
	}
	newAllocations[0].Amount = remaining.String()

	destIdx := -1
	for i, a := range newAllocations {
		if a.Participant == event.DestinationAddr {
			destIdx = i
			break
		}
	}
	if destIdx == -1 {
		newAllocations = append(newAllocations, domain.Allocation{Participant: event.DestinationAddr, Amount: amount.String()})
	} else {
		cur, err := money.Parse(newAllocations[destIdx].Amount)
		if err != nil {
			return TransferResult{}, fmt.Errorf("paymentchannel: parse destination balance: %w", err)
		}
		newAllocations[destIdx].Amount = cur.Add(amount).String()
	}

	newState := state
	newState.Allocations = newAllocations
	newState.SessionVersion = state.SessionVersion + 1

	m.transfers[key] = true
	transferID := "mock-transfer-" + event.ID
	return TransferResult{TransferID: transferID, State: newState}, nil
}

func (m *Mock) CloseSession(_ context.Context, workOrderID string, state domain.SessionHandle) (CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return CloseResult{SettlementTxID: fmt.Sprintf("mock-settlement-%d", m.seq)}, nil
}
