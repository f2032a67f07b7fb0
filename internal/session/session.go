// Package session implements SessionManager (spec §4.6): the sole writer of
// a work order's payment-channel session state.
package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"hookline/internal/apperr"
	"hookline/internal/domain"
	"hookline/internal/money"
	"hookline/internal/paymentchannel"
)

// QuoteRewardAmount is the fixed per-solver reward paid when a session is
// created, matching the engine's allowanceTotal computation.
var QuoteRewardAmount = money.MustParse("0.01")

// Config fixes the session participant cap.
type Config struct {
	MaxQuoteRewards int // default 20
}

func DefaultConfig() Config { return Config{MaxQuoteRewards: 20} }

// Manager owns per-work-order session lifecycle. It is stateless itself;
// all session state lives on the WorkOrder persisted by the caller.
type Manager struct {
	Adapter paymentchannel.Adapter
	Config  Config
}

func New(adapter paymentchannel.Adapter, cfg Config) *Manager {
	if cfg.MaxQuoteRewards <= 0 {
		cfg.MaxQuoteRewards = 20
	}
	return &Manager{Adapter: adapter, Config: cfg}
}

// EnsureSession creates the session on first call and returns the existing
// state idempotently thereafter. Selects up to MaxQuoteRewards distinct
// solver addresses from oldest-first quotes.
func (m *Manager) EnsureSession(ctx context.Context, wo *domain.WorkOrder, quotes []domain.Quote) (domain.SessionHandle, error) {
	if wo.Session.SessionID != nil {
		return wo.Session, nil
	}

	sorted := make([]domain.Quote, len(quotes))
	copy(sorted, quotes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	seen := make(map[string]bool)
	var solvers []string
	for _, q := range sorted {
		addr := q.SolverAddress
		if seen[addr] {
			continue
		}
		if len(solvers) >= m.Config.MaxQuoteRewards {
			break
		}
		seen[addr] = true
		solvers = append(solvers, addr)
	}

	bounty, err := money.Parse(wo.Bounty.Amount)
	if err != nil {
		return domain.SessionHandle{}, apperr.Validation("invalid bounty amount %q", wo.Bounty.Amount)
	}
	reward := QuoteRewardAmount
	for range solvers {
		bounty = bounty.Add(reward)
	}
	allowanceTotal := bounty.String()

	requester := "requester"
	if wo.RequesterAddress != nil && *wo.RequesterAddress != "" {
		requester = *wo.RequesterAddress
	}

	state, err := m.Adapter.CreateSession(ctx, wo.ID, allowanceTotal, requester, solvers)
	if err != nil {
		return domain.SessionHandle{}, apperr.Adapter(err)
	}
	if state.AllowanceTotal == "" {
		state.AllowanceTotal = allowanceTotal
	}
	wo.Session = state
	return wo.Session, nil
}

// EnsureQuoteRewardsPaid pays a QUOTE_REWARD to every session participant
// solver not already paid, returning the PaymentEvents issued.
func (m *Manager) EnsureQuoteRewardsPaid(ctx context.Context, wo *domain.WorkOrder, alreadyPaid map[string]bool) ([]domain.PaymentEvent, error) {
	var issued []domain.PaymentEvent
	if len(wo.Session.Participants) == 0 {
		return issued, nil
	}
	requester := wo.Session.Participants[0]
	for _, addr := range wo.Session.Participants {
		if addr == requester {
			continue
		}
		if alreadyPaid[addr] {
			continue
		}
		ev := domain.PaymentEvent{
			ID:              uuid.NewString(),
			WorkOrderID:     wo.ID,
			Type:            domain.PaymentQuoteReward,
			DestinationAddr: addr,
			Amount:          QuoteRewardAmount.String(),
		}
		paid, err := m.RecordPayment(ctx, wo, ev)
		if err != nil {
			return issued, err
		}
		issued = append(issued, paid)
	}
	return issued, nil
}

// RecordPayment wraps adapter.Transfer, updating wo.Session in place and
// returning the finalized PaymentEvent (with TransferID populated and
// CreatedAt stamped by the caller before persistence).
func (m *Manager) RecordPayment(ctx context.Context, wo *domain.WorkOrder, ev domain.PaymentEvent) (domain.PaymentEvent, error) {
	result, err := m.Adapter.Transfer(ctx, wo.ID, ev, wo.Session)
	if err != nil {
		if err == paymentchannel.ErrInsufficientAllowance {
			return ev, apperr.InsufficientAllowance("payment of %s to %s would exceed session allowance", ev.Amount, ev.DestinationAddr)
		}
		return ev, apperr.Adapter(err)
	}
	wo.Session = result.State
	ev.TransferID = result.TransferID
	return ev, nil
}

// CloseSession closes the adapter session and returns the settlement tx id.
func (m *Manager) CloseSession(ctx context.Context, wo *domain.WorkOrder) (string, error) {
	result, err := m.Adapter.CloseSession(ctx, wo.ID, wo.Session)
	if err != nil {
		return "", apperr.Adapter(err)
	}
	return result.SettlementTxID, nil
}

// AllocationSum returns the sum of every participant's allocation, the total
// that transfers between participants leave unchanged.
func AllocationSum(state domain.SessionHandle) (money.Units, error) {
	total := money.Zero()
	for _, a := range state.Allocations {
		u, err := money.Parse(a.Amount)
		if err != nil {
			return money.Zero(), fmt.Errorf("session: parse allocation: %w", err)
		}
		total = total.Add(u)
	}
	return total, nil
}
