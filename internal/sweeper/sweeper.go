// Package sweeper implements DeadlineSweeper (spec §4.8): a single-threaded
// periodic tick that expires bids, auto-selects, settles past challenge
// windows, and times out patches. Grounded on the teacher CLI's graceful
// background-loop shape (cmd/wl/main.go's serveCmd ticker/shutdown pattern).
package sweeper

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"hookline/internal/apperr"
	"hookline/internal/domain"
	"hookline/internal/engine"
	"hookline/internal/store"
)

// Sweeper drives WorkOrderEngine transitions on a timer.
type Sweeper struct {
	Store    *store.Store
	Engine   *engine.Engine
	Interval time.Duration
	Logger   *slog.Logger

	running sync.Mutex // non-reentrant guard: a tick that overruns delays the next one, never overlaps it
}

func New(st *store.Store, eng *engine.Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{Store: st, Engine: eng, Interval: interval, Logger: logger}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep pass. Safe to call concurrently; a second call while
// one is in flight is a no-op.
func (s *Sweeper) Tick(ctx context.Context) {
	if !s.running.TryLock() {
		return
	}
	defer s.running.Unlock()

	orders, err := s.nonTerminalWorkOrders(ctx)
	if err != nil {
		s.Logger.Error("sweeper: list work orders failed", "error", err)
		return
	}
	now := s.Engine.Now()
	for _, wo := range orders {
		s.sweepOne(ctx, wo, now)
	}
}

func (s *Sweeper) nonTerminalWorkOrders(ctx context.Context) ([]domain.WorkOrder, error) {
	all, err := s.Store.ListWorkOrders(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []domain.WorkOrder
	for _, wo := range all {
		switch wo.Status {
		case domain.StatusCompleted, domain.StatusFailed, domain.StatusExpired:
			continue
		}
		out = append(out, wo)
	}
	return out, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, wo domain.WorkOrder, now time.Time) {
	switch wo.Status {
	case domain.StatusBidding:
		if !now.Before(wo.Deadlines.BiddingEndsAt) {
			s.sweepBiddingClosed(ctx, wo)
		}
	case domain.StatusSelected:
		if wo.Deadlines.DeliveryEndsAt != nil && now.After(*wo.Deadlines.DeliveryEndsAt) {
			s.expire(ctx, wo, "delivery_window")
		}
	case domain.StatusPassedPendingChallenge:
		if wo.Deadlines.ChallengeEndsAt != nil && now.After(*wo.Deadlines.ChallengeEndsAt) && wo.Challenge.Status != domain.ChallengePatchWindow {
			if _, err := s.Engine.EndSession(ctx, wo.ID, true); err != nil {
				s.Logger.Error("sweeper: settle failed", "workOrderId", wo.ID, "error", err)
			}
		}
	case domain.StatusChallenged:
		if wo.Deadlines.PatchEndsAt != nil && now.After(*wo.Deadlines.PatchEndsAt) {
			if _, err := s.Engine.FinalizeChallengeFailure(ctx, wo.ID); err != nil {
				s.Logger.Error("sweeper: finalize challenge failure failed", "workOrderId", wo.ID, "error", err)
			}
		}
	}
}

func (s *Sweeper) sweepBiddingClosed(ctx context.Context, wo domain.WorkOrder) {
	quotes, err := s.Store.ListQuotes(ctx, wo.ID)
	if err != nil {
		s.Logger.Error("sweeper: list quotes failed", "workOrderId", wo.ID, "error", err)
		return
	}
	if len(quotes) == 0 {
		s.expire(ctx, wo, "no_quotes")
		return
	}
	if _, err := s.Engine.AutoSelectQuote(ctx, wo.ID); err != nil {
		if e, ok := apperr.As(err); !ok || e.Kind != apperr.KindState {
			s.Logger.Error("sweeper: auto-select failed", "workOrderId", wo.ID, "error", err)
		}
	}
}

func (s *Sweeper) expire(ctx context.Context, wo domain.WorkOrder, reason string) {
	wo.Status = domain.StatusExpired
	wo.UpdatedAt = s.Engine.Now()
	if err := s.Store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.Store.UpdateWorkOrderTx(ctx, tx, wo)
	}); err != nil {
		s.Logger.Error("sweeper: expire failed", "workOrderId", wo.ID, "error", err)
		return
	}
	s.Engine.Events.Emit(domain.Event{WorkOrderID: wo.ID, Type: "workOrderExpired", CreatedAt: s.Engine.Now(), Payload: map[string]any{"reason": reason}})
}
