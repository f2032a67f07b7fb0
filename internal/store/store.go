// Package store provides the durable typed operations backing the engine
// (spec §4.1), grounded on the teacher repo's Repo type and its cursor
// pagination / nullable-scan conventions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hookline/internal/domain"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the sqlite handle with typed CRUD for every persisted entity.
type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func scanNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalJSON[T any](raw sql.NullString, out *T) {
	if !raw.Valid || raw.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw.String), out)
}

// ---- WorkOrder ----

func (s *Store) InsertWorkOrder(ctx context.Context, wo domain.WorkOrder) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertWorkOrderTx(ctx, tx, wo)
	})
}

func (s *Store) insertWorkOrderTx(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(
		id, created_at, title, template_type, params_json, bounty_currency, bounty_amount,
		requester_address, status, bidding_ends_at, delivery_ends_at, verify_ends_at,
		challenge_ends_at, patch_ends_at, selected_quote_id, selected_solver_id, selected_at,
		attempted_quote_ids_json, challenge_status, challenge_id, challenger_address,
		pending_reward_amount, session_id, asset_address, allowance_total,
		session_participants_json, session_allocations_json, session_version,
		payout_schedule_json, verification_report_id, settlement_tx_id, updated_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wo.ID, formatTime(wo.CreatedAt), wo.Title, wo.TemplateType, marshalJSON(wo.Params),
		wo.Bounty.Currency, wo.Bounty.Amount, nullableString(wo.RequesterAddress), wo.Status,
		formatTime(wo.Deadlines.BiddingEndsAt), nullableTime(wo.Deadlines.DeliveryEndsAt),
		nullableTime(wo.Deadlines.VerifyEndsAt), nullableTime(wo.Deadlines.ChallengeEndsAt),
		nullableTime(wo.Deadlines.PatchEndsAt), nullableString(wo.Selection.SelectedQuoteID),
		nullableString(wo.Selection.SelectedSolverID), nullableTime(wo.Selection.SelectedAt),
		marshalJSON(wo.Selection.AttemptedQuoteIDs), wo.Challenge.Status,
		nullableString(wo.Challenge.ChallengeID), nullableString(wo.Challenge.ChallengerAddress),
		nullableString(wo.Challenge.PendingRewardAmount), nullableString(wo.Session.SessionID),
		wo.Session.AssetAddress, wo.Session.AllowanceTotal, marshalJSON(wo.Session.Participants),
		marshalJSON(wo.Session.Allocations), wo.Session.SessionVersion,
		marshalJSON(wo.PayoutSchedule), nullableString(wo.VerificationReportID),
		nullableString(wo.SettlementTxID), formatTime(wo.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert work order: %w", err)
	}
	return nil
}

// UpdateWorkOrder replaces the whole row by id, matching the teacher's
// whole-row-replace update discipline.
func (s *Store) UpdateWorkOrder(ctx context.Context, wo domain.WorkOrder) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateWorkOrderTx(ctx, tx, wo)
	})
}

func (s *Store) updateWorkOrderTx(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET
		title=?, template_type=?, params_json=?, bounty_currency=?, bounty_amount=?,
		requester_address=?, status=?, bidding_ends_at=?, delivery_ends_at=?, verify_ends_at=?,
		challenge_ends_at=?, patch_ends_at=?, selected_quote_id=?, selected_solver_id=?,
		selected_at=?, attempted_quote_ids_json=?, challenge_status=?, challenge_id=?,
		challenger_address=?, pending_reward_amount=?, session_id=?, asset_address=?,
		allowance_total=?, session_participants_json=?, session_allocations_json=?,
		session_version=?, payout_schedule_json=?, verification_report_id=?, settlement_tx_id=?,
		updated_at=?
		WHERE id=?`,
		wo.Title, wo.TemplateType, marshalJSON(wo.Params), wo.Bounty.Currency, wo.Bounty.Amount,
		nullableString(wo.RequesterAddress), wo.Status, formatTime(wo.Deadlines.BiddingEndsAt),
		nullableTime(wo.Deadlines.DeliveryEndsAt), nullableTime(wo.Deadlines.VerifyEndsAt),
		nullableTime(wo.Deadlines.ChallengeEndsAt), nullableTime(wo.Deadlines.PatchEndsAt),
		nullableString(wo.Selection.SelectedQuoteID), nullableString(wo.Selection.SelectedSolverID),
		nullableTime(wo.Selection.SelectedAt), marshalJSON(wo.Selection.AttemptedQuoteIDs),
		wo.Challenge.Status, nullableString(wo.Challenge.ChallengeID),
		nullableString(wo.Challenge.ChallengerAddress), nullableString(wo.Challenge.PendingRewardAmount),
		nullableString(wo.Session.SessionID), wo.Session.AssetAddress, wo.Session.AllowanceTotal,
		marshalJSON(wo.Session.Participants), marshalJSON(wo.Session.Allocations),
		wo.Session.SessionVersion, marshalJSON(wo.PayoutSchedule),
		nullableString(wo.VerificationReportID), nullableString(wo.SettlementTxID),
		formatTime(wo.UpdatedAt), wo.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update work order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return s.getWorkOrderTx(ctx, s.DB, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getWorkOrderTx(ctx context.Context, q queryRower, id string) (domain.WorkOrder, error) {
	row := q.QueryRowContext(ctx, `SELECT
		id, created_at, title, template_type, params_json, bounty_currency, bounty_amount,
		requester_address, status, bidding_ends_at, delivery_ends_at, verify_ends_at,
		challenge_ends_at, patch_ends_at, selected_quote_id, selected_solver_id, selected_at,
		attempted_quote_ids_json, challenge_status, challenge_id, challenger_address,
		pending_reward_amount, session_id, asset_address, allowance_total,
		session_participants_json, session_allocations_json, session_version,
		payout_schedule_json, verification_report_id, settlement_tx_id, updated_at
		FROM work_orders WHERE id=?`, id)
	return scanWorkOrder(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var createdAt, biddingEndsAt, updatedAt string
	var paramsJSON, requesterAddress, deliveryEndsAt, verifyEndsAt, challengeEndsAt, patchEndsAt sql.NullString
	var selectedQuoteID, selectedSolverID, selectedAt, attemptedJSON sql.NullString
	var challengeID, challengerAddress, pendingRewardAmount sql.NullString
	var sessionID, assetAddress, allowanceTotal, participantsJSON, allocationsJSON sql.NullString
	var payoutJSON sql.NullString
	var verificationReportID, settlementTxID sql.NullString

	err := row.Scan(
		&wo.ID, &createdAt, &wo.Title, &wo.TemplateType, &paramsJSON, &wo.Bounty.Currency, &wo.Bounty.Amount,
		&requesterAddress, &wo.Status, &biddingEndsAt, &deliveryEndsAt, &verifyEndsAt,
		&challengeEndsAt, &patchEndsAt, &selectedQuoteID, &selectedSolverID, &selectedAt,
		&attemptedJSON, &wo.Challenge.Status, &challengeID, &challengerAddress,
		&pendingRewardAmount, &sessionID, &assetAddress, &allowanceTotal,
		&participantsJSON, &allocationsJSON, &wo.Session.SessionVersion,
		&payoutJSON, &verificationReportID, &settlementTxID, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return wo, ErrNotFound
	}
	if err != nil {
		return wo, fmt.Errorf("store: scan work order: %w", err)
	}

	wo.CreatedAt = parseTime(createdAt)
	wo.UpdatedAt = parseTime(updatedAt)
	wo.Deadlines.BiddingEndsAt = parseTime(biddingEndsAt)
	wo.Deadlines.DeliveryEndsAt = scanNullTime(deliveryEndsAt)
	wo.Deadlines.VerifyEndsAt = scanNullTime(verifyEndsAt)
	wo.Deadlines.ChallengeEndsAt = scanNullTime(challengeEndsAt)
	wo.Deadlines.PatchEndsAt = scanNullTime(patchEndsAt)
	wo.RequesterAddress = scanNullString(requesterAddress)
	wo.Selection.SelectedQuoteID = scanNullString(selectedQuoteID)
	wo.Selection.SelectedSolverID = scanNullString(selectedSolverID)
	wo.Selection.SelectedAt = scanNullTime(selectedAt)
	wo.Challenge.ChallengeID = scanNullString(challengeID)
	wo.Challenge.ChallengerAddress = scanNullString(challengerAddress)
	wo.Challenge.PendingRewardAmount = scanNullString(pendingRewardAmount)
	wo.Session.SessionID = scanNullString(sessionID)
	if assetAddress.Valid {
		wo.Session.AssetAddress = assetAddress.String
	}
	if allowanceTotal.Valid {
		wo.Session.AllowanceTotal = allowanceTotal.String
	}
	unmarshalJSON(paramsJSON, &wo.Params)
	unmarshalJSON(attemptedJSON, &wo.Selection.AttemptedQuoteIDs)
	unmarshalJSON(participantsJSON, &wo.Session.Participants)
	unmarshalJSON(allocationsJSON, &wo.Session.Allocations)
	unmarshalJSON(payoutJSON, &wo.PayoutSchedule)
	if wo.Selection.AttemptedQuoteIDs == nil {
		wo.Selection.AttemptedQuoteIDs = []string{}
	}
	return wo, nil
}

// ListWorkOrders returns work orders newest-first, optionally filtered by
// status.
func (s *Store) ListWorkOrders(ctx context.Context, status string) ([]domain.WorkOrder, error) {
	query := `SELECT
		id, created_at, title, template_type, params_json, bounty_currency, bounty_amount,
		requester_address, status, bidding_ends_at, delivery_ends_at, verify_ends_at,
		challenge_ends_at, patch_ends_at, selected_quote_id, selected_solver_id, selected_at,
		attempted_quote_ids_json, challenge_status, challenge_id, challenger_address,
		pending_reward_amount, session_id, asset_address, allowance_total,
		session_participants_json, session_allocations_json, session_version,
		payout_schedule_json, verification_report_id, settlement_tx_id, updated_at
		FROM work_orders`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list work orders: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wo)
	}
	return out, rows.Err()
}

// ---- Quote ----

func (s *Store) InsertQuote(ctx context.Context, q domain.Quote) error {
	return s.withTx(ctx, func(tx *sql.Tx) error { return s.insertQuoteTx(ctx, tx, q) })
}

func (s *Store) insertQuoteTx(ctx context.Context, tx *sql.Tx, q domain.Quote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO quotes(id, work_order_id, solver_address, price, eta_minutes, valid_until, signature, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		q.ID, q.WorkOrderID, q.SolverAddress, q.Price, q.EtaMinutes, formatTime(q.ValidUntil), q.Signature, formatTime(q.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert quote: %w", err)
	}
	return nil
}

// ListQuotes returns quotes for a work order, oldest-first.
func (s *Store) ListQuotes(ctx context.Context, workOrderID string) ([]domain.Quote, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, work_order_id, solver_address, price, eta_minutes, valid_until, signature, created_at
		FROM quotes WHERE work_order_id=? ORDER BY created_at ASC, id ASC`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("store: list quotes: %w", err)
	}
	defer rows.Close()

	var out []domain.Quote
	for rows.Next() {
		var q domain.Quote
		var validUntil, createdAt string
		if err := rows.Scan(&q.ID, &q.WorkOrderID, &q.SolverAddress, &q.Price, &q.EtaMinutes, &validUntil, &q.Signature, &createdAt); err != nil {
			return nil, err
		}
		q.ValidUntil = parseTime(validUntil)
		q.CreatedAt = parseTime(createdAt)
		out = append(out, q)
	}
	return out, rows.Err()
}

// ---- Submission ----

func (s *Store) InsertSubmission(ctx context.Context, sub domain.Submission) error {
	return s.withTx(ctx, func(tx *sql.Tx) error { return s.insertSubmissionTx(ctx, tx, sub) })
}

func (s *Store) insertSubmissionTx(ctx context.Context, tx *sql.Tx, sub domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(id, work_order_id, solver_address, artifact_kind, repo_url, commit_sha, artifact_hash, signature, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		sub.ID, sub.WorkOrderID, sub.SolverAddress, sub.Artifact.Kind, sub.Artifact.RepoURL,
		sub.Artifact.CommitSha, sub.Artifact.ArtifactHash, sub.Signature, formatTime(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert submission: %w", err)
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, work_order_id, solver_address, artifact_kind, repo_url, commit_sha, artifact_hash, signature, created_at
		FROM submissions WHERE id=?`, id)
	return scanSubmission(row)
}

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var sub domain.Submission
	var createdAt string
	err := row.Scan(&sub.ID, &sub.WorkOrderID, &sub.SolverAddress, &sub.Artifact.Kind,
		&sub.Artifact.RepoURL, &sub.Artifact.CommitSha, &sub.Artifact.ArtifactHash, &sub.Signature, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	if err != nil {
		return sub, fmt.Errorf("store: scan submission: %w", err)
	}
	sub.CreatedAt = parseTime(createdAt)
	return sub, nil
}

// ListSubmissions returns submissions for a work order, oldest-first.
func (s *Store) ListSubmissions(ctx context.Context, workOrderID string) ([]domain.Submission, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, work_order_id, solver_address, artifact_kind, repo_url, commit_sha, artifact_hash, signature, created_at
		FROM submissions WHERE work_order_id=? ORDER BY created_at ASC, id ASC`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("store: list submissions: %w", err)
	}
	defer rows.Close()

	var out []domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ---- VerificationReport ----
// Grounded on the teacher's Validation CRUD (internal/repo/validations.go),
// retargeted from task validations to submission verification reports.

func (s *Store) InsertVerificationReport(ctx context.Context, r domain.VerificationReport) error {
	return s.withTx(ctx, func(tx *sql.Tx) error { return s.insertVerificationReportTx(ctx, tx, r) })
}

func (s *Store) insertVerificationReportTx(ctx context.Context, tx *sql.Tx, r domain.VerificationReport) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO verification_reports(id, submission_id, status, logs, proof_json, metrics_json, artifact_hash, produced_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.SubmissionID, r.Status, r.Logs, marshalJSON(r.Proof), marshalJSON(r.Metrics), r.ArtifactHash, formatTime(r.ProducedAt))
	if err != nil {
		return fmt.Errorf("store: insert verification report: %w", err)
	}
	return nil
}

func (s *Store) GetVerificationReport(ctx context.Context, id string) (domain.VerificationReport, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, submission_id, status, logs, proof_json, metrics_json, artifact_hash, produced_at
		FROM verification_reports WHERE id=?`, id)
	return scanVerificationReport(row)
}

func (s *Store) GetVerificationReportBySubmission(ctx context.Context, submissionID string) (domain.VerificationReport, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, submission_id, status, logs, proof_json, metrics_json, artifact_hash, produced_at
		FROM verification_reports WHERE submission_id=? ORDER BY produced_at DESC LIMIT 1`, submissionID)
	return scanVerificationReport(row)
}

func scanVerificationReport(row rowScanner) (domain.VerificationReport, error) {
	var r domain.VerificationReport
	var logs, proofJSON, metricsJSON sql.NullString
	var producedAt string
	err := row.Scan(&r.ID, &r.SubmissionID, &r.Status, &logs, &proofJSON, &metricsJSON, &r.ArtifactHash, &producedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("store: scan verification report: %w", err)
	}
	if logs.Valid {
		r.Logs = logs.String
	}
	unmarshalJSON(proofJSON, &r.Proof)
	unmarshalJSON(metricsJSON, &r.Metrics)
	r.ProducedAt = parseTime(producedAt)
	return r, nil
}

// ---- PaymentEvent ----

func (s *Store) InsertPaymentEvent(ctx context.Context, p domain.PaymentEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error { return s.insertPaymentEventTx(ctx, tx, p) })
}

func (s *Store) insertPaymentEventTx(ctx context.Context, tx *sql.Tx, p domain.PaymentEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_events(id, work_order_id, type, destination_address, amount, milestone_key, transfer_id, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.WorkOrderID, p.Type, p.DestinationAddr, p.Amount, nullableString(p.MilestoneKey), p.TransferID, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert payment event: %w", err)
	}
	return nil
}

// ListPaymentEvents returns payments for a work order, oldest-first.
func (s *Store) ListPaymentEvents(ctx context.Context, workOrderID string) ([]domain.PaymentEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, work_order_id, type, destination_address, amount, milestone_key, transfer_id, created_at
		FROM payment_events WHERE work_order_id=? ORDER BY created_at ASC, id ASC`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("store: list payment events: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentEvent
	for rows.Next() {
		var p domain.PaymentEvent
		var milestoneKey sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.WorkOrderID, &p.Type, &p.DestinationAddr, &p.Amount, &milestoneKey, &p.TransferID, &createdAt); err != nil {
			return nil, err
		}
		p.MilestoneKey = scanNullString(milestoneKey)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- SolverStats ----

// UpsertSolverStats writes the whole-row stats for a solver, creating it if
// absent.
func (s *Store) UpsertSolverStats(ctx context.Context, st domain.SolverStats) error {
	return s.withTx(ctx, func(tx *sql.Tx) error { return s.upsertSolverStatsTx(ctx, tx, st) })
}

func (s *Store) upsertSolverStatsTx(ctx context.Context, tx *sql.Tx, st domain.SolverStats) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO solver_stats(
		address, quotes_submitted, quotes_won, deliveries_succeeded, deliveries_failed,
		on_time_deliveries, total_eta_minutes, total_actual_minutes, challenges_against, challenges_won
	) VALUES (?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(address) DO UPDATE SET
		quotes_submitted=excluded.quotes_submitted,
		quotes_won=excluded.quotes_won,
		deliveries_succeeded=excluded.deliveries_succeeded,
		deliveries_failed=excluded.deliveries_failed,
		on_time_deliveries=excluded.on_time_deliveries,
		total_eta_minutes=excluded.total_eta_minutes,
		total_actual_minutes=excluded.total_actual_minutes,
		challenges_against=excluded.challenges_against,
		challenges_won=excluded.challenges_won`,
		st.Address, st.QuotesSubmitted, st.QuotesWon, st.DeliveriesSucceeded, st.DeliveriesFailed,
		st.OnTimeDeliveries, st.TotalEtaMinutes, st.TotalActualMinutes, st.ChallengesAgainst, st.ChallengesWon)
	if err != nil {
		return fmt.Errorf("store: upsert solver stats: %w", err)
	}
	return nil
}

// GetSolverStats returns the stats for address, or a zero-value record (not
// an error) if the solver has never been recorded — a fresh solver has all
// zero counters by definition.
func (s *Store) GetSolverStats(ctx context.Context, address string) (domain.SolverStats, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT address, quotes_submitted, quotes_won, deliveries_succeeded, deliveries_failed,
		on_time_deliveries, total_eta_minutes, total_actual_minutes, challenges_against, challenges_won
		FROM solver_stats WHERE address=?`, address)
	st, err := scanSolverStats(row)
	if errors.Is(err, ErrNotFound) {
		return domain.SolverStats{Address: address}, nil
	}
	return st, err
}

func scanSolverStats(row rowScanner) (domain.SolverStats, error) {
	var st domain.SolverStats
	err := row.Scan(&st.Address, &st.QuotesSubmitted, &st.QuotesWon, &st.DeliveriesSucceeded, &st.DeliveriesFailed,
		&st.OnTimeDeliveries, &st.TotalEtaMinutes, &st.TotalActualMinutes, &st.ChallengesAgainst, &st.ChallengesWon)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	return st, err
}

// ListSolverStats returns every recorded solver, ordered by address.
func (s *Store) ListSolverStats(ctx context.Context) ([]domain.SolverStats, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT address, quotes_submitted, quotes_won, deliveries_succeeded, deliveries_failed,
		on_time_deliveries, total_eta_minutes, total_actual_minutes, challenges_against, challenges_won
		FROM solver_stats ORDER BY address ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list solver stats: %w", err)
	}
	defer rows.Close()

	var out []domain.SolverStats
	for rows.Next() {
		st, err := scanSolverStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- transaction helper ----

// withTx runs fn inside a transaction, committing on success. Grounded on
// the teacher engine's BeginTx/defer Rollback/Commit discipline.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// WithTx exposes the transaction helper to the engine so a single call can
// perform several store writes atomically. Event-bus appends are not part of
// the transaction; the engine emits events after it commits.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTx(ctx, fn)
}

// GetWorkOrderTx reads a work order inside an existing transaction — a
// consistent snapshot for the engine's read-modify-write operations.
func (s *Store) GetWorkOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	return s.getWorkOrderTx(ctx, tx, id)
}

func (s *Store) InsertWorkOrderTx(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	return s.insertWorkOrderTx(ctx, tx, wo)
}

func (s *Store) UpdateWorkOrderTx(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	return s.updateWorkOrderTx(ctx, tx, wo)
}

func (s *Store) InsertQuoteTx(ctx context.Context, tx *sql.Tx, q domain.Quote) error {
	return s.insertQuoteTx(ctx, tx, q)
}

func (s *Store) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, sub domain.Submission) error {
	return s.insertSubmissionTx(ctx, tx, sub)
}

func (s *Store) InsertVerificationReportTx(ctx context.Context, tx *sql.Tx, r domain.VerificationReport) error {
	return s.insertVerificationReportTx(ctx, tx, r)
}

func (s *Store) InsertPaymentEventTx(ctx context.Context, tx *sql.Tx, p domain.PaymentEvent) error {
	return s.insertPaymentEventTx(ctx, tx, p)
}

func (s *Store) UpsertSolverStatsTx(ctx context.Context, tx *sql.Tx, st domain.SolverStats) error {
	return s.upsertSolverStatsTx(ctx, tx, st)
}

func (s *Store) ListQuotesTx(ctx context.Context, tx *sql.Tx, workOrderID string) ([]domain.Quote, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, work_order_id, solver_address, price, eta_minutes, valid_until, signature, created_at
		FROM quotes WHERE work_order_id=? ORDER BY created_at ASC, id ASC`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("store: list quotes: %w", err)
	}
	defer rows.Close()
	var out []domain.Quote
	for rows.Next() {
		var q domain.Quote
		var validUntil, createdAt string
		if err := rows.Scan(&q.ID, &q.WorkOrderID, &q.SolverAddress, &q.Price, &q.EtaMinutes, &validUntil, &q.Signature, &createdAt); err != nil {
			return nil, err
		}
		q.ValidUntil = parseTime(validUntil)
		q.CreatedAt = parseTime(createdAt)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) ListPaymentEventsTx(ctx context.Context, tx *sql.Tx, workOrderID string) ([]domain.PaymentEvent, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, work_order_id, type, destination_address, amount, milestone_key, transfer_id, created_at
		FROM payment_events WHERE work_order_id=? ORDER BY created_at ASC, id ASC`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("store: list payment events tx: %w", err)
	}
	defer rows.Close()
	var out []domain.PaymentEvent
	for rows.Next() {
		var p domain.PaymentEvent
		var milestoneKey sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.WorkOrderID, &p.Type, &p.DestinationAddr, &p.Amount, &milestoneKey, &p.TransferID, &createdAt); err != nil {
			return nil, err
		}
		p.MilestoneKey = scanNullString(milestoneKey)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetSolverStatsTx(ctx context.Context, tx *sql.Tx, address string) (domain.SolverStats, error) {
	row := tx.QueryRowContext(ctx, `SELECT address, quotes_submitted, quotes_won, deliveries_succeeded, deliveries_failed,
		on_time_deliveries, total_eta_minutes, total_actual_minutes, challenges_against, challenges_won
		FROM solver_stats WHERE address=?`, address)
	st, err := scanSolverStats(row)
	if errors.Is(err, ErrNotFound) {
		return domain.SolverStats{Address: address}, nil
	}
	return st, err
}
