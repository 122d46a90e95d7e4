package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ppd-epc-link/internal/match"
)

const (
	runTable       = "linked_ppd_epc.link_run"
	ruleStatsTable = "linked_ppd_epc.link_rule_stats"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned when a run id is unknown
var ErrRunNotFound = errors.New("link run not found")

// Tracker records linking runs and their per-rule statistics
type Tracker struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a new audit tracker
func NewTracker(db *sqlx.DB, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, logger: logger, now: time.Now}
}

// Run is one invocation of the linking job
type Run struct {
	ID                uuid.UUID  `db:"run_id" json:"run_id"`
	Status            string     `db:"status" json:"status"`
	FromYear          int        `db:"from_year" json:"from_year"`
	ToYear            int        `db:"to_year" json:"to_year"`
	StartedAt         time.Time  `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Partitions        int        `db:"partitions" json:"partitions"`
	Transactions      int64      `db:"transactions" json:"transactions"`
	Certificates      int64      `db:"certificates" json:"certificates"`
	Links             int64      `db:"links" json:"links"`
	Unlinked          int64      `db:"unlinked" json:"unlinked"`
	Rejected          int64      `db:"rejected" json:"rejected"`
	DuplicatesRemoved int64      `db:"duplicates_removed" json:"duplicates_removed"`
	ErrorMessage      *string    `db:"error_message" json:"error_message,omitempty"`
}

// Totals are the figures stored when a run completes
type Totals struct {
	Partitions        int
	Transactions      int64
	Certificates      int64
	Links             int64
	Unlinked          int64
	Rejected          int64
	DuplicatesRemoved int64
}

// RuleStat is the stored form of one rule's aggregated statistics
type RuleStat struct {
	Seq                  int    `db:"seq" json:"-"`
	Stage                string `db:"stage" json:"stage"`
	Rule                 int    `db:"rule_priority" json:"rule"`
	TransactionVariant   string `db:"transaction_variant" json:"transaction_variant,omitempty"`
	CertificateVariant   string `db:"certificate_variant" json:"certificate_variant,omitempty"`
	PoolBefore           int64  `db:"pool_before" json:"pool_before"`
	Eligible             int64  `db:"eligible" json:"eligible"`
	CertificatesEligible int64  `db:"certificates_eligible" json:"certificates_eligible"`
	NewLinks             int64  `db:"new_links" json:"new_links"`
	LinkedTransactions   int64  `db:"linked_transactions" json:"linked_transactions"`
	PoolAfter            int64  `db:"pool_after" json:"pool_after"`
	Pending              bool   `db:"pending" json:"pending"`
}

// StartRun creates a run record in the running state
func (t *Tracker) StartRun(ctx context.Context, fromYear, toYear int) (uuid.UUID, error) {
	id := uuid.New()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(runTable)
	sb.Cols("run_id", "status", "from_year", "to_year", "started_at")
	sb.Values(id, StatusRunning, fromYear, toYear, t.now().UTC())
	query, args := sb.Build()

	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create link run: %w", err)
	}

	t.logger.Info("link run started", zap.String("run_id", id.String()),
		zap.Int("from_year", fromYear), zap.Int("to_year", toYear))
	return id, nil
}

// RecordRuleStats stores a run's statistics, replacing any stored before
func (t *Tracker) RecordRuleStats(ctx context.Context, runID uuid.UUID, stats []match.StageStatistics) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom(ruleStatsTable)
	del.Where(del.Equal("run_id", runID))
	query, args := del.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear rule stats: %w", err)
	}

	if len(stats) > 0 {
		query, args = ruleStatsInsert(runID, stats)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert rule stats: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule stats: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished. A non-nil runErr marks it failed.
func (t *Tracker) CompleteRun(ctx context.Context, runID uuid.UUID, totals Totals, runErr error) error {
	status := StatusCompleted
	var message *string
	if runErr != nil {
		status = StatusFailed
		msg := runErr.Error()
		message = &msg
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(runTable)
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("completed_at", t.now().UTC()),
		sb.Assign("partitions", totals.Partitions),
		sb.Assign("transactions", totals.Transactions),
		sb.Assign("certificates", totals.Certificates),
		sb.Assign("links", totals.Links),
		sb.Assign("unlinked", totals.Unlinked),
		sb.Assign("rejected", totals.Rejected),
		sb.Assign("duplicates_removed", totals.DuplicatesRemoved),
		sb.Assign("error_message", message),
	)
	sb.Where(sb.Equal("run_id", runID))
	query, args := sb.Build()

	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to complete link run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}

	t.logger.Info("link run finished", zap.String("run_id", runID.String()), zap.String("status", status))
	return nil
}

// ListRuns returns the most recent runs first
func (t *Tracker) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(runColumns...)
	sb.From(runTable)
	sb.OrderBy("started_at").Desc()
	sb.Limit(limit)
	query, args := sb.Build()

	var runs []Run
	if err := t.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list link runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run
func (t *Tracker) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(runColumns...)
	sb.From(runTable)
	sb.Where(sb.Equal("run_id", runID))
	query, args := sb.Build()

	var run Run
	if err := t.db.GetContext(ctx, &run, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get link run: %w", err)
	}
	return &run, nil
}

// RuleStats returns a run's statistics in execution order
func (t *Tracker) RuleStats(ctx context.Context, runID uuid.UUID) ([]RuleStat, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("seq", "stage", "rule_priority",
		"COALESCE(transaction_variant, '') AS transaction_variant",
		"COALESCE(certificate_variant, '') AS certificate_variant",
		"pool_before", "eligible", "certificates_eligible", "new_links",
		"linked_transactions", "pool_after", "pending")
	sb.From(ruleStatsTable)
	sb.Where(sb.Equal("run_id", runID))
	sb.OrderBy("seq")
	query, args := sb.Build()

	var stats []RuleStat
	if err := t.db.SelectContext(ctx, &stats, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read rule stats: %w", err)
	}
	return stats, nil
}

var runColumns = []string{
	"run_id", "status", "from_year", "to_year", "started_at", "completed_at", "partitions",
	"transactions", "certificates", "links", "unlinked", "rejected", "duplicates_removed", "error_message",
}

func ruleStatsInsert(runID uuid.UUID, stats []match.StageStatistics) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(ruleStatsTable)
	sb.Cols("run_id", "seq", "stage", "rule_priority", "transaction_variant", "certificate_variant",
		"pool_before", "eligible", "certificates_eligible", "new_links", "linked_transactions", "pool_after", "pending")
	for i, s := range stats {
		sb.Values(runID, i, s.Stage, s.Rule, s.TransactionVariant, s.CertificateVariant,
			s.PoolBefore, s.Eligible, s.CertificatesEligible, s.NewLinks, s.LinkedTransactions, s.PoolAfter, s.Pending)
	}
	return sb.Build()
}
