package match

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppd-epc-link/internal/normalize"
	"github.com/ppd-epc-link/internal/rules"
)

// Recorder receives per-rule outcomes, typically for metrics
type Recorder interface {
	ObserveRule(stage string, rule int, links, transactions int)
	ObserveRejected(side normalize.Side, n int)
	ObservePending(stage string, n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRule(string, int, int, int) {}
func (nopRecorder) ObserveRejected(normalize.Side, int) {}
func (nopRecorder) ObservePending(string, int) {}

// Engine runs the stage cascade over one batch at a time. It keeps no state
// between batches and may be shared by concurrent partitions.
type Engine struct {
	table         *rules.Table
	logger        *zap.Logger
	recorder      Recorder
	strictPending bool
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine's logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRecorder sets where rule outcomes are reported
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithStrictPending makes a pending stage with eligible transactions an error
func WithStrictPending(strict bool) Option {
	return func(e *Engine) { e.strictPending = strict }
}

// NewEngine creates an engine over a validated rule table
func NewEngine(table *rules.Table, opts ...Option) *Engine {
	e := &Engine{
		table:    table,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Table returns the rule table the engine runs
func (e *Engine) Table() *rules.Table {
	return e.table
}

// LinkBatch links one batch. Transactions linked by a rule leave the pool for
// every later rule and stage; certificates stay available throughout. A
// cancelled context or a configuration error aborts the batch with no links.
func (e *Engine) LinkBatch(ctx context.Context, transactions []TransactionRecord, certificates []CertificateRecord) (*Result, error) {
	canon := e.table.Canonicalizer()
	result := &Result{}

	txs, badTx, dupTx := PrepareTransactions(canon, transactions)
	certs, badCert, dupCert := PrepareCertificates(canon, certificates)
	result.Rejected = Rejections{
		MalformedTransactions: len(badTx),
		MalformedCertificates: len(badCert),
		DuplicateTransactions: dupTx,
		DuplicateCertificates: dupCert,
	}
	e.logRejected(append(badTx, badCert...))
	if n := len(badTx) + dupTx; n > 0 {
		e.recorder.ObserveRejected(normalize.SideTransaction, n)
	}
	if n := len(badCert) + dupCert; n > 0 {
		e.recorder.ObserveRejected(normalize.SideCertificate, n)
	}

	runPool := NewPool(txs)
	for _, stage := range e.table.Stages {
		stagePool, err := filterPool(runPool, stage.Eligibility, rules.Rule{Stage: stage.Name})
		if err != nil {
			return nil, err
		}

		if stage.Pending {
			if err := e.pendingStage(stage, runPool, stagePool, result); err != nil {
				return nil, err
			}
			continue
		}

		if stagePool.Len() == 0 {
			e.logger.Debug("stage has no eligible transactions", zap.String("stage", stage.Name))
		}

		for _, rule := range stage.Rules {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			res, err := Match(rule, stagePool, certs)
			if err != nil {
				return nil, fmt.Errorf("stage %s rule %d: %w", stage.Name, rule.Priority, err)
			}

			stagePool = stagePool.Without(res.Matched)
			runPool = runPool.Without(res.Matched)
			result.Links = append(result.Links, res.Links...)
			result.Stats = append(result.Stats, res.Stats)

			e.recorder.ObserveRule(stage.Name, rule.Priority, res.Stats.NewLinks, res.Stats.LinkedTransactions)
			e.logger.Debug("rule applied",
				zap.String("stage", stage.Name),
				zap.Int("rule", rule.Priority),
				zap.Int("eligible", res.Stats.Eligible),
				zap.Int("links", res.Stats.NewLinks),
				zap.Int("linked_transactions", res.Stats.LinkedTransactions),
				zap.Int("pool_after", runPool.Len()),
			)
		}
	}

	result.Links = dedupeLinks(result.Links)
	result.Unlinked = runPool.Len()
	return result, nil
}

func (e *Engine) pendingStage(stage rules.Stage, runPool, stagePool Pool, result *Result) error {
	result.Stats = append(result.Stats, StageStatistics{
		Stage:      stage.Name,
		PoolBefore: runPool.Len(),
		Eligible:   stagePool.Len(),
		PoolAfter:  runPool.Len(),
		Pending:    true,
	})
	if stagePool.Len() == 0 {
		return nil
	}
	if e.strictPending {
		return &rules.ConfigError{
			Stage:  stage.Name,
			Reason: fmt.Sprintf("stage has no rules but %d transactions are eligible", stagePool.Len()),
		}
	}
	e.recorder.ObservePending(stage.Name, stagePool.Len())
	e.logger.Warn("pending stage left transactions unlinked",
		zap.String("stage", stage.Name),
		zap.Int("unlinked", stagePool.Len()),
	)
	return nil
}

func (e *Engine) logRejected(errs []error) {
	for _, err := range errs {
		var malformed *normalize.MalformedRecordError
		if errors.As(err, &malformed) {
			e.logger.Debug("record rejected",
				zap.String("side", string(malformed.Side)),
				zap.String("id", malformed.ID),
				zap.String("reason", malformed.Reason),
			)
		}
	}
}

func dedupeLinks(links []LinkRecord) []LinkRecord {
	seen := make(map[LinkRecord]struct{}, len(links))
	out := links[:0]
	for _, l := range links {
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
