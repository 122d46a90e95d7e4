package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppd-epc-link/internal/match"
)

// Partition outcomes reported to the PartitionRecorder
const (
	PartitionLinked  = "linked"
	PartitionSkipped = "skipped"
	PartitionFailed  = "failed"
)

// DefaultMinYear is the first year of Price Paid data
const DefaultMinYear = 1995

// Source supplies the record batches of a partition
type Source interface {
	TransactionPostcodes(ctx context.Context, year int) ([]string, error)
	FetchTransactionBatch(ctx context.Context, year int, postcodes []string) ([]match.TransactionRecord, error)
	FetchCertificateBatch(ctx context.Context, postcodes []string) ([]match.CertificateRecord, error)
}

// Sink persists links
type Sink interface {
	AppendLinks(ctx context.Context, links []match.LinkRecord) error
	DedupeLinks(ctx context.Context) (int64, error)
}

// Linker runs the stage cascade over one batch
type Linker interface {
	LinkBatch(ctx context.Context, transactions []match.TransactionRecord, certificates []match.CertificateRecord) (*match.Result, error)
}

// PartitionRecorder observes partition outcomes
type PartitionRecorder interface {
	ObservePartition(status string, d time.Duration)
}

type nopPartitionRecorder struct{}

func (nopPartitionRecorder) ObservePartition(string, time.Duration) {}

// Options tune the job
type Options struct {
	ChunkSize int
	Workers   int
	MinYear   int
}

// Pipeline links a range of years, one (year, postcode chunk) partition at a time
type Pipeline struct {
	source   Source
	sink     Sink
	linker   Linker
	recorder PartitionRecorder
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewPipeline creates a linking job. A nil recorder is allowed.
func NewPipeline(source Source, sink Sink, linker Linker, recorder PartitionRecorder, logger *zap.Logger, opts Options) *Pipeline {
	if recorder == nil {
		recorder = nopPartitionRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 5000
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MinYear == 0 {
		opts.MinYear = DefaultMinYear
	}
	return &Pipeline{
		source:   source,
		sink:     sink,
		linker:   linker,
		recorder: recorder,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Summary aggregates a job's partitions
type Summary struct {
	FromYear          int                     `json:"from_year"`
	ToYear            int                     `json:"to_year"`
	Partitions        int                     `json:"partitions"`
	Skipped           int                     `json:"skipped"`
	Transactions      int                     `json:"transactions"`
	Certificates      int                     `json:"certificates"`
	Links             int                     `json:"links"`
	Unlinked          int                     `json:"unlinked"`
	Rejected          match.Rejections        `json:"rejected"`
	Stats             []match.StageStatistics `json:"stats"`
	DuplicatesRemoved int64                   `json:"duplicates_removed"`
	Duration          time.Duration           `json:"duration"`
}

// Partition is one unit of linking work
type Partition struct {
	Year      int
	Postcodes []string
}

// ResolveYears applies the year range defaults. Zero means unset: with
// neither set the current year is linked, an unset end defaults to the
// current year and an unset start to minYear.
func ResolveYears(from, to int, now time.Time, minYear int) (int, int, error) {
	current := now.Year()
	switch {
	case from == 0 && to == 0:
		from, to = current, current
	case to == 0:
		to = current
	case from == 0:
		from = minYear
	}

	if from > to {
		return 0, 0, fmt.Errorf("from year %d is after to year %d", from, to)
	}
	if to > current {
		return 0, 0, fmt.Errorf("to year %d is in the future", to)
	}
	if from < minYear {
		return 0, 0, fmt.Errorf("from year %d is before %d", from, minYear)
	}
	return from, to, nil
}

// Chunk splits postcodes into consecutive groups of at most size
func Chunk(postcodes []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(postcodes); start += size {
		end := min(start+size, len(postcodes))
		chunks = append(chunks, postcodes[start:end])
	}
	return chunks
}

// Run links every transaction transferred between from and to inclusive,
// then removes duplicate links
func (p *Pipeline) Run(ctx context.Context, from, to int) (*Summary, error) {
	start := p.now()
	from, to, err := ResolveYears(from, to, start, p.opts.MinYear)
	if err != nil {
		return nil, err
	}

	summary := &Summary{FromYear: from, ToYear: to}

	partitions, err := p.partitions(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.Partitions = len(partitions)
	p.logger.Info("linking partitions",
		zap.Int("from_year", from),
		zap.Int("to_year", to),
		zap.Int("partitions", len(partitions)),
		zap.Int("workers", p.opts.Workers),
	)

	agg := newAggregator(summary)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, part := range partitions {
		g.Go(func() error {
			return p.runPartition(gctx, part, agg)
		})
	}
	if err := g.Wait(); err != nil {
		summary.Duration = time.Since(start)
		return summary, err
	}

	removed, err := p.sink.DedupeLinks(ctx)
	if err != nil {
		summary.Duration = time.Since(start)
		return summary, err
	}
	summary.DuplicatesRemoved = removed
	summary.Duration = time.Since(start)

	p.logger.Info("linking complete",
		zap.Int("links", summary.Links),
		zap.Int("unlinked", summary.Unlinked),
		zap.Int64("duplicates_removed", removed),
		zap.Duration("took", summary.Duration),
	)
	return summary, nil
}

func (p *Pipeline) partitions(ctx context.Context, from, to int) ([]Partition, error) {
	var parts []Partition
	for year := from; year <= to; year++ {
		postcodes, err := p.source.TransactionPostcodes(ctx, year)
		if err != nil {
			return nil, err
		}
		if len(postcodes) == 0 {
			p.logger.Debug("no transactions for year", zap.Int("year", year))
			continue
		}
		for _, chunk := range Chunk(postcodes, p.opts.ChunkSize) {
			parts = append(parts, Partition{Year: year, Postcodes: chunk})
		}
	}
	return parts, nil
}

func (p *Pipeline) runPartition(ctx context.Context, part Partition, agg *aggregator) error {
	start := time.Now()
	status := PartitionFailed
	defer func() {
		p.recorder.ObservePartition(status, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	transactions, err := p.source.FetchTransactionBatch(ctx, part.Year, part.Postcodes)
	if err != nil {
		return err
	}
	certificates, err := p.source.FetchCertificateBatch(ctx, part.Postcodes)
	if err != nil {
		return err
	}

	if len(transactions) == 0 || len(certificates) == 0 {
		status = PartitionSkipped
		agg.skip(len(transactions), len(certificates))
		p.logger.Debug("partition skipped",
			zap.Int("year", part.Year),
			zap.String("first_postcode", part.Postcodes[0]),
			zap.Int("transactions", len(transactions)),
			zap.Int("certificates", len(certificates)),
		)
		return nil
	}

	result, err := p.linker.LinkBatch(ctx, transactions, certificates)
	if err != nil {
		return fmt.Errorf("year %d partition at %s: %w", part.Year, part.Postcodes[0], err)
	}
	if err := p.sink.AppendLinks(ctx, result.Links); err != nil {
		return fmt.Errorf("year %d partition at %s: %w", part.Year, part.Postcodes[0], err)
	}

	status = PartitionLinked
	agg.add(len(transactions), len(certificates), result)
	p.logger.Debug("partition linked",
		zap.Int("year", part.Year),
		zap.String("first_postcode", part.Postcodes[0]),
		zap.Int("transactions", len(transactions)),
		zap.Int("links", len(result.Links)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

type statKey struct {
	stage string
	rule  int
}

// aggregator merges partition results into a summary in first-seen rule order
type aggregator struct {
	mu      sync.Mutex
	summary *Summary
	index   map[statKey]int
}

func newAggregator(summary *Summary) *aggregator {
	return &aggregator{summary: summary, index: make(map[statKey]int)}
}

func (a *aggregator) skip(transactions, certificates int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.summary.Skipped++
	a.summary.Transactions += transactions
	a.summary.Certificates += certificates
	a.summary.Unlinked += transactions
}

func (a *aggregator) add(transactions, certificates int, result *match.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.summary.Transactions += transactions
	a.summary.Certificates += certificates
	a.summary.Links += len(result.Links)
	a.summary.Unlinked += result.Unlinked
	a.summary.Rejected.Add(result.Rejected)

	for _, s := range result.Stats {
		key := statKey{stage: s.Stage, rule: s.Rule}
		if i, ok := a.index[key]; ok {
			a.summary.Stats[i].Add(s)
			continue
		}
		a.index[key] = len(a.summary.Stats)
		a.summary.Stats = append(a.summary.Stats, s)
	}
}
