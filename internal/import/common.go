package import_pkg

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppd-epc-link/internal/normalize"
	"github.com/ppd-epc-link/internal/store"
)

const (
	defaultBatchSize = 1000
	progressEvery    = 50000
)

// Writer stores imported source rows
type Writer interface {
	InsertPricePaid(ctx context.Context, rows []store.PricePaid) (int64, error)
	InsertCertificates(ctx context.Context, rows []store.Certificate) (int64, error)
}

// ImportStats reports the outcome of one file
type ImportStats struct {
	Read       int
	Imported   int64
	Duplicates int64
	Errors     int
	Took       time.Duration
}

// CSVImporter loads the Price Paid and EPC extracts into the source tables
type CSVImporter struct {
	writer    Writer
	logger    *zap.Logger
	batchSize int
}

// NewCSVImporter creates a new CSV importer
func NewCSVImporter(writer Writer, logger *zap.Logger) *CSVImporter {
	return &CSVImporter{writer: writer, logger: logger, batchSize: defaultBatchSize}
}

// ImportFile imports filename as the given source type, "ppd" or "epc"
func (ci *CSVImporter) ImportFile(ctx context.Context, sourceType, filename string) (*ImportStats, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	ci.logger.Info("importing", zap.String("source", sourceType), zap.String("file", filename))

	switch sourceType {
	case "ppd":
		return ci.ImportPricePaid(ctx, file)
	case "epc":
		return ci.ImportCertificates(ctx, file)
	default:
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}
}

// importRows reads every record, maps it and inserts in batches. Records that
// fail to parse or map are logged and counted, they do not stop the import.
func importRows[T any](ctx context.Context, ci *CSVImporter, reader *csv.Reader, sourceType string,
	mapRow func([]string) (T, error), insert func(context.Context, []T) (int64, error)) (*ImportStats, error) {
	start := time.Now()
	stats := &ImportStats{}
	batch := make([]T, 0, ci.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := insert(ctx, batch)
		stats.Imported += n
		stats.Duplicates += int64(len(batch)) - n
		batch = batch[:0]
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return stats, fmt.Errorf("failed to read %s file: %w", sourceType, err)
			}
			ci.logger.Warn("skipping unreadable record", zap.String("source", sourceType), zap.Error(err))
			stats.Errors++
			continue
		}
		stats.Read++

		row, err := mapRow(record)
		if err != nil {
			line, _ := reader.FieldPos(0)
			ci.logger.Warn("skipping record", zap.String("source", sourceType), zap.Int("line", line), zap.Error(err))
			stats.Errors++
			continue
		}

		batch = append(batch, row)
		if len(batch) >= ci.batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
		if stats.Read%progressEvery == 0 {
			ci.logger.Info("import progress", zap.String("source", sourceType), zap.Int("read", stats.Read))
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}
	stats.Took = time.Since(start)

	ci.logger.Info("import complete",
		zap.String("source", sourceType),
		zap.Int("read", stats.Read),
		zap.Int64("imported", stats.Imported),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int("errors", stats.Errors),
		zap.Duration("took", stats.Took),
	)
	return stats, nil
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader
}

// parsePrice converts a price to an integer number of pounds
func parsePrice(s string) (*int64, error) {
	s = normalize.CleanField(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q", s)
	}
	return &v, nil
}

var dateFormats = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// parseDate accepts the date formats seen in the Price Paid extracts
func parseDate(s string) (*time.Time, error) {
	s = normalize.CleanField(s)
	if s == "" {
		return nil, nil
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", s)
}

// columnName folds a header name to its table column
func columnName(header string) string {
	name := strings.ToLower(strings.TrimSpace(header))
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.ReplaceAll(name, "-", "_")
}
