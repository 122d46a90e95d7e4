package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ppd-epc-link/internal/match"
)

// LinkLister returns the links of one transfer year
type LinkLister interface {
	LinksForYear(ctx context.Context, year int) ([]match.LinkRecord, error)
}

// Exporter writes the link table out as per-year CSV files
type Exporter struct {
	links  LinkLister
	logger *zap.Logger
}

// NewExporter creates a new exporter
func NewExporter(links LinkLister, logger *zap.Logger) *Exporter {
	return &Exporter{links: links, logger: logger}
}

// FileName is the export file of a year
func FileName(year int) string {
	return fmt.Sprintf("pricepaid_to_residential_epc_%d.csv", year)
}

// WriteLinks writes links as CSV with a transactionid,lmk_key header
func WriteLinks(w io.Writer, links []match.LinkRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"transactionid", "lmk_key"}); err != nil {
		return err
	}
	for _, l := range links {
		if err := writer.Write([]string{l.TransactionID, l.CertificateID}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ExportYear writes the links of one year into dir and returns the file path
// and the number of links written
func (e *Exporter) ExportYear(ctx context.Context, year int, dir string) (string, int, error) {
	links, err := e.links.LinksForYear(ctx, year)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, FileName(year))
	file, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := WriteLinks(file, links); err != nil {
		file.Close()
		return "", 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close %s: %w", path, err)
	}

	e.logger.Info("exported links", zap.Int("year", year), zap.String("file", path), zap.Int("links", len(links)))
	return path, len(links), nil
}

// ExportRange exports every year from..to inclusive
func (e *Exporter) ExportRange(ctx context.Context, from, to int, dir string) ([]string, error) {
	var paths []string
	for year := from; year <= to; year++ {
		path, _, err := e.ExportYear(ctx, year, dir)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
