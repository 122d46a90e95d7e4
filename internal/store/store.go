package store

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ppd-epc-link/internal/match"
)

const (
	PricePaidTable   = "linked_ppd_epc.price_paid"
	CertificateTable = "linked_ppd_epc.residential_energy_performance_certificate"
	LinkTable        = "linked_ppd_epc.pricepaid_to_residential_epc"

	defaultInsertBatch = 1000
)

// Store reads source batches from and writes links to Postgres
type Store struct {
	db          *sqlx.DB
	logger      *zap.Logger
	insertBatch int
}

// New creates a store over an open connection
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, insertBatch: defaultInsertBatch}
}

// TransactionPostcodes lists the distinct postcodes of a year's transactions
func (s *Store) TransactionPostcodes(ctx context.Context, year int) ([]string, error) {
	query, args := postcodesQuery(year)

	var postcodes []string
	if err := s.db.SelectContext(ctx, &postcodes, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list postcodes for %d: %w", year, err)
	}
	return postcodes, nil
}

// FetchTransactionBatch returns a year's transactions within the given postcodes
func (s *Store) FetchTransactionBatch(ctx context.Context, year int, postcodes []string) ([]match.TransactionRecord, error) {
	if len(postcodes) == 0 {
		return nil, nil
	}
	query, args := transactionBatchQuery(year, postcodes)

	var rows []match.TransactionRecord
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch transactions for %d: %w", year, err)
	}
	return rows, nil
}

// FetchCertificateBatch returns every certificate within the given postcodes
func (s *Store) FetchCertificateBatch(ctx context.Context, postcodes []string) ([]match.CertificateRecord, error) {
	if len(postcodes) == 0 {
		return nil, nil
	}
	query, args := certificateBatchQuery(postcodes)

	var rows []match.CertificateRecord
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch certificates: %w", err)
	}
	return rows, nil
}

// AppendLinks adds links to the link table in a single transaction
func (s *Store) AppendLinks(ctx context.Context, links []match.LinkRecord) error {
	if len(links) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(links); start += s.insertBatch {
		end := min(start+s.insertBatch, len(links))
		query, args := insertLinksQuery(links[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert links: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit links: %w", err)
	}
	s.logger.Debug("links appended", zap.Int("count", len(links)))
	return nil
}

// DedupeLinks removes repeated (transactionid, lmk_key) pairs, keeping one
func (s *Store) DedupeLinks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, dedupeLinksQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to remove duplicate links: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed links: %w", err)
	}
	return removed, nil
}

// LinksForYear returns the links of transactions transferred in the year
func (s *Store) LinksForYear(ctx context.Context, year int) ([]match.LinkRecord, error) {
	query, args := linksForYearQuery(year)

	var links []match.LinkRecord
	if err := s.db.SelectContext(ctx, &links, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read links for %d: %w", year, err)
	}
	return links, nil
}

// Counts summarises table sizes
type Counts struct {
	Transactions int64 `db:"transactions" json:"transactions"`
	Certificates int64 `db:"certificates" json:"certificates"`
	Links        int64 `db:"links" json:"links"`
}

// Counts returns the row count of each table
func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	query := fmt.Sprintf(`
		SELECT
			(SELECT COUNT(*) FROM %s) AS transactions,
			(SELECT COUNT(*) FROM %s) AS certificates,
			(SELECT COUNT(*) FROM %s) AS links
	`, PricePaidTable, CertificateTable, LinkTable)

	var c Counts
	if err := s.db.GetContext(ctx, &c, query); err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}
	return &c, nil
}

var dedupeLinksQuery = fmt.Sprintf(`
	DELETE FROM %[1]s t1
	USING %[1]s t2
	WHERE t1.ctid < t2.ctid
	  AND t1.transactionid = t2.transactionid
	  AND t1.lmk_key = t2.lmk_key
`, LinkTable)

func postcodesQuery(year int) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("postcode").Distinct()
	sb.From(PricePaidTable)
	sb.Where(
		sb.Equal("EXTRACT(YEAR FROM dateoftransfer)", year),
		sb.IsNotNull("postcode"),
		sb.NotEqual("postcode", ""),
	)
	sb.OrderBy("postcode")
	return sb.Build()
}

func transactionBatchQuery(year int, postcodes []string) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"transactionid",
		"COALESCE(postcode, '') AS postcode",
		"COALESCE(saon, '') AS saon",
		"COALESCE(paon, '') AS paon",
		"COALESCE(street, '') AS street",
		"COALESCE(locality, '') AS locality",
		"COALESCE(propertytype, '') AS propertytype",
	)
	sb.From(PricePaidTable)
	sb.Where(
		sb.Equal("EXTRACT(YEAR FROM dateoftransfer)", year),
		"postcode = ANY("+sb.Var(pq.Array(postcodes))+")",
	)
	sb.OrderBy("transactionid")
	return sb.Build()
}

func certificateBatchQuery(postcodes []string) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"lmk_key",
		"COALESCE(postcode, '') AS postcode",
		"COALESCE(address1, '') AS address1",
		"COALESCE(address2, '') AS address2",
		"COALESCE(address3, '') AS address3",
		"COALESCE(address, '') AS address",
		"COALESCE(property_type, '') AS property_type",
	)
	sb.From(CertificateTable)
	sb.Where("postcode = ANY(" + sb.Var(pq.Array(postcodes)) + ")")
	sb.OrderBy("lmk_key")
	return sb.Build()
}

func insertLinksQuery(links []match.LinkRecord) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(LinkTable)
	sb.Cols("transactionid", "lmk_key")
	for _, l := range links {
		sb.Values(l.TransactionID, l.CertificateID)
	}
	return sb.Build()
}

func linksForYearQuery(year int) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("l.transactionid", "l.lmk_key")
	sb.From(LinkTable + " l")
	sb.Join(PricePaidTable+" p", "p.transactionid = l.transactionid")
	sb.Where(sb.Equal("EXTRACT(YEAR FROM p.dateoftransfer)", year))
	sb.OrderBy("l.transactionid", "l.lmk_key")
	return sb.Build()
}
