package store

import (
	"context"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
)

// PricePaid is one row of the Price Paid extract
type PricePaid struct {
	TransactionID  string
	Price          *int64
	DateOfTransfer *time.Time
	Postcode       string
	PropertyType   string
	OldNew         string
	Duration       string
	PAON           string
	SAON           string
	Street         string
	Locality       string
	TownCity       string
	District       string
	County         string
	CategoryType   string
	RecordStatus   string
}

// Certificate is one row of the EPC certificates extract
type Certificate struct {
	LMKKey       string
	Address1     string
	Address2     string
	Address3     string
	Postcode     string
	PropertyType string
	Address      string
}

// InsertPricePaid stores transactions, skipping ids already present. It
// returns the number of rows inserted.
func (s *Store) InsertPricePaid(ctx context.Context, rows []PricePaid) (int64, error) {
	var inserted int64
	for start := 0; start < len(rows); start += s.insertBatch {
		end := min(start+s.insertBatch, len(rows))
		query, args := insertPricePaidQuery(rows[start:end])
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert price paid rows: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, nil
}

// InsertCertificates stores certificates, skipping keys already present
func (s *Store) InsertCertificates(ctx context.Context, rows []Certificate) (int64, error) {
	var inserted int64
	for start := 0; start < len(rows); start += s.insertBatch {
		end := min(start+s.insertBatch, len(rows))
		query, args := insertCertificatesQuery(rows[start:end])
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert certificates: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, nil
}

func insertPricePaidQuery(rows []PricePaid) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(PricePaidTable)
	sb.Cols("transactionid", "price", "dateoftransfer", "postcode", "propertytype", "oldnew", "duration",
		"paon", "saon", "street", "locality", "towncity", "district", "county", "categorytype", "recordstatus")
	for _, r := range rows {
		sb.Values(r.TransactionID, r.Price, r.DateOfTransfer, r.Postcode, r.PropertyType, r.OldNew, r.Duration,
			r.PAON, r.SAON, r.Street, r.Locality, r.TownCity, r.District, r.County, r.CategoryType, r.RecordStatus)
	}
	query, args := sb.Build()
	return query + " ON CONFLICT (transactionid) DO NOTHING", args
}

func insertCertificatesQuery(rows []Certificate) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(CertificateTable)
	sb.Cols("lmk_key", "address1", "address2", "address3", "postcode", "property_type", "address")
	for _, r := range rows {
		sb.Values(r.LMKKey, r.Address1, r.Address2, r.Address3, r.Postcode, r.PropertyType, r.Address)
	}
	query, args := sb.Build()
	return query + " ON CONFLICT (lmk_key) DO NOTHING", args
}
