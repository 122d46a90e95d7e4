package import_pkg

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ppd-epc-link/internal/normalize"
	"github.com/ppd-epc-link/internal/store"
)

const pricePaidColumns = 16

// ImportPricePaid imports the headerless Price Paid CSV
// Columns: transaction id,price,date of transfer,postcode,property type,old/new,duration,
// paon,saon,street,locality,town/city,district,county,ppd category type,record status
func (ci *CSVImporter) ImportPricePaid(ctx context.Context, r io.Reader) (*ImportStats, error) {
	return importRows(ctx, ci, newReader(r), "ppd", mapPricePaid, ci.writer.InsertPricePaid)
}

func mapPricePaid(record []string) (store.PricePaid, error) {
	if len(record) != pricePaidColumns {
		return store.PricePaid{}, fmt.Errorf("expected %d columns, got %d", pricePaidColumns, len(record))
	}

	id := normalize.CleanField(record[0])
	if id == "" {
		return store.PricePaid{}, fmt.Errorf("empty transaction id")
	}
	price, err := parsePrice(record[1])
	if err != nil {
		return store.PricePaid{}, err
	}
	date, err := parseDate(record[2])
	if err != nil {
		return store.PricePaid{}, err
	}

	return store.PricePaid{
		TransactionID:  id,
		Price:          price,
		DateOfTransfer: date,
		Postcode:       normalize.CleanField(record[3]),
		PropertyType:   normalize.CleanField(record[4]),
		OldNew:         normalize.CleanField(record[5]),
		Duration:       normalize.CleanField(record[6]),
		PAON:           normalize.CleanField(record[7]),
		SAON:           normalize.CleanField(record[8]),
		Street:         normalize.CleanField(record[9]),
		Locality:       normalize.CleanField(record[10]),
		TownCity:       normalize.CleanField(record[11]),
		District:       normalize.CleanField(record[12]),
		County:         normalize.CleanField(record[13]),
		CategoryType:   normalize.CleanField(record[14]),
		RecordStatus:   normalize.CleanField(record[15]),
	}, nil
}

var certificateColumns = []string{"lmk_key", "address1", "address2", "address3", "postcode", "property_type", "address"}

// ImportCertificates imports an EPC certificates.csv. Columns are found by
// header name; any other columns are ignored.
func (ci *CSVImporter) ImportCertificates(ctx context.Context, r io.Reader) (*ImportStats, error) {
	reader := newReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	index, err := certificateIndex(header)
	if err != nil {
		return nil, err
	}

	mapRow := func(record []string) (store.Certificate, error) {
		get := func(col string) string {
			i := index[col]
			if i >= len(record) {
				return ""
			}
			return normalize.CleanField(record[i])
		}

		key := get("lmk_key")
		if key == "" {
			return store.Certificate{}, fmt.Errorf("empty lmk_key")
		}
		return store.Certificate{
			LMKKey:       key,
			Address1:     get("address1"),
			Address2:     get("address2"),
			Address3:     get("address3"),
			Postcode:     get("postcode"),
			PropertyType: get("property_type"),
			Address:      get("address"),
		}, nil
	}

	return importRows(ctx, ci, reader, "epc", mapRow, ci.writer.InsertCertificates)
}

func certificateIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := columnName(h)
		if _, ok := index[name]; !ok {
			index[name] = i
		}
	}

	var missing []string
	for _, col := range certificateColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("certificates file is missing columns: %s", strings.Join(missing, ", "))
	}
	return index, nil
}
