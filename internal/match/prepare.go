package match

import (
	"github.com/ppd-epc-link/internal/normalize"
)

// PrepareTransactions cleans copies of the raw records and computes their
// keys. Records without an id or postcode are returned as errors; repeated
// ids keep their first occurrence.
func PrepareTransactions(canon *normalize.Canonicalizer, raw []TransactionRecord) ([]*TransactionRecord, []error, int) {
	out := make([]*TransactionRecord, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	var malformed []error
	duplicates := 0

	for i := range raw {
		r := raw[i]
		r.ID = normalize.CleanField(r.ID)
		r.Postcode = normalize.AddressField(r.Postcode)
		r.SAON = normalize.AddressField(r.SAON)
		r.PAON = normalize.AddressField(r.PAON)
		r.Street = normalize.AddressField(r.Street)
		r.Locality = normalize.AddressField(r.Locality)
		r.PropertyType = normalize.CleanField(r.PropertyType)

		if err := validate(normalize.SideTransaction, r.ID, r.Postcode, "transactionid"); err != nil {
			malformed = append(malformed, err)
			continue
		}
		if _, dup := seen[r.ID]; dup {
			duplicates++
			continue
		}
		seen[r.ID] = struct{}{}

		r.Keys = canon.Keys(normalize.SideTransaction, r.Fields())
		out = append(out, &r)
	}

	return out, malformed, duplicates
}

// PrepareCertificates is PrepareTransactions for certificates. The full
// address line is taken as supplied; an empty one only blanks the add keys.
func PrepareCertificates(canon *normalize.Canonicalizer, raw []CertificateRecord) ([]*CertificateRecord, []error, int) {
	out := make([]*CertificateRecord, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	var malformed []error
	duplicates := 0

	for i := range raw {
		c := raw[i]
		c.ID = normalize.CleanField(c.ID)
		c.Postcode = normalize.AddressField(c.Postcode)
		c.Address1 = normalize.AddressField(c.Address1)
		c.Address2 = normalize.AddressField(c.Address2)
		c.Address3 = normalize.AddressField(c.Address3)
		c.Address = normalize.AddressField(c.Address)
		c.PropertyType = normalize.CleanField(c.PropertyType)

		if err := validate(normalize.SideCertificate, c.ID, c.Postcode, "lmk_key"); err != nil {
			malformed = append(malformed, err)
			continue
		}
		if _, dup := seen[c.ID]; dup {
			duplicates++
			continue
		}
		seen[c.ID] = struct{}{}

		c.Keys = canon.Keys(normalize.SideCertificate, c.Fields())
		out = append(out, &c)
	}

	return out, malformed, duplicates
}

func validate(side normalize.Side, id, postcode, idField string) error {
	if id == "" {
		return &normalize.MalformedRecordError{Side: side, Reason: "empty " + idField}
	}
	if postcode == "" {
		return &normalize.MalformedRecordError{Side: side, ID: id, Reason: "empty postcode"}
	}
	return nil
}
