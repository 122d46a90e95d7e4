package match

import "github.com/ppd-epc-link/internal/normalize"

// TransactionRecord is one Price Paid sale
type TransactionRecord struct {
	ID           string `db:"transactionid" json:"transactionid"`
	Postcode     string `db:"postcode" json:"postcode"`
	SAON         string `db:"saon" json:"saon"`
	PAON         string `db:"paon" json:"paon"`
	Street       string `db:"street" json:"street"`
	Locality     string `db:"locality" json:"locality"`
	PropertyType string `db:"propertytype" json:"propertytype"`

	// Keys holds every transaction variant, computed once per pass
	Keys map[string]string `db:"-" json:"-"`
}

// Fields exposes the raw values under the names variants refer to
func (t *TransactionRecord) Fields() normalize.Fields {
	return normalize.Fields{
		"transactionid": t.ID,
		"postcode":      t.Postcode,
		"saon":          t.SAON,
		"paon":          t.PAON,
		"street":        t.Street,
		"locality":      t.Locality,
		"propertytype":  t.PropertyType,
	}
}

func (t *TransactionRecord) field(name string) (string, bool) {
	switch name {
	case "transactionid":
		return t.ID, true
	case "postcode":
		return t.Postcode, true
	case "saon":
		return t.SAON, true
	case "paon":
		return t.PAON, true
	case "street":
		return t.Street, true
	case "locality":
		return t.Locality, true
	case "propertytype":
		return t.PropertyType, true
	}
	v, ok := t.Keys[name]
	return v, ok
}

// CertificateRecord is one residential energy performance certificate
type CertificateRecord struct {
	ID           string `db:"lmk_key" json:"lmk_key"`
	Postcode     string `db:"postcode" json:"postcode"`
	Address1     string `db:"address1" json:"address1"`
	Address2     string `db:"address2" json:"address2"`
	Address3     string `db:"address3" json:"address3"`
	Address      string `db:"address" json:"address"`
	PropertyType string `db:"property_type" json:"property_type"`

	Keys map[string]string `db:"-" json:"-"`
}

// Fields exposes the raw values under the names variants refer to
func (c *CertificateRecord) Fields() normalize.Fields {
	return normalize.Fields{
		"lmk_key":       c.ID,
		"postcode":      c.Postcode,
		"add1":          c.Address1,
		"add2":          c.Address2,
		"add3":          c.Address3,
		"add":           c.Address,
		"property_type": c.PropertyType,
	}
}

func (c *CertificateRecord) field(name string) (string, bool) {
	switch name {
	case "lmk_key":
		return c.ID, true
	case "postcode":
		return c.Postcode, true
	case "add1":
		return c.Address1, true
	case "add2":
		return c.Address2, true
	case "add3":
		return c.Address3, true
	case "add":
		return c.Address, true
	case "property_type":
		return c.PropertyType, true
	}
	v, ok := c.Keys[name]
	return v, ok
}

// LinkRecord pairs a transaction with a certificate describing the same property
type LinkRecord struct {
	TransactionID string `db:"transactionid" json:"transactionid"`
	CertificateID string `db:"lmk_key" json:"lmk_key"`
}

// StageStatistics describes one rule execution, or one pending stage
type StageStatistics struct {
	Stage                string `json:"stage"`
	Rule                 int    `json:"rule"`
	TransactionVariant   string `json:"transaction_variant,omitempty"`
	CertificateVariant   string `json:"certificate_variant,omitempty"`
	PoolBefore           int    `json:"pool_before"`
	Eligible             int    `json:"eligible"`
	CertificatesEligible int    `json:"certificates_eligible"`
	NewLinks             int    `json:"new_links"`
	LinkedTransactions   int    `json:"linked_transactions"`
	PoolAfter            int    `json:"pool_after"`
	BlankTransactionKeys int    `json:"blank_transaction_keys"`
	BlankCertificateKeys int    `json:"blank_certificate_keys"`
	Pending              bool   `json:"pending,omitempty"`
}

// Add accumulates the counts of another execution of the same rule
func (s *StageStatistics) Add(o StageStatistics) {
	s.PoolBefore += o.PoolBefore
	s.Eligible += o.Eligible
	s.CertificatesEligible += o.CertificatesEligible
	s.NewLinks += o.NewLinks
	s.LinkedTransactions += o.LinkedTransactions
	s.PoolAfter += o.PoolAfter
	s.BlankTransactionKeys += o.BlankTransactionKeys
	s.BlankCertificateKeys += o.BlankCertificateKeys
}

// Rejections counts input records excluded before linking
type Rejections struct {
	MalformedTransactions int `json:"malformed_transactions"`
	MalformedCertificates int `json:"malformed_certificates"`
	DuplicateTransactions int `json:"duplicate_transactions"`
	DuplicateCertificates int `json:"duplicate_certificates"`
}

// Add accumulates another batch's rejections
func (r *Rejections) Add(o Rejections) {
	r.MalformedTransactions += o.MalformedTransactions
	r.MalformedCertificates += o.MalformedCertificates
	r.DuplicateTransactions += o.DuplicateTransactions
	r.DuplicateCertificates += o.DuplicateCertificates
}

// Total is the number of records rejected on either side
func (r Rejections) Total() int {
	return r.MalformedTransactions + r.MalformedCertificates + r.DuplicateTransactions + r.DuplicateCertificates
}

// Result is the outcome of linking one batch
type Result struct {
	Links    []LinkRecord      `json:"links"`
	Stats    []StageStatistics `json:"stats"`
	Rejected Rejections        `json:"rejected"`
	// Unlinked is the number of valid transactions left after every stage
	Unlinked int `json:"unlinked"`
}
