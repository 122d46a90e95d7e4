package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppd-epc-link/internal/rules"
)

func TestPrepareTransactionsKeysDependOnFieldsOnly(t *testing.T) {
	table, err := rules.Default()
	require.NoError(t, err)

	raw := []TransactionRecord{
		{ID: "T1", Postcode: "AB1 2CD", SAON: "Flat 2", PAON: "9", Street: "Mill Lane", Locality: "Town", PropertyType: "F"},
		{ID: "T2", Postcode: "AB1 2CD", SAON: "Flat 2", PAON: "9", Street: "Mill Lane", Locality: "Town", PropertyType: "F"},
	}

	out, malformed, duplicates := PrepareTransactions(table.Canonicalizer(), raw)
	require.Len(t, out, 2)
	assert.Empty(t, malformed)
	assert.Zero(t, duplicates)

	assert.Equal(t, "T1", out[0].ID)
	assert.Equal(t, "T2", out[1].ID)
	assert.NotEmpty(t, out[0].Keys)
	assert.Equal(t, out[0].Keys, out[1].Keys)

	again, _, _ := PrepareTransactions(table.Canonicalizer(), raw[1:])
	require.Len(t, again, 1)
	assert.Equal(t, out[1].Keys, again[0].Keys)
}

func TestPrepareCertificatesKeysDependOnFieldsOnly(t *testing.T) {
	table, err := rules.Default()
	require.NoError(t, err)

	raw := []CertificateRecord{
		{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 2", Address2: "9 Mill Lane", PropertyType: "Flat"},
		{ID: "E2", Postcode: "AB1 2CD", Address1: "Flat 2", Address2: "9 Mill Lane", PropertyType: "Flat"},
	}

	out, _, _ := PrepareCertificates(table.Canonicalizer(), raw)
	require.Len(t, out, 2)
	assert.NotEmpty(t, out[0].Keys)
	assert.Equal(t, out[0].Keys, out[1].Keys)
}
