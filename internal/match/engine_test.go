package match

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppd-epc-link/internal/normalize"
	"github.com/ppd-epc-link/internal/rules"
)

func defaultEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	table, err := rules.Default()
	require.NoError(t, err)
	return NewEngine(table, opts...)
}

func statsFor(stats []StageStatistics, rule int) (StageStatistics, bool) {
	for _, s := range stats {
		if s.Rule == rule && !s.Pending {
			return s, true
		}
	}
	return StageStatistics{}, false
}

func TestLinkBatchFlatOnStreet(t *testing.T) {
	engine := defaultEngine(t)

	txs := []TransactionRecord{{ID: "T1", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"}}
	certs := []CertificateRecord{{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 3", Address2: "High St"}}

	result, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)

	assert.Equal(t, []LinkRecord{{TransactionID: "T1", CertificateID: "E1"}}, result.Links)
	assert.Equal(t, 0, result.Unlinked)

	// no full address line, so the add rules 1-9 cannot join and
	// saon_paon1__street meets add1__add2 at rule 12
	for _, s := range result.Stats {
		if s.Rule < 12 {
			assert.Zero(t, s.NewLinks, "rule %d", s.Rule)
		}
	}
	s, ok := statsFor(result.Stats, 12)
	require.True(t, ok)
	assert.Equal(t, "stage_1", s.Stage)
	assert.Equal(t, 1, s.NewLinks)
	assert.Equal(t, 1, s.LinkedTransactions)
	assert.Equal(t, 0, s.PoolAfter)

	for _, s := range result.Stats {
		if s.Rule > 12 {
			assert.Zero(t, s.PoolBefore, "rule %d saw a linked transaction", s.Rule)
		}
	}
}

func TestLinkBatchFirstLineTrailingComma(t *testing.T) {
	txs := []TransactionRecord{{ID: "T1", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"}}
	certs := []CertificateRecord{{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 3,", Address2: "High St"}}

	result, err := defaultEngine(t).LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)
	require.Len(t, result.Links, 1)

	// FLAT3HIGHST on both sides: saonn_paonn_streetn1 against add1__add2_pnc
	for _, s := range result.Stats {
		if s.Rule < 17 {
			assert.Zero(t, s.NewLinks, "rule %d", s.Rule)
		}
	}
	s, ok := statsFor(result.Stats, 17)
	require.True(t, ok)
	assert.Equal(t, 1, s.NewLinks)

	table, err := rules.Default()
	require.NoError(t, err)
	prepared, _, _ := PrepareCertificates(table.Canonicalizer(), certs)
	require.Len(t, prepared, 1)
	assert.Equal(t, "", prepared[0].Address)
}

func TestLinkBatchSecondaryAddressNeverInLaterStages(t *testing.T) {
	engine := defaultEngine(t)

	txs := []TransactionRecord{{
		ID: "T1", Postcode: "GU34 1AA", SAON: "FLAT 1", PAON: "12", Street: "MILL LANE", Locality: "TOWN",
	}}
	// would satisfy rule 28 if the transaction reached stage 2
	certs := []CertificateRecord{{ID: "E1", Postcode: "GU34 1AA", Address: "12, MILL LANE, TOWN"}}

	result, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)

	assert.Empty(t, result.Links)
	assert.Equal(t, 1, result.Unlinked)
	for _, s := range result.Stats {
		if s.Stage == "stage_2" || s.Stage == "stage_3_not_flat" {
			assert.Zero(t, s.PoolBefore, "stage %s rule %d", s.Stage, s.Rule)
			assert.Zero(t, s.Eligible, "stage %s rule %d", s.Stage, s.Rule)
		}
	}
}

func TestLinkBatchStageTwo(t *testing.T) {
	engine := defaultEngine(t)

	txs := []TransactionRecord{{ID: "T1", Postcode: "GU34 1AA", PAON: "12", Street: "MILL LANE", Locality: "TOWN"}}
	certs := []CertificateRecord{{ID: "E1", Postcode: "GU34 1AA", Address: "12, MILL LANE, TOWN"}}

	result, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)
	require.Len(t, result.Links, 1)

	s, ok := statsFor(result.Stats, 28)
	require.True(t, ok)
	assert.Equal(t, "stage_2", s.Stage)
	assert.Equal(t, 1, s.NewLinks)
}

func TestLinkBatchCertificateReuse(t *testing.T) {
	engine := defaultEngine(t)

	txs := []TransactionRecord{
		{ID: "T1", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"},
		{ID: "T2", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"},
	}
	certs := []CertificateRecord{{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 3", Address2: "High St"}}

	result, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)
	assert.Equal(t, []LinkRecord{
		{TransactionID: "T1", CertificateID: "E1"},
		{TransactionID: "T2", CertificateID: "E1"},
	}, result.Links)
}

func TestLinkBatchFanOut(t *testing.T) {
	engine := defaultEngine(t)

	txs := []TransactionRecord{{ID: "T1", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"}}
	certs := []CertificateRecord{
		{ID: "E2", Postcode: "AB1 2CD", Address1: "Flat 3", Address2: "High St"},
		{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 3", Address2: "High St"},
		{ID: "E3", Postcode: "ZZ9 9ZZ", Address1: "Flat 3", Address2: "High St"},
	}

	result, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)
	assert.Equal(t, []LinkRecord{
		{TransactionID: "T1", CertificateID: "E1"},
		{TransactionID: "T1", CertificateID: "E2"},
	}, result.Links)
}

func TestLinkBatchAtMostOneRulePerTransaction(t *testing.T) {
	engine := defaultEngine(t)

	txs := []TransactionRecord{
		{ID: "T1", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"},
		{ID: "T2", Postcode: "GU34 1AA", PAON: "12", Street: "Mill Lane", Locality: "Town"},
		{ID: "T3", Postcode: "GU34 1AA", PAON: "Rose Cottage, 4", Street: "Mill Lane", PropertyType: "D"},
	}
	certs := []CertificateRecord{
		// T1 matches rule 3 through add and rule 12 through add1/add2
		{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 3", Address2: "High St", Address: "Flat 3, High St"},
		{ID: "E2", Postcode: "GU34 1AA", Address: "12, Mill Lane, Town"},
		{ID: "E3", Postcode: "GU34 1AA", Address1: "4", Address2: "Mill Lane", Address: "4, Mill Lane"},
	}

	result, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)

	linkedBy := map[string]int{}
	total := 0
	for _, s := range result.Stats {
		total += s.LinkedTransactions
	}
	for _, l := range result.Links {
		linkedBy[l.TransactionID]++
	}
	assert.Equal(t, len(linkedBy), total)
	assert.Len(t, linkedBy, 3)
}

func TestLinkBatchIdempotentAndDeterministic(t *testing.T) {
	engine := defaultEngine(t)

	txs := []TransactionRecord{
		{ID: "T1", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"},
		{ID: "T2", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"},
		{ID: "T3", Postcode: "GU34 1AA", PAON: "12", Street: "Mill Lane", Locality: "Town"},
		{ID: "T4", Postcode: "GU34 1AA", SAON: "Flat 2", PAON: "9", Street: "Mill Lane", PropertyType: "F"},
	}
	certs := []CertificateRecord{
		{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 3", Address2: "High St"},
		{ID: "E2", Postcode: "GU34 1AA", Address: "12, Mill Lane, Town"},
		{ID: "E3", Postcode: "GU34 1AA", Address1: "Flat 2", Address2: "9 Mill Lane"},
	}

	first, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)
	second, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	reversedTx := make([]TransactionRecord, len(txs))
	for i := range txs {
		reversedTx[len(txs)-1-i] = txs[i]
	}
	reversedCerts := make([]CertificateRecord, len(certs))
	for i := range certs {
		reversedCerts[len(certs)-1-i] = certs[i]
	}
	third, err := engine.LinkBatch(context.Background(), reversedTx, reversedCerts)
	require.NoError(t, err)
	assert.Equal(t, first.Links, third.Links)
	assert.Len(t, first.Links, 4)
}

func TestLinkBatchDoesNotModifyInput(t *testing.T) {
	engine := defaultEngine(t)

	txs := []TransactionRecord{{ID: " T1 ", Postcode: "ab1 2cd", PAON: "Flat 3", Street: "High St"}}
	certs := []CertificateRecord{{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 3", Address2: "High St"}}

	_, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)
	assert.Equal(t, " T1 ", txs[0].ID)
	assert.Equal(t, "ab1 2cd", txs[0].Postcode)
	assert.Nil(t, txs[0].Keys)
	assert.Equal(t, "", certs[0].Address)
}

func TestLinkBatchPendingFlatsStage(t *testing.T) {
	txs := []TransactionRecord{{ID: "T1", Postcode: "AB1 2CD", SAON: "Flat 9", PAON: "1", Street: "Nowhere", PropertyType: "F"}}
	certs := []CertificateRecord{{ID: "E1", Postcode: "AB1 2CD", Address1: "1 Elsewhere"}}

	rec := &fakeRecorder{pending: map[string]int{}}
	result, err := defaultEngine(t, WithRecorder(rec)).LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)

	last := result.Stats[len(result.Stats)-1]
	assert.True(t, last.Pending)
	assert.Equal(t, "stage_3_flat", last.Stage)
	assert.Equal(t, 1, last.Eligible)
	assert.Equal(t, 1, result.Unlinked)
	assert.Equal(t, 1, rec.pending["stage_3_flat"])

	_, err = defaultEngine(t, WithStrictPending(true)).LinkBatch(context.Background(), txs, certs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rules.ErrConfiguration))
}

func TestLinkBatchStrictPendingWithEmptyStage(t *testing.T) {
	txs := []TransactionRecord{{ID: "T1", Postcode: "AB1 2CD", PAON: "1", Street: "Nowhere", PropertyType: "D"}}
	result, err := defaultEngine(t, WithStrictPending(true)).LinkBatch(context.Background(), txs, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Links)
	assert.Equal(t, 1, result.Unlinked)
}

func TestLinkBatchRejectsMalformedRecords(t *testing.T) {
	rec := &fakeRecorder{pending: map[string]int{}}
	engine := defaultEngine(t, WithRecorder(rec))

	txs := []TransactionRecord{
		{ID: "T1", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"},
		{ID: "T1", Postcode: "AB1 2CD", PAON: "Other", Street: "High St"},
		{ID: "T2", Postcode: "N/A", PAON: "Flat 3", Street: "High St"},
		{ID: "", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"},
	}
	certs := []CertificateRecord{
		{ID: "E1", Postcode: "AB1 2CD", Address1: "Flat 3", Address2: "High St"},
		{ID: "E2", Postcode: "", Address1: "Flat 3", Address2: "High St"},
	}

	result, err := engine.LinkBatch(context.Background(), txs, certs)
	require.NoError(t, err)

	assert.Equal(t, Rejections{
		MalformedTransactions: 2,
		MalformedCertificates: 1,
		DuplicateTransactions: 1,
	}, result.Rejected)
	assert.Equal(t, 4, result.Rejected.Total())
	assert.Equal(t, []LinkRecord{{TransactionID: "T1", CertificateID: "E1"}}, result.Links)
	assert.Equal(t, 3, rec.rejected[normalize.SideTransaction])
	assert.Equal(t, 1, rec.rejected[normalize.SideCertificate])
}

func TestLinkBatchEmptyPools(t *testing.T) {
	result, err := defaultEngine(t).LinkBatch(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Links)
	assert.Len(t, result.Stats, 68)
	for _, s := range result.Stats {
		assert.Zero(t, s.NewLinks)
	}
}

func TestLinkBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	txs := []TransactionRecord{{ID: "T1", Postcode: "AB1 2CD", PAON: "Flat 3", Street: "High St"}}
	result, err := defaultEngine(t).LinkBatch(ctx, txs, nil)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeRecorder struct {
	rules    int
	rejected map[normalize.Side]int
	pending  map[string]int
}

func (f *fakeRecorder) ObserveRule(string, int, int, int) { f.rules++ }

func (f *fakeRecorder) ObserveRejected(side normalize.Side, n int) {
	if f.rejected == nil {
		f.rejected = map[normalize.Side]int{}
	}
	f.rejected[side] += n
}

func (f *fakeRecorder) ObservePending(stage string, n int) { f.pending[stage] += n }
