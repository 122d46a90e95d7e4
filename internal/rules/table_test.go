package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppd-epc-link/internal/normalize"
)

func TestDefaultTable(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)

	names := make([]string, 0, len(table.Stages))
	for _, s := range table.Stages {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"stage_1", "stage_2", "stage_3_not_flat", "stage_3_flat"}, names)

	all := table.Rules()
	require.Len(t, all, 67)
	for i, r := range all {
		assert.Equal(t, i+1, r.Priority)
	}

	counts := map[string]int{}
	for _, r := range all {
		counts[r.Stage]++
	}
	assert.Equal(t, 27, counts["stage_1"])
	assert.Equal(t, 13, counts["stage_2"])
	assert.Equal(t, 27, counts["stage_3_not_flat"])

	flats, ok := table.Stage("stage_3_flat")
	require.True(t, ok)
	assert.True(t, flats.Pending)
	assert.Empty(t, flats.Rules)
}

func TestDefaultTableVariants(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)
	canon := table.Canonicalizer()

	tx := normalize.Fields{
		"postcode": "AB1 2CD",
		"saon":     "",
		"paon":     "FLAT 3",
		"street":   "HIGH ST",
		"locality": "",
	}
	cert := normalize.Fields{
		"postcode": "AB1 2CD",
		"add1":     "FLAT 3",
		"add2":     "HIGH ST",
		"add":      "",
	}

	txKeys := canon.Keys(normalize.SideTransaction, tx)
	certKeys := canon.Keys(normalize.SideCertificate, cert)

	// rule 12
	assert.Equal(t, "AB1 2CD,FLAT3,HIGHST", normalize.JoinKey("AB1 2CD", txKeys["saon_paon1__street"]))
	assert.Equal(t, "AB1 2CD,FLAT3,HIGHST", normalize.JoinKey("AB1 2CD", certKeys["add1__add2"]))
	// rule 17
	assert.Equal(t, "FLAT3HIGHST", txKeys["saonn_paonn_streetn1"])
	assert.Equal(t, "FLAT3HIGHST", certKeys["add1__add2_pnc"])
	// rule 3 needs the full address line
	assert.Equal(t, "FLAT3,HIGHST", txKeys["saon_paon1__street"])
	assert.Equal(t, "", certKeys["add"])
	assert.False(t, normalize.HasAlphanumeric(certKeys["add"]))

	assert.Equal(t, "THE FLAT 3", txKeys["THE_paon_comma_sep1"])
	assert.Equal(t, "FLAT 3", certKeys["add1"])
}

func TestRuleSixtyFiveKeepsTrailingLetter(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)
	rule := table.Rules()[64]
	require.Equal(t, 65, rule.Priority)

	var add1 Predicate
	for _, p := range rule.Certificate {
		if p.Field == "add1" {
			add1 = p
		}
	}
	require.Equal(t, OpNotContainsPattern, add1.Op)
	assert.True(t, add1.Match("12 B"))
	assert.True(t, add1.Match("12 MILL LANE"))
	assert.False(t, add1.Match("12 B MILL LANE"))
	assert.False(t, add1.Match("12 B, MILL LANE"))
}

func predicateStrings(ps []Predicate) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}

func variantsByName(vs []normalize.Variant) map[string]normalize.Variant {
	out := make(map[string]normalize.Variant, len(vs))
	for _, v := range vs {
		out[v.Name] = v
	}
	return out
}

func TestCompatTableMatchesDefaultLayout(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)
	compat, err := Load(CompatTableName)
	require.NoError(t, err)

	require.Len(t, compat.Stages, len(def.Stages))
	for i := range def.Stages {
		assert.Equal(t, def.Stages[i].Name, compat.Stages[i].Name)
		assert.Equal(t, def.Stages[i].Pending, compat.Stages[i].Pending)
		assert.Equal(t, predicateStrings(def.Stages[i].Eligibility), predicateStrings(compat.Stages[i].Eligibility))
	}

	defRules, compatRules := def.Rules(), compat.Rules()
	require.Len(t, compatRules, len(defRules))
	for i, want := range defRules {
		got := compatRules[i]
		assert.Equal(t, want.Priority, got.Priority)
		assert.Equal(t, want.Stage, got.Stage)
		assert.Equal(t, want.TransactionVariant, got.TransactionVariant, "rule %d", want.Priority)
		assert.Equal(t, want.CertificateVariant, got.CertificateVariant, "rule %d", want.Priority)
		assert.Equal(t, predicateStrings(want.Certificate), predicateStrings(got.Certificate), "rule %d", want.Priority)
		if want.Priority == 40 {
			assert.Empty(t, got.Transaction)
			continue
		}
		assert.Equal(t, predicateStrings(want.Transaction), predicateStrings(got.Transaction), "rule %d", want.Priority)
	}

	changed := map[string]bool{
		"saonn_paonn__localityn":   true,
		"paonn_streetn__localityn": true,
		"paon__streetn_1_1":        true,
		"add_nounit_nc":            true,
		"add1_firstword__add2_nc":  true,
		"add1_comma_tail":          true,
	}
	for _, side := range []struct {
		def, compat []normalize.Variant
	}{
		{def.Variants.Transaction, compat.Variants.Transaction},
		{def.Variants.Certificate, compat.Variants.Certificate},
	} {
		want, got := variantsByName(side.def), variantsByName(side.compat)
		require.Equal(t, len(want), len(got))
		for name, v := range want {
			other, ok := got[name]
			require.True(t, ok, name)
			if changed[name] {
				assert.NotEqual(t, v, other, name)
				continue
			}
			assert.Equal(t, v, other, name)
		}
	}
}

func TestCompatTableKeys(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)
	compat, err := Compat()
	require.NoError(t, err)

	tx := normalize.Fields{
		"saon": "FLAT 1", "paon": "12", "street": "ST. MARY'S-ROAD", "locality": "OLD TOWN",
	}
	defTx := def.Canonicalizer().Keys(normalize.SideTransaction, tx)
	compatTx := compat.Canonicalizer().Keys(normalize.SideTransaction, tx)

	assert.Equal(t, "FLAT112,OLDTOWN", defTx["saonn_paonn__localityn"])
	assert.Equal(t, compatTx["saonn_paonn__streetn"], compatTx["saonn_paonn__localityn"])
	assert.Equal(t, "12STMARYSROAD", defTx["paon__streetn_1_1"])
	assert.Equal(t, "12ST.MARY'S-ROAD", compatTx["paon__streetn_1_1"])
	assert.Equal(t, compatTx["paonn__streetn__localityn"], compatTx["paonn_streetn__localityn"])
	assert.NotEqual(t, defTx["paonn__streetn__localityn"], defTx["paonn_streetn__localityn"])

	cert := normalize.Fields{"add": "UNIT 4, MILL ESTATE", "add1": "12 MILL LANE, NORTH-SIDE", "add2": "TOWN"}
	defCert := def.Canonicalizer().Keys(normalize.SideCertificate, cert)
	compatCert := compat.Canonicalizer().Keys(normalize.SideCertificate, cert)

	assert.Equal(t, "4MILLESTATE", defCert["add_nounit_nc"])
	assert.Equal(t, "UNIT4MILLESTATE", compatCert["add_nounit_nc"])
	assert.Equal(t, "12TOWN", defCert["add1_firstword__add2_nc"])
	assert.Equal(t, "12, TOWN", compatCert["add1_firstword__add2_nc"])
	assert.Equal(t, " NORTH-SIDE", defCert["add1_comma_tail"])
	assert.Equal(t, " NORTHSIDE", compatCert["add1_comma_tail"])
}

func TestParseValidation(t *testing.T) {
	base := `
variants:
  transaction:
    - {name: paon, parts: [{field: paon}]}
  certificate:
    - {name: add1, parts: [{field: add1}]}
`
	tests := []struct {
		name    string
		stages  string
		wantErr string
	}{
		{
			name: "valid",
			stages: `
stages:
  - name: s1
    rules:
      - {priority: 1, transaction: paon, certificate: add1}
`,
		},
		{
			name: "undefined transaction variant",
			stages: `
stages:
  - name: s1
    rules:
      - {priority: 1, transaction: saon, certificate: add1}
`,
			wantErr: "undefined transaction variant",
		},
		{
			name: "undefined certificate variant",
			stages: `
stages:
  - name: s1
    rules:
      - {priority: 1, transaction: paon, certificate: add9}
`,
			wantErr: "undefined certificate variant",
		},
		{
			name: "priorities not ascending",
			stages: `
stages:
  - name: s1
    rules:
      - {priority: 2, transaction: paon, certificate: add1}
      - {priority: 2, transaction: paon, certificate: add1}
`,
			wantErr: "priority must be greater than 2",
		},
		{
			name: "unknown operator",
			stages: `
stages:
  - name: s1
    rules:
      - priority: 1
        transaction: paon
        certificate: add1
        transaction_filters: [{field: paon, op: in, value: ","}]
`,
			wantErr: `unknown operator "in"`,
		},
		{
			name: "bad pattern",
			stages: `
stages:
  - name: s1
    rules:
      - priority: 1
        transaction: paon
        certificate: add1
        certificate_filters: [{field: add1, op: contains-pattern, value: "("}]
`,
			wantErr: "invalid pattern",
		},
		{
			name: "predicate on other side field",
			stages: `
stages:
  - name: s1
    eligibility: [{field: add1, op: equals, value: ""}]
    rules:
      - {priority: 1, transaction: paon, certificate: add1}
`,
			wantErr: "undefined transaction field",
		},
		{
			name: "stage without rules",
			stages: `
stages:
  - name: s1
`,
			wantErr: "stage has no rules",
		},
		{
			name: "pending stage with rules",
			stages: `
stages:
  - name: s1
    pending: true
    rules:
      - {priority: 1, transaction: paon, certificate: add1}
`,
			wantErr: "pending stage must not declare rules",
		},
		{
			name: "duplicate stage",
			stages: `
stages:
  - name: s1
    rules:
      - {priority: 1, transaction: paon, certificate: add1}
  - name: s1
    rules:
      - {priority: 2, transaction: paon, certificate: add1}
`,
			wantErr: "duplicate stage name",
		},
		{
			name:    "no stages",
			stages:  "",
			wantErr: "declares no stages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Parse([]byte(base + tt.stages))
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Len(t, table.Rules(), 1)
				assert.Equal(t, "s1", table.Rules()[0].Stage)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseRejectsBadVariant(t *testing.T) {
	_, err := Parse([]byte(`
variants:
  transaction:
    - {name: bad, parts: [{field: add1}]}
stages:
  - name: s1
    pending: true
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "unknown transaction field")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
variants:
  transaction:
    - {name: paon, parts: [{field: paon}]}
  certificate:
    - {name: add1, parts: [{field: add1}]}
stages:
  - name: only
    rules:
      - {priority: 5, transaction: paon, certificate: add1}
`), 0o644))

	table, err := Load(path)
	require.NoError(t, err)
	require.Len(t, table.Rules(), 1)
	assert.Equal(t, 5, table.Rules()[0].Priority)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	table, err = Load("")
	require.NoError(t, err)
	assert.Len(t, table.Rules(), 67)
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Stage: "stage_2", Rule: 40, Field: "paon", Reason: "bad"}
	assert.Equal(t, "configuration error: stage stage_2 rule 40 field paon: bad", err.Error())
	assert.Equal(t, "configuration error: bad", (&ConfigError{Reason: "bad"}).Error())
}
