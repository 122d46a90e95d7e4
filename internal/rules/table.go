package rules

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ppd-epc-link/internal/normalize"
)

//go:embed data/rules.yaml
var defaultTable []byte

//go:embed data/rules_compat.yaml
var compatTable []byte

// CompatTableName selects the built-in compatibility table in Load
const CompatTableName = "builtin:compat"

// Rule joins one transaction variant to one certificate variant. Its filters
// narrow each side for this rule only.
type Rule struct {
	Priority           int         `yaml:"priority" json:"priority"`
	Stage              string      `yaml:"-" json:"stage"`
	TransactionVariant string      `yaml:"transaction" json:"transaction_variant"`
	CertificateVariant string      `yaml:"certificate" json:"certificate_variant"`
	Transaction        []Predicate `yaml:"transaction_filters,omitempty" json:"transaction_filters,omitempty"`
	Certificate        []Predicate `yaml:"certificate_filters,omitempty" json:"certificate_filters,omitempty"`
}

// Stage is an ordered group of rules over the transactions its eligibility
// predicates admit. A pending stage is declared but has no rules yet.
type Stage struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Eligibility []Predicate `yaml:"eligibility,omitempty" json:"eligibility,omitempty"`
	Pending     bool        `yaml:"pending,omitempty" json:"pending"`
	Rules       []Rule      `yaml:"rules,omitempty" json:"rules"`
}

// Table is the validated, immutable stage and rule definition
type Table struct {
	Variants struct {
		Transaction []normalize.Variant `yaml:"transaction" json:"transaction"`
		Certificate []normalize.Variant `yaml:"certificate" json:"certificate"`
	} `yaml:"variants" json:"variants"`
	Stages []Stage `yaml:"stages" json:"stages"`

	canon *normalize.Canonicalizer
}

// Default returns the built-in table
func Default() (*Table, error) {
	return Parse(defaultTable)
}

// Compat returns the built-in table that keeps the key recipes of the first
// production linker. Its stages, priorities and pairs are those of Default.
func Compat() (*Table, error) {
	return Parse(compatTable)
}

// Load reads a table from path, or the built-in one when path is empty
func Load(path string) (*Table, error) {
	switch path {
	case "":
		return Default()
	case CompatTableName:
		return Compat()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule table %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML rule table
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid rule table: %v", err)}
	}
	if err := t.prepare(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Canonicalizer returns the canonicalizer for the table's variants
func (t *Table) Canonicalizer() *normalize.Canonicalizer {
	return t.canon
}

// Rules returns every rule in execution order
func (t *Table) Rules() []Rule {
	var out []Rule
	for _, s := range t.Stages {
		out = append(out, s.Rules...)
	}
	return out
}

// Stage returns the stage with the given name
func (t *Table) Stage(name string) (Stage, bool) {
	for _, s := range t.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

func (t *Table) prepare() error {
	var variants []normalize.Variant
	for i := range t.Variants.Transaction {
		t.Variants.Transaction[i].Side = normalize.SideTransaction
		variants = append(variants, t.Variants.Transaction[i])
	}
	for i := range t.Variants.Certificate {
		t.Variants.Certificate[i].Side = normalize.SideCertificate
		variants = append(variants, t.Variants.Certificate[i])
	}

	canon, err := normalize.NewCanonicalizer(variants)
	if err != nil {
		return &ConfigError{Reason: err.Error()}
	}
	t.canon = canon

	if len(t.Stages) == 0 {
		return &ConfigError{Reason: "rule table declares no stages"}
	}

	stageNames := make(map[string]bool)
	last := 0
	for si := range t.Stages {
		stage := &t.Stages[si]
		if stage.Name == "" {
			return &ConfigError{Reason: fmt.Sprintf("stage %d has no name", si+1)}
		}
		if stageNames[stage.Name] {
			return &ConfigError{Stage: stage.Name, Reason: "duplicate stage name"}
		}
		stageNames[stage.Name] = true

		if err := t.preparePredicates(stage.Name, 0, normalize.SideTransaction, stage.Eligibility); err != nil {
			return err
		}

		if stage.Pending && len(stage.Rules) > 0 {
			return &ConfigError{Stage: stage.Name, Reason: "pending stage must not declare rules"}
		}
		if !stage.Pending && len(stage.Rules) == 0 {
			return &ConfigError{Stage: stage.Name, Reason: "stage has no rules"}
		}

		for ri := range stage.Rules {
			rule := &stage.Rules[ri]
			rule.Stage = stage.Name
			if rule.Priority <= last {
				return &ConfigError{Stage: stage.Name, Rule: rule.Priority,
					Reason: fmt.Sprintf("priority must be greater than %d", last)}
			}
			last = rule.Priority

			if !canon.Has(normalize.SideTransaction, rule.TransactionVariant) {
				return &ConfigError{Stage: stage.Name, Rule: rule.Priority, Field: rule.TransactionVariant,
					Reason: "undefined transaction variant"}
			}
			if !canon.Has(normalize.SideCertificate, rule.CertificateVariant) {
				return &ConfigError{Stage: stage.Name, Rule: rule.Priority, Field: rule.CertificateVariant,
					Reason: "undefined certificate variant"}
			}
			if err := t.preparePredicates(stage.Name, rule.Priority, normalize.SideTransaction, rule.Transaction); err != nil {
				return err
			}
			if err := t.preparePredicates(stage.Name, rule.Priority, normalize.SideCertificate, rule.Certificate); err != nil {
				return err
			}
		}
	}

	return nil
}

func (t *Table) preparePredicates(stage string, rule int, side normalize.Side, preds []Predicate) error {
	for i := range preds {
		p := &preds[i]
		if !normalize.KnownField(side, p.Field) && !t.canon.Has(side, p.Field) {
			return &ConfigError{Stage: stage, Rule: rule, Field: p.Field,
				Reason: fmt.Sprintf("predicate references undefined %s field", side)}
		}
		if err := p.compile(); err != nil {
			return &ConfigError{Stage: stage, Rule: rule, Field: p.Field, Reason: err.Error()}
		}
	}
	return nil
}
