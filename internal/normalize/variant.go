package normalize

import (
	"fmt"
	"strings"
)

// Side names which dataset a field, variant or predicate belongs to
type Side string

const (
	SideTransaction Side = "transaction"
	SideCertificate Side = "certificate"
)

// Raw field names a variant or predicate may reference on each side
var (
	TransactionFields = []string{"transactionid", "postcode", "saon", "paon", "street", "locality", "propertytype"}
	CertificateFields = []string{"lmk_key", "postcode", "add1", "add2", "add3", "add", "property_type"}
)

// KnownField reports whether name is a raw field of the given side
func KnownField(side Side, name string) bool {
	var fields []string
	switch side {
	case SideTransaction:
		fields = TransactionFields
	case SideCertificate:
		fields = CertificateFields
	}
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

// Fields holds the prepared raw values of one record, keyed by field name
type Fields map[string]string

// Extract selects a token from a part's value before it is joined
type Extract string

const (
	ExtractNone      Extract = ""
	ExtractFirstWord Extract = "first_word" // text before the first space
	ExtractLastWord  Extract = "last_word"  // text after the last space
	ExtractCommaHead Extract = "comma_head" // text before the first comma, or all of it
	ExtractCommaTail Extract = "comma_tail" // text after the first comma, or nothing
)

// Valid reports whether e is a known extraction
func (e Extract) Valid() bool {
	switch e {
	case ExtractNone, ExtractFirstWord, ExtractLastWord, ExtractCommaHead, ExtractCommaTail:
		return true
	}
	return false
}

func (e Extract) apply(s string) string {
	switch e {
	case ExtractFirstWord:
		head, _, _ := strings.Cut(s, " ")
		return head
	case ExtractLastWord:
		if i := strings.LastIndex(s, " "); i >= 0 {
			return s[i+1:]
		}
		return s
	case ExtractCommaHead:
		head, _, _ := strings.Cut(s, ",")
		return head
	case ExtractCommaTail:
		_, tail, _ := strings.Cut(s, ",")
		return tail
	}
	return s
}

// Part is one component of a variant: a field or a literal, preceded by Sep
type Part struct {
	Field   string  `yaml:"field,omitempty" json:"field,omitempty"`
	Literal string  `yaml:"literal,omitempty" json:"literal,omitempty"`
	Sep     string  `yaml:"sep,omitempty" json:"sep,omitempty"`
	Extract Extract `yaml:"extract,omitempty" json:"extract,omitempty"`
	Strip   string  `yaml:"strip,omitempty" json:"strip,omitempty"`
}

func (p Part) value(f Fields) string {
	v := p.Literal
	if p.Field != "" {
		v = f[p.Field]
	}
	return stripChars(p.Extract.apply(v), p.Strip)
}

// Variant is a named key recipe. Parts are extracted, stripped and joined;
// the joined string is then trimmed, has Remove literals deleted and finally
// loses every character in Strip.
type Variant struct {
	Name   string   `yaml:"name" json:"name"`
	Side   Side     `yaml:"-" json:"side"`
	Parts  []Part   `yaml:"parts" json:"parts"`
	Trim   bool     `yaml:"trim,omitempty" json:"trim,omitempty"`
	Remove []string `yaml:"remove,omitempty" json:"remove,omitempty"`
	Strip  string   `yaml:"strip,omitempty" json:"strip,omitempty"`
}

// Apply computes the variant's value for one record. Absent fields read as
// the empty string.
func (v Variant) Apply(f Fields) string {
	var b strings.Builder
	for _, p := range v.Parts {
		b.WriteString(p.Sep)
		b.WriteString(p.value(f))
	}
	out := b.String()
	if v.Trim {
		out = strings.TrimSpace(out)
	}
	for _, r := range v.Remove {
		out = strings.ReplaceAll(out, r, "")
	}
	return stripChars(out, v.Strip)
}

// Validate checks the variant only references fields of its own side
func (v Variant) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("variant has no name")
	}
	if len(v.Parts) == 0 {
		return fmt.Errorf("variant %q has no parts", v.Name)
	}
	for i, p := range v.Parts {
		if (p.Field == "") == (p.Literal == "") {
			return fmt.Errorf("variant %q part %d must set exactly one of field or literal", v.Name, i)
		}
		if p.Field != "" && !KnownField(v.Side, p.Field) {
			return fmt.Errorf("variant %q part %d references unknown %s field %q", v.Name, i, v.Side, p.Field)
		}
		if !p.Extract.Valid() {
			return fmt.Errorf("variant %q part %d has unknown extract %q", v.Name, i, p.Extract)
		}
	}
	return nil
}

func stripChars(s, chars string) string {
	if chars == "" || !strings.ContainsAny(s, chars) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(chars, r) {
			return -1
		}
		return r
	}, s)
}
