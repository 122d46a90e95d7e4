package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator is the comparison a predicate applies to a field value
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not-equals"
	OpContainsLiteral    Operator = "contains-literal"
	OpContainsPattern    Operator = "contains-pattern"
	OpNotContainsLiteral Operator = "not-contains-literal"
	OpNotContainsPattern Operator = "not-contains-pattern"
)

// Operators lists every supported operator
var Operators = []Operator{
	OpEquals, OpNotEquals, OpContainsLiteral, OpContainsPattern, OpNotContainsLiteral, OpNotContainsPattern,
}

// Known reports whether op is supported
func (op Operator) Known() bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

func (op Operator) isPattern() bool {
	return op == OpContainsPattern || op == OpNotContainsPattern
}

// Predicate keeps a record when its field satisfies the operator. Field may
// name a raw field or a variant of the predicate's side.
type Predicate struct {
	Field string   `yaml:"field" json:"field"`
	Op    Operator `yaml:"op" json:"op"`
	Value string   `yaml:"value" json:"value"`

	re *regexp.Regexp
}

// NewPredicate builds a predicate and compiles its pattern if it has one
func NewPredicate(field string, op Operator, value string) (Predicate, error) {
	p := Predicate{Field: field, Op: op, Value: value}
	if err := p.compile(); err != nil {
		return Predicate{}, err
	}
	return p, nil
}

func (p *Predicate) compile() error {
	if !p.Op.Known() {
		return fmt.Errorf("unknown operator %q", p.Op)
	}
	if !p.Op.isPattern() {
		return nil
	}
	re, err := regexp.Compile(p.Value)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", p.Value, err)
	}
	p.re = re
	return nil
}

// Match evaluates the predicate against a field value
func (p Predicate) Match(value string) bool {
	switch p.Op {
	case OpEquals:
		return value == p.Value
	case OpNotEquals:
		return value != p.Value
	case OpContainsLiteral:
		return strings.Contains(value, p.Value)
	case OpNotContainsLiteral:
		return !strings.Contains(value, p.Value)
	case OpContainsPattern:
		return p.re != nil && p.re.MatchString(value)
	case OpNotContainsPattern:
		return p.re != nil && !p.re.MatchString(value)
	}
	return false
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %q", p.Field, p.Op, p.Value)
}
