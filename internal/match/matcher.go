package match

import (
	"sort"

	"github.com/ppd-epc-link/internal/normalize"
	"github.com/ppd-epc-link/internal/rules"
)

// RuleResult is the outcome of one rule over one pool
type RuleResult struct {
	Links   []LinkRecord
	Matched map[string]struct{}
	Stats   StageStatistics
}

// Match runs a single rule: both sides are narrowed by the rule's filters,
// keyed by postcode and variant, and inner-joined with full fan-out. The pool
// and certificates are left untouched.
func Match(rule rules.Rule, pool Pool, certificates []*CertificateRecord) (*RuleResult, error) {
	stats := StageStatistics{
		Stage:              rule.Stage,
		Rule:               rule.Priority,
		TransactionVariant: rule.TransactionVariant,
		CertificateVariant: rule.CertificateVariant,
		PoolBefore:         pool.Len(),
	}

	eligible, err := filterPool(pool, rule.Transaction, rule)
	if err != nil {
		return nil, err
	}
	certs, err := filterCertificates(certificates, rule.Certificate, rule)
	if err != nil {
		return nil, err
	}
	stats.Eligible = eligible.Len()
	stats.CertificatesEligible = len(certs)

	index := make(map[string][]string, len(certs))
	for _, c := range certs {
		v, ok := c.Keys[rule.CertificateVariant]
		if !ok {
			return nil, missingVariant(rule, normalize.SideCertificate, rule.CertificateVariant)
		}
		if !normalize.HasAlphanumeric(v) {
			stats.BlankCertificateKeys++
			continue
		}
		key := normalize.JoinKey(c.Postcode, v)
		index[key] = append(index[key], c.ID)
	}

	result := &RuleResult{Matched: make(map[string]struct{})}
	seen := make(map[LinkRecord]struct{})
	for _, t := range eligible.records {
		v, ok := t.Keys[rule.TransactionVariant]
		if !ok {
			return nil, missingVariant(rule, normalize.SideTransaction, rule.TransactionVariant)
		}
		if !normalize.HasAlphanumeric(v) {
			stats.BlankTransactionKeys++
			continue
		}
		for _, certID := range index[normalize.JoinKey(t.Postcode, v)] {
			link := LinkRecord{TransactionID: t.ID, CertificateID: certID}
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			result.Links = append(result.Links, link)
			result.Matched[t.ID] = struct{}{}
		}
	}

	SortLinks(result.Links)
	stats.NewLinks = len(result.Links)
	stats.LinkedTransactions = len(result.Matched)
	stats.PoolAfter = pool.Len() - len(result.Matched)
	result.Stats = stats

	return result, nil
}

// SortLinks orders links by transaction id, then certificate id
func SortLinks(links []LinkRecord) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].TransactionID != links[j].TransactionID {
			return links[i].TransactionID < links[j].TransactionID
		}
		return links[i].CertificateID < links[j].CertificateID
	})
}

func filterPool(pool Pool, preds []rules.Predicate, rule rules.Rule) (Pool, error) {
	if len(preds) == 0 {
		return pool, nil
	}
	var ferr error
	out := pool.Filter(func(t *TransactionRecord) bool {
		if ferr != nil {
			return false
		}
		for _, p := range preds {
			v, ok := t.field(p.Field)
			if !ok {
				ferr = missingVariant(rule, normalize.SideTransaction, p.Field)
				return false
			}
			if !p.Match(v) {
				return false
			}
		}
		return true
	})
	if ferr != nil {
		return Pool{}, ferr
	}
	return out, nil
}

func filterCertificates(certs []*CertificateRecord, preds []rules.Predicate, rule rules.Rule) ([]*CertificateRecord, error) {
	if len(preds) == 0 {
		return certs, nil
	}
	out := make([]*CertificateRecord, 0, len(certs))
	for _, c := range certs {
		keep := true
		for _, p := range preds {
			v, ok := c.field(p.Field)
			if !ok {
				return nil, missingVariant(rule, normalize.SideCertificate, p.Field)
			}
			if !p.Match(v) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, c)
		}
	}
	return out, nil
}

func missingVariant(rule rules.Rule, side normalize.Side, name string) error {
	return &rules.ConfigError{
		Stage:  rule.Stage,
		Rule:   rule.Priority,
		Field:  name,
		Reason: "record has no " + string(side) + " variant of that name",
	}
}
