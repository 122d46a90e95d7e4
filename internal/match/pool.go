package match

// Pool is an ordered set of unlinked transactions. Operations return a new
// pool and never modify the receiver.
type Pool struct {
	records []*TransactionRecord
}

// NewPool creates a pool over the given prepared records
func NewPool(records []*TransactionRecord) Pool {
	out := make([]*TransactionRecord, len(records))
	copy(out, records)
	return Pool{records: out}
}

// Len is the number of transactions in the pool
func (p Pool) Len() int {
	return len(p.records)
}

// Records returns the pool's transactions in order
func (p Pool) Records() []*TransactionRecord {
	out := make([]*TransactionRecord, len(p.records))
	copy(out, p.records)
	return out
}

// IDs returns the pool's transaction ids in order
func (p Pool) IDs() []string {
	ids := make([]string, len(p.records))
	for i, r := range p.records {
		ids[i] = r.ID
	}
	return ids
}

// Filter keeps the transactions for which keep returns true
func (p Pool) Filter(keep func(*TransactionRecord) bool) Pool {
	out := make([]*TransactionRecord, 0, len(p.records))
	for _, r := range p.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return Pool{records: out}
}

// Without drops the transactions whose id is in ids
func (p Pool) Without(ids map[string]struct{}) Pool {
	if len(ids) == 0 {
		return p
	}
	return p.Filter(func(r *TransactionRecord) bool {
		_, linked := ids[r.ID]
		return !linked
	})
}
