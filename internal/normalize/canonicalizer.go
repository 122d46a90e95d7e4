package normalize

import "fmt"

// Canonicalizer computes every declared variant for a record. It holds no
// mutable state and is safe for concurrent use.
type Canonicalizer struct {
	variants map[Side][]Variant
	index    map[Side]map[string]int
}

// NewCanonicalizer validates the variants and groups them by side
func NewCanonicalizer(variants []Variant) (*Canonicalizer, error) {
	c := &Canonicalizer{
		variants: make(map[Side][]Variant),
		index: map[Side]map[string]int{
			SideTransaction: {},
			SideCertificate: {},
		},
	}

	for _, v := range variants {
		names, ok := c.index[v.Side]
		if !ok {
			return nil, fmt.Errorf("variant %q has unknown side %q", v.Name, v.Side)
		}
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if _, dup := names[v.Name]; dup {
			return nil, fmt.Errorf("duplicate %s variant %q", v.Side, v.Name)
		}
		names[v.Name] = len(c.variants[v.Side])
		c.variants[v.Side] = append(c.variants[v.Side], v)
	}

	return c, nil
}

// Has reports whether a variant of that name is declared for the side
func (c *Canonicalizer) Has(side Side, name string) bool {
	_, ok := c.index[side][name]
	return ok
}

// Variant returns the named variant of a side
func (c *Canonicalizer) Variant(side Side, name string) (Variant, bool) {
	i, ok := c.index[side][name]
	if !ok {
		return Variant{}, false
	}
	return c.variants[side][i], true
}

// Variants returns the declared variants of a side in declaration order
func (c *Canonicalizer) Variants(side Side) []Variant {
	out := make([]Variant, len(c.variants[side]))
	copy(out, c.variants[side])
	return out
}

// Keys computes all variant values of one side for the given fields
func (c *Canonicalizer) Keys(side Side, f Fields) map[string]string {
	keys := make(map[string]string, len(c.variants[side]))
	for _, v := range c.variants[side] {
		keys[v.Name] = v.Apply(f)
	}
	return keys
}
