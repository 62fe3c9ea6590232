// Package catalog loads and indexes the indicator definitions that drive
// extraction. The catalog is reference data: loaded once per task, read-only
// afterwards.
package catalog

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/esg-worker/internal/model"
	"github.com/sells-group/esg-worker/internal/store"
)

// ErrEmpty is returned when the store holds no indicator definitions. This is
// a data error: the worker cannot extract anything without a catalog, and
// retrying will not help.
var ErrEmpty = eris.New("catalog: no indicator definitions")

// Catalog is an indexed, immutable snapshot of the indicator definitions.
type Catalog struct {
	defs        []model.IndicatorDefinition
	byAttribute map[int][]model.IndicatorDefinition
	byCode      map[string]model.IndicatorDefinition
}

// Load reads all indicator definitions and indexes them. Fails with ErrEmpty
// when the store has none.
func Load(ctx context.Context, st store.Store) (*Catalog, error) {
	defs, err := st.ListIndicators(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: list indicators")
	}
	if len(defs) == 0 {
		return nil, ErrEmpty
	}
	return New(defs), nil
}

// New builds a catalog from an in-memory definition list.
func New(defs []model.IndicatorDefinition) *Catalog {
	c := &Catalog{
		defs:        make([]model.IndicatorDefinition, len(defs)),
		byAttribute: make(map[int][]model.IndicatorDefinition),
		byCode:      make(map[string]model.IndicatorDefinition, len(defs)),
	}
	copy(c.defs, defs)
	sort.SliceStable(c.defs, func(i, j int) bool {
		if c.defs[i].Attribute != c.defs[j].Attribute {
			return c.defs[i].Attribute < c.defs[j].Attribute
		}
		return c.defs[i].Code < c.defs[j].Code
	})
	for _, d := range c.defs {
		c.byAttribute[d.Attribute] = append(c.byAttribute[d.Attribute], d)
		c.byCode[d.Code] = d
	}
	return c
}

// Definitions returns all definitions ordered by attribute then code.
func (c *Catalog) Definitions() []model.IndicatorDefinition {
	return c.defs
}

// Attribute returns the definitions in one BRSR attribute group.
func (c *Catalog) Attribute(n int) []model.IndicatorDefinition {
	return c.byAttribute[n]
}

// Attributes returns the populated attribute numbers in ascending order.
func (c *Catalog) Attributes() []int {
	attrs := make([]int, 0, len(c.byAttribute))
	for a := range c.byAttribute {
		attrs = append(attrs, a)
	}
	sort.Ints(attrs)
	return attrs
}

// ByCode looks up one definition by indicator code.
func (c *Catalog) ByCode(code string) (model.IndicatorDefinition, bool) {
	d, ok := c.byCode[code]
	return d, ok
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	return len(c.defs)
}
