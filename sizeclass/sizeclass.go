// Package sizeclass computes the small-allocation bin ladder: the mapping
// from a requested size to a bin index, slot size and slots-per-page count.
// Below the inflection point, bins step by MinAlignment; above it, a bin's
// slot size is chosen so an integral number of slots divides a page exactly,
// which keeps every page-map's bitmap describing a whole page with no
// leftover bytes.
package sizeclass

const (
	// MinAlignment is the minimum/alignment granularity for every
	// allocation returned by the small-bin allocator.
	MinAlignment = 16

	// PageSize must match vmem.PageSize; duplicated here so this package
	// has no import on vmem (it is pure arithmetic).
	PageSize = 4096

	// Inflection is the largest size served by the linear ladder; above
	// it, bins are chosen by slots-per-page instead of fixed increment.
	Inflection = 512

	// MaxSmall is the largest size the small-bin allocator will serve;
	// requests above this go to the large/jumbo paths.
	MaxSmall = PageSize / 2
)

// Table is a precomputed ladder of bin sizes.
type Table struct {
	sizes []int32 // sizes[i] = slot size (bytes) of bin i
}

// Default builds the standard ladder: MinAlignment steps up to Inflection,
// then the divisors of PageSize greater than Inflection in descending
// slots-per-page order.
func Default() *Table {
	t := &Table{}
	for sz := int32(MinAlignment); sz <= Inflection; sz += MinAlignment {
		t.sizes = append(t.sizes, sz)
	}
	for slots := PageSize / Inflection; slots >= 1; slots-- {
		sz := int32(PageSize / slots)
		if sz <= Inflection || sz > MaxSmall {
			continue
		}
		if PageSize%int(sz) != 0 {
			continue // only sizes that divide the page exactly are valid bins
		}
		if len(t.sizes) > 0 && t.sizes[len(t.sizes)-1] == sz {
			continue
		}
		t.sizes = append(t.sizes, sz)
	}
	return t
}

// NumClasses returns the number of distinct bins.
func (t *Table) NumClasses() int { return len(t.sizes) }

// SizeOf returns the slot size for bin index i.
func (t *Table) SizeOf(i int) int32 { return t.sizes[i] }

// SlotsPerPage returns how many slots of bin i's size fit in one page.
func (t *Table) SlotsPerPage(i int) int32 { return PageSize / t.sizes[i] }

// ClassFor rounds n up to MinAlignment and returns the bin index that
// serves it, or -1 if n exceeds MaxSmall.
func (t *Table) ClassFor(n int64) int {
	if n <= 0 {
		n = 8
	}
	rounded := int32((n + MinAlignment - 1) / MinAlignment * MinAlignment)
	if rounded > MaxSmall {
		return -1
	}
	for i, sz := range t.sizes {
		if sz >= rounded {
			return i
		}
	}
	return -1
}
