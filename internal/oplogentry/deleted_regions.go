package oplogentry

import "sort"

// DeletedRegions is a set of half-open index ranges produced by Jump and
// Revert entries (§3.3). Entries inside a deleted region remain on disk and
// are returned by read_range, but are skipped by every fold that derives
// worker state. Regions are closed under union: adding an overlapping or
// adjacent range merges it into the existing one rather than growing the
// set unboundedly.
type DeletedRegions struct {
	ranges []Range // sorted, pairwise disjoint, non-adjacent
}

// NewDeletedRegions returns an empty region set.
func NewDeletedRegions() *DeletedRegions {
	return &DeletedRegions{}
}

// Clone returns an independent copy.
func (d *DeletedRegions) Clone() *DeletedRegions {
	if d == nil {
		return NewDeletedRegions()
	}
	cp := make([]Range, len(d.ranges))
	copy(cp, d.ranges)
	return &DeletedRegions{ranges: cp}
}

// Add merges r into the region set, coalescing it with any overlapping or
// touching existing ranges.
func (d *DeletedRegions) Add(r Range) {
	if r.Len() == 0 {
		return
	}
	merged := make([]Range, 0, len(d.ranges)+1)
	inserted := false
	for _, existing := range d.ranges {
		if existing.To < r.From || r.To < existing.From {
			// Disjoint and not touching; keep as-is, insert r in order.
			if !inserted && r.To < existing.From {
				merged = append(merged, r)
				inserted = true
			}
			merged = append(merged, existing)
			continue
		}
		// Overlapping or adjacent: fold into r.
		if existing.From < r.From {
			r.From = existing.From
		}
		if existing.To > r.To {
			r.To = existing.To
		}
	}
	if !inserted {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].From < merged[j].From })
	d.ranges = merged
}

// Contains reports whether idx falls inside any deleted region.
func (d *DeletedRegions) Contains(idx Index) bool {
	if d == nil {
		return false
	}
	// Ranges are sorted and disjoint; binary search would be overkill for
	// the sizes involved (a worker rarely accumulates more than a handful
	// of reverts), so a linear scan keeps this simple and allocation-free.
	for _, r := range d.ranges {
		if r.Contains(idx) {
			return true
		}
		if idx < r.From {
			break
		}
	}
	return false
}

// Ranges returns the sorted, disjoint ranges currently recorded.
func (d *DeletedRegions) Ranges() []Range {
	if d == nil {
		return nil
	}
	cp := make([]Range, len(d.ranges))
	copy(cp, d.ranges)
	return cp
}

// IsEmpty reports whether no ranges have been recorded.
func (d *DeletedRegions) IsEmpty() bool {
	return d == nil || len(d.ranges) == 0
}
