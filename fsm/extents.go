package fsm

import "sort"

// Extent is a contiguous run of free blocks (§3, §4.2).
type Extent struct {
	Offset uint64
	Length uint64
}

// extentIndex is the in-memory best-fit index of free extents (§4.2):
// "a best-fit ordered tree of (offset_blocks, length_blocks) keyed
// lexicographically by (length DESC, offset ASC) so that the first
// match is the smallest sufficient extent with the lowest offset".
//
// It is implemented as a slice kept sorted ascending by (Length,
// Offset) rather than a tree: a lower-bound binary search over this
// ascending order finds exactly the same answer (the smallest extent
// whose length is still >= the request, lowest offset on ties) as a
// "first match" walk over a descending-ordered tree would, and a plain
// slice is the right tool here — no third-party ordered-tree library is
// wired elsewhere in this module, and this structure is small and
// append/remove-heavy rather than deeply nested.
type extentIndex struct {
	items []Extent
	// lfbkoff/lfbklen cache the extent with the largest offset, to
	// accelerate file-tail trimming on close (§4.2).
	lfbkoff uint64
	lfbklen uint64
	haveLfbk bool
}

func newExtentIndex() *extentIndex {
	return &extentIndex{}
}

func less(a, b Extent) bool {
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	return a.Offset < b.Offset
}

func (ix *extentIndex) insert(e Extent) {
	if e.Length == 0 {
		return
	}
	i := sort.Search(len(ix.items), func(i int) bool { return !less(ix.items[i], e) })
	ix.items = append(ix.items, Extent{})
	copy(ix.items[i+1:], ix.items[i:])
	ix.items[i] = e
	ix.updateLfbk(e)
}

func (ix *extentIndex) updateLfbk(e Extent) {
	if !ix.haveLfbk || e.Offset > ix.lfbkoff {
		ix.lfbkoff, ix.lfbklen, ix.haveLfbk = e.Offset, e.Length, true
	}
}

// remove deletes exactly one entry equal to e, returning false if not present.
func (ix *extentIndex) remove(e Extent) bool {
	i := sort.Search(len(ix.items), func(i int) bool { return !less(ix.items[i], e) })
	for i < len(ix.items) && ix.items[i].Length == e.Length {
		if ix.items[i].Offset == e.Offset {
			ix.items = append(ix.items[:i], ix.items[i+1:]...)
			if ix.haveLfbk && ix.lfbkoff == e.Offset && ix.lfbklen == e.Length {
				ix.recomputeLfbk()
			}
			return true
		}
		i++
	}
	return false
}

func (ix *extentIndex) recomputeLfbk() {
	ix.haveLfbk = false
	for _, e := range ix.items {
		ix.updateLfbk(e)
	}
}

// bestFit returns the smallest extent with Length >= need and, among
// ties, the lowest Offset (§4.2's allocation contract #1,#2).
func (ix *extentIndex) bestFit(need uint64) (Extent, bool) {
	i := sort.Search(len(ix.items), func(i int) bool { return ix.items[i].Length >= need })
	if i == len(ix.items) {
		return Extent{}, false
	}
	return ix.items[i], true
}

// bestFitNear returns the smallest-sufficient extent within a window
// of the given offset hint if one exists, else falls back to bestFit
// (§4.2's "located near a supplied offset hint when given").
func (ix *extentIndex) bestFitNear(need, hint, window uint64) (Extent, bool) {
	var best Extent
	found := false
	for _, e := range ix.items {
		if e.Length < need {
			continue
		}
		d := diff(e.Offset, hint)
		if d > window {
			continue
		}
		if !found || less(e, best) {
			best, found = e, true
		}
	}
	if found {
		return best, true
	}
	return ix.bestFit(need)
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// largestBelow returns the largest free extent whose offset is below
// bound, used by the trim-on-close path to relocate the bitmap to a
// lower address (§4.2 Trimming).
func (ix *extentIndex) largestBelow(minLen, bound uint64) (Extent, bool) {
	var best Extent
	found := false
	for _, e := range ix.items {
		if e.Length < minLen || e.Offset >= bound {
			continue
		}
		if !found || e.Length > best.Length {
			best, found = e, true
		}
	}
	return best, found
}

func (ix *extentIndex) all() []Extent {
	out := make([]Extent, len(ix.items))
	copy(out, ix.items)
	return out
}
