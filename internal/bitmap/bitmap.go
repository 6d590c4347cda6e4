// Package bitmap implements fixed-width bitsets over a dense node index,
// plus "prefix[lo-hi,lo-hi,...]" hostlist name expansion and compression.
package bitmap

import (
	"fmt"
	"sort"
	"strings"
)

const wordBits = 64

// Bitmap is a fixed-width bitset over node indices [0, size).
type Bitmap struct {
	size  int
	words []uint64
}

// New returns an all-clear bitmap sized for `size` node indices.
func New(size int) *Bitmap {
	return &Bitmap{size: size, words: make([]uint64, (size+wordBits-1)/wordBits)}
}

func (b *Bitmap) Size() int { return b.size }

func (b *Bitmap) checkIndex(i int) {
	if i < 0 || i >= b.size {
		panic(fmt.Sprintf("bitmap: index %d out of range [0,%d)", i, b.size))
	}
}

func (b *Bitmap) Set(i int) {
	b.checkIndex(i)
	b.words[i/wordBits] |= 1 << uint(i%wordBits)
}

func (b *Bitmap) Clear(i int) {
	b.checkIndex(i)
	b.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

func (b *Bitmap) Test(i int) bool {
	b.checkIndex(i)
	return b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// Copy returns an independent duplicate.
func (b *Bitmap) Copy() *Bitmap {
	n := &Bitmap{size: b.size, words: make([]uint64, len(b.words))}
	copy(n.words, b.words)
	return n
}

func sameShape(a, b *Bitmap) {
	if a.size != b.size {
		panic("bitmap: size mismatch")
	}
}

// And performs a bitwise intersection in place, returning b for chaining.
func (b *Bitmap) And(o *Bitmap) *Bitmap {
	sameShape(b, o)
	for i := range b.words {
		b.words[i] &= o.words[i]
	}
	return b
}

// Or performs a bitwise union in place, returning b for chaining.
func (b *Bitmap) Or(o *Bitmap) *Bitmap {
	sameShape(b, o)
	for i := range b.words {
		b.words[i] |= o.words[i]
	}
	return b
}

// AndNot clears every bit set in o, returning b for chaining.
func (b *Bitmap) AndNot(o *Bitmap) *Bitmap {
	sameShape(b, o)
	for i := range b.words {
		b.words[i] &^= o.words[i]
	}
	return b
}

// IsSuperset reports whether b contains every bit set in o.
func (b *Bitmap) IsSuperset(o *Bitmap) bool {
	sameShape(b, o)
	for i := range b.words {
		if b.words[i]&o.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// Popcount returns the number of set bits.
func (b *Bitmap) Popcount() int {
	n := 0
	for _, w := range b.words {
		n += popcount64(w)
	}
	return n
}

func popcount64(w uint64) int {
	n := 0
	for w != 0 {
		w &= w - 1
		n++
	}
	return n
}

// IsEmpty reports whether no bit is set.
func (b *Bitmap) IsEmpty() bool { return b.Popcount() == 0 }

// Indices returns the sorted list of set indices.
func (b *Bitmap) Indices() []int {
	out := make([]int, 0, b.Popcount())
	for i := 0; i < b.size; i++ {
		if b.Test(i) {
			out = append(out, i)
		}
	}
	return out
}

// HexString renders the bitmap as a compact hex dump for logs, most
// significant word first.
func (b *Bitmap) HexString() string {
	var sb strings.Builder
	for i := len(b.words) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%016x", b.words[i])
	}
	return sb.String()
}

// IsContiguousRun reports whether every index in [lo,hi] is set and no index
// outside [lo,hi] is set — i.e. the bitmap is exactly one contiguous run.
func (b *Bitmap) IsContiguousRun() (lo, hi int, ok bool) {
	idx := b.Indices()
	if len(idx) == 0 {
		return 0, 0, false
	}
	lo, hi = idx[0], idx[len(idx)-1]
	return lo, hi, hi-lo+1 == len(idx)
}

// NameIndex assigns a dense integer index to node names at config load,
// with O(1) expected lookup in both directions. Names are expected to be of
// the form "prefix" + decimal-suffix (e.g. "lx03"), matching hostlist
// expansion; base is recorded as given, but suffixes are always parsed and
// formatted in decimal and lookups are keyed on the full name.
type NameIndex struct {
	base      int
	nameToIdx map[string]int
	idxToName []string
}

// NewNameIndex creates an index over names, assigned in the order given.
func NewNameIndex(names []string, base int) *NameIndex {
	if base <= 0 {
		base = 10
	}
	ni := &NameIndex{
		base:      base,
		nameToIdx: make(map[string]int, len(names)),
		idxToName: make([]string, len(names)),
	}
	for i, n := range names {
		ni.nameToIdx[n] = i
		ni.idxToName[i] = n
	}
	return ni
}

func (ni *NameIndex) Len() int { return len(ni.idxToName) }

func (ni *NameIndex) IndexOf(name string) (int, bool) {
	i, ok := ni.nameToIdx[name]
	return i, ok
}

func (ni *NameIndex) NameOf(i int) (string, bool) {
	if i < 0 || i >= len(ni.idxToName) {
		return "", false
	}
	return ni.idxToName[i], true
}

// Names returns all names in index order.
func (ni *NameIndex) Names() []string {
	out := make([]string, len(ni.idxToName))
	copy(out, ni.idxToName)
	return out
}

// Parse expands a hostlist pattern "prefix[lo-hi,lo-hi,...]" (or a bare
// "prefix" with no range) into a Bitmap over ni.
func Parse(pattern string, ni *NameIndex) (*Bitmap, error) {
	names, err := ExpandNames(pattern)
	if err != nil {
		return nil, err
	}
	bm := New(ni.Len())
	for _, n := range names {
		i, ok := ni.IndexOf(n)
		if !ok {
			return nil, fmt.Errorf("bitmap: unknown node name %q", n)
		}
		bm.Set(i)
	}
	return bm, nil
}

// ExpandNames parses a comma-separated list of hostlist patterns into the
// flat list of node names it denotes, preserving the d-dimensional form
// "prefix[c1c2c3xC1C2C3]" used by the topology allocator as an opaque,
// non-numeric range token (returned verbatim as a single name).
func ExpandNames(pattern string) ([]string, error) {
	var out []string
	for _, part := range splitTopLevelCommas(pattern) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		open := strings.IndexByte(part, '[')
		if open < 0 {
			out = append(out, part)
			continue
		}
		if !strings.HasSuffix(part, "]") {
			return nil, fmt.Errorf("bitmap: malformed range in %q", part)
		}
		prefix := part[:open]
		inner := part[open+1 : len(part)-1]
		if strings.ContainsAny(inner, "xX") && !strings.Contains(inner, "-") {
			// d-dimensional topology coordinate range: opaque token.
			out = append(out, part)
			continue
		}
		for _, rng := range strings.Split(inner, ",") {
			rng = strings.TrimSpace(rng)
			if rng == "" {
				continue
			}
			lo, hi, width, err := parseRange(rng)
			if err != nil {
				return nil, fmt.Errorf("bitmap: %w", err)
			}
			for v := lo; v <= hi; v++ {
				out = append(out, fmt.Sprintf("%s%0*d", prefix, width, v))
			}
		}
	}
	return out, nil
}

func parseRange(rng string) (lo, hi, width int, err error) {
	if i := strings.IndexByte(rng, '-'); i >= 0 {
		loStr, hiStr := rng[:i], rng[i+1:]
		width = len(loStr)
		if _, err = fmt.Sscanf(loStr, "%d", &lo); err != nil {
			return 0, 0, 0, fmt.Errorf("bad range lower bound %q: %w", rng, err)
		}
		if _, err = fmt.Sscanf(hiStr, "%d", &hi); err != nil {
			return 0, 0, 0, fmt.Errorf("bad range upper bound %q: %w", rng, err)
		}
		return lo, hi, width, nil
	}
	width = len(rng)
	if _, err = fmt.Sscanf(rng, "%d", &lo); err != nil {
		return 0, 0, 0, fmt.Errorf("bad range value %q: %w", rng, err)
	}
	return lo, lo, width, nil
}

func splitTopLevelCommas(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// Format compresses a bitmap back into canonical "prefix[lo-hi,lo-hi,...]"
// form, grouping by common name prefix and contiguous numeric runs.
func Format(bm *Bitmap, ni *NameIndex) string {
	type group struct {
		prefix string
		vals   []int
		width  int
	}
	groups := map[string]*group{}
	var order []string
	for _, idx := range bm.Indices() {
		name, ok := ni.NameOf(idx)
		if !ok {
			continue
		}
		prefix, num, width, ok := splitTrailingDigits(name)
		if !ok {
			// Non-numeric name: render standalone.
			groups[name] = &group{prefix: name}
			order = appendOnce(order, name)
			continue
		}
		g, exists := groups[prefix]
		if !exists {
			g = &group{prefix: prefix, width: width}
			groups[prefix] = g
			order = appendOnce(order, prefix)
		}
		g.vals = append(g.vals, num)
	}

	var parts []string
	for _, key := range order {
		g := groups[key]
		if len(g.vals) == 0 {
			parts = append(parts, g.prefix)
			continue
		}
		sort.Ints(g.vals)
		parts = append(parts, fmt.Sprintf("%s[%s]", g.prefix, formatRuns(g.vals, g.width)))
	}
	return strings.Join(parts, ",")
}

func appendOnce(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

func splitTrailingDigits(name string) (prefix string, num int, width int, ok bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return "", 0, 0, false
	}
	digits := name[i:]
	width = len(digits)
	if _, err := fmt.Sscanf(digits, "%d", &num); err != nil {
		return "", 0, 0, false
	}
	return name[:i], num, width, true
}

func formatRuns(sorted []int, width int) string {
	var runs []string
	i := 0
	for i < len(sorted) {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if i == j {
			runs = append(runs, fmt.Sprintf("%0*d", width, sorted[i]))
		} else {
			runs = append(runs, fmt.Sprintf("%0*d-%0*d", width, sorted[i], width, sorted[j]))
		}
		i = j + 1
	}
	return strings.Join(runs, ",")
}
