package writer

import "sort"

// stringTable pools names so that a name which is the tail of another is
// stored once, as ".text" inside ".rela.text".
type stringTable struct {
	ids     map[string]int
	strings []string
	offsets []uint64
}

func newStringTable() *stringTable {
	return &stringTable{ids: make(map[string]int)}
}

func (t *stringTable) add(s string) int {
	if id, ok := t.ids[s]; ok {
		return id
	}
	id := len(t.strings)
	t.ids[s] = id
	t.strings = append(t.strings, s)
	return id
}

// reverseLess orders strings by their reversed bytes, longest first among
// strings sharing a tail.
func reverseLess(a, b string) bool {
	for i, j := len(a)-1, len(b)-1; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if a[i] != b[j] {
			return a[i] > b[j]
		}
	}
	return len(a) > len(b)
}

// finalize appends the NUL-terminated strings to base and records each
// string's offset from the start of base.
func (t *stringTable) finalize(base []byte) []byte {
	order := make([]int, len(t.strings))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return reverseLess(t.strings[order[i]], t.strings[order[j]]) })
	t.offsets = make([]uint64, len(t.strings))
	out := base
	prev := -1
	for _, id := range order {
		s := t.strings[id]
		if prev >= 0 && hasSuffix(t.strings[prev], s) {
			t.offsets[id] = t.offsets[prev] + uint64(len(t.strings[prev])-len(s))
			continue
		}
		t.offsets[id] = uint64(len(out))
		out = append(out, s...)
		out = append(out, 0)
		prev = id
	}
	return out
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func (t *stringTable) offset(id int) uint64 {
	return t.offsets[id]
}
