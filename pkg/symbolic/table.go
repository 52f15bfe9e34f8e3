package symbolic

import "sort"

// SourceInfoFrame is one resolved logical frame: the symbol name plus
// the source location, when the symbol file carries line information.
type SourceInfoFrame struct {
	FunctionName string
	File         string
	Line         uint32
}

type lineRecord struct {
	addr uint64
	size uint64
	line uint32
	file int
}

type inlineRecord struct {
	depth    int
	callLine uint32
	callFile int
	origin   int
	addr     uint64
	size     uint64
}

type funcRange struct {
	start  uint64
	end    uint64 // 0 means unbounded
	name   string
	public bool
	lines  []lineRecord
	inl    []inlineRecord
}

func (r *funcRange) contains(addr uint64) bool {
	return addr >= r.start && (r.end == 0 || addr < r.end)
}

// Table is the parsed, immutable lookup structure for one module.
// It is built once by ParseSym and safe for concurrent lookups.
type Table struct {
	// MODULE header fields, informational.
	OS        string
	Arch      string
	DebugID   string
	DebugFile string

	ranges  []funcRange
	files   map[int]string
	origins map[int]string
}

// RangeCount returns the number of usable symbol ranges.
func (t *Table) RangeCount() int {
	return len(t.ranges)
}

// Lookup resolves a module-relative offset to a chain of frames ordered
// outer to inner: the containing function first, then one frame per
// nested inline call covering the offset. The innermost frame carries
// the line record for the offset itself; outer frames carry the call
// site of the inline call they contain. Returns false when no range
// contains the offset.
func (t *Table) Lookup(addr uint64) ([]SourceInfoFrame, bool) {
	i := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].start > addr
	})
	if i == 0 {
		return nil, false
	}
	r := &t.ranges[i-1]
	if !r.contains(addr) {
		return nil, false
	}

	chain := t.inlineChain(r, addr)
	leafFile, leafLine, hasLeaf := r.lineAt(addr)

	frames := make([]SourceInfoFrame, 0, len(chain)+1)

	outer := SourceInfoFrame{FunctionName: r.name}
	if len(chain) > 0 {
		outer.File = t.files[chain[0].callFile]
		outer.Line = chain[0].callLine
	} else if hasLeaf {
		outer.File = t.files[leafFile]
		outer.Line = leafLine
	}
	frames = append(frames, outer)

	for j, rec := range chain {
		f := SourceInfoFrame{FunctionName: t.origins[rec.origin]}
		if j+1 < len(chain) {
			f.File = t.files[chain[j+1].callFile]
			f.Line = chain[j+1].callLine
		} else if hasLeaf {
			f.File = t.files[leafFile]
			f.Line = leafLine
		}
		frames = append(frames, f)
	}
	return frames, true
}

// FunctionStart returns the start offset of the range containing addr,
// used to report the offset of an address within its function.
func (t *Table) FunctionStart(addr uint64) (uint64, bool) {
	i := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].start > addr
	})
	if i == 0 || !t.ranges[i-1].contains(addr) {
		return 0, false
	}
	return t.ranges[i-1].start, true
}

// inlineChain collects the inline records covering addr, one per depth,
// ordered by increasing depth. Records are stored flattened; each depth
// contributes at most one covering sub-range.
func (t *Table) inlineChain(r *funcRange, addr uint64) []inlineRecord {
	var chain []inlineRecord
	depth := 0
	for {
		found := false
		for _, rec := range r.inl {
			if rec.depth != depth {
				continue
			}
			if addr >= rec.addr && addr < rec.addr+rec.size {
				chain = append(chain, rec)
				found = true
				break
			}
		}
		if !found {
			return chain
		}
		depth++
	}
}

func (r *funcRange) lineAt(addr uint64) (file int, line uint32, ok bool) {
	i := sort.Search(len(r.lines), func(i int) bool {
		return r.lines[i].addr > addr
	})
	if i == 0 {
		return 0, 0, false
	}
	rec := r.lines[i-1]
	if addr >= rec.addr+rec.size {
		return 0, 0, false
	}
	return rec.file, rec.line, true
}
