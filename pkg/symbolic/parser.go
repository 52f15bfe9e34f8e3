package symbolic

import (
	"bufio"
	"bytes"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// ErrNoSymbols is returned when a symbol file yields no usable ranges
// after a full parse.
var ErrNoSymbols = errors.New("symbol file contains no usable ranges")

const maxLineLen = 1024 * 1024

// ParseSym decodes a Breakpad text-format symbol file into a Table.
//
// The format is line oriented: a MODULE header, FILE and INLINE_ORIGIN
// string tables, FUNC records with optional trailing line records,
// flattened INLINE records, and sizeless PUBLIC records. Symbol files
// come from many toolchains and are not fully standardized, so
// malformed individual lines are skipped rather than failing the file.
//
// Range ends follow one rule: an explicitly declared non-zero FUNC size
// wins, truncated at the next range's start if the declarations
// overlap; a zero or absent size is inferred as "up to the next range
// start", and the final sizeless range is unbounded.
func ParseSym(data []byte) (*Table, error) {
	t := &Table{
		files:   make(map[int]string),
		origins: make(map[int]string),
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLen)

	var cur *funcRange
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "MODULE "):
			parseModule(t, line[len("MODULE "):])
		case strings.HasPrefix(line, "FILE "):
			parseFile(t, line[len("FILE "):])
		case strings.HasPrefix(line, "INLINE_ORIGIN "):
			parseInlineOrigin(t, line[len("INLINE_ORIGIN "):])
		case strings.HasPrefix(line, "FUNC "):
			cur = nil
			if r, ok := parseFunc(line[len("FUNC "):]); ok {
				t.ranges = append(t.ranges, r)
				cur = &t.ranges[len(t.ranges)-1]
			}
		case strings.HasPrefix(line, "INLINE "):
			if cur != nil {
				cur.inl = append(cur.inl, parseInline(line[len("INLINE "):])...)
			}
		case strings.HasPrefix(line, "PUBLIC "):
			cur = nil
			if r, ok := parsePublic(line[len("PUBLIC "):]); ok {
				t.ranges = append(t.ranges, r)
			}
		case strings.HasPrefix(line, "STACK "), strings.HasPrefix(line, "INFO "):
			// Unwind and build metadata, not needed for lookups.
		default:
			if cur != nil {
				if rec, ok := parseLineRecord(line); ok {
					cur.lines = append(cur.lines, rec)
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	t.finish()
	if len(t.ranges) == 0 {
		return nil, ErrNoSymbols
	}
	return t, nil
}

func parseModule(t *Table, rest string) {
	parts := strings.SplitN(rest, " ", 4)
	if len(parts) != 4 {
		return
	}
	t.OS, t.Arch, t.DebugID, t.DebugFile = parts[0], parts[1], parts[2], parts[3]
}

func parseFile(t *Table, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		return
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil || num < 0 {
		return
	}
	t.files[num] = parts[1]
}

func parseInlineOrigin(t *Table, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		return
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil || num < 0 {
		return
	}
	t.origins[num] = parts[1]
}

// FUNC [m] address size parameter_size name
func parseFunc(rest string) (funcRange, bool) {
	rest = strings.TrimPrefix(rest, "m ")
	parts := strings.SplitN(rest, " ", 4)
	if len(parts) != 4 {
		return funcRange{}, false
	}
	addr, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return funcRange{}, false
	}
	size, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return funcRange{}, false
	}
	if _, err := strconv.ParseUint(parts[2], 16, 64); err != nil {
		return funcRange{}, false
	}
	r := funcRange{start: addr, name: parts[3]}
	if size > 0 && addr+size > addr {
		r.end = addr + size
	}
	return r, true
}

// PUBLIC [m] address parameter_size name
func parsePublic(rest string) (funcRange, bool) {
	rest = strings.TrimPrefix(rest, "m ")
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) != 3 {
		return funcRange{}, false
	}
	addr, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return funcRange{}, false
	}
	if _, err := strconv.ParseUint(parts[1], 16, 64); err != nil {
		return funcRange{}, false
	}
	return funcRange{start: addr, name: parts[2], public: true}, true
}

// address size line file_num
func parseLineRecord(line string) (lineRecord, bool) {
	parts := strings.Fields(line)
	if len(parts) != 4 {
		return lineRecord{}, false
	}
	addr, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return lineRecord{}, false
	}
	size, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return lineRecord{}, false
	}
	ln, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return lineRecord{}, false
	}
	file, err := strconv.Atoi(parts[3])
	if err != nil || file < 0 {
		return lineRecord{}, false
	}
	return lineRecord{addr: addr, size: size, line: uint32(ln), file: file}, true
}

// INLINE inline_nest_level call_site_line call_site_file_num origin_num (address size)+
// Each (address, size) pair is flattened to its own record.
func parseInline(rest string) []inlineRecord {
	parts := strings.Fields(rest)
	if len(parts) < 6 || len(parts)%2 != 0 {
		return nil
	}
	depth, err := strconv.Atoi(parts[0])
	if err != nil || depth < 0 {
		return nil
	}
	callLine, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil
	}
	callFile, err := strconv.Atoi(parts[2])
	if err != nil || callFile < 0 {
		return nil
	}
	origin, err := strconv.Atoi(parts[3])
	if err != nil || origin < 0 {
		return nil
	}
	var recs []inlineRecord
	for i := 4; i+1 < len(parts); i += 2 {
		addr, err := strconv.ParseUint(parts[i], 16, 64)
		if err != nil {
			return nil
		}
		size, err := strconv.ParseUint(parts[i+1], 16, 64)
		if err != nil {
			return nil
		}
		recs = append(recs, inlineRecord{
			depth:    depth,
			callLine: uint32(callLine),
			callFile: callFile,
			origin:   origin,
			addr:     addr,
			size:     size,
		})
	}
	return recs
}

// finish sorts the ranges, drops duplicate starts (FUNC wins over
// PUBLIC) and applies the end rule.
func (t *Table) finish() {
	sort.SliceStable(t.ranges, func(i, j int) bool {
		if t.ranges[i].start != t.ranges[j].start {
			return t.ranges[i].start < t.ranges[j].start
		}
		return !t.ranges[i].public && t.ranges[j].public
	})

	out := t.ranges[:0]
	var prev uint64
	for i := range t.ranges {
		if len(out) > 0 && t.ranges[i].start == prev {
			continue
		}
		out = append(out, t.ranges[i])
		prev = t.ranges[i].start
	}
	t.ranges = out

	for i := range t.ranges {
		r := &t.ranges[i]
		if i+1 < len(t.ranges) {
			next := t.ranges[i+1].start
			if r.end == 0 || r.end > next {
				r.end = next
			}
		}
		sort.Slice(r.lines, func(a, b int) bool {
			return r.lines[a].addr < r.lines[b].addr
		})
	}
}
