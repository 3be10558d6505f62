package structure

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/cloo-solutions/forensix/internal/analyzer/pdfscan"
	"github.com/cloo-solutions/forensix/internal/domain"
)

// maxXrefSections bounds /Prev chains, which a hostile file can make cyclic or very long.
const maxXrefSections = 64

var (
	prevRe    = regexp.MustCompile(`/Prev\s+(\d+)`)
	xrefStmRe = regexp.MustCompile(`/XRefStm\s+\d+`)
	rootRe    = regexp.MustCompile(`/Root\s+(\d+)\s+(\d+)\s+R\b`)
)

type xrefEntry struct {
	key    pdfscan.Key
	offset int
}

type xrefSection struct {
	offset  int
	entries []xrefEntry
	trailer []byte
}

func analyzePDF(block *domain.StructureBlock, result *domain.StageResult, data []byte) {
	ps := &domain.PDFStructure{Version: pdfscan.Version(data)}
	block.PDF = ps

	addCheck(block, "header", bytes.HasPrefix(data, []byte("%PDF-")), "")

	ps.EOFMarkers = pdfscan.CountEOF(data)
	addCheck(block, "eof_marker", ps.EOFMarkers > 0, fmt.Sprintf("%d %%%%EOF markers", ps.EOFMarkers))

	defs := pdfscan.Objects(data)
	defined := make(map[pdfscan.Key]bool, len(defs))
	for _, d := range defs {
		defined[d.Key] = true
	}
	ps.DefinedObjects = len(defined)

	startxref, ok := pdfscan.StartXref(data)
	if !ok || startxref >= len(data) {
		addCheck(block, "startxref", false, "missing or out of range")
		result.Warn("no usable startxref: cross-reference not verified")
		flagUnreferenced(block, ps, data, defs)
		return
	}

	sections, stream, err := readXrefChain(data, startxref)
	if stream {
		ps.XrefStream = true
		addCheck(block, "startxref", true, "cross-reference stream")
		result.Warn("cross-reference stream not verified")
		flagUnreferenced(block, ps, data, defs)
		return
	}
	if err != nil {
		addCheck(block, "startxref", len(sections) > 0, err.Error())
		if len(sections) == 0 {
			addFlag(block, domain.AnomalyXrefMismatch, domain.SeverityWarning, err.Error(), fmt.Sprintf("offset:%d", startxref))
			flagUnreferenced(block, ps, data, defs)
			return
		}
	} else {
		addCheck(block, "startxref", true, "")
	}

	ps.XrefSections = len(sections)
	if ps.XrefSections > 1 || ps.EOFMarkers > 1 {
		addFlag(block, domain.AnomalyIncrementalUpdate, domain.SeverityInfo,
			fmt.Sprintf("%d xref sections, %d EOF markers", ps.XrefSections, ps.EOFMarkers))
	}

	// The newest section wins for an object number.
	inUse := make(map[pdfscan.Key]int)
	seenNum := make(map[int]bool)
	for _, s := range sections {
		for _, e := range s.entries {
			if seenNum[e.key.Num] {
				continue
			}
			seenNum[e.key.Num] = true
			inUse[e.key] = e.offset
		}
	}
	ps.XrefEntries = len(inUse)

	keys := make([]pdfscan.Key, 0, len(inUse))
	for k := range inUse {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		off := inUse[k]
		if !pdfscan.ObjectAt(data, off, k) {
			ps.MismatchedOffsets = append(ps.MismatchedOffsets, k.Num)
			addFlag(block, domain.AnomalyXrefMismatch, domain.SeverityWarning,
				fmt.Sprintf("xref offset %d does not point at object %s", off, k), "object:"+k.String())
		}
	}
	addCheck(block, "xref_offsets", len(ps.MismatchedOffsets) == 0, fmt.Sprintf("%d entries checked", len(keys)))

	hybrid := false
	for _, s := range sections {
		if xrefStmRe.Match(s.trailer) {
			hybrid = true
		}
	}
	if hybrid {
		ps.XrefStream = true
		result.Warn("hybrid file: cross-reference stream entries not verified")
	} else {
		orphans := make(map[int]bool)
		for _, d := range defs {
			if _, ok := inUse[d.Key]; !ok && !orphans[d.Num] {
				orphans[d.Num] = true
				ps.OrphanObjects = append(ps.OrphanObjects, d.Num)
				addFlag(block, domain.AnomalyOrphanObject, domain.SeverityWarning,
					fmt.Sprintf("object %s is defined but absent from the cross-reference table", d.Key), "object:"+d.Key.String())
			}
		}
		sort.Ints(ps.OrphanObjects)
	}

	flagUnreferenced(block, ps, data, defs)
}

// flagUnreferenced reports defined objects that no `N G R` reaches. The document catalog is
// exempt since only the trailer points at it.
func flagUnreferenced(block *domain.StructureBlock, ps *domain.PDFStructure, data []byte, defs []pdfscan.ObjectDef) {
	refs := pdfscan.References(data)
	var root *pdfscan.Key
	if m := rootRe.FindSubmatch(data); m != nil {
		num, _ := strconv.Atoi(string(m[1]))
		gen, _ := strconv.Atoi(string(m[2]))
		root = &pdfscan.Key{Num: num, Gen: gen}
	}

	seen := make(map[pdfscan.Key]bool)
	for _, d := range defs {
		if seen[d.Key] || refs[d.Key] > 0 || (root != nil && *root == d.Key) {
			continue
		}
		if isXrefStreamObject(data, d) {
			continue
		}
		seen[d.Key] = true
		ps.UnreferencedObjects = append(ps.UnreferencedObjects, d.Num)
		addFlag(block, domain.AnomalyUnreferencedObject, domain.SeverityInfo,
			fmt.Sprintf("object %s is never referenced", d.Key), "object:"+d.Key.String())
	}
	sort.Ints(ps.UnreferencedObjects)
}

func isXrefStreamObject(data []byte, d pdfscan.ObjectDef) bool {
	return bytes.Contains(pdfscan.ObjectBody(data, d), []byte("/XRef"))
}

// readXrefChain follows startxref and /Prev links. It returns stream=true when the chain
// starts at a cross-reference stream instead of a classic table.
func readXrefChain(data []byte, start int) ([]xrefSection, bool, error) {
	var sections []xrefSection
	visited := make(map[int]bool)
	off := start
	for {
		if visited[off] {
			return sections, false, fmt.Errorf("cyclic /Prev chain at offset %d", off)
		}
		if len(sections) >= maxXrefSections {
			return sections, false, fmt.Errorf("more than %d xref sections", maxXrefSections)
		}
		visited[off] = true

		sec, err := parseXrefTable(data, off)
		if err != nil {
			if len(sections) == 0 && looksLikeObject(data, off) {
				return nil, true, nil
			}
			return sections, false, err
		}
		sections = append(sections, *sec)

		m := prevRe.FindSubmatch(sec.trailer)
		if m == nil {
			return sections, false, nil
		}
		prev, err := strconv.Atoi(string(m[1]))
		if err != nil || prev < 0 || prev >= len(data) {
			return sections, false, fmt.Errorf("/Prev offset out of range")
		}
		off = prev
	}
}

func looksLikeObject(data []byte, off int) bool {
	t := &tokenizer{data: data, pos: off}
	num, gen, kw := t.next(), t.next(), t.next()
	_, err1 := strconv.Atoi(num)
	_, err2 := strconv.Atoi(gen)
	return err1 == nil && err2 == nil && kw == "obj"
}

func parseXrefTable(data []byte, off int) (*xrefSection, error) {
	t := &tokenizer{data: data, pos: off}
	if t.next() != "xref" {
		return nil, fmt.Errorf("no xref table at offset %d", off)
	}

	sec := &xrefSection{offset: off}
	for {
		tok := t.next()
		switch tok {
		case "":
			return nil, fmt.Errorf("xref table at offset %d has no trailer", off)
		case "trailer":
			end := bytes.Index(data[t.pos:], []byte("startxref"))
			if end < 0 {
				end = len(data) - t.pos
			}
			sec.trailer = data[t.pos : t.pos+end]
			return sec, nil
		}

		first, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("malformed xref subsection header %q", tok)
		}
		count, err := strconv.Atoi(t.next())
		if err != nil || count < 0 {
			return nil, fmt.Errorf("malformed xref subsection count")
		}
		for i := 0; i < count; i++ {
			offTok, genTok, kind := t.next(), t.next(), t.next()
			objOff, err1 := strconv.Atoi(offTok)
			gen, err2 := strconv.Atoi(genTok)
			if err1 != nil || err2 != nil || (kind != "n" && kind != "f") {
				return nil, fmt.Errorf("malformed xref entry for object %d", first+i)
			}
			if kind == "n" {
				sec.entries = append(sec.entries, xrefEntry{key: pdfscan.Key{Num: first + i, Gen: gen}, offset: objOff})
			}
		}
	}
}

// tokenizer splits on PDF whitespace.
type tokenizer struct {
	data []byte
	pos  int
}

func (t *tokenizer) next() string {
	for t.pos < len(t.data) && isPDFSpace(t.data[t.pos]) {
		t.pos++
	}
	start := t.pos
	for t.pos < len(t.data) && !isPDFSpace(t.data[t.pos]) {
		t.pos++
	}
	return string(t.data[start:t.pos])
}

func isPDFSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func sortKeys(keys []pdfscan.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Num != keys[j].Num {
			return keys[i].Num < keys[j].Num
		}
		return keys[i].Gen < keys[j].Gen
	})
}
