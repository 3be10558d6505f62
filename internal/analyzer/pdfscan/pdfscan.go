// Package pdfscan is a tolerant byte-level PDF scanner. It never builds a full object model;
// it locates objects, references, trailers and dictionary strings well enough for forensic
// checks on documents that may be malformed on purpose.
package pdfscan

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"time"
	"unicode/utf16"
)

var (
	objHeaderRe = regexp.MustCompile(`(\d+)\s+(\d+)\s+obj\b`)
	refRe       = regexp.MustCompile(`(\d+)\s+(\d+)\s+R\b`)
	versionRe   = regexp.MustCompile(`%PDF-(\d\.\d)`)
	infoRe      = regexp.MustCompile(`/Info\s+(\d+)\s+(\d+)\s+R\b`)
	startxrefRe = regexp.MustCompile(`startxref\s+(\d+)`)
)

// Key identifies an indirect object.
type Key struct {
	Num int
	Gen int
}

func (k Key) String() string {
	return fmt.Sprintf("%d %d", k.Num, k.Gen)
}

// ObjectDef is an `N G obj` header found in the file.
type ObjectDef struct {
	Key
	Offset int
}

// Version returns the header version, e.g. "1.7", or "" if absent.
func Version(data []byte) string {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	m := versionRe.FindSubmatch(head)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// Objects returns every object definition outside of stream data, in file order.
func Objects(data []byte) []ObjectDef {
	streams := StreamRanges(data)
	var defs []ObjectDef
	for _, m := range objHeaderRe.FindAllSubmatchIndex(data, -1) {
		start := m[0]
		if !atTokenStart(data, start) || inRanges(streams, start) {
			continue
		}
		num, _ := strconv.Atoi(string(data[m[2]:m[3]]))
		gen, _ := strconv.Atoi(string(data[m[4]:m[5]]))
		defs = append(defs, ObjectDef{Key: Key{Num: num, Gen: gen}, Offset: start})
	}
	return defs
}

// References counts `N G R` references outside of stream data.
func References(data []byte) map[Key]int {
	streams := StreamRanges(data)
	refs := make(map[Key]int)
	for _, m := range refRe.FindAllSubmatchIndex(data, -1) {
		if !atTokenStart(data, m[0]) || inRanges(streams, m[0]) {
			continue
		}
		num, _ := strconv.Atoi(string(data[m[2]:m[3]]))
		gen, _ := strconv.Atoi(string(data[m[4]:m[5]]))
		refs[Key{Num: num, Gen: gen}]++
	}
	return refs
}

// ObjectBody returns the bytes between an object header and its endobj.
func ObjectBody(data []byte, def ObjectDef) []byte {
	rest := data[def.Offset:]
	end := bytes.Index(rest, []byte("endobj"))
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// ObjectAt reports whether an `N G obj` header for key starts at offset, allowing leading
// whitespace as some writers record the offset of the preceding line break.
func ObjectAt(data []byte, offset int, key Key) bool {
	if offset < 0 || offset >= len(data) {
		return false
	}
	for offset < len(data) && isSpace(data[offset]) {
		offset++
	}
	loc := objHeaderRe.FindSubmatchIndex(data[offset:])
	if loc == nil || loc[0] != 0 {
		return false
	}
	num, _ := strconv.Atoi(string(data[offset+loc[2] : offset+loc[3]]))
	gen, _ := strconv.Atoi(string(data[offset+loc[4] : offset+loc[5]]))
	return num == key.Num && gen == key.Gen
}

// InfoRef returns the last /Info reference, which belongs to the newest trailer.
func InfoRef(data []byte) (Key, bool) {
	all := infoRe.FindAllSubmatch(data, -1)
	if len(all) == 0 {
		return Key{}, false
	}
	m := all[len(all)-1]
	num, _ := strconv.Atoi(string(m[1]))
	gen, _ := strconv.Atoi(string(m[2]))
	return Key{Num: num, Gen: gen}, true
}

// InfoDict returns the body of the document information dictionary, or nil.
func InfoDict(data []byte) []byte {
	key, ok := InfoRef(data)
	if !ok {
		return nil
	}
	var body []byte
	// The newest definition wins for incrementally updated files.
	for _, def := range Objects(data) {
		if def.Key == key {
			body = ObjectBody(data, def)
		}
	}
	return body
}

// StartXref returns the offset recorded after the last startxref keyword.
func StartXref(data []byte) (int, bool) {
	all := startxrefRe.FindAllSubmatch(data, -1)
	if len(all) == 0 {
		return 0, false
	}
	off, err := strconv.Atoi(string(all[len(all)-1][1]))
	if err != nil {
		return 0, false
	}
	return off, true
}

// CountEOF counts %%EOF markers. More than one means incremental updates.
func CountEOF(data []byte) int {
	return bytes.Count(data, []byte("%%EOF"))
}

// StreamRanges returns [start,end) byte ranges of stream payloads.
func StreamRanges(data []byte) [][2]int {
	var ranges [][2]int
	pos := 0
	for {
		i := bytes.Index(data[pos:], []byte("stream"))
		if i < 0 {
			break
		}
		i += pos
		after := i + len("stream")
		if i >= 3 && string(data[i-3:i]) == "end" {
			pos = after
			continue
		}
		if after >= len(data) || (data[after] != '\r' && data[after] != '\n') {
			pos = after
			continue
		}
		end := bytes.Index(data[after:], []byte("endstream"))
		if end < 0 {
			ranges = append(ranges, [2]int{after, len(data)})
			break
		}
		ranges = append(ranges, [2]int{after, after + end})
		pos = after + end + len("endstream")
	}
	return ranges
}

// DictString returns the decoded string value of /key in a dictionary body.
func DictString(dict []byte, key string) (string, bool) {
	needle := []byte("/" + key)
	pos := 0
	for {
		i := bytes.Index(dict[pos:], needle)
		if i < 0 {
			return "", false
		}
		i += pos
		after := i + len(needle)
		// Reject prefix matches such as /Creator inside /CreatorTool.
		if after < len(dict) && isRegular(dict[after]) {
			pos = after
			continue
		}
		for after < len(dict) && isSpace(dict[after]) {
			after++
		}
		if after >= len(dict) {
			return "", false
		}
		switch {
		case dict[after] == '(':
			raw, ok := literalString(dict[after:])
			return decodeText(raw), ok
		case dict[after] == '<' && (after+1 >= len(dict) || dict[after+1] != '<'):
			raw, ok := hexString(dict[after:])
			return decodeText(raw), ok
		default:
			return "", false
		}
	}
}

func literalString(b []byte) ([]byte, bool) {
	var out []byte
	depth := 0
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case c == '(':
			if depth > 0 {
				out = append(out, c)
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return out, true
			}
			out = append(out, c)
		case c == '\\' && i+1 < len(b):
			i++
			switch e := b[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r', '\n':
				// Line continuation.
				if e == '\r' && i+1 < len(b) && b[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for n := 0; n < 2 && i+1 < len(b) && b[i+1] >= '0' && b[i+1] <= '7'; n++ {
						i++
						v = v*8 + int(b[i]-'0')
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return out, false
}

func hexString(b []byte) ([]byte, bool) {
	end := bytes.IndexByte(b, '>')
	if end < 0 {
		return nil, false
	}
	var digits []byte
	for _, c := range b[1:end] {
		if isHex(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		v, _ := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
		out[i] = byte(v)
	}
	return out, true
}

// decodeText handles UTF-16BE strings with a BOM; everything else is treated as Latin-1,
// which matches PDFDocEncoding for printable characters.
func decodeText(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		units := make([]uint16, 0, (len(raw)-2)/2)
		for i := 2; i+1 < len(raw); i += 2 {
			units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
		}
		return string(utf16.Decode(units))
	}
	runes := make([]rune, len(raw))
	for i, c := range raw {
		runes[i] = rune(c)
	}
	return string(runes)
}

// ParseDate parses a PDF date string such as D:20240115103000+01'00'. Trailing components
// may be omitted; a missing zone is UTC.
func ParseDate(s string) (time.Time, error) {
	orig := s
	if len(s) >= 2 && s[:2] == "D:" {
		s = s[2:]
	}

	digits := 0
	for digits < len(s) && digits < 14 && s[digits] >= '0' && s[digits] <= '9' {
		digits++
	}
	if digits < 4 {
		return time.Time{}, fmt.Errorf("invalid PDF date %q", orig)
	}

	field := func(from, width, def int) int {
		if from+width > digits {
			return def
		}
		v, _ := strconv.Atoi(s[from : from+width])
		return v
	}
	year := field(0, 4, 0)
	month := field(4, 2, 1)
	day := field(6, 2, 1)
	hour := field(8, 2, 0)
	minute := field(10, 2, 0)
	second := field(12, 2, 0)

	loc := time.UTC
	rest := s[digits:]
	if len(rest) > 0 && (rest[0] == '+' || rest[0] == '-') {
		sign := 1
		if rest[0] == '-' {
			sign = -1
		}
		var hh, mm int
		tz := rest[1:]
		if len(tz) >= 2 {
			hh, _ = strconv.Atoi(tz[:2])
			tz = tz[2:]
		}
		if len(tz) > 0 && tz[0] == '\'' {
			tz = tz[1:]
		}
		if len(tz) >= 2 {
			mm, _ = strconv.Atoi(tz[:2])
		}
		loc = time.FixedZone("", sign*(hh*3600+mm*60))
	}

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 60 {
		return time.Time{}, fmt.Errorf("invalid PDF date %q", orig)
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc), nil
}

func atTokenStart(data []byte, i int) bool {
	if i == 0 {
		return true
	}
	return !isRegular(data[i-1])
}

func inRanges(ranges [][2]int, pos int) bool {
	for _, r := range ranges {
		if pos >= r[0] && pos < r[1] {
			return true
		}
	}
	return false
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// isRegular reports whether c can continue a name or number token.
func isRegular(c byte) bool {
	return !isSpace(c) && !isDelimiter(c)
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
