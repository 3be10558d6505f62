package evidence

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	cfbSectorSize = 512
	cfbMiniSize   = 64
	cfbMiniCutoff = 4096
	cfbEndOfChain = 0xFFFFFFFE
	cfbFATSect    = 0xFFFFFFFD
	cfbFree       = 0xFFFFFFFF
)

type cfbNode struct {
	name     string
	kind     byte
	data     []byte
	children []int
	right    uint32
	start    uint32
	size     uint64
}

// CompoundFile builds a version 3 compound file holding streams. Keys are slash-separated
// paths; intermediate storages are created as needed. Streams under 4096 bytes go to the
// mini stream, as readers expect.
func CompoundFile(streams map[string][]byte) []byte {
	nodes := []*cfbNode{{name: "Root Entry", kind: 5, right: cfbFree, start: cfbEndOfChain}}
	storages := map[string]int{"": 0}

	paths := make([]string, 0, len(streams))
	for p := range streams {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		parts := strings.Split(p, "/")
		parent := 0
		for i, part := range parts[:len(parts)-1] {
			key := strings.Join(parts[:i+1], "/")
			idx, ok := storages[key]
			if !ok {
				idx = len(nodes)
				nodes = append(nodes, &cfbNode{name: part, kind: 1, right: cfbFree})
				nodes[parent].children = append(nodes[parent].children, idx)
				storages[key] = idx
			}
			parent = idx
		}
		idx := len(nodes)
		nodes = append(nodes, &cfbNode{name: parts[len(parts)-1], kind: 2, data: streams[p], right: cfbFree})
		nodes[parent].children = append(nodes[parent].children, idx)
	}

	var mini []byte
	var miniFAT []uint32
	var large []*cfbNode
	for _, n := range nodes {
		if n.kind != 2 {
			continue
		}
		n.size = uint64(len(n.data))
		switch {
		case len(n.data) == 0:
			n.start = cfbEndOfChain
		case len(n.data) < cfbMiniCutoff:
			n.start = uint32(len(miniFAT))
			miniFAT = appendChain(miniFAT, n.start, sectorsFor(len(n.data), cfbMiniSize))
			mini = append(mini, padTo(n.data, cfbMiniSize)...)
		default:
			large = append(large, n)
		}
	}

	dirSectors := sectorsFor(len(nodes)*128, cfbSectorSize)
	miniFATSectors := sectorsFor(len(miniFAT)*4, cfbSectorSize)
	miniSectors := sectorsFor(len(mini), cfbSectorSize)
	others := dirSectors + miniFATSectors + miniSectors
	for _, n := range large {
		others += sectorsFor(len(n.data), cfbSectorSize)
	}
	fatSectors := 1
	for fatSectors+others > fatSectors*cfbSectorSize/4 {
		fatSectors++
	}
	if fatSectors > 109 {
		panic("compound file fixture too large")
	}

	var fat []uint32
	for i := 0; i < fatSectors; i++ {
		fat = append(fat, cfbFATSect)
	}
	dirStart := uint32(len(fat))
	fat = appendChain(fat, dirStart, dirSectors)
	miniFATStart := uint32(cfbEndOfChain)
	if miniFATSectors > 0 {
		miniFATStart = uint32(len(fat))
		fat = appendChain(fat, miniFATStart, miniFATSectors)
	}
	if miniSectors > 0 {
		nodes[0].start = uint32(len(fat))
		nodes[0].size = uint64(len(mini))
		fat = appendChain(fat, nodes[0].start, miniSectors)
	}
	for _, n := range large {
		n.start = uint32(len(fat))
		fat = appendChain(fat, n.start, sectorsFor(len(n.data), cfbSectorSize))
	}
	for len(fat) < fatSectors*cfbSectorSize/4 {
		fat = append(fat, cfbFree)
	}

	for _, n := range nodes {
		for i, c := range n.children {
			if i+1 < len(n.children) {
				nodes[c].right = uint32(n.children[i+1])
			}
		}
	}

	header := make([]byte, cfbSectorSize)
	copy(header, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1})
	le := binary.LittleEndian
	le.PutUint16(header[24:], 0x003E)
	le.PutUint16(header[26:], 3)
	le.PutUint16(header[28:], 0xFFFE)
	le.PutUint16(header[30:], 9)
	le.PutUint16(header[32:], 6)
	le.PutUint32(header[44:], uint32(fatSectors))
	le.PutUint32(header[48:], dirStart)
	le.PutUint32(header[56:], cfbMiniCutoff)
	le.PutUint32(header[60:], miniFATStart)
	le.PutUint32(header[64:], uint32(miniFATSectors))
	le.PutUint32(header[68:], cfbEndOfChain)
	for i := 0; i < 109; i++ {
		v := uint32(cfbFree)
		if i < fatSectors {
			v = uint32(i)
		}
		le.PutUint32(header[76+i*4:], v)
	}

	out := header
	out = append(out, uint32sLE(fat)...)

	dir := make([]byte, 0, dirSectors*cfbSectorSize)
	for _, n := range nodes {
		dir = append(dir, n.entry()...)
	}
	out = append(out, padTo(dir, cfbSectorSize)...)

	if miniFATSectors > 0 {
		for len(miniFAT)%(cfbSectorSize/4) != 0 {
			miniFAT = append(miniFAT, cfbFree)
		}
		out = append(out, uint32sLE(miniFAT)...)
	}
	out = append(out, padTo(mini, cfbSectorSize)...)
	for _, n := range large {
		out = append(out, padTo(n.data, cfbSectorSize)...)
	}
	return out
}

func (n *cfbNode) entry() []byte {
	e := make([]byte, 128)
	le := binary.LittleEndian
	name := utf16.Encode([]rune(n.name))
	for i, u := range name {
		le.PutUint16(e[i*2:], u)
	}
	le.PutUint16(e[64:], uint16((len(name)+1)*2))
	e[66] = n.kind
	e[67] = 1
	le.PutUint32(e[68:], cfbFree)
	le.PutUint32(e[72:], n.right)
	child := uint32(cfbFree)
	if len(n.children) > 0 {
		child = uint32(n.children[0])
	}
	le.PutUint32(e[76:], child)
	le.PutUint32(e[116:], n.start)
	le.PutUint64(e[120:], n.size)
	return e
}

func appendChain(table []uint32, start uint32, count int) []uint32 {
	for i := 0; i < count; i++ {
		next := start + uint32(i) + 1
		if i == count-1 {
			next = cfbEndOfChain
		}
		table = append(table, next)
	}
	return table
}

func sectorsFor(n, size int) int {
	return (n + size - 1) / size
}

func padTo(b []byte, size int) []byte {
	out := append([]byte(nil), b...)
	for len(out)%size != 0 {
		out = append(out, 0)
	}
	return out
}

func uint32sLE(vs []uint32) []byte {
	out := make([]byte, 0, len(vs)*4)
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out
}

// MSGAttachment is a file carried by an Outlook message fixture.
type MSGAttachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// MSG describes an Outlook message fixture. Empty fields are left out of the file.
type MSG struct {
	// Headers are the RFC 5322 transport headers a delivered message keeps.
	Headers     string
	Subject     string
	SenderName  string
	SenderEmail string
	MessageID   string
	Body        string
	Submitted   time.Time
	Attachments []MSGAttachment
}

// Bytes encodes the message as an Outlook .msg compound file.
func (m MSG) Bytes() []byte {
	props := make([]byte, 32)
	if !m.Submitted.IsZero() {
		entry := make([]byte, 16)
		binary.LittleEndian.PutUint32(entry, 0x00390040)
		binary.LittleEndian.PutUint32(entry[4:], 0x6)
		ticks := uint64(m.Submitted.UnixNano()/100) + 116444736000000000
		binary.LittleEndian.PutUint64(entry[8:], ticks)
		props = append(props, entry...)
	}

	streams := map[string][]byte{"__properties_version1.0": props}
	text := func(path, tag, value string) {
		if value != "" {
			streams[path+"__substg1.0_"+tag+"001F"] = utf16LE(value)
		}
	}
	text("", "007D", m.Headers)
	text("", "0037", m.Subject)
	text("", "0C1A", m.SenderName)
	text("", "0C1F", m.SenderEmail)
	text("", "1035", m.MessageID)
	text("", "1000", m.Body)
	for i, a := range m.Attachments {
		dir := fmt.Sprintf("__attach_version1.0_#%08X/", i)
		streams[dir+"__substg1.0_37010102"] = a.Content
		text(dir, "3707", a.Filename)
		text(dir, "370E", a.MIMEType)
	}
	return CompoundFile(streams)
}

func utf16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}
