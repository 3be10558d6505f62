package structure

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cloo-solutions/forensix/internal/domain"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

func jpegMarkerName(m byte) string {
	switch {
	case m == 0xD8:
		return "SOI"
	case m == 0xD9:
		return "EOI"
	case m == 0xDA:
		return "SOS"
	case m == 0xC4:
		return "DHT"
	case m == 0xDB:
		return "DQT"
	case m == 0xDD:
		return "DRI"
	case m == 0xFE:
		return "COM"
	case m >= 0xE0 && m <= 0xEF:
		return fmt.Sprintf("APP%d", m-0xE0)
	case m >= 0xC0 && m <= 0xCF && m != 0xC4 && m != 0xC8 && m != 0xCC:
		return fmt.Sprintf("SOF%d", m-0xC0)
	default:
		return fmt.Sprintf("0x%02X", m)
	}
}

func analyzeJPEG(block *domain.StructureBlock, data []byte) {
	info := &domain.ContainerInfo{}
	block.Container = info

	corrupt := func(detail string) {
		addFlag(block, domain.AnomalyContainerCorrupt, domain.SeverityWarning, detail)
	}

	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		addCheck(block, "soi", false, "missing start-of-image marker")
		corrupt("missing start-of-image marker")
		return
	}
	addCheck(block, "soi", true, "")
	info.Markers = append(info.Markers, "SOI")

	var sawSOF, sawSOS bool
	eoi := -1
	pos := 2
	lengthsOK := true

walk:
	for pos < len(data) {
		if data[pos] != 0xFF {
			lengthsOK = false
			corrupt(fmt.Sprintf("expected marker at offset %d", pos))
			break
		}
		for pos < len(data) && data[pos] == 0xFF {
			pos++
		}
		if pos >= len(data) {
			break
		}
		m := data[pos]
		pos++
		name := jpegMarkerName(m)

		switch {
		case m == 0xD9:
			info.Markers = append(info.Markers, name)
			eoi = pos
			break walk
		case m >= 0xD0 && m <= 0xD7, m == 0x01:
			continue
		}

		if pos+2 > len(data) {
			lengthsOK = false
			corrupt(fmt.Sprintf("truncated %s segment", name))
			break
		}
		n := int(binary.BigEndian.Uint16(data[pos:]))
		if n < 2 || pos+n > len(data) {
			lengthsOK = false
			corrupt(fmt.Sprintf("%s segment length %d overruns the file", name, n))
			break
		}
		info.Markers = append(info.Markers, name)
		if len(name) > 3 && name[:3] == "SOF" {
			sawSOF = true
		}
		pos += n

		if m == 0xDA {
			sawSOS = true
			pos = skipEntropyData(data, pos)
		}
	}

	addCheck(block, "sof", sawSOF, "")
	addCheck(block, "sos", sawSOS, "")
	addCheck(block, "segment_lengths", lengthsOK, "")
	addCheck(block, "eoi", eoi >= 0, "")
	if !sawSOF || !sawSOS {
		corrupt("frame or scan header missing")
	}
	if eoi < 0 {
		corrupt("missing end-of-image marker")
		return
	}

	info.TrailingData = len(data) - eoi
	if info.TrailingData > 0 {
		addFlag(block, domain.AnomalyTrailingData, domain.SeverityWarning,
			fmt.Sprintf("%d bytes after end-of-image", info.TrailingData), fmt.Sprintf("offset:%d", eoi))
	}
}

// skipEntropyData returns the offset of the next real marker after scan data.
func skipEntropyData(data []byte, pos int) int {
	for pos+1 < len(data) {
		if data[pos] == 0xFF {
			next := data[pos+1]
			if next != 0x00 && !(next >= 0xD0 && next <= 0xD7) && next != 0xFF {
				return pos
			}
		}
		pos++
	}
	return len(data)
}

func analyzePNG(block *domain.StructureBlock, data []byte) {
	info := &domain.ContainerInfo{}
	block.Container = info

	if !bytes.HasPrefix(data, pngSignature) {
		addCheck(block, "signature", false, "")
		addFlag(block, domain.AnomalyContainerCorrupt, domain.SeverityWarning, "bad PNG signature")
		return
	}
	addCheck(block, "signature", true, "")

	pos := len(pngSignature)
	first := ""
	var sawIDAT bool
	iend := -1
	truncated := false
	for pos < len(data) {
		if pos+12 > len(data) {
			truncated = true
			break
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		kind := string(data[pos+4 : pos+8])
		if n < 0 || pos+12+n > len(data) {
			truncated = true
			break
		}
		body := data[pos+4 : pos+8+n]
		crc := binary.BigEndian.Uint32(data[pos+8+n:])
		if crc32.ChecksumIEEE(body) != crc {
			info.BadChecksums = append(info.BadChecksums, kind)
		}

		if first == "" {
			first = kind
		}
		if len(info.Markers) == 0 || info.Markers[len(info.Markers)-1] != kind {
			info.Markers = append(info.Markers, kind)
		}
		if kind == "IDAT" {
			sawIDAT = true
		}
		pos += 12 + n
		if kind == "IEND" {
			iend = pos
			break
		}
	}

	addCheck(block, "ihdr_first", first == "IHDR", "")
	addCheck(block, "idat_present", sawIDAT, "")
	addCheck(block, "chunk_crc", len(info.BadChecksums) == 0, "")
	addCheck(block, "iend_last", iend >= 0, "")

	if truncated {
		addFlag(block, domain.AnomalyContainerCorrupt, domain.SeverityWarning, fmt.Sprintf("truncated chunk at offset %d", pos))
	}
	for _, kind := range info.BadChecksums {
		addFlag(block, domain.AnomalyContainerCorrupt, domain.SeverityWarning, fmt.Sprintf("CRC mismatch in %s chunk", kind), "chunk:"+kind)
	}
	if first != "IHDR" || !sawIDAT {
		addFlag(block, domain.AnomalyContainerCorrupt, domain.SeverityWarning, "required chunks missing or out of order")
	}

	if iend >= 0 {
		info.TrailingData = len(data) - iend
		if info.TrailingData > 0 {
			addFlag(block, domain.AnomalyTrailingData, domain.SeverityWarning,
				fmt.Sprintf("%d bytes after IEND", info.TrailingData), fmt.Sprintf("offset:%d", iend))
		}
	}
}
