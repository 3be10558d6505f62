// Package format sniffs artifact formats from their leading bytes. Filenames are untrusted
// and never consulted.
package format

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/cloo-solutions/forensix/internal/analyzer/mailparse"
	"github.com/cloo-solutions/forensix/internal/domain"
)

const sniffLen = 8192

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	pdfMagic  = []byte("%PDF-")
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
)

// emailHeaders are fields that only show up at the top of an RFC 5322 message.
var emailHeaders = []string{
	"received", "return-path", "message-id", "from", "to", "subject", "date",
	"mime-version", "delivered-to", "x-mailer", "reply-to", "dkim-signature",
}

// Detect returns the format of data. Unrecognized content is domain.FormatUnknown.
func Detect(data []byte) domain.Format {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return domain.FormatJPEG
	case bytes.HasPrefix(data, pngMagic):
		return domain.FormatPNG
	case hasPDFHeader(data):
		return domain.FormatPDF
	case bytes.HasPrefix(data, zipMagic):
		if isXLSX(data) {
			return domain.FormatXLSX
		}
		return domain.FormatUnknown
	case bytes.HasPrefix(data, mailparse.OLEMagic):
		// Legacy Office documents share the container; only Outlook messages are analyzed.
		if mailparse.IsMSG(data) {
			return domain.FormatMSG
		}
		return domain.FormatUnknown
	}

	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if !isText(head) {
		return domain.FormatUnknown
	}
	if isEmail(head) {
		return domain.FormatEmail
	}
	if isCSV(head) {
		return domain.FormatCSV
	}
	return domain.FormatUnknown
}

// hasPDFHeader allows the header anywhere in the first KiB, as readers do.
func hasPDFHeader(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, pdfMagic)
}

func isXLSX(data []byte) bool {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == "xl/workbook.xml" {
			return true
		}
	}
	return false
}

func isText(head []byte) bool {
	if len(head) == 0 || bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	// A multi-byte rune may be cut at the sniff boundary.
	for len(head) > 0 && !utf8.Valid(head) {
		head = head[:len(head)-1]
	}
	return len(head) > 0
}

func isEmail(head []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(head))
	known := 0
	lines := 0
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines++
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name, _, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(name, " \t") {
			return false
		}
		for _, h := range emailHeaders {
			if strings.EqualFold(name, h) {
				known++
				break
			}
		}
		if lines > 200 {
			break
		}
	}
	return known >= 2
}

func isCSV(head []byte) bool {
	// Drop a possibly truncated last line.
	if i := bytes.LastIndexByte(head, '\n'); i > 0 && len(head) == sniffLen {
		head = head[:i]
	}
	r := csv.NewReader(bytes.NewReader(head))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	width := -1
	rows := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false
		}
		if len(rec) < 2 {
			return false
		}
		if width == -1 {
			width = len(rec)
		} else if len(rec) != width {
			return false
		}
		rows++
	}
	return rows >= 2
}
