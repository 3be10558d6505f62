// Package metadata extracts format-level metadata from canonical artifact bytes.
package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/xuri/excelize/v2"

	"github.com/cloo-solutions/forensix/internal/analyzer/mailparse"
	"github.com/cloo-solutions/forensix/internal/analyzer/pdfscan"
	"github.com/cloo-solutions/forensix/internal/domain"
)

// maxTextChunk bounds decompressed PNG text chunks.
const maxTextChunk = 1 << 20

var (
	xmpPacketRe   = regexp.MustCompile(`<x:xmpmeta|<\?xpacket begin`)
	xmpToolElemRe = regexp.MustCompile(`<xmp:CreatorTool>([^<]*)</xmp:CreatorTool>`)
	xmpToolAttrRe = regexp.MustCompile(`xmp:CreatorTool="([^"]*)"`)
)

// Extractor is the metadata stage. It runs for every artifact.
type Extractor struct{}

// New creates the metadata extractor.
func New() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Name() string {
	return domain.StageMetadata
}

func (e *Extractor) Applies(*domain.AnalysisInput) bool {
	return true
}

// Analyze never fails the stage on a parse error: a corrupt artifact is recorded as degraded.
func (e *Extractor) Analyze(ctx context.Context, in *domain.AnalysisInput) domain.StageResult {
	start := time.Now()
	result := domain.StageResult{StageName: domain.StageMetadata, Status: domain.StageStatusOK}

	block, warnings, err := Extract(in.Artifact.Format, in.Bytes())
	for _, w := range warnings {
		result.Note(w)
	}
	if err != nil {
		result.Warn(err.Error())
	}
	if in.Artifact.Format == domain.FormatUnknown {
		result.Warn("unrecognized format: metadata unavailable")
	}

	result.Data = block
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// Extract dispatches on the detected format. The returned block is never nil.
func Extract(format domain.Format, data []byte) (*domain.MetadataBlock, []string, error) {
	block := &domain.MetadataBlock{
		Format:   format,
		MimeType: format.MIMEType(),
		Specific: map[string]any{},
	}

	var warnings []string
	var err error
	switch format {
	case domain.FormatJPEG:
		warnings, err = extractJPEG(block, data)
	case domain.FormatPNG:
		err = extractPNG(block, data)
	case domain.FormatPDF:
		err = extractPDF(block, data)
	case domain.FormatEmail, domain.FormatMSG:
		err = extractEmail(block, data)
	case domain.FormatXLSX:
		err = extractXLSX(block, data)
	case domain.FormatCSV:
		err = extractCSV(block, data)
	default:
		return block, nil, nil
	}

	if err != nil {
		return block, warnings, domain.FormatError(format, err)
	}
	return block, warnings, nil
}

func addDimensions(block *domain.MetadataBlock, data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return err
	}
	block.Specific["width"] = cfg.Width
	block.Specific["height"] = cfg.Height
	return nil
}

func extractJPEG(block *domain.MetadataBlock, data []byte) ([]string, error) {
	if err := addDimensions(block, data); err != nil {
		return nil, err
	}

	x, err := ReadEXIF(data)
	if err != nil {
		block.Specific["exif_present"] = false
		return []string{"no EXIF data"}, nil
	}

	block.Specific["exif_present"] = true
	block.Specific["exif"] = x
	block.CreatedAt = x.CaptureTime()
	block.ModifiedAt = x.DateTime
	block.ProducerTool = x.Software
	block.Author = x.Artist
	if x.Make != "" {
		block.Specific["camera_make"] = x.Make
	}
	if x.Model != "" {
		block.Specific["camera_model"] = x.Model
	}
	return nil, nil
}

func extractPNG(block *domain.MetadataBlock, data []byte) error {
	if err := addDimensions(block, data); err != nil {
		return err
	}

	text := map[string]string{}
	pos := 8
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos:]))
		kind := string(data[pos+4 : pos+8])
		if length < 0 || pos+8+length+4 > len(data) {
			return fmt.Errorf("chunk %q overruns file", kind)
		}
		body := data[pos+8 : pos+8+length]

		switch kind {
		case "tEXt":
			if k, v, ok := bytes.Cut(body, []byte{0}); ok {
				text[string(k)] = latin1(v)
			}
		case "zTXt":
			if k, rest, ok := bytes.Cut(body, []byte{0}); ok && len(rest) > 1 {
				if v, err := inflate(rest[1:]); err == nil {
					text[string(k)] = latin1(v)
				}
			}
		case "iTXt":
			if k, v, ok := parseITXt(body); ok {
				text[k] = v
			}
		case "tIME":
			if len(body) == 7 {
				t := time.Date(int(binary.BigEndian.Uint16(body)), time.Month(body[2]), int(body[3]),
					int(body[4]), int(body[5]), int(body[6]), 0, time.UTC)
				block.ModifiedAt = &t
			}
		}

		if kind == "IEND" {
			break
		}
		pos += 8 + length + 4
	}

	if len(text) > 0 {
		block.Specific["text"] = text
	}
	for k, v := range text {
		switch strings.ToLower(k) {
		case "software":
			block.ProducerTool = v
		case "author":
			block.Author = v
		case "creation time":
			if t, ok := parseLooseTime(v); ok {
				block.CreatedAt = &t
			}
		}
	}
	return nil
}

func parseITXt(body []byte) (string, string, bool) {
	keyword, rest, ok := bytes.Cut(body, []byte{0})
	if !ok || len(rest) < 2 {
		return "", "", false
	}
	compressed := rest[0] == 1
	rest = rest[2:]
	_, rest, ok = bytes.Cut(rest, []byte{0}) // language tag
	if !ok {
		return "", "", false
	}
	_, rest, ok = bytes.Cut(rest, []byte{0}) // translated keyword
	if !ok {
		return "", "", false
	}
	if compressed {
		v, err := inflate(rest)
		if err != nil {
			return "", "", false
		}
		rest = v
	}
	return string(keyword), string(rest), true
}

func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxTextChunk))
}

func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

func extractPDF(block *domain.MetadataBlock, data []byte) error {
	version := pdfscan.Version(data)
	if version == "" {
		return errors.New("missing %PDF header")
	}
	block.Specific["pdf_version"] = version
	block.Specific["object_count"] = len(pdfscan.Objects(data))
	block.Specific["encrypted"] = bytes.Contains(data, []byte("/Encrypt"))

	hasXMP := xmpPacketRe.Match(data)
	block.Specific["xmp_present"] = hasXMP

	if info := pdfscan.InfoDict(data); info != nil {
		fields := map[string]string{}
		for _, key := range []string{"Title", "Author", "Subject", "Creator", "Producer", "CreationDate", "ModDate"} {
			if v, ok := pdfscan.DictString(info, key); ok && v != "" {
				fields[key] = v
			}
		}
		block.Specific["info"] = fields

		block.Author = fields["Author"]
		block.ProducerTool = fields["Producer"]
		if block.ProducerTool == "" {
			block.ProducerTool = fields["Creator"]
		}
		if v, ok := fields["Creator"]; ok {
			block.Specific["creator_tool"] = v
		}
		if t, err := pdfscan.ParseDate(fields["CreationDate"]); err == nil {
			block.CreatedAt = &t
		}
		if t, err := pdfscan.ParseDate(fields["ModDate"]); err == nil {
			block.ModifiedAt = &t
		}
	}

	if hasXMP {
		if m := xmpToolElemRe.FindSubmatch(data); m != nil {
			block.Specific["xmp_creator_tool"] = string(m[1])
		} else if m := xmpToolAttrRe.FindSubmatch(data); m != nil {
			block.Specific["xmp_creator_tool"] = string(m[1])
		}
	}
	return nil
}

func extractEmail(block *domain.MetadataBlock, data []byte) error {
	msg, err := mailparse.Parse(data)
	if msg == nil {
		return err
	}

	h := msg.Header
	headers := map[string]string{}
	for _, key := range []string{"From", "To", "Cc", "Subject", "Message-ID", "In-Reply-To", "Return-Path"} {
		if v := h.Get(key); v != "" {
			headers[key] = v
		}
	}
	block.Specific["headers"] = headers
	block.Specific["received_count"] = len(h["Received"])

	if from, perr := mail.ParseAddress(h.Get("From")); perr == nil {
		block.Author = from.Address
	} else {
		block.Author = h.Get("From")
	}
	block.ProducerTool = h.Get("X-Mailer")
	if block.ProducerTool == "" {
		block.ProducerTool = h.Get("User-Agent")
	}
	if t, derr := h.Date(); derr == nil {
		utc := t.UTC()
		block.CreatedAt = &utc
	}

	var names []string
	for _, att := range msg.Attachments() {
		names = append(names, att.Filename)
	}
	block.Specific["attachments"] = names

	// A broken MIME tree still yields the headers above.
	return err
}

func extractXLSX(block *domain.MetadataBlock, data []byte) error {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	block.Specific["sheets"] = sheets

	rowCounts := map[string]int{}
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return fmt.Errorf("failed to read sheet %q: %w", sheet, err)
		}
		rowCounts[sheet] = len(rows)
	}
	block.Specific["row_counts"] = rowCounts

	if doc, err := f.GetDocProps(); err == nil {
		block.Author = doc.Creator
		if doc.LastModifiedBy != "" {
			block.Specific["last_modified_by"] = doc.LastModifiedBy
		}
		if doc.Title != "" {
			block.Specific["title"] = doc.Title
		}
		if t, ok := parseLooseTime(doc.Created); ok {
			block.CreatedAt = &t
		}
		if t, ok := parseLooseTime(doc.Modified); ok {
			block.ModifiedAt = &t
		}
	}
	if app, err := f.GetAppProps(); err == nil {
		block.ProducerTool = strings.TrimSpace(app.Application + " " + app.AppVersion)
		if app.Company != "" {
			block.Specific["company"] = app.Company
		}
	}
	return nil
}

func extractCSV(block *domain.MetadataBlock, data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return err
	}
	rows := 0
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", rows+2, err)
		}
		rows++
	}

	columns := make([]string, len(header))
	for i, c := range header {
		columns[i] = strings.TrimSpace(c)
	}
	block.Specific["columns"] = columns
	block.Specific["row_count"] = rows
	return nil
}

var looseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006:01:02 15:04:05",
	"2006-01-02",
}

func parseLooseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range looseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
