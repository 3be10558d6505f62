package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/testutil/evidence"
)

func TestExtract_JPEGWithEXIF(t *testing.T) {
	data := evidence.WithEXIF(evidence.EncodeJPEG(evidence.Gradient(64, 48), 90), evidence.EXIFTags{
		Make:             "Canon",
		Model:            "EOS 5D",
		Software:         "Adobe Photoshop 25.0",
		DateTime:         "2024:05:02 11:00:00",
		DateTimeOriginal: "2024:05:01 09:30:00",
		GPS:              &[2]float64{52.5, 13.25},
	})

	block, warnings, err := Extract(domain.FormatJPEG, data)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, 64, block.Specific["width"])
	assert.Equal(t, 48, block.Specific["height"])
	assert.Equal(t, true, block.Specific["exif_present"])
	assert.Equal(t, "EOS 5D", block.Specific["camera_model"])
	assert.Equal(t, "Adobe Photoshop 25.0", block.ProducerTool)
	require.NotNil(t, block.CreatedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC), *block.CreatedAt)
	require.NotNil(t, block.ModifiedAt)
	assert.Equal(t, 11, block.ModifiedAt.Hour())

	x := block.Specific["exif"].(*EXIF)
	require.NotNil(t, x.GPS)
	assert.InDelta(t, 52.5, x.GPS.Latitude, 0.001)
	assert.InDelta(t, 13.25, x.GPS.Longitude, 0.001)
}

func TestExtract_JPEGWithoutEXIF(t *testing.T) {
	block, warnings, err := Extract(domain.FormatJPEG, evidence.EncodeJPEG(evidence.Gradient(16, 16), 80))
	require.NoError(t, err)
	assert.Equal(t, []string{"no EXIF data"}, warnings)
	assert.Equal(t, false, block.Specific["exif_present"])
	assert.Nil(t, block.CreatedAt)
}

func TestExtract_PNGText(t *testing.T) {
	data := evidence.WithPNGText(evidence.EncodePNG(evidence.Gradient(10, 10)), "Software", "GIMP 2.10")

	block, _, err := Extract(domain.FormatPNG, data)
	require.NoError(t, err)
	assert.Equal(t, "GIMP 2.10", block.ProducerTool)
	assert.Equal(t, map[string]string{"Software": "GIMP 2.10"}, block.Specific["text"])
	assert.Equal(t, 10, block.Specific["width"])
}

func TestExtract_PDFInfo(t *testing.T) {
	pdf := "%PDF-1.4\n" +
		"1 0 obj\n<< /Type /Catalog >>\nendobj\n" +
		"2 0 obj\n<< /Producer (LibreOffice 7.5) /Author (J. Doe) /CreationDate (D:20230102030405Z) /ModDate (D:20240102030405Z) >>\nendobj\n" +
		"3 0 obj\n<< /Type /Metadata >>\nstream\n<x:xmpmeta><xmp:CreatorTool>Writer</xmp:CreatorTool></x:xmpmeta>\nendstream\nendobj\n" +
		"trailer\n<< /Root 1 0 R /Info 2 0 R >>\n%%EOF\n"

	block, _, err := Extract(domain.FormatPDF, []byte(pdf))
	require.NoError(t, err)
	assert.Equal(t, "LibreOffice 7.5", block.ProducerTool)
	assert.Equal(t, "J. Doe", block.Author)
	assert.Equal(t, "1.4", block.Specific["pdf_version"])
	assert.Equal(t, 3, block.Specific["object_count"])
	assert.Equal(t, true, block.Specific["xmp_present"])
	assert.Equal(t, "Writer", block.Specific["xmp_creator_tool"])
	require.NotNil(t, block.CreatedAt)
	assert.Equal(t, 2023, block.CreatedAt.Year())
	require.NotNil(t, block.ModifiedAt)
	assert.Equal(t, 2024, block.ModifiedAt.Year())
}

func TestExtract_Email(t *testing.T) {
	msg := "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Q1\r\n" +
		"Date: Tue, 05 Mar 2024 10:00:00 +0100\r\n" +
		"X-Mailer: Outlook 16\r\n" +
		"Received: from a by b; Tue, 05 Mar 2024 09:00:05 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b\"\r\n\r\n" +
		"--b\r\nContent-Type: text/plain\r\n\r\nhi\r\n" +
		"--b\r\nContent-Type: application/pdf\r\nContent-Disposition: attachment; filename=\"inv.pdf\"\r\n\r\n%PDF-1.4\r\n" +
		"--b--\r\n"

	block, _, err := Extract(domain.FormatEmail, []byte(msg))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", block.Author)
	assert.Equal(t, "Outlook 16", block.ProducerTool)
	assert.Equal(t, []string{"inv.pdf"}, block.Specific["attachments"])
	assert.Equal(t, 1, block.Specific["received_count"])
	require.NotNil(t, block.CreatedAt)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), *block.CreatedAt)
}

func TestExtract_OutlookMessage(t *testing.T) {
	data := evidence.MSG{
		Subject:     "Q1",
		SenderName:  "Alice",
		SenderEmail: "alice@example.com",
		Submitted:   time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		Attachments: []evidence.MSGAttachment{{Filename: "inv.pdf", MIMEType: "application/pdf", Content: []byte("%PDF-1.4\n")}},
	}.Bytes()

	block, _, err := Extract(domain.FormatMSG, data)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", block.Author)
	assert.Equal(t, []string{"inv.pdf"}, block.Specific["attachments"])
	assert.Equal(t, 0, block.Specific["received_count"])
	require.NotNil(t, block.CreatedAt)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), *block.CreatedAt)
}

func TestExtract_XLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "amount"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", 10))
	_, err := f.NewSheet("Q2")
	require.NoError(t, err)
	require.NoError(t, f.SetDocProps(&excelize.DocProperties{
		Creator: "controller@example.com",
		Created: "2024-01-02T03:04:05Z",
	}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	block, _, err := Extract(domain.FormatXLSX, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1", "Q2"}, block.Specific["sheets"])
	assert.Equal(t, map[string]int{"Sheet1": 2, "Q2": 0}, block.Specific["row_counts"])
	assert.Equal(t, "controller@example.com", block.Author)
	require.NotNil(t, block.CreatedAt)
	assert.Equal(t, 2024, block.CreatedAt.Year())
}

func TestExtract_CSV(t *testing.T) {
	block, _, err := Extract(domain.FormatCSV, []byte("Date, Payee ,Amount\n2024-01-01,Acme,1\n2024-01-02,Bolt,2\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Date", "Payee", "Amount"}, block.Specific["columns"])
	assert.Equal(t, 2, block.Specific["row_count"])
}

func TestExtract_CorruptIsFormatError(t *testing.T) {
	block, _, err := Extract(domain.FormatJPEG, []byte{0xFF, 0xD8, 0xFF, 0x00})
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.ErrCodeFormat))
	require.NotNil(t, block)
	assert.Equal(t, domain.FormatJPEG, block.Format)
}

func TestAnalyze_StatusByFormat(t *testing.T) {
	e := New()
	ctx := context.Background()

	unknown := e.Analyze(ctx, domain.NewAnalysisInput(&domain.Artifact{Format: domain.FormatUnknown}, []byte{1, 2, 3}, ""))
	assert.Equal(t, domain.StageStatusDegraded, unknown.Status)
	assert.NotEmpty(t, unknown.Warnings)
	assert.Empty(t, unknown.Data.(*domain.MetadataBlock).Specific)

	corrupt := e.Analyze(ctx, domain.NewAnalysisInput(&domain.Artifact{Format: domain.FormatPNG}, []byte("\x89PNG\r\n\x1a\nxx"), ""))
	assert.Equal(t, domain.StageStatusDegraded, corrupt.Status)

	csv := e.Analyze(ctx, domain.NewAnalysisInput(&domain.Artifact{Format: domain.FormatCSV}, []byte("a,b\n1,2\n"), ""))
	assert.Equal(t, domain.StageStatusOK, csv.Status)
	assert.Equal(t, domain.StageMetadata, csv.StageName)
}
