package pdfscan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePDF = "%PDF-1.6\n" +
	"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n" +
	"2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n" +
	"3 0 obj\n<< /Length 20 >>\nstream\n9 0 obj 8 0 R fake\nendstream\nendobj\n" +
	"4 0 obj\n<< /Producer (Acme \\(PDF\\) Writer) /Author <FEFF004A006F> /CreationDate (D:20240115103000+01'00') /CreatorTool (x) /Creator (Word) >>\nendobj\n" +
	"trailer\n<< /Root 1 0 R /Info 4 0 R >>\nstartxref\n123\n%%EOF\n"

func TestObjectsSkipStreams(t *testing.T) {
	defs := Objects([]byte(samplePDF))
	require.Len(t, defs, 4)
	for i, d := range defs {
		assert.Equal(t, i+1, d.Num)
		assert.True(t, ObjectAt([]byte(samplePDF), d.Offset, d.Key))
	}

	refs := References([]byte(samplePDF))
	assert.Equal(t, 2, refs[Key{Num: 1}] + refs[Key{Num: 2}])
	assert.Zero(t, refs[Key{Num: 8}])
}

func TestInfoDictStrings(t *testing.T) {
	dict := InfoDict([]byte(samplePDF))
	require.NotNil(t, dict)

	producer, ok := DictString(dict, "Producer")
	require.True(t, ok)
	assert.Equal(t, "Acme (PDF) Writer", producer)

	author, ok := DictString(dict, "Author")
	require.True(t, ok)
	assert.Equal(t, "Jo", author)

	creator, ok := DictString(dict, "Creator")
	require.True(t, ok)
	assert.Equal(t, "Word", creator)

	_, ok = DictString(dict, "Title")
	assert.False(t, ok)
}

func TestVersionStartXrefEOF(t *testing.T) {
	assert.Equal(t, "1.6", Version([]byte(samplePDF)))
	off, ok := StartXref([]byte(samplePDF))
	require.True(t, ok)
	assert.Equal(t, 123, off)
	assert.Equal(t, 1, CountEOF([]byte(samplePDF)))
}

func TestParseDate(t *testing.T) {
	got, err := ParseDate("D:20240115103000+01'00'")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)))

	got, err = ParseDate("D:2023")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseDate("20240301120000Z")
	require.NoError(t, err)
	assert.Equal(t, 12, got.Hour())

	_, err = ParseDate("D:20241301")
	assert.Error(t, err)
	_, err = ParseDate("yesterday")
	assert.Error(t, err)
}
