// Package evidence builds synthetic evidence files for tests: images with controllable
// EXIF, PNGs with text chunks, and noise patterns for ELA and clone detection.
package evidence

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
)

// Gradient returns a smooth RGB gradient, which recompresses with very little error.
func Gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / max(w-1, 1)),
				G: uint8(y * 255 / max(h-1, 1)),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

// Noise returns uniformly random pixels from a fixed seed.
func Noise(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.Intn(256))
		img.Pix[i+1] = uint8(rng.Intn(256))
		img.Pix[i+2] = uint8(rng.Intn(256))
		img.Pix[i+3] = 255
	}
	return img
}

// PasteNoise overwrites a rectangle of img with random pixels.
func PasteNoise(img *image.RGBA, r image.Rectangle, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, y, color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255})
		}
	}
}

// CopyRegion copies the square at src onto dst within the same image.
func CopyRegion(img *image.RGBA, src image.Point, dst image.Point, size int) {
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(dst.X+x, dst.Y+y, img.At(src.X+x, src.Y+y))
		}
	}
}

// RoundTripJPEG decodes the image after a JPEG encode at quality, so its pixels already
// carry compression history.
func RoundTripJPEG(img image.Image, quality int) *image.RGBA {
	decoded, err := jpeg.Decode(bytes.NewReader(EncodeJPEG(img, quality)))
	if err != nil {
		panic(err)
	}
	out := image.NewRGBA(decoded.Bounds())
	for y := out.Rect.Min.Y; y < out.Rect.Max.Y; y++ {
		for x := out.Rect.Min.X; x < out.Rect.Max.X; x++ {
			out.Set(x, y, decoded.At(x, y))
		}
	}
	return out
}

// EncodeJPEG encodes img as baseline JPEG.
func EncodeJPEG(img image.Image, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// EXIFTags are the tags WithEXIF can write. Empty fields are omitted. Times use the EXIF
// layout "2006:01:02 15:04:05".
type EXIFTags struct {
	Make             string
	Model            string
	Software         string
	Artist           string
	DateTime         string
	DateTimeOriginal string
	GPS              *[2]float64
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

const (
	typeASCII    = 2
	typeLong     = 4
	typeRational = 5
)

func asciiEntry(tag uint16, s string) ifdEntry {
	data := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}
}

func longEntry(tag uint16, v uint32) ifdEntry {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, v)
	return ifdEntry{tag: tag, typ: typeLong, count: 1, data: data}
}

func degreesEntry(tag uint16, v float64) ifdEntry {
	v = math.Abs(v)
	deg := math.Floor(v)
	minutes := math.Floor((v - deg) * 60)
	seconds := ((v-deg)*60 - minutes) * 60
	data := make([]byte, 24)
	binary.BigEndian.PutUint32(data[0:], uint32(deg))
	binary.BigEndian.PutUint32(data[4:], 1)
	binary.BigEndian.PutUint32(data[8:], uint32(minutes))
	binary.BigEndian.PutUint32(data[12:], 1)
	binary.BigEndian.PutUint32(data[16:], uint32(math.Round(seconds*1000)))
	binary.BigEndian.PutUint32(data[20:], 1000)
	return ifdEntry{tag: tag, typ: typeRational, count: 3, data: data}
}

func ifdSize(entries []ifdEntry) uint32 {
	size := uint32(2 + 12*len(entries) + 4)
	for _, e := range entries {
		if len(e.data) > 4 {
			size += uint32(len(e.data)+1) &^ 1
		}
	}
	return size
}

func writeIFD(buf *bytes.Buffer, entries []ifdEntry, offset uint32) {
	dataOff := offset + uint32(2+12*len(entries)+4)
	var data bytes.Buffer

	binary.Write(buf, binary.BigEndian, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(buf, binary.BigEndian, e.tag)
		binary.Write(buf, binary.BigEndian, e.typ)
		binary.Write(buf, binary.BigEndian, e.count)
		if len(e.data) <= 4 {
			v := make([]byte, 4)
			copy(v, e.data)
			buf.Write(v)
			continue
		}
		binary.Write(buf, binary.BigEndian, dataOff+uint32(data.Len()))
		data.Write(e.data)
		if len(e.data)%2 == 1 {
			data.WriteByte(0)
		}
	}
	binary.Write(buf, binary.BigEndian, uint32(0))
	buf.Write(data.Bytes())
}

// WithEXIF inserts an APP1 EXIF segment right after the SOI marker of a JPEG.
func WithEXIF(jpegData []byte, tags EXIFTags) []byte {
	var ifd0 []ifdEntry
	if tags.Make != "" {
		ifd0 = append(ifd0, asciiEntry(0x010F, tags.Make))
	}
	if tags.Model != "" {
		ifd0 = append(ifd0, asciiEntry(0x0110, tags.Model))
	}
	if tags.Software != "" {
		ifd0 = append(ifd0, asciiEntry(0x0131, tags.Software))
	}
	if tags.DateTime != "" {
		ifd0 = append(ifd0, asciiEntry(0x0132, tags.DateTime))
	}
	if tags.Artist != "" {
		ifd0 = append(ifd0, asciiEntry(0x013B, tags.Artist))
	}

	var exifIFD []ifdEntry
	if tags.DateTimeOriginal != "" {
		exifIFD = append(exifIFD, asciiEntry(0x9003, tags.DateTimeOriginal))
	}

	var gpsIFD []ifdEntry
	if tags.GPS != nil {
		lat, long := tags.GPS[0], tags.GPS[1]
		latRef, longRef := "N", "E"
		if lat < 0 {
			latRef = "S"
		}
		if long < 0 {
			longRef = "W"
		}
		gpsIFD = []ifdEntry{
			asciiEntry(0x0001, latRef),
			degreesEntry(0x0002, lat),
			asciiEntry(0x0003, longRef),
			degreesEntry(0x0004, long),
		}
	}

	// Pointer entries are inline LONGs, so adding them before layout keeps sizes stable.
	if len(exifIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8769, 0))
	}
	if len(gpsIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8825, 0))
	}

	off0 := uint32(8)
	offExif := off0 + ifdSize(ifd0)
	offGPS := offExif
	if len(exifIFD) > 0 {
		offGPS += ifdSize(exifIFD)
	}
	for i := range ifd0 {
		switch ifd0[i].tag {
		case 0x8769:
			binary.BigEndian.PutUint32(ifd0[i].data, offExif)
		case 0x8825:
			binary.BigEndian.PutUint32(ifd0[i].data, offGPS)
		}
	}

	var tiff bytes.Buffer
	tiff.WriteString("MM")
	binary.Write(&tiff, binary.BigEndian, uint16(42))
	binary.Write(&tiff, binary.BigEndian, off0)
	writeIFD(&tiff, ifd0, off0)
	if len(exifIFD) > 0 {
		writeIFD(&tiff, exifIFD, offExif)
	}
	if len(gpsIFD) > 0 {
		writeIFD(&tiff, gpsIFD, offGPS)
	}

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	segment := []byte{0xFF, 0xE1, 0, 0}
	binary.BigEndian.PutUint16(segment[2:], uint16(len(payload)+2))
	segment = append(segment, payload...)

	out := make([]byte, 0, len(jpegData)+len(segment))
	out = append(out, jpegData[:2]...)
	out = append(out, segment...)
	out = append(out, jpegData[2:]...)
	return out
}

// PNGChunk encodes one chunk with its CRC.
func PNGChunk(kind string, body []byte) []byte {
	chunk := make([]byte, 8, 12+len(body))
	binary.BigEndian.PutUint32(chunk, uint32(len(body)))
	copy(chunk[4:], kind)
	chunk = append(chunk, body...)
	crc := crc32.ChecksumIEEE(chunk[4:])
	return binary.BigEndian.AppendUint32(chunk, crc)
}

// WithPNGText inserts a tEXt chunk right after IHDR.
func WithPNGText(pngData []byte, key, value string) []byte {
	const afterIHDR = 8 + 8 + 13 + 4
	chunk := PNGChunk("tEXt", append(append([]byte(key), 0), value...))
	out := make([]byte, 0, len(pngData)+len(chunk))
	out = append(out, pngData[:afterIHDR]...)
	out = append(out, chunk...)
	out = append(out, pngData[afterIHDR:]...)
	return out
}
