package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
)

// ELAResult is the outcome of error level analysis.
type ELAResult struct {
	// Score is the mean amplified per-channel error over the whole image.
	Score float64
	// Heatmap holds the amplified maximum channel error per pixel.
	Heatmap *image.Gray
	// BlockMeans is the mean amplified error per ELABlock x ELABlock tile, row-major.
	BlockMeans []float64
	// LowErrorRatio is the share of tiles whose mean stays below one quantization level.
	LowErrorRatio float64
}

// ELABlock is the tile size for per-block statistics.
const ELABlock = 8

// ELA re-encodes img as JPEG at quality and measures how much every pixel moved. Regions that
// were pasted or edited after the last save recompress differently from the rest.
func ELA(img image.Image, quality int, scale float64) (*ELAResult, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to re-encode image: %w", err)
	}
	resaved, err := jpeg.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to decode re-encoded image: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	heat := image.NewGray(image.Rect(0, 0, w, h))
	bw := (w + ELABlock - 1) / ELABlock
	bh := (h + ELABlock - 1) / ELABlock
	blockSum := make([]float64, bw*bh)
	blockN := make([]int, bw*bh)

	var total float64
	rb := resaved.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r1, g1, b1, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			r2, g2, b2, _ := resaved.At(rb.Min.X+x, rb.Min.Y+y).RGBA()

			er := amplify(absDiff(r1>>8, r2>>8), scale)
			eg := amplify(absDiff(g1>>8, g2>>8), scale)
			eb := amplify(absDiff(b1>>8, b2>>8), scale)

			sum := er + eg + eb
			total += sum

			peak := max(er, eg, eb)
			heat.Pix[y*heat.Stride+x] = uint8(peak)

			i := (y/ELABlock)*bw + x/ELABlock
			blockSum[i] += sum / 3
			blockN[i]++
		}
	}

	res := &ELAResult{
		Score:      total / float64(w*h*3),
		Heatmap:    heat,
		BlockMeans: make([]float64, len(blockSum)),
	}
	low := 0
	for i := range blockSum {
		res.BlockMeans[i] = blockSum[i] / float64(blockN[i])
		if res.BlockMeans[i] < scale {
			low++
		}
	}
	res.LowErrorRatio = float64(low) / float64(len(blockSum))
	return res, nil
}

// WriteHeatmap encodes the heat-map as PNG.
func (r *ELAResult) WriteHeatmap(w io.Writer) error {
	return png.Encode(w, r.Heatmap)
}

func absDiff(a, b uint32) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}

func amplify(v, scale float64) float64 {
	v *= scale
	if v > 255 {
		return 255
	}
	return v
}
