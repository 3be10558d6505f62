package imaging

import (
	"image"
	"image/color"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// CloneConfig tunes copy-move detection.
type CloneConfig struct {
	BlockSize int
	Stride    int
	// MaxDim caps the longer side of the analysed image; larger images are box-downscaled.
	MaxDim int
	// MinVariance skips flat blocks, which match each other trivially.
	MinVariance float64
	// MinDistance is the minimum displacement between matching blocks, in analysed pixels.
	MinDistance int
	// MinMatches is the minimum number of block pairs sharing a displacement.
	MinMatches int
	// Quantize divides pixel values before hashing so mild recompression noise still matches.
	Quantize int
	// MaxBucket drops fingerprints shared by more blocks than this (repetitive textures).
	MaxBucket int
	MaxHits   int
}

// DefaultCloneConfig returns the detector defaults.
func DefaultCloneConfig() CloneConfig {
	return CloneConfig{
		BlockSize:   8,
		Stride:      4,
		MaxDim:      512,
		MinVariance: 40,
		MinDistance: 16,
		MinMatches:  4,
		Quantize:    4,
		MaxBucket:   32,
		MaxHits:     16,
	}
}

type blockPos struct {
	x, y int
}

type offset struct {
	dx, dy int
}

type offsetGroup struct {
	count  int
	source blockPos
	target blockPos
}

// DetectClones finds regions duplicated inside img. Each returned hit groups the block pairs
// sharing one displacement vector; coordinates are in original image pixels.
func DetectClones(img image.Image, cfg CloneConfig) []domain.CloneHit {
	gray, factor := downscaleGray(img, cfg.MaxDim)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	if w < cfg.BlockSize || h < cfg.BlockSize {
		return nil
	}

	buckets := make(map[[32]byte][]blockPos)
	block := make([]byte, cfg.BlockSize*cfg.BlockSize)
	total := 0

	for y := 0; y+cfg.BlockSize <= h; y += cfg.Stride {
		for x := 0; x+cfg.BlockSize <= w; x += cfg.Stride {
			var sum, sumSq float64
			for by := 0; by < cfg.BlockSize; by++ {
				row := gray.Pix[(y+by)*gray.Stride+x:]
				for bx := 0; bx < cfg.BlockSize; bx++ {
					v := row[bx]
					sum += float64(v)
					sumSq += float64(v) * float64(v)
					block[by*cfg.BlockSize+bx] = v / uint8(cfg.Quantize)
				}
			}
			n := float64(len(block))
			mean := sum / n
			if sumSq/n-mean*mean < cfg.MinVariance {
				continue
			}
			total++
			key := blake3.Sum256(block)
			buckets[key] = append(buckets[key], blockPos{x: x, y: y})
		}
	}

	groups := make(map[offset]*offsetGroup)
	minDist2 := cfg.MinDistance * cfg.MinDistance
	for _, positions := range buckets {
		if len(positions) < 2 || len(positions) > cfg.MaxBucket {
			continue
		}
		for i := 0; i < len(positions); i++ {
			for j := i + 1; j < len(positions); j++ {
				a, b := positions[i], positions[j]
				o := offset{dx: b.x - a.x, dy: b.y - a.y}
				if o.dx*o.dx+o.dy*o.dy < minDist2 {
					continue
				}
				// Canonical direction so A->B and B->A land in one group.
				if o.dy < 0 || (o.dy == 0 && o.dx < 0) {
					o = offset{dx: -o.dx, dy: -o.dy}
					a, b = b, a
				}
				g, ok := groups[o]
				if !ok {
					g = &offsetGroup{source: a, target: b}
					groups[o] = g
				}
				g.count++
				if a.y < g.source.y || (a.y == g.source.y && a.x < g.source.x) {
					g.source, g.target = a, b
				}
			}
		}
	}

	var hits []domain.CloneHit
	for o, g := range groups {
		if g.count < cfg.MinMatches {
			continue
		}
		hits = append(hits, domain.CloneHit{
			SourceX: g.source.x * factor,
			SourceY: g.source.y * factor,
			TargetX: g.target.x * factor,
			TargetY: g.target.y * factor,
			OffsetX: o.dx * factor,
			OffsetY: o.dy * factor,
			Blocks:  g.count,
			Score:   float64(g.count) / float64(max(total, 1)),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Blocks != hits[j].Blocks {
			return hits[i].Blocks > hits[j].Blocks
		}
		if hits[i].OffsetY != hits[j].OffsetY {
			return hits[i].OffsetY < hits[j].OffsetY
		}
		return hits[i].OffsetX < hits[j].OffsetX
	})
	if cfg.MaxHits > 0 && len(hits) > cfg.MaxHits {
		hits = hits[:cfg.MaxHits]
	}
	return hits
}

// downscaleGray converts to 8-bit luma and box-averages by an integer factor so the longer
// side is at most maxDim.
func downscaleGray(img image.Image, maxDim int) (*image.Gray, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	factor := 1
	for maxDim > 0 && max(w, h)/factor > maxDim {
		factor++
	}

	ow, oh := w/factor, h/factor
	out := image.NewGray(image.Rect(0, 0, ow, oh))
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			var sum int
			for dy := 0; dy < factor; dy++ {
				for dx := 0; dx < factor; dx++ {
					c := color.GrayModel.Convert(img.At(b.Min.X+x*factor+dx, b.Min.Y+y*factor+dy)).(color.Gray)
					sum += int(c.Y)
				}
			}
			out.Pix[y*out.Stride+x] = uint8(sum / (factor * factor))
		}
	}
	return out, factor
}
