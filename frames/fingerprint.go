package frames

import (
	"bytes"
	"image"
	"math/bits"

	_ "image/jpeg"
	_ "image/png"
)

// fingerprint dimensions: a difference hash compares each pixel of a 9x8
// grayscale downsample to its right neighbor, giving 64 bits.
const (
	hashCols = 9
	hashRows = 8
)

// Fingerprint is a compact similarity signature of a frame's pixel content.
// It exists only for comparison and is never persisted on its own.
type Fingerprint uint64

// FingerprintImage decodes the encoded image and computes its difference
// hash. The result is deterministic for identical input bytes.
func FingerprintImage(encoded []byte) (Fingerprint, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return 0, err
	}
	return fingerprintOf(img), nil
}

func fingerprintOf(img image.Image) Fingerprint {
	gray := downsampleGray(img, hashCols, hashRows)

	var hash Fingerprint
	bit := 0
	for r := 0; r < hashRows; r++ {
		for c := 0; c < hashCols-1; c++ {
			if gray[r*hashCols+c] > gray[r*hashCols+c+1] {
				hash |= 1 << uint(bit)
			}
			bit++
		}
	}
	return hash
}

// Distance is the normalized Hamming distance between two fingerprints,
// in [0,1]. Identical frames score 0.
func Distance(a, b Fingerprint) float64 {
	return float64(bits.OnesCount64(uint64(a^b))) / 64.0
}

// downsampleGray shrinks img to cols x rows using box averaging over the
// source rectangle covered by each cell.
func downsampleGray(img image.Image, cols, rows int) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]float64, cols*rows)
	if w == 0 || h == 0 {
		return out
	}
	for r := 0; r < rows; r++ {
		y0 := bounds.Min.Y + r*h/rows
		y1 := bounds.Min.Y + (r+1)*h/rows
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for c := 0; c < cols; c++ {
			x0 := bounds.Min.X + c*w/cols
			x1 := bounds.Min.X + (c+1)*w/cols
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var sum, n float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					cr, cg, cb, _ := img.At(x, y).RGBA()
					// ITU-R BT.601 luma weights
					sum += 0.299*float64(cr) + 0.587*float64(cg) + 0.114*float64(cb)
					n++
				}
			}
			out[r*cols+c] = sum / n / 65535.0
		}
	}
	return out
}
