package frames

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// genImage encodes a 64x64 PNG whose gray level at (x, y) comes from fn.
func genImage(t *testing.T, fn func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: fn(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func ascending(x, _ int) uint8  { return uint8(x * 4) }
func descending(x, _ int) uint8 { return uint8(255 - x*4) }

func TestFingerprintDeterministic(t *testing.T) {
	img := genImage(t, ascending)

	a, err := FingerprintImage(img)
	require.NoError(t, err)
	b, err := FingerprintImage(img)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Zero(t, Distance(a, b))
}

func TestDistanceOppositeGradients(t *testing.T) {
	a, err := FingerprintImage(genImage(t, ascending))
	require.NoError(t, err)
	b, err := FingerprintImage(genImage(t, descending))
	require.NoError(t, err)

	// Every neighbor comparison flips between the two gradients.
	assert.InDelta(t, 1.0, Distance(a, b), 0.001)
}

func TestFingerprintRejectsGarbage(t *testing.T) {
	_, err := FingerprintImage([]byte("not an image"))
	assert.Error(t, err)
}
