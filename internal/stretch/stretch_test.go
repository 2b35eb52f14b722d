package stretch_test

import (
	"bytes"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-studio-backend/internal/stretch"
)

// syntheticSky builds a linear image: a flat background with gaussian
// noise plus a handful of bright stars.
func syntheticSky(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, n)
	for i := range data {
		data[i] = 100 + rng.NormFloat64()*5
	}
	for i := 0; i < n/100; i++ {
		data[rng.Intn(n)] = 1000 + rng.Float64()*5000
	}
	return data
}

func TestAutoSTFRange(t *testing.T) {
	data := syntheticSky(10000, 1)
	out := stretch.AutoSTF(data, stretch.DefaultSTFOptions())
	require.Len(t, out, len(data))
	for _, v := range out {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestAutoSTFMonotonic(t *testing.T) {
	data := syntheticSky(10000, 2)
	out := stretch.AutoSTF(data, stretch.DefaultSTFOptions())
	for i := 1; i < len(data); i++ {
		if data[i] > data[i-1] {
			assert.GreaterOrEqual(t, out[i], out[i-1])
		}
	}
}

func TestAutoSTFIdempotent(t *testing.T) {
	data := syntheticSky(20000, 3)
	once := stretch.AutoSTF(data, stretch.DefaultSTFOptions())
	twice := stretch.AutoSTF(once, stretch.DefaultSTFOptions())
	for i := range once {
		assert.InDelta(t, once[i], twice[i], 0.02, "pixel %d", i)
	}
}

func TestAutoSTFUniformImage(t *testing.T) {
	data := make([]float64, 100)
	for i := range data {
		data[i] = 0.5
	}
	out := stretch.AutoSTF(data, stretch.DefaultSTFOptions())
	for _, v := range out {
		assert.Equal(t, 0.5, v)
	}
}

func TestAutoSTFEmpty(t *testing.T) {
	assert.Nil(t, stretch.AutoSTF(nil, stretch.DefaultSTFOptions()))
}

func TestMeanStack(t *testing.T) {
	a := &stretch.Image{Data: []float64{1, 2, 3, 4}, Width: 2, Height: 2}
	b := &stretch.Image{Data: []float64{3, 4, 5, 6}, Width: 2, Height: 2}

	stacked, err := stretch.MeanStack([]*stretch.Image{a, b})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4, 5}, stacked.Data)
	assert.Equal(t, 2, stacked.Width)
	assert.Equal(t, 2, stacked.Height)
}

func TestMeanStackDimensionMismatch(t *testing.T) {
	a := &stretch.Image{Data: []float64{1, 2}, Width: 2, Height: 1}
	b := &stretch.Image{Data: []float64{1, 2, 3, 4}, Width: 2, Height: 2}

	_, err := stretch.MeanStack([]*stretch.Image{a, b})
	assert.Error(t, err)
}

func TestMeanStackEmpty(t *testing.T) {
	_, err := stretch.MeanStack(nil)
	assert.Error(t, err)
}

func TestScaleChannel(t *testing.T) {
	out := stretch.ScaleChannel([]float64{0.2, 0.5, 0.9}, 0.5)
	assert.InDelta(t, 0.1, out[0], 1e-12)
	assert.InDelta(t, 0.25, out[1], 1e-12)
	assert.InDelta(t, 0.45, out[2], 1e-12)

	// Weights above 1 clamp instead of overflowing.
	out = stretch.ScaleChannel([]float64{0.9}, 2)
	assert.Equal(t, 1.0, out[0])
}

func TestEncodeGrayPNG(t *testing.T) {
	data := []float64{0, 0.5, 1, 0.25}
	raw, err := stretch.EncodeGrayPNG(data, 2, 2)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0), r>>8)
	r, _, _, _ = img.At(0, 1).RGBA()
	assert.Equal(t, uint32(255), r>>8)
}

func TestEncodeGrayPNGLengthMismatch(t *testing.T) {
	_, err := stretch.EncodeGrayPNG([]float64{1, 2}, 2, 2)
	assert.Error(t, err)
}

func TestEncodeRGBPNG(t *testing.T) {
	r := []float64{1, 0}
	g := []float64{0, 1}
	b := []float64{0, 0}
	raw, err := stretch.EncodeRGBPNG(r, g, b, 2, 1)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)

	red, green, blue, alpha := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(255), red>>8)
	assert.Equal(t, uint32(0), green>>8)
	assert.Equal(t, uint32(0), blue>>8)
	assert.Equal(t, uint32(255), alpha>>8)

	red, green, _, _ = img.At(1, 0).RGBA()
	assert.Equal(t, uint32(0), red>>8)
	assert.Equal(t, uint32(255), green>>8)
}

func TestEncodeRGBPNGChannelMismatch(t *testing.T) {
	_, err := stretch.EncodeRGBPNG([]float64{1}, []float64{1, 2}, []float64{1}, 1, 1)
	assert.Error(t, err)
}
