package stretch

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"
)

// STFOptions tune the auto screen-transfer function.
type STFOptions struct {
	TargetBackground float64 // desired background level, default 0.25
	ShadowProtection float64 // 0..1, default 0
}

// DefaultSTFOptions match the values used for preview generation.
func DefaultSTFOptions() STFOptions {
	return STFOptions{TargetBackground: 0.25, ShadowProtection: 0}
}

const histogramBins = 1000

// AutoSTF applies a robust-statistics automatic stretch to a linear image
// and returns values clamped to [0, 1].
//
// The background estimate is the midpoint of the modal bin of a 1000-bin
// histogram; noise is 1.4826 * MAD; the highlight reference is the 99.5th
// percentile of pixels more than 3 sigma above the background. The linear
// map places the background at TargetBackground. Applying AutoSTF to an
// already-stretched image is idempotent within the histogram quantization
// (about 1e-3).
func AutoSTF(data []float64, opts STFOptions) []float64 {
	if len(data) == 0 {
		return nil
	}
	if opts.TargetBackground == 0 {
		opts.TargetBackground = 0.25
	}

	median := medianOf(data)
	mad := madOf(data, median)
	noise := 1.4826 * mad

	background := modalBinMidpoint(data)

	threshold := background + 3*noise
	significant := make([]float64, 0, len(data)/16)
	for _, v := range data {
		if v > threshold {
			significant = append(significant, v)
		}
	}

	var highlights float64
	if len(significant) > 0 {
		highlights = percentile(significant, 99.5)
	} else {
		highlights = threshold
	}

	shadows := background + opts.ShadowProtection*(highlights-background)

	out := make([]float64, len(data))
	const eps = 1e-12

	den := background - shadows
	if den > eps {
		m := opts.TargetBackground / den
		b := -m * shadows
		for i, v := range data {
			out[i] = clamp01(m*v + b)
		}
		return out
	}

	// Degenerate shadow clip (protection <= 0 puts the clip at or above
	// the background): reference the highlight span instead, keeping the
	// background at the target level.
	span := highlights - background
	if span <= eps {
		for i, v := range data {
			out[i] = clamp01(v)
		}
		return out
	}
	m := (1 - opts.TargetBackground) / span
	for i, v := range data {
		out[i] = clamp01(m*(v-background) + opts.TargetBackground)
	}
	return out
}

// MeanStack averages the data arrays of a set of same-sized images.
func MeanStack(images []*Image) (*Image, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("stretch: no images to stack")
	}
	first := images[0]
	sum := make([]float64, len(first.Data))
	for _, img := range images {
		if img.Width != first.Width || img.Height != first.Height {
			return nil, fmt.Errorf("stretch: dimension mismatch %dx%d vs %dx%d",
				img.Width, img.Height, first.Width, first.Height)
		}
		for i, v := range img.Data {
			sum[i] += v
		}
	}
	n := float64(len(images))
	for i := range sum {
		sum[i] /= n
	}
	return &Image{Data: sum, Width: first.Width, Height: first.Height}, nil
}

// ScaleChannel multiplies a stretched channel by its preset weight,
// clamping the result to [0, 1].
func ScaleChannel(data []float64, weight float64) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = clamp01(v * weight)
	}
	return out
}

// EncodeGrayPNG renders one stretched channel as an 8-bit grayscale PNG.
func EncodeGrayPNG(data []float64, width, height int) ([]byte, error) {
	if len(data) != width*height {
		return nil, fmt.Errorf("stretch: data length %d does not match %dx%d", len(data), width, height)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i, v := range data {
		img.Pix[i] = uint8(clamp01(v)*255 + 0.5)
	}
	return encodePNG(img)
}

// EncodeRGBPNG assembles three stretched channels into an 8-bit RGB PNG.
func EncodeRGBPNG(r, g, b []float64, width, height int) ([]byte, error) {
	n := width * height
	if len(r) != n || len(g) != n || len(b) != n {
		return nil, fmt.Errorf("stretch: channel length mismatch for %dx%d", width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < n; i++ {
		img.SetNRGBA(i%width, i/width, color.NRGBA{
			R: uint8(clamp01(r[i])*255 + 0.5),
			G: uint8(clamp01(g[i])*255 + 0.5),
			B: uint8(clamp01(b[i])*255 + 0.5),
			A: 255,
		})
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("stretch: png encode: %w", err)
	}
	return buf.Bytes(), nil
}

func medianOf(data []float64) float64 {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func madOf(data []float64, median float64) float64 {
	dev := make([]float64, len(data))
	for i, v := range data {
		dev[i] = math.Abs(v - median)
	}
	return medianOf(dev)
}

func modalBinMidpoint(data []float64) float64 {
	min, max := data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return min
	}

	counts := make([]int, histogramBins)
	scale := float64(histogramBins) / (max - min)
	for _, v := range data {
		bin := int((v - min) * scale)
		if bin == histogramBins {
			bin--
		}
		counts[bin]++
	}

	peak := 0
	for i, c := range counts {
		if c > counts[peak] {
			peak = i
		}
	}
	binWidth := (max - min) / histogramBins
	return min + (float64(peak)+0.5)*binWidth
}

// percentile computes the p-th percentile with linear interpolation
// between closest ranks.
func percentile(data []float64, p float64) float64 {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
