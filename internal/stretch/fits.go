package stretch

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const fitsBlockSize = 2880
const fitsCardSize = 80

// Image is a single 2-D FITS data array in row-major order with its
// parsed header cards. Values are the physical values (BZERO/BSCALE applied).
type Image struct {
	Data   []float64
	Width  int
	Height int
	Header map[string]string
}

// At returns the pixel at (x, y). Callers must stay in bounds.
func (img *Image) At(x, y int) float64 {
	return img.Data[y*img.Width+x]
}

// ReadFITS parses the primary HDU of a FITS stream and returns its 2-D
// data array. Only the first HDU is read; extensions are ignored.
func ReadFITS(r io.Reader) (*Image, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	bitpix, err := headerInt(header, "BITPIX")
	if err != nil {
		return nil, err
	}
	naxis, err := headerInt(header, "NAXIS")
	if err != nil {
		return nil, err
	}
	if naxis < 2 {
		return nil, fmt.Errorf("fits: expected 2-D image, got NAXIS=%d", naxis)
	}

	width, err := headerInt(header, "NAXIS1")
	if err != nil {
		return nil, err
	}
	height, err := headerInt(header, "NAXIS2")
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("fits: invalid dimensions %dx%d", width, height)
	}

	// Trailing axes (e.g. data cubes) are ignored: only the first plane
	// is read.
	bzero := headerFloat(header, "BZERO", 0)
	bscale := headerFloat(header, "BSCALE", 1)

	npix := width * height
	bytesPerPixel := abs(bitpix) / 8
	raw := make([]byte, npix*bytesPerPixel)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("fits: short data array: %w", err)
	}

	data := make([]float64, npix)
	switch bitpix {
	case 8:
		for i := 0; i < npix; i++ {
			data[i] = float64(raw[i])
		}
	case 16:
		for i := 0; i < npix; i++ {
			data[i] = float64(int16(binary.BigEndian.Uint16(raw[i*2:])))
		}
	case 32:
		for i := 0; i < npix; i++ {
			data[i] = float64(int32(binary.BigEndian.Uint32(raw[i*4:])))
		}
	case -32:
		for i := 0; i < npix; i++ {
			data[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:])))
		}
	case -64:
		for i := 0; i < npix; i++ {
			data[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
		}
	default:
		return nil, fmt.Errorf("fits: unsupported BITPIX %d", bitpix)
	}

	if bzero != 0 || bscale != 1 {
		for i := range data {
			data[i] = bzero + bscale*data[i]
		}
	}

	return &Image{
		Data:   data,
		Width:  width,
		Height: height,
		Header: header,
	}, nil
}

func readHeader(r io.Reader) (map[string]string, error) {
	header := make(map[string]string)
	block := make([]byte, fitsBlockSize)

	for {
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, fmt.Errorf("fits: short header: %w", err)
		}
		for i := 0; i < fitsBlockSize; i += fitsCardSize {
			card := string(block[i : i+fitsCardSize])
			keyword := strings.TrimSpace(card[:8])
			if keyword == "END" {
				return header, nil
			}
			if keyword == "" || keyword == "COMMENT" || keyword == "HISTORY" {
				continue
			}
			if len(card) < 10 || card[8:10] != "= " {
				continue
			}
			value := strings.TrimSpace(card[10:])
			if idx := valueCommentSplit(value); idx >= 0 {
				value = strings.TrimSpace(value[:idx])
			}
			value = strings.Trim(value, "'")
			value = strings.TrimSpace(value)
			header[keyword] = value
		}
	}
}

// valueCommentSplit finds the '/' starting an inline comment, skipping
// slashes inside quoted string values.
func valueCommentSplit(value string) int {
	inString := false
	for i, c := range value {
		switch c {
		case '\'':
			inString = !inString
		case '/':
			if !inString {
				return i
			}
		}
	}
	return -1
}

func headerInt(header map[string]string, key string) (int, error) {
	v, ok := header[key]
	if !ok {
		return 0, fmt.Errorf("fits: missing header card %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("fits: invalid %s value %q", key, v)
	}
	return n, nil
}

func headerFloat(header map[string]string, key string, defaultValue float64) float64 {
	v, ok := header[key]
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
