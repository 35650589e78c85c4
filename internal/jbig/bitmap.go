package jbig

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"

	"golang.org/x/image/bmp"
)

// Bitmap is a decoded image held in memory.
//
// Pix holds one 8-bit luma sample per pixel, row-major, Stride bytes per row.
// Encoded keeps the BMP bytes exactly as the converter wrote them.
type Bitmap struct {
	Width   int
	Height  int
	Stride  int
	Pix     []byte
	Encoded []byte
}

// Image returns a view of the pixel buffer. The view shares Pix.
func (b *Bitmap) Image() *image.Gray {
	return &image.Gray{
		Pix:    b.Pix,
		Stride: b.Stride,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// WriteTo writes the encoded BMP bytes to w.
func (b *Bitmap) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.Encoded)
	return int64(n), err
}

// BitmapDecoder turns converter output into a Bitmap.
type BitmapDecoder interface {
	DecodeBitmap(data []byte) (*Bitmap, error)
}

// BMPDecoder decodes Windows BMP data. x/image/bmp handles 8, 24 and 32 bit
// images; uncompressed 1, 2 and 4 bit paletted images, which ppmtobmp writes
// for bilevel input, are decoded by decodePaletted.
type BMPDecoder struct{}

func (BMPDecoder) DecodeBitmap(data []byte) (*Bitmap, error) {
	img, err := bmp.Decode(bytes.NewReader(data))
	if errors.Is(err, bmp.ErrUnsupported) {
		img, err = decodePaletted(data)
	}
	if err != nil {
		return nil, err
	}

	gray := toGray(img)
	return &Bitmap{
		Width:   gray.Rect.Dx(),
		Height:  gray.Rect.Dy(),
		Stride:  gray.Stride,
		Pix:     gray.Pix,
		Encoded: data,
	}, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	bounds := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst
}

var errMalformedBMP = errors.New("bmp: malformed header")

const (
	fileHeaderLen = 14
	coreHeaderLen = 12
	infoHeaderLen = 40
)

// decodePaletted decodes uncompressed BMPs with fewer than 8 bits per pixel.
// Both BITMAPCOREHEADER and BITMAPINFOHEADER (or later) layouts are accepted.
func decodePaletted(data []byte) (*image.Gray, error) {
	if len(data) < fileHeaderLen+coreHeaderLen || data[0] != 'B' || data[1] != 'M' {
		return nil, errMalformedBMP
	}
	le := binary.LittleEndian
	pixOffset := int(le.Uint32(data[10:14]))
	dibLen := int(le.Uint32(data[14:18]))
	if dibLen < coreHeaderLen || fileHeaderLen+dibLen > len(data) {
		return nil, errMalformedBMP
	}

	var (
		width, height int
		bpp           int
		colors        int
		entryLen      int
	)
	dib := data[fileHeaderLen : fileHeaderLen+dibLen]
	if dibLen < infoHeaderLen {
		width = int(le.Uint16(dib[4:6]))
		height = int(le.Uint16(dib[6:8]))
		bpp = int(le.Uint16(dib[10:12]))
		entryLen = 3
	} else {
		width = int(int32(le.Uint32(dib[4:8])))
		height = int(int32(le.Uint32(dib[8:12])))
		bpp = int(le.Uint16(dib[14:16]))
		if compression := le.Uint32(dib[16:20]); compression != 0 {
			return nil, fmt.Errorf("%w: compression %d", bmp.ErrUnsupported, compression)
		}
		colors = int(le.Uint32(dib[32:36]))
		entryLen = 4
	}
	switch bpp {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("%w: %d bits per pixel", bmp.ErrUnsupported, bpp)
	}
	if colors == 0 || colors > 1<<bpp {
		colors = 1 << bpp
	}

	topDown := height < 0
	if topDown {
		height = -height
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", errMalformedBMP, width, height)
	}

	paletteStart := fileHeaderLen + dibLen
	if paletteStart+colors*entryLen > len(data) {
		return nil, errMalformedBMP
	}
	palette := make([]uint8, colors)
	for i := range palette {
		e := data[paletteStart+i*entryLen:]
		c := color.RGBA{R: e[2], G: e[1], B: e[0], A: 0xff}
		palette[i] = color.GrayModel.Convert(c).(color.Gray).Y
	}

	rowLen := (width*bpp + 31) / 32 * 4
	if pixOffset < paletteStart || pixOffset+rowLen*height > len(data) {
		return nil, errMalformedBMP
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	mask := byte(1<<bpp - 1)
	perByte := 8 / bpp
	for row := 0; row < height; row++ {
		src := data[pixOffset+row*rowLen : pixOffset+(row+1)*rowLen]
		y := height - 1 - row
		if topDown {
			y = row
		}
		dst := img.Pix[y*img.Stride : y*img.Stride+width]
		for x := range dst {
			shift := uint(8 - bpp*(x%perByte+1))
			idx := int(src[x/perByte]>>shift) & int(mask)
			if idx >= len(palette) {
				return nil, fmt.Errorf("%w: palette index %d", errMalformedBMP, idx)
			}
			dst[x] = palette[idx]
		}
	}
	return img, nil
}
