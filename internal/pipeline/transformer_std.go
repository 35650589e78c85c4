package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/dunamismax/jbigflow/internal/jbig"
	"golang.org/x/image/bmp"
)

type stdlibTransformer struct{}

func (t stdlibTransformer) Transform(ctx context.Context, bitmap *jbig.Bitmap, step domain.OutputStep) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}
	if bitmap == nil {
		return nil, "", 0, 0, errors.New("bitmap is required")
	}

	format := normalizeOutputFormat(step.Format)

	var img *image.Gray
	switch stepAction(step) {
	case domain.ActionBitmap:
		return bitmap.Encoded, domain.FormatBMP, bitmap.Width, bitmap.Height, nil
	case domain.ActionEncode:
		if format == domain.FormatBMP {
			return bitmap.Encoded, domain.FormatBMP, bitmap.Width, bitmap.Height, nil
		}
		img = bitmap.Image()
	case domain.ActionThumbnail:
		resized, err := resizeToWidth(bitmap.Image(), step.Width)
		if err != nil {
			return nil, "", 0, 0, err
		}
		img = resized
	default:
		return nil, "", 0, 0, fmt.Errorf("%w: %q", ErrInvalidStepAction, step.Action)
	}

	output, err := encodeImage(img, format, step.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	bounds := img.Bounds()
	return output, format, bounds.Dx(), bounds.Dy(), nil
}

// resizeToWidth scales with nearest-neighbour sampling so bilevel pages stay bilevel.
func resizeToWidth(src *image.Gray, width int) (*image.Gray, error) {
	srcBounds := src.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()
	height, err := thumbnailHeight(srcW, srcH, width)
	if err != nil {
		return nil, err
	}

	if width == srcW {
		dst := image.NewGray(image.Rect(0, 0, srcW, srcH))
		copy(dst.Pix, src.Pix)
		return dst, nil
	}

	dst := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := srcBounds.Min.Y + (y*srcH)/height
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width]
		for x := range row {
			srcX := srcBounds.Min.X + (x*srcW)/width
			row[x] = src.GrayAt(srcX, srcY).Y
		}
	}
	return dst, nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case domain.FormatBMP:
		if err := bmp.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode bmp: %w", err)
		}
	case domain.FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.BestCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.FormatWebP:
		return nil, errors.New("webp export requires govips build tag")
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	return buf.Bytes(), nil
}
