//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/dunamismax/jbigflow/internal/jbig"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, bitmap *jbig.Bitmap, step domain.OutputStep) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	action := stepAction(step)
	format := normalizeOutputFormat(step.Format)
	switch action {
	case domain.ActionBitmap:
		return bitmap.Encoded, domain.FormatBMP, bitmap.Width, bitmap.Height, nil
	case domain.ActionEncode, domain.ActionThumbnail:
		if action == domain.ActionEncode && format == domain.FormatBMP {
			return bitmap.Encoded, domain.FormatBMP, bitmap.Width, bitmap.Height, nil
		}
	default:
		return nil, "", 0, 0, fmt.Errorf("%w: %q", ErrInvalidStepAction, step.Action)
	}

	// libvips ships no BMP loader without ImageMagick, so hand it PNG.
	var src bytes.Buffer
	if err := png.Encode(&src, bitmap.Image()); err != nil {
		return nil, "", 0, 0, fmt.Errorf("stage bitmap for libvips: %w", err)
	}
	img, err := vips.NewImageFromBuffer(src.Bytes())
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("load bitmap into libvips: %w", err)
	}
	defer img.Close()

	if action == domain.ActionThumbnail {
		if err := applyGovipsThumbnail(img, step.Width); err != nil {
			return nil, "", 0, 0, err
		}
	}

	data, err := exportGovipsImage(img, format, step.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}
	return data, format, img.Width(), img.Height(), nil
}

func applyGovipsThumbnail(img *vips.ImageRef, targetWidth int) error {
	if _, err := thumbnailHeight(img.Width(), img.Height(), targetWidth); err != nil {
		return err
	}

	scale := float64(targetWidth) / float64(img.Width())
	if err := img.Resize(scale, vips.KernelNearest); err != nil {
		return fmt.Errorf("resize bitmap: %w", err)
	}
	return nil
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatPNG:
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Lossless = quality == 0
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case domain.FormatBMP:
		// Round-trip through PNG; the stdlib side owns BMP encoding.
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		decoded, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode png: %w", err)
		}
		return encodeImage(decoded, domain.FormatBMP, 0)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
