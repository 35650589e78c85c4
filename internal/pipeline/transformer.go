package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/dunamismax/jbigflow/internal/jbig"
)

// Transformer renders one output step from a decoded page.
type Transformer interface {
	Transform(ctx context.Context, bitmap *jbig.Bitmap, step domain.OutputStep) (data []byte, format string, width, height int, err error)
}

func normalizeOutputFormat(format string) string {
	switch format = strings.ToLower(strings.TrimSpace(format)); format {
	case "jpg":
		return domain.FormatJPEG
	case domain.FormatBMP, domain.FormatPNG, domain.FormatJPEG, domain.FormatWebP:
		return format
	default:
		return domain.FormatBMP
	}
}

func contentTypeForFormat(format string) string {
	switch normalizeOutputFormat(format) {
	case domain.FormatJPEG:
		return "image/jpeg"
	case domain.FormatWebP:
		return "image/webp"
	case domain.FormatPNG:
		return "image/png"
	default:
		return "image/bmp"
	}
}

// ContentType returns the MIME type for an output format.
func ContentType(format string) string {
	return contentTypeForFormat(format)
}

func stepAction(step domain.OutputStep) string {
	return strings.ToLower(strings.TrimSpace(step.Action))
}

// thumbnailHeight keeps the source aspect ratio at the requested width and
// rejects sizes beyond domain.MaxThumbnailWidth or domain.MaxThumbnailPixels.
func thumbnailHeight(srcW, srcH, width int) (int, error) {
	if width <= 0 {
		return 0, fmt.Errorf("thumbnail action requires width > 0")
	}
	if srcW <= 0 || srcH <= 0 {
		return 0, fmt.Errorf("source bitmap has invalid dimensions %dx%d", srcW, srcH)
	}
	if width > domain.MaxThumbnailWidth {
		return 0, fmt.Errorf("%w: width %d > %d", ErrThumbnailTooLarge, width, domain.MaxThumbnailWidth)
	}
	height := math.Max(1, math.Round(float64(srcH)*float64(width)/float64(srcW)))
	if float64(width)*height > domain.MaxThumbnailPixels {
		return 0, fmt.Errorf("%w: %dx%.0f", ErrThumbnailTooLarge, width, height)
	}
	return int(height), nil
}
