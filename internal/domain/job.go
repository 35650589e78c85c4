package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/jbigflow/internal/jbig"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	// ActionBitmap emits the converter's BMP output as is.
	ActionBitmap    = "bitmap"
	ActionEncode    = "encode"
	ActionThumbnail = "thumbnail"

	FormatBMP  = "bmp"
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

const (
	// MaxThumbnailWidth bounds the width a thumbnail step may request.
	MaxThumbnailWidth = 8192
	// MaxThumbnailPixels bounds width*height of a rendered thumbnail.
	MaxThumbnailPixels = 1 << 26
)

type CreateJobRequest struct {
	SourceType string       `json:"source_type"`
	WebhookURL string       `json:"webhook_url,omitempty"`
	ObjectKey  string       `json:"object_key,omitempty"`
	BufferSize int          `json:"buffer_size,omitempty"`
	Outputs    []OutputStep `json:"outputs"`
}

type OutputStep struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Format  string `json:"format,omitempty"`
	Width   int    `json:"width,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

type Job struct {
	ID         string       `json:"job_id"`
	UserID     string       `json:"user_id,omitempty"`
	Status     string       `json:"status"`
	SourceType string       `json:"source_type"`
	WebhookURL string       `json:"webhook_url,omitempty"`
	ObjectKey  string       `json:"object_key"`
	BufferSize int          `json:"buffer_size,omitempty"`
	Outputs    []OutputStep `json:"outputs"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if r.BufferSize < 0 || r.BufferSize > jbig.MaxBufferSize {
		return fmt.Errorf("buffer_size must be between 0 and %d", jbig.MaxBufferSize)
	}
	if len(r.Outputs) == 0 {
		return errors.New("outputs must contain at least one step")
	}

	seen := make(map[string]struct{}, len(r.Outputs))
	for i, step := range r.Outputs {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("outputs[%d]: %w", i, err)
		}
		id := strings.TrimSpace(step.ID)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("outputs[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (s OutputStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("id is required")
	}

	switch strings.ToLower(strings.TrimSpace(s.Action)) {
	case ActionBitmap:
	case ActionEncode, ActionThumbnail:
		if !KnownFormat(s.Format) {
			return fmt.Errorf("unsupported format: %q", s.Format)
		}
	case "":
		return errors.New("action is required")
	default:
		return fmt.Errorf("unsupported action: %s", s.Action)
	}

	if strings.EqualFold(strings.TrimSpace(s.Action), ActionThumbnail) {
		if s.Width <= 0 || s.Width > MaxThumbnailWidth {
			return fmt.Errorf("thumbnail width must be between 1 and %d", MaxThumbnailWidth)
		}
	}
	if s.Quality < 0 || s.Quality > 100 {
		return errors.New("quality must be between 0 and 100")
	}
	return nil
}

// KnownFormat reports whether format names an output encoding. Empty means bmp.
func KnownFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatBMP, FormatPNG, FormatJPEG, "jpg", FormatWebP:
		return true
	default:
		return false
	}
}
