package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/dunamismax/jbigflow/internal/jbig"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrInvalidStepAction     = errors.New("invalid output action")
	ErrThumbnailTooLarge     = errors.New("thumbnail exceeds size limit")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	BufferSize int
	Outputs    []domain.OutputStep
}

// Source locates the JBIG1 data of a job. Path sources are handed to the
// decoder as a file argument, Data sources are piped to its stdin.
type Source struct {
	Path string
	Data []byte
	Size int64
}

type Output struct {
	StepID  string `json:"step_id"`
	Action  string `json:"action"`
	Format  string `json:"format"`
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Success bool   `json:"success"`
}

type Result struct {
	Outputs     []Output
	SourceBytes int64
	Width       int
	Height      int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Source, error)
}

type Converter interface {
	ConvertFile(ctx context.Context, path string, bufferSize int) (*jbig.Bitmap, error)
	ConvertBytes(ctx context.Context, data []byte, bufferSize int) (*jbig.Bitmap, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, step domain.OutputStep, data []byte, format string, width, height int) (Output, error)
}

type Processor struct {
	fetcher     Fetcher
	converter   Converter
	transformer Transformer
	emitter     Emitter
}

func NewLocalProcessor(converter Converter, outputDir string) (*Processor, error) {
	return newProcessor(converter, LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir})
}

func NewObjectStoreProcessor(converter Converter, fetcher Fetcher, emitter Emitter) (*Processor, error) {
	return newProcessor(converter, fetcher, emitter)
}

func newProcessor(converter Converter, fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if converter == nil {
		return nil, errors.New("converter is required")
	}
	transformer, err := NewTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		converter:   converter,
		transformer: transformer,
		emitter:     emitter,
	}, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Outputs) == 0 {
		return Result{}, errors.New("outputs must contain at least one step")
	}

	src, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	bitmap, err := p.convert(ctx, src, req.BufferSize)
	if err != nil {
		return Result{}, fmt.Errorf("convert stage: %w", err)
	}

	out := Result{
		Outputs:     make([]Output, 0, len(req.Outputs)),
		SourceBytes: src.Size,
		Width:       bitmap.Width,
		Height:      bitmap.Height,
	}
	for _, step := range req.Outputs {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		data, format, width, height, err := p.transformer.Transform(ctx, bitmap, step)
		if err != nil {
			return Result{}, fmt.Errorf("transform stage step=%s action=%s: %w", step.ID, step.Action, err)
		}

		written, err := p.emitter.Emit(ctx, req, step, data, format, width, height)
		if err != nil {
			return Result{}, fmt.Errorf("emit stage step=%s action=%s: %w", step.ID, step.Action, err)
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

func (p *Processor) convert(ctx context.Context, src Source, bufferSize int) (*jbig.Bitmap, error) {
	if src.Path != "" {
		return p.converter.ConvertFile(ctx, src.Path, bufferSize)
	}
	return p.converter.ConvertBytes(ctx, src.Data, bufferSize)
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) (Source, error) {
	if !strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		return Source{}, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return Source{}, ctx.Err()
	default:
	}

	info, err := os.Stat(req.ObjectKey)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Source{}, fmt.Errorf("%w: %s", jbig.ErrNotFound, req.ObjectKey)
		}
		return Source{}, fmt.Errorf("stat input file %s: %w", req.ObjectKey, err)
	}
	return Source{Path: req.ObjectKey, Size: info.Size()}, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, step domain.OutputStep, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("output step id is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	format = normalizeOutputFormat(format)
	fullPath := filepath.Join(jobDir, outputFilename(step, format))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		StepID:  step.ID,
		Action:  step.Action,
		Format:  format,
		Path:    fullPath,
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}

func outputFilename(step domain.OutputStep, format string) string {
	return fmt.Sprintf("%s.%s", sanitizePathToken(step.ID), format)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
