// Package jbig converts JBIG1 images to bitmaps by running an external
// JBIG-to-PNM decoder followed by a PNM-to-BMP converter.
//
// The conversion is equivalent to
//
//	jbigtopnm input.jbg | ppmtobmp > output.bmp
//
// except that the two stages run one after another, each stage's output is
// captured in memory up to the buffer size, and an oversized output is
// reported as ErrOutputTooLarge instead of being truncated.
package jbig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBufferSize = 5 * 1000 * 1000
	MaxBufferSize     = 1000 * 1000 * 1000

	DefaultDecoderPath   = "jbigtopnm"
	DefaultConverterPath = "ppmtobmp"

	// StdinInput tells the decoder to read the image from standard input.
	StdinInput = "-"
)

type Config struct {
	DecoderPath   string
	ConverterPath string
	// BufferSize is the default per-stage output ceiling. Zero selects DefaultBufferSize.
	BufferSize  int
	ToolTimeout time.Duration
}

type Converter struct {
	decoder    Tool
	converter  Tool
	bitmaps    BitmapDecoder
	bufferSize int
	logger     *log.Logger
	tracer     trace.Tracer
}

type Option func(*Converter)

// WithTools replaces the exec-backed decoder and converter.
func WithTools(decoder, converter Tool) Option {
	return func(c *Converter) {
		c.decoder = decoder
		c.converter = converter
	}
}

func WithBitmapDecoder(d BitmapDecoder) Option {
	return func(c *Converter) {
		c.bitmaps = d
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Converter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewConverter(cfg Config, opts ...Option) (*Converter, error) {
	bufferSize, err := resolveBufferSize(cfg.BufferSize, DefaultBufferSize)
	if err != nil {
		return nil, err
	}

	c := &Converter{
		decoder: ExecTool{
			Path:    fallback(cfg.DecoderPath, DefaultDecoderPath),
			Timeout: cfg.ToolTimeout,
		},
		converter: ExecTool{
			Path:    fallback(cfg.ConverterPath, DefaultConverterPath),
			Timeout: cfg.ToolTimeout,
		},
		bitmaps:    BMPDecoder{},
		bufferSize: bufferSize,
		logger:     log.New(io.Discard, "", 0),
		tracer:     otel.Tracer("jbigflow/jbig"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.decoder == nil || c.converter == nil {
		return nil, errors.New("decoder and converter tools are required")
	}
	if c.bitmaps == nil {
		return nil, errors.New("bitmap decoder is required")
	}
	return c, nil
}

// BufferSize returns the ceiling used when a call passes a zero buffer size.
func (c *Converter) BufferSize() int {
	return c.bufferSize
}

// ConvertFile converts the JBIG1 file at path. A zero bufferSize selects the
// converter's default.
func (c *Converter) ConvertFile(ctx context.Context, path string, bufferSize int) (*Bitmap, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat input %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	return c.convert(ctx, pathArgument(path), bufferSize, nil)
}

// ConvertBytes converts in-memory JBIG1 data by piping it to the decoder's stdin.
func (c *Converter) ConvertBytes(ctx context.Context, data []byte, bufferSize int) (*Bitmap, error) {
	return c.convert(ctx, StdinInput, bufferSize, data)
}

func (c *Converter) convert(ctx context.Context, input string, bufferSize int, stdin []byte) (*Bitmap, error) {
	redirect := input == StdinInput
	if redirect && len(stdin) == 0 {
		return nil, fmt.Errorf("%w: input bytes are required when input is %q", ErrInvalidArgument, StdinInput)
	}

	limit, err := resolveBufferSize(bufferSize, c.bufferSize)
	if err != nil {
		return nil, err
	}

	decodeInv := Invocation{Args: []string{input}, OutputLimit: limit}
	if redirect {
		decodeInv.Stdin = stdin
	}
	pnm, err := c.runStage(ctx, "jbig.decode", c.decoder, decodeInv)
	if err != nil {
		return nil, err
	}

	encoded, err := c.runStage(ctx, "jbig.convert", c.converter, Invocation{Stdin: pnm, OutputLimit: limit})
	if err != nil {
		return nil, err
	}

	bitmap, err := c.bitmaps.DecodeBitmap(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s output: %v", ErrBadData, c.converter.Name(), err)
	}
	return bitmap, nil
}

func (c *Converter) runStage(ctx context.Context, spanName string, tool Tool, inv Invocation) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("jbig.tool", tool.Name()),
		attribute.Int("jbig.stdin_bytes", len(inv.Stdin)),
		attribute.Int("jbig.output_limit", inv.OutputLimit),
	))
	defer span.End()

	startedAt := time.Now()
	res, err := tool.Run(ctx, inv)
	if err == nil {
		switch {
		case res.ExitCode != 0:
			err = &ToolError{Tool: tool.Name(), ExitCode: res.ExitCode, Stderr: res.Stderr}
		case res.Overflow:
			err = fmt.Errorf("%w: %s wrote more than %d bytes", ErrOutputTooLarge, tool.Name(), inv.OutputLimit)
		}
	}
	if err != nil {
		c.logger.Printf("tool failed tool=%s err=%v", tool.Name(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		return nil, err
	}

	c.logger.Printf("tool finished tool=%s stdout_bytes=%d duration=%s", tool.Name(), len(res.Stdout), time.Since(startedAt))
	span.SetAttributes(attribute.Int("jbig.stdout_bytes", len(res.Stdout)))
	return res.Stdout, nil
}

func resolveBufferSize(requested, fallback int) (int, error) {
	switch {
	case requested == 0:
		return fallback, nil
	case requested < 0 || requested > MaxBufferSize:
		return 0, fmt.Errorf("%w: buffer size %d not in [1, %d]", ErrOutOfRange, requested, MaxBufferSize)
	default:
		return requested, nil
	}
}

// pathArgument keeps a file path from being read as the stdin sentinel or a flag.
func pathArgument(path string) string {
	if strings.HasPrefix(path, "-") {
		return "./" + path
	}
	return path
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}

var defaultConverter = sync.OnceValue(func() *Converter {
	c, err := NewConverter(Config{})
	if err != nil {
		panic(err)
	}
	return c
})

// ToBitmap converts the JBIG1 file at path with the default tools and buffer size.
func ToBitmap(ctx context.Context, path string) (*Bitmap, error) {
	return defaultConverter().ConvertFile(ctx, path, 0)
}

// BytesToBitmap converts in-memory JBIG1 data with the default tools and buffer size.
func BytesToBitmap(ctx context.Context, data []byte) (*Bitmap, error) {
	return defaultConverter().ConvertBytes(ctx, data, 0)
}
