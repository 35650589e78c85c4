package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/jbigflow/internal/config"
	"github.com/dunamismax/jbigflow/internal/jbig"
)

func main() {
	logger := log.New(os.Stderr, "[jbigtobmp] ", log.LstdFlags|log.Lmsgprefix)
	if err := run(os.Args[1:], os.Stdin, os.Stdout, logger); err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer, logger *log.Logger) error {
	defaults := config.Load().JBIG

	fs := flag.NewFlagSet("jbigtobmp", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bufferSize := fs.Int("buffer-size", defaults.BufferSize, "maximum bytes accepted from each tool")
	output := fs.String("o", "", "write the BMP here instead of stdout")
	decoder := fs.String("decoder", defaults.DecoderPath, "JBIG1 to PNM decoder executable")
	converter := fs.String("converter", defaults.ConverterPath, "PNM to BMP converter executable")
	timeout := fs.Duration("timeout", defaults.ToolTimeout, "per-tool timeout, 0 disables")
	verbose := fs.Bool("v", false, "log each tool invocation")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w (usage: jbigtobmp [-buffer-size N] [-o out.bmp] input.jbg|-)", err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: jbigtobmp [-buffer-size N] [-o out.bmp] input.jbg|-")
	}
	input := fs.Arg(0)

	opts := []jbig.Option{}
	if *verbose {
		opts = append(opts, jbig.WithLogger(logger))
	}
	conv, err := jbig.NewConverter(jbig.Config{
		DecoderPath:   *decoder,
		ConverterPath: *converter,
		BufferSize:    *bufferSize,
		ToolTimeout:   *timeout,
	}, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	var bitmap *jbig.Bitmap
	if input == jbig.StdinInput {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		bitmap, err = conv.ConvertBytes(ctx, data, 0)
		if err != nil {
			return err
		}
	} else {
		bitmap, err = conv.ConvertFile(ctx, input, 0)
		if err != nil {
			return err
		}
	}

	if err := writeOutput(*output, stdout, bitmap); err != nil {
		return err
	}
	if *verbose {
		logger.Printf("converted input=%s width=%d height=%d bytes=%d elapsed=%s", input, bitmap.Width, bitmap.Height, len(bitmap.Encoded), time.Since(started).Round(time.Millisecond))
	}
	return nil
}

func writeOutput(path string, stdout io.Writer, bitmap *jbig.Bitmap) error {
	if path == "" || path == "-" {
		_, err := bitmap.WriteTo(stdout)
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if _, err := bitmap.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return f.Close()
}
