package main

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/dunamismax/jbigflow/internal/jbig"
	"golang.org/x/image/bmp"
)

// fakeTools installs shell scripts that pass their input through unchanged,
// so a BMP fed in as "JBIG1" comes back out as the bitmap.
func fakeTools(t *testing.T) (decoder, converter string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tools need a POSIX shell")
	}
	dir := t.TempDir()
	decoder = filepath.Join(dir, "jbigtopnm")
	converter = filepath.Join(dir, "ppmtobmp")
	scripts := map[string]string{
		decoder:   "#!/bin/sh\nif [ \"$1\" = \"-\" ]; then exec cat; fi\nexec cat \"$1\"\n",
		converter: "#!/bin/sh\nexec cat\n",
	}
	for path, body := range scripts {
		if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return decoder, converter
}

func sampleBMP(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 4))
	for x := 0; x < 16; x += 2 {
		img.SetGray(x, 1, color.Gray{Y: 0xff})
	}
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, img); err != nil {
		t.Fatalf("encode bmp: %v", err)
	}
	return buf.Bytes()
}

func TestRunConvertsFileToOutput(t *testing.T) {
	decoder, converter := fakeTools(t)
	want := sampleBMP(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "page.jbg")
	output := filepath.Join(dir, "page.bmp")
	if err := os.WriteFile(input, want, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	err := run([]string{"-decoder", decoder, "-converter", converter, "-o", output, input}, nil, io.Discard, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("output differs from converter bytes")
	}
}

func TestRunReadsStdin(t *testing.T) {
	decoder, converter := fakeTools(t)
	want := sampleBMP(t)

	var stdout bytes.Buffer
	err := run([]string{"-decoder", decoder, "-converter", converter, "-"}, bytes.NewReader(want), &stdout, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !bytes.Equal(stdout.Bytes(), want) {
		t.Fatal("stdout differs from converter bytes")
	}
}

func TestRunErrors(t *testing.T) {
	decoder, converter := fakeTools(t)
	logger := log.New(io.Discard, "", 0)

	if err := run(nil, nil, io.Discard, logger); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}

	err := run([]string{"-decoder", decoder, "-converter", converter, filepath.Join(t.TempDir(), "missing.jbg")}, nil, io.Discard, logger)
	if !errors.Is(err, jbig.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = run([]string{"-decoder", decoder, "-converter", converter, "-buffer-size", "-5", "-"}, bytes.NewReader([]byte("x")), io.Discard, logger)
	if !errors.Is(err, jbig.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	err = run([]string{"-decoder", decoder, "-converter", converter, "-"}, bytes.NewReader(nil), io.Discard, logger)
	if !errors.Is(err, jbig.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
