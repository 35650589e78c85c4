package jbig

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

type fakeTool struct {
	name     string
	stdout   []byte
	exitCode int
	err      error
	calls    *[]string
	got      []Invocation
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Run(_ context.Context, inv Invocation) (Result, error) {
	f.got = append(f.got, inv)
	if f.calls != nil {
		*f.calls = append(*f.calls, f.name)
	}
	if f.err != nil {
		return Result{}, f.err
	}
	res := Result{Stdout: f.stdout, ExitCode: f.exitCode}
	if inv.OutputLimit > 0 && len(f.stdout) > inv.OutputLimit {
		res.Stdout = f.stdout[:inv.OutputLimit]
		res.Overflow = true
	}
	return res, nil
}

func testBMP(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))
	return buf.Bytes()
}

func newFakeConverter(t *testing.T, decoder, converter *fakeTool) *Converter {
	t.Helper()

	c, err := NewConverter(Config{}, WithTools(decoder, converter))
	require.NoError(t, err)
	return c
}

func writeInput(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestConvertFileAndBytesProduceSameBitmap(t *testing.T) {
	encoded := testBMP(t, 8, 4)
	jbg := []byte("jbig-data")
	path := writeInput(t, "page.jbg", jbg)

	decoder := &fakeTool{name: "jbigtopnm", stdout: []byte("P4\n8 4\n....")}
	converter := &fakeTool{name: "ppmtobmp", stdout: encoded}
	c := newFakeConverter(t, decoder, converter)

	fromPath, err := c.ConvertFile(context.Background(), path, 0)
	require.NoError(t, err)
	fromBytes, err := c.ConvertBytes(context.Background(), jbg, 0)
	require.NoError(t, err)

	assert.Equal(t, fromPath.Encoded, fromBytes.Encoded)
	assert.Equal(t, 8, fromPath.Width)
	assert.Equal(t, 4, fromPath.Height)
	assert.Equal(t, fromPath.Pix, fromBytes.Pix)

	require.Len(t, decoder.got, 2)
	assert.Equal(t, []string{path}, decoder.got[0].Args)
	assert.Nil(t, decoder.got[0].Stdin)
	assert.Equal(t, []string{StdinInput}, decoder.got[1].Args)
	assert.Equal(t, jbg, decoder.got[1].Stdin)

	require.Len(t, converter.got, 2)
	assert.Empty(t, converter.got[0].Args)
	assert.Equal(t, decoder.stdout, converter.got[0].Stdin)
	assert.Equal(t, DefaultBufferSize, converter.got[0].OutputLimit)
}

func TestConvertRunsStagesInOrder(t *testing.T) {
	var calls []string
	decoder := &fakeTool{name: "jbigtopnm", stdout: []byte("pnm"), calls: &calls}
	converter := &fakeTool{name: "ppmtobmp", stdout: testBMP(t, 2, 2), calls: &calls}
	c := newFakeConverter(t, decoder, converter)

	_, err := c.ConvertBytes(context.Background(), []byte("jbg"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"jbigtopnm", "ppmtobmp"}, calls)
}

func TestConvertFileMissingPath(t *testing.T) {
	decoder := &fakeTool{name: "jbigtopnm"}
	converter := &fakeTool{name: "ppmtobmp"}
	c := newFakeConverter(t, decoder, converter)

	_, err := c.ConvertFile(context.Background(), filepath.Join(t.TempDir(), "missing.jbg"), 0)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, decoder.got)
	assert.Empty(t, converter.got)

	_, err = c.ConvertFile(context.Background(), t.TempDir(), 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConvertBufferSizeOutOfRange(t *testing.T) {
	decoder := &fakeTool{name: "jbigtopnm"}
	converter := &fakeTool{name: "ppmtobmp"}
	c := newFakeConverter(t, decoder, converter)
	path := writeInput(t, "page.jbg", []byte("jbg"))

	for _, size := range []int{MaxBufferSize + 1, -1} {
		_, err := c.ConvertFile(context.Background(), path, size)
		require.ErrorIs(t, err, ErrOutOfRange)

		_, err = c.ConvertBytes(context.Background(), []byte("jbg"), size)
		require.ErrorIs(t, err, ErrOutOfRange)
	}
	assert.Empty(t, decoder.got)
	assert.Empty(t, converter.got)
}

func TestConvertBytesRequiresInput(t *testing.T) {
	decoder := &fakeTool{name: "jbigtopnm"}
	c := newFakeConverter(t, decoder, &fakeTool{name: "ppmtobmp"})

	_, err := c.ConvertBytes(context.Background(), nil, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.ConvertBytes(context.Background(), []byte{}, MaxBufferSize+1)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, decoder.got)
}

func TestConvertNonZeroExitNamesTool(t *testing.T) {
	tests := []struct {
		name      string
		decoder   *fakeTool
		converter *fakeTool
		wantTool  string
	}{
		{
			name:      "decoder",
			decoder:   &fakeTool{name: "jbigtopnm", exitCode: 1},
			converter: &fakeTool{name: "ppmtobmp"},
			wantTool:  "jbigtopnm",
		},
		{
			name:      "converter",
			decoder:   &fakeTool{name: "jbigtopnm", stdout: []byte("pnm")},
			converter: &fakeTool{name: "ppmtobmp", exitCode: 2},
			wantTool:  "ppmtobmp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeConverter(t, tt.decoder, tt.converter)

			_, err := c.ConvertBytes(context.Background(), []byte("jbg"), 0)
			require.ErrorIs(t, err, ErrBadData)

			var toolErr *ToolError
			require.True(t, errors.As(err, &toolErr))
			assert.Equal(t, tt.wantTool, toolErr.Tool)
			assert.NotZero(t, toolErr.ExitCode)
			assert.Contains(t, err.Error(), tt.wantTool)
		})
	}
}

func TestConvertDecoderFailureSkipsConverter(t *testing.T) {
	converter := &fakeTool{name: "ppmtobmp"}
	c := newFakeConverter(t, &fakeTool{name: "jbigtopnm", exitCode: 1}, converter)

	_, err := c.ConvertBytes(context.Background(), []byte("jbg"), 0)
	require.Error(t, err)
	assert.Empty(t, converter.got)
}

func TestConvertOutputAboveBufferSize(t *testing.T) {
	decoder := &fakeTool{name: "jbigtopnm", stdout: bytes.Repeat([]byte{'x'}, 64)}
	c := newFakeConverter(t, decoder, &fakeTool{name: "ppmtobmp"})

	_, err := c.ConvertBytes(context.Background(), []byte("jbg"), 16)
	require.ErrorIs(t, err, ErrOutputTooLarge)
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Contains(t, err.Error(), "jbigtopnm")
}

func TestConvertUndecodableBitmap(t *testing.T) {
	decoder := &fakeTool{name: "jbigtopnm", stdout: []byte("pnm")}
	converter := &fakeTool{name: "ppmtobmp", stdout: []byte("not a bitmap")}
	c := newFakeConverter(t, decoder, converter)

	_, err := c.ConvertBytes(context.Background(), []byte("jbg"), 0)
	require.ErrorIs(t, err, ErrBadData)
}

func TestConvertToolStartFailure(t *testing.T) {
	spawnErr := errors.New("executable file not found")
	c := newFakeConverter(t, &fakeTool{name: "jbigtopnm", err: spawnErr}, &fakeTool{name: "ppmtobmp"})

	_, err := c.ConvertBytes(context.Background(), []byte("jbg"), 0)
	require.ErrorIs(t, err, spawnErr)
	assert.False(t, errors.Is(err, ErrBadData))
}

func TestConvertFileDashPrefixedPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "-"), []byte("jbg"), 0o644))

	t.Chdir(dir)

	decoder := &fakeTool{name: "jbigtopnm", stdout: []byte("pnm")}
	c := newFakeConverter(t, decoder, &fakeTool{name: "ppmtobmp", stdout: testBMP(t, 1, 1)})

	_, err := c.ConvertFile(context.Background(), "-", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"./-"}, decoder.got[0].Args)
	assert.Nil(t, decoder.got[0].Stdin)
}

func TestNewConverterRejectsBufferSize(t *testing.T) {
	_, err := NewConverter(Config{BufferSize: MaxBufferSize + 1})
	require.ErrorIs(t, err, ErrOutOfRange)

	c, err := NewConverter(Config{BufferSize: 1024})
	require.NoError(t, err)
	assert.Equal(t, 1024, c.BufferSize())
}

func TestBitmapImageView(t *testing.T) {
	b, err := BMPDecoder{}.DecodeBitmap(testBMP(t, 3, 2))
	require.NoError(t, err)

	img := b.Image()
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, uint8(255), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(1, 0).Y)

	var buf bytes.Buffer
	n, err := b.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(b.Encoded)), n)
	assert.Equal(t, b.Encoded, buf.Bytes())
}
