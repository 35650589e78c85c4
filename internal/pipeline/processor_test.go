package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/dunamismax/jbigflow/internal/jbig"
	"golang.org/x/image/bmp"
)

// fakeConverter treats its input as an already encoded BMP.
type fakeConverter struct {
	pathCalls  []string
	bytesCalls int
	bufferSize int
	err        error
}

func (c *fakeConverter) ConvertFile(_ context.Context, path string, bufferSize int) (*jbig.Bitmap, error) {
	c.pathCalls = append(c.pathCalls, path)
	c.bufferSize = bufferSize
	if c.err != nil {
		return nil, c.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jbig.BMPDecoder{}.DecodeBitmap(data)
}

func (c *fakeConverter) ConvertBytes(_ context.Context, data []byte, bufferSize int) (*jbig.Bitmap, error) {
	c.bytesCalls++
	c.bufferSize = bufferSize
	if c.err != nil {
		return nil, c.err
	}
	return jbig.BMPDecoder{}.DecodeBitmap(data)
}

type memoryObjects struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (m *memoryObjects) ReadObject(_ context.Context, objectKey string, _ int64) ([]byte, error) {
	data, ok := m.objects[objectKey]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func (m *memoryObjects) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	m.objects[objectKey] = data
	m.contentTypes[objectKey] = contentType
	return nil
}

func buildTestBMP(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/4+y/4)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	var buf bytes.Buffer
	if err := bmp.Encode(&buf, img); err != nil {
		t.Fatalf("encode source bmp: %v", err)
	}
	return buf.Bytes()
}

func TestLocalProcessor_FileInConvertFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "fax.jbg")
	outputDir := filepath.Join(tmp, "out")

	srcBytes := buildTestBMP(t, 240, 120)
	if err := os.WriteFile(inputPath, srcBytes, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	converter := &fakeConverter{}
	processor, err := NewLocalProcessor(converter, outputDir)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	req := Request{
		JobID:      "job-local-1",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  inputPath,
		BufferSize: 1 << 20,
		Outputs: []domain.OutputStep{
			{ID: "page", Action: domain.ActionBitmap},
			{ID: "preview", Action: domain.ActionThumbnail, Width: 60, Format: domain.FormatPNG},
		},
	}

	result, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if len(converter.pathCalls) != 1 || converter.pathCalls[0] != inputPath {
		t.Fatalf("expected one path conversion of %s, got %v", inputPath, converter.pathCalls)
	}
	if converter.bytesCalls != 0 {
		t.Fatalf("expected no byte conversions, got %d", converter.bytesCalls)
	}
	if converter.bufferSize != 1<<20 {
		t.Fatalf("expected buffer size to be forwarded, got %d", converter.bufferSize)
	}
	if result.SourceBytes != int64(len(srcBytes)) {
		t.Fatalf("expected source bytes %d, got %d", len(srcBytes), result.SourceBytes)
	}
	if result.Width != 240 || result.Height != 120 {
		t.Fatalf("expected 240x120 page, got %dx%d", result.Width, result.Height)
	}
	if len(result.Outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(result.Outputs))
	}

	page := result.Outputs[0]
	if page.Format != domain.FormatBMP || filepath.Ext(page.Path) != ".bmp" {
		t.Fatalf("expected bmp output, got format=%s path=%s", page.Format, page.Path)
	}
	pageBytes, err := os.ReadFile(page.Path)
	if err != nil {
		t.Fatalf("read page output: %v", err)
	}
	if !bytes.Equal(pageBytes, srcBytes) {
		t.Fatal("expected bitmap output to be the converter bytes unchanged")
	}

	preview := result.Outputs[1]
	if preview.Width != 60 || preview.Height != 30 {
		t.Fatalf("expected 60x30 preview, got %dx%d", preview.Width, preview.Height)
	}
	verifyPNGWidth(t, preview.Path, 60)
}

func TestLocalProcessor_MissingInput(t *testing.T) {
	converter := &fakeConverter{}
	processor, err := NewLocalProcessor(converter, t.TempDir())
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-missing",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  filepath.Join(t.TempDir(), "missing.jbg"),
		Outputs:    []domain.OutputStep{{ID: "page", Action: domain.ActionBitmap}},
	})
	if !errors.Is(err, jbig.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(converter.pathCalls) != 0 {
		t.Fatal("expected converter not to run")
	}
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	processor, err := NewLocalProcessor(&fakeConverter{}, t.TempDir())
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job/source",
		Outputs:    []domain.OutputStep{{ID: "page", Action: domain.ActionBitmap}},
	})
	if !errors.Is(err, ErrUnsupportedSourceType) {
		t.Fatalf("expected unsupported source_type error, got %v", err)
	}
}

func TestProcessor_ConvertFailureStopsPipeline(t *testing.T) {
	objects := newMemoryObjects()
	objects.objects["uploads/job-2/source"] = []byte("jbg")
	toolErr := &jbig.ToolError{Tool: "jbigtopnm", ExitCode: 1}

	processor, err := NewObjectStoreProcessor(
		&fakeConverter{err: toolErr},
		ObjectStoreFetcher{Storage: objects},
		ObjectStoreEmitter{Storage: objects},
	)
	if err != nil {
		t.Fatalf("new object store processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-2",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-2/source",
		Outputs:    []domain.OutputStep{{ID: "page", Action: domain.ActionBitmap}},
	})
	if !errors.Is(err, jbig.ErrBadData) {
		t.Fatalf("expected ErrBadData, got %v", err)
	}
	if len(objects.objects) != 1 {
		t.Fatalf("expected no outputs to be written, got %d objects", len(objects.objects))
	}
}

func TestObjectStoreProcessor_BytesInObjectsOut(t *testing.T) {
	objects := newMemoryObjects()
	srcBytes := buildTestBMP(t, 32, 16)
	objects.objects["uploads/job-3/source"] = srcBytes

	converter := &fakeConverter{}
	processor, err := NewObjectStoreProcessor(
		converter,
		ObjectStoreFetcher{Storage: objects},
		ObjectStoreEmitter{Storage: objects, OutputPrefix: "/results/"},
	)
	if err != nil {
		t.Fatalf("new object store processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-3",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-3/source",
		Outputs: []domain.OutputStep{
			{ID: "page", Action: domain.ActionBitmap},
			{ID: "page png", Action: domain.ActionEncode, Format: domain.FormatPNG},
		},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}
	if converter.bytesCalls != 1 || len(converter.pathCalls) != 0 {
		t.Fatalf("expected one byte conversion, got bytes=%d paths=%d", converter.bytesCalls, len(converter.pathCalls))
	}

	if got := result.Outputs[0].Path; got != "results/job-3/page.bmp" {
		t.Fatalf("unexpected bitmap object key %s", got)
	}
	if got := objects.contentTypes["results/job-3/page.bmp"]; got != "image/bmp" {
		t.Fatalf("expected image/bmp content type, got %s", got)
	}
	if got := result.Outputs[1].Path; got != "results/job-3/page_png.png" {
		t.Fatalf("unexpected png object key %s", got)
	}
	if got := objects.contentTypes["results/job-3/page_png.png"]; got != "image/png" {
		t.Fatalf("expected image/png content type, got %s", got)
	}
}

func verifyPNGWidth(t *testing.T, path string, want int) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	if got := img.Bounds().Dx(); got != want {
		t.Fatalf("expected width %d, got %d", want, got)
	}
}
