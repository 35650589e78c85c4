package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/dunamismax/jbigflow/internal/domain"
)

func BenchmarkProcessorThumbnail(b *testing.B) {
	source := buildTestBMP(b, 1728, 2200)
	processor, err := NewObjectStoreProcessor(&fakeConverter{}, staticFetcher{data: source}, discardEmitter{})
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}

	req := Request{
		JobID:      "bench",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "ignored",
		Outputs: []domain.OutputStep{
			{ID: "thumb", Action: domain.ActionThumbnail, Width: 400, Format: domain.FormatPNG},
		},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-thumb-%d", i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ Request) (Source, error) {
	return Source{Data: f.data, Size: int64(len(f.data))}, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, _ Request, step domain.OutputStep, data []byte, format string, width, height int) (Output, error) {
	return Output{
		StepID:  step.ID,
		Action:  step.Action,
		Format:  normalizeOutputFormat(format),
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}

func BenchmarkProcessorBitmapPassthrough(b *testing.B) {
	source := buildTestBMP(b, 1728, 2200)
	processor, err := NewObjectStoreProcessor(&fakeConverter{}, staticFetcher{data: source}, discardEmitter{})
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}
	req := Request{
		JobID:      "bench-bitmap",
		SourceType: domain.SourceTypeS3Presigned,
		Outputs:    []domain.OutputStep{{ID: "page", Action: domain.ActionBitmap}},
	}

	b.SetBytes(int64(len(source)))
	b.ReportAllocs()
	for b.Loop() {
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}
