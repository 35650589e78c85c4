package worker

import (
	"context"
	"strings"
	"time"

	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/dunamismax/jbigflow/internal/pipeline"
)

const anonymousUser = "anonymous"

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := anonymousUser
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", jobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	var outputBytes int64
	for _, output := range result.Outputs {
		outputBytes += int64(output.Bytes)
	}
	pixels := int64(result.Width) * int64(result.Height)

	computeTimeMS := max(computeDuration.Milliseconds(), 1)

	usage := domain.UsageLog{
		UserID:        userID,
		JobID:         jobID,
		PixelsDecoded: pixels,
		InputBytes:    result.SourceBytes,
		OutputBytes:   outputBytes,
		ComputeTimeMS: computeTimeMS,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsDecodedTotal.Add(float64(pixels))
	s.metrics.inputBytesTotal.Add(float64(result.SourceBytes))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
