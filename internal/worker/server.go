package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/jbigflow/internal/config"
	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/dunamismax/jbigflow/internal/jbig"
	"github.com/dunamismax/jbigflow/internal/pipeline"
	"github.com/dunamismax/jbigflow/internal/queue"
	"github.com/dunamismax/jbigflow/internal/storage"
	"github.com/dunamismax/jbigflow/internal/store"
	"github.com/dunamismax/jbigflow/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  processor
	objectProcessor processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	uploadLimit int64,
	converter pipeline.Converter,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	localProcessor, err := pipeline.NewLocalProcessor(converter, workerCfg.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(
		converter,
		pipeline.ObjectStoreFetcher{Storage: storageClient, MaxBytes: uploadLimit},
		pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: workerCfg.OutputPrefix},
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   webhookClient,
		jobStore:        jobStore,
		usageStore:      usageStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("jbigflow/worker"),
	}
	if webhookClient == nil {
		s.webhookClient = nil
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeConvertJBIG, s.handleConvert)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// jobEvent is the webhook body for completed and failed jobs.
type jobEvent struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	SourceType  string            `json:"source_type"`
	ObjectKey   string            `json:"object_key"`
	RequestedAt time.Time         `json:"requested_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	Outputs     []pipeline.Output `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (s *Server) handleConvert(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseConvertPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.convert_jbig",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", payload.JobID),
			attribute.String("job.source_type", payload.SourceType),
			attribute.Int("job.outputs", len(payload.Outputs)),
			attribute.Int("jbig.buffer_size", payload.BufferSize),
		),
	)
	defer span.End()

	started := time.Now()
	outcome := domain.JobStatusFailed
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(started).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	release := s.acquire()
	defer release()

	s.logger.Printf("converting job_id=%s source_type=%s outputs=%d object_key=%s",
		payload.JobID, payload.SourceType, len(payload.Outputs), payload.ObjectKey)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.processorFor(payload.SourceType).Process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		BufferSize: payload.BufferSize,
		Outputs:    payload.Outputs,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion failed")
		return s.fail(ctx, payload, err)
	}

	s.logger.Printf("converted job_id=%s width=%d height=%d outputs=%d",
		payload.JobID, result.Width, result.Height, len(result.Outputs))
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.metrics.outputsTotal.Add(float64(len(result.Outputs)))
	s.recordUsage(ctx, payload.JobID, result, time.Since(started))

	event := newJobEvent(payload, domain.JobStatusSucceeded)
	event.Width, event.Height, event.Outputs = result.Width, result.Height, result.Outputs
	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "converted")
	return nil
}

// acquire blocks until an active job slot is free.
func (s *Server) acquire() (release func()) {
	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	return func() {
		s.metrics.activeJobs.Dec()
		<-s.sem
	}
}

func (s *Server) processorFor(sourceType string) processor {
	if sourceType == domain.SourceTypeLocalFile {
		return s.localProcessor
	}
	return s.objectProcessor
}

// fail marks the job failed, notifies the webhook and decides whether asynq
// should retry.
func (s *Server) fail(ctx context.Context, payload queue.ConvertPayload, cause error) error {
	s.recordToolFailure(cause)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)

	event := newJobEvent(payload, domain.JobStatusFailed)
	event.Error = cause.Error()
	_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, event)

	if permanent(cause) {
		return fmt.Errorf("convert job %s: %v: %w", payload.JobID, cause, asynq.SkipRetry)
	}
	return fmt.Errorf("convert job %s: %w", payload.JobID, cause)
}

func newJobEvent(payload queue.ConvertPayload, status string) jobEvent {
	return jobEvent{
		JobID:       payload.JobID,
		Status:      status,
		SourceType:  payload.SourceType,
		ObjectKey:   payload.ObjectKey,
		RequestedAt: payload.RequestedAt,
		FinishedAt:  time.Now().UTC(),
	}
}

// permanent reports errors that fail the same way on every attempt.
func permanent(err error) bool {
	for _, target := range []error{
		jbig.ErrNotFound,
		jbig.ErrInvalidArgument,
		jbig.ErrOutOfRange,
		jbig.ErrBadData,
		pipeline.ErrUnsupportedSourceType,
		pipeline.ErrInvalidStepAction,
		pipeline.ErrThumbnailTooLarge,
		storage.ErrObjectTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) recordToolFailure(err error) {
	var toolErr *jbig.ToolError
	if errors.As(err, &toolErr) {
		s.metrics.toolFailuresTotal.WithLabelValues(toolErr.Tool).Inc()
		return
	}
	if errors.Is(err, jbig.ErrOutputTooLarge) {
		s.metrics.toolFailuresTotal.WithLabelValues("buffer_overflow").Inc()
	}
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ConvertPayload, event string, body jobEvent) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}
