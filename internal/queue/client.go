package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	maxRetry      = 3
	taskTimeout   = 3 * time.Minute
	taskRetention = 24 * time.Hour
)

// ErrAlreadyQueued is returned when a job was started before and its task is
// still held by the queue.
var ErrAlreadyQueued = errors.New("job is already queued")

type Client struct {
	client    enqueuer
	inspector inspector
	queue     string
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queueName,
	}
}

// EnqueueConvert schedules a conversion. The job id doubles as the task id so
// starting a job twice does not queue it twice. A task kept only for
// retention (completed, or archived after a permanent failure) is removed so
// the job can run again.
func (c *Client) EnqueueConvert(ctx context.Context, payload ConvertPayload) (*asynq.TaskInfo, error) {
	task, err := NewConvertTask(payload)
	if err != nil {
		return nil, err
	}
	opts := enqueueOptions(c.queue, payload.JobID)

	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		if rerr := c.releaseFinished(payload.JobID); rerr != nil {
			return nil, rerr
		}
		info, err = c.client.EnqueueContext(ctx, task, opts...)
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, payload.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", TypeConvertJBIG, err)
	}
	return info, nil
}

// releaseFinished deletes the retained task for jobID when it is done.
// Pending, active, scheduled and retrying tasks are left alone.
func (c *Client) releaseFinished(jobID string) error {
	existing, err := c.inspector.GetTaskInfo(c.queue, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect task %s: %w", jobID, err)
	}
	switch existing.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyQueued, jobID, existing.State)
	}
	if err := c.inspector.DeleteTask(c.queue, jobID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("delete finished task %s: %w", jobID, err)
	}
	return nil
}

func enqueueOptions(queueName, jobID string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
		asynq.Retention(taskRetention),
	}
}

func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}
