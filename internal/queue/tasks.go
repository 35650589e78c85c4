package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeConvertJBIG = "jbig:convert"

type ConvertPayload struct {
	JobID       string              `json:"job_id"`
	SourceType  string              `json:"source_type"`
	WebhookURL  string              `json:"webhook_url,omitempty"`
	ObjectKey   string              `json:"object_key"`
	BufferSize  int                 `json:"buffer_size,omitempty"`
	Outputs     []domain.OutputStep `json:"outputs"`
	RequestedAt time.Time           `json:"requested_at"`
}

func NewConvertTask(payload ConvertPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal convert payload: %w", err)
	}
	return asynq.NewTask(TypeConvertJBIG, body), nil
}

func ParseConvertPayload(task *asynq.Task) (ConvertPayload, error) {
	var payload ConvertPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConvertPayload{}, fmt.Errorf("unmarshal convert payload: %w", err)
	}
	if payload.JobID == "" {
		return ConvertPayload{}, fmt.Errorf("convert payload is missing job_id")
	}
	return payload, nil
}
