package domain

import "time"

type UsageLog struct {
	UserID        string
	JobID         string
	PixelsDecoded int64
	InputBytes    int64
	OutputBytes   int64
	ComputeTimeMS int64
	CreatedAt     time.Time
}
