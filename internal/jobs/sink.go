package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// Failure describes a job that exhausted its attempts
type Failure struct {
	JobID    string          `json:"job_id"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
}

// FailureSink observes terminal job failures
type FailureSink interface {
	JobFailed(ctx context.Context, f Failure)
}

// FailureSinkFunc adapts a function to FailureSink
type FailureSinkFunc func(ctx context.Context, f Failure)

func (fn FailureSinkFunc) JobFailed(ctx context.Context, f Failure) {
	fn(ctx, f)
}

// LogSink writes terminal failures to the log
type LogSink struct{}

func (LogSink) JobFailed(_ context.Context, f Failure) {
	logrus.WithFields(logrus.Fields{
		"job_id":   f.JobID,
		"kind":     f.Kind,
		"attempts": f.Attempts,
		"payload":  string(f.Payload),
	}).Errorf("Job dead-lettered: %s", f.Error)
}
