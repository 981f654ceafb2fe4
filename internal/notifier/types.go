package notifier

import (
	"context"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
	// OnSkipped also alerts when a fire is skipped at the instance limit.
	OnSkipped bool
}

// Alert is one operator message.
type Alert struct {
	JobID  string        `json:"job_id"`
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Took   time.Duration `json:"took_ns,omitempty"`
	At     time.Time     `json:"at"`
}

// Sender delivers one alert. Errors are retried unless wrapped with
// backoff.Permanent.
type Sender interface {
	Send(ctx context.Context, a Alert) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, a Alert) error

func (f SenderFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

type HistoryItem struct {
	At    time.Time
	Alert Alert
}

// Event types published on the bus.
const (
	EventQueued  = "alert.queued"
	EventSent    = "alert.sent"
	EventFailed  = "alert.failed"
	EventDeduped = "alert.deduped"
	EventDropped = "alert.dropped"
)

// AlertEvent is the Data of alert.* events.
type AlertEvent struct {
	JobID string    `json:"job_id"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
