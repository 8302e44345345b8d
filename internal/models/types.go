package models

import (
	"context"
	"time"
)

// Sample represents a single completed speed test measurement
type Sample struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	BytesReceived int64     `json:"bytes_received"`
	BytesSent     int64     `json:"bytes_sent"`
	DownloadSlow  bool      `json:"download_slow"` // below configured threshold
	UploadSlow    bool      `json:"upload_slow"`   // below configured threshold
	ServerID      string    `json:"server_id,omitempty"`
	ServerName    string    `json:"server_name,omitempty"`
	ISP           string    `json:"isp,omitempty"`
}

// ThresholdViolated reports whether either throughput threshold was breached.
func (s Sample) ThresholdViolated() bool {
	return s.DownloadSlow || s.UploadSlow
}

// TransferredMB returns the megabytes moved by the test, or 0 if the
// executor did not report byte counts.
func (s Sample) TransferredMB() float64 {
	return float64(s.BytesReceived+s.BytesSent) / (1024 * 1024)
}

// Progress is an in-flight update from the executor
type Progress struct {
	Stage   string  `json:"stage"` // ping, download, upload
	Percent float64 `json:"percent"`
	Mbps    float64 `json:"mbps,omitempty"`
}

// OutageStatus is a read-only snapshot of the scheduler's outage state
type OutageStatus struct {
	Active              bool       `json:"active"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

// Outage represents a finished connectivity outage period
type Outage struct {
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	FailedChecks int       `json:"failed_checks"`
	Duration     string    `json:"duration"`
}

// Stats represents aggregated statistics over recent samples
type Stats struct {
	TotalTests  int     `json:"total_tests"`
	AvgDownload float64 `json:"avg_download_mbps"`
	MinDownload float64 `json:"min_download_mbps"`
	MaxDownload float64 `json:"max_download_mbps"`
	AvgUpload   float64 `json:"avg_upload_mbps"`
	AvgPing     float64 `json:"avg_ping_ms"`
	MaxPing     float64 `json:"max_ping_ms"`
}

// Runner interface defines speed test execution operations
type Runner interface {
	RunTest(ctx context.Context, serverID string) (Sample, error)
}

// Store interface defines operations for data persistence
type Store interface {
	SaveSample(sample Sample) error
	SaveOutage(outage Outage) error
	GetRecent(hours int) ([]Sample, error)
	GetStats(hours int) (Stats, error)
	GetOutages(days int) ([]Outage, error)
	PruneOldSamples(retentionDays int) error
	Close() error
}

// Rescheduler is implemented by whatever owns the periodic timer; the
// adaptive controller calls it whenever the active interval changes.
type Rescheduler interface {
	Reschedule(intervalMinutes int)
}

// CompletionHook observes every successfully completed measurement.
type CompletionHook interface {
	OnTestComplete(sample Sample)
}

// Publisher is the event-emitting side of the event bus.
type Publisher interface {
	Publish(event Event)
}
