// Package speedtest wraps the Ookla speedtest CLI behind the executor
// port. The CLI is run in JSONL mode so in-flight progress records can be
// surfaced while the test runs.
package speedtest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"

	"speedwatch/internal/models"
)

// ProgressFunc receives in-flight updates from a running test.
type ProgressFunc func(models.Progress)

// Runner executes speed tests via the external CLI
type Runner struct {
	binPath           string
	downloadThreshold float64 // Mbps; 0 disables marking
	uploadThreshold   float64
	onProgress        ProgressFunc
}

// New creates a runner invoking the given binary. Thresholds below which
// a sample is marked slow may be zero to disable marking.
func New(binPath string, downloadThresholdMbps, uploadThresholdMbps float64) *Runner {
	return &Runner{
		binPath:           binPath,
		downloadThreshold: downloadThresholdMbps,
		uploadThreshold:   uploadThresholdMbps,
	}
}

// SetProgressFunc registers the in-flight progress callback. Must be set
// before RunTest is first called.
func (r *Runner) SetProgressFunc(fn ProgressFunc) {
	r.onProgress = fn
}

// RunTest executes one speed test and returns the completed sample. Any
// process, timeout or parse failure is returned as an error; the caller
// owns failure classification.
func (r *Runner) RunTest(ctx context.Context, serverID string) (models.Sample, error) {
	args := []string{"--accept-license", "--accept-gdpr", "--format=jsonl"}
	if serverID != "" {
		args = append(args, "--server-id="+serverID)
	}
	cmd := exec.CommandContext(ctx, r.binPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.Sample{}, fmt.Errorf("speedtest pipe failed: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return models.Sample{}, fmt.Errorf("speedtest start failed: %w", err)
	}

	var (
		sample    models.Sample
		gotResult bool
		cliErr    string
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			continue // interleaved non-JSON noise is ignored
		}
		switch rec.Type {
		case "ping", "download", "upload":
			if r.onProgress != nil {
				r.onProgress(rec.progress())
			}
		case "result":
			sample = r.sampleFromRecord(rec)
			gotResult = true
		case "error":
			cliErr = rec.Error
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if cliErr != "" {
			return models.Sample{}, fmt.Errorf("speedtest failed: %s", cliErr)
		}
		return models.Sample{}, fmt.Errorf("speedtest failed: %w", err)
	}
	if scanErr != nil {
		return models.Sample{}, fmt.Errorf("speedtest output read failed: %w", scanErr)
	}
	if !gotResult {
		if cliErr != "" {
			return models.Sample{}, fmt.Errorf("speedtest failed: %s", cliErr)
		}
		return models.Sample{}, fmt.Errorf("speedtest produced no result record")
	}
	return sample, nil
}

type cliRecord struct {
	Type     string       `json:"type"`
	Error    string       `json:"error,omitempty"`
	ISP      string       `json:"isp,omitempty"`
	Ping     *cliPing     `json:"ping,omitempty"`
	Download *cliTransfer `json:"download,omitempty"`
	Upload   *cliTransfer `json:"upload,omitempty"`
	Server   *cliServer   `json:"server,omitempty"`
}

type cliPing struct {
	Jitter   float64 `json:"jitter"`
	Latency  float64 `json:"latency"`
	Progress float64 `json:"progress"`
}

type cliTransfer struct {
	Bandwidth int64   `json:"bandwidth"` // bytes per second
	Bytes     int64   `json:"bytes"`
	Progress  float64 `json:"progress"`
}

type cliServer struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func parseRecord(line []byte) (cliRecord, error) {
	var rec cliRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, err
	}
	if rec.Type == "" {
		return rec, fmt.Errorf("record missing type")
	}
	return rec, nil
}

// progress converts an in-flight record into a Progress update.
func (rec cliRecord) progress() models.Progress {
	p := models.Progress{Stage: rec.Type}
	switch rec.Type {
	case "ping":
		if rec.Ping != nil {
			p.Percent = rec.Ping.Progress * 100
		}
	case "download":
		if rec.Download != nil {
			p.Percent = rec.Download.Progress * 100
			p.Mbps = mbps(rec.Download.Bandwidth)
		}
	case "upload":
		if rec.Upload != nil {
			p.Percent = rec.Upload.Progress * 100
			p.Mbps = mbps(rec.Upload.Bandwidth)
		}
	}
	return p
}

func (r *Runner) sampleFromRecord(rec cliRecord) models.Sample {
	sample := models.Sample{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		ISP:       rec.ISP,
	}
	if rec.Ping != nil {
		sample.PingMs = rec.Ping.Latency
		sample.JitterMs = rec.Ping.Jitter
	}
	if rec.Download != nil {
		sample.DownloadMbps = mbps(rec.Download.Bandwidth)
		sample.BytesReceived = rec.Download.Bytes
	}
	if rec.Upload != nil {
		sample.UploadMbps = mbps(rec.Upload.Bandwidth)
		sample.BytesSent = rec.Upload.Bytes
	}
	if rec.Server != nil {
		sample.ServerID = strconv.Itoa(rec.Server.ID)
		sample.ServerName = rec.Server.Name
	}
	if r.downloadThreshold > 0 && sample.DownloadMbps < r.downloadThreshold {
		sample.DownloadSlow = true
	}
	if r.uploadThreshold > 0 && sample.UploadMbps < r.uploadThreshold {
		sample.UploadSlow = true
	}
	return sample
}

// mbps converts the CLI's bytes-per-second bandwidth to megabits.
func mbps(bytesPerSecond int64) float64 {
	return float64(bytesPerSecond) * 8 / 1e6
}
