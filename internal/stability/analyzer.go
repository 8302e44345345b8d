// Package stability maintains a rolling window of recent measurements and
// scores how consistent the connection has been. All computation is plain
// in-memory arithmetic; the analyzer is not safe for concurrent use and is
// expected to be driven by the adaptive controller under its own guard.
package stability

import (
	"fmt"
	"math"

	"speedwatch/internal/models"
)

const (
	// Minimum samples before the composite score is meaningful.
	minSamplesForScore = 3
	// Minimum samples before z-scores are trusted for anomaly detection.
	minSamplesForZScore = 5
	// Z-score magnitude beyond which a metric is anomalous.
	zScoreLimit = 2.5

	neutralScore = 0.5
)

type windowEntry struct {
	sample  models.Sample
	anomaly bool
}

// Analyzer holds the rolling stability window
type Analyzer struct {
	windowSize int
	window     []windowEntry
}

// AnomalyDetails explains why a sample was (or was not) flagged
type AnomalyDetails struct {
	Anomalous bool     `json:"anomalous"`
	DownloadZ float64  `json:"download_z"`
	UploadZ   float64  `json:"upload_z"`
	PingZ     float64  `json:"ping_z"`
	Reasons   []string `json:"reasons,omitempty"`
}

// NewAnalyzer creates an analyzer with the given window capacity.
func NewAnalyzer(windowSize int) *Analyzer {
	return &Analyzer{
		windowSize: windowSize,
		window:     make([]windowEntry, 0, windowSize),
	}
}

// AddMeasurement appends the sample to the window, evicting the oldest
// entry at capacity, and returns the composite stability score in [0, 1].
// The sample's anomaly flag is evaluated against the window as it was
// before insertion, so an outlier cannot mask itself.
func (a *Analyzer) AddMeasurement(sample models.Sample) float64 {
	entry := windowEntry{sample: sample, anomaly: a.IsAnomaly(sample)}
	if len(a.window) == a.windowSize {
		copy(a.window, a.window[1:])
		a.window[len(a.window)-1] = entry
	} else {
		a.window = append(a.window, entry)
	}
	return a.score()
}

// IsAnomaly reports whether the sample deviates from the recent window.
// Explicit threshold violations are always anomalous. Z-scores are only
// consulted once enough samples exist to make them meaningful.
func (a *Analyzer) IsAnomaly(sample models.Sample) bool {
	return a.GetAnomalyDetails(sample).Anomalous
}

// GetAnomalyDetails returns the contributing z-scores and human-readable
// reasons for the anomaly decision.
func (a *Analyzer) GetAnomalyDetails(sample models.Sample) AnomalyDetails {
	var d AnomalyDetails

	if sample.DownloadSlow {
		d.Anomalous = true
		d.Reasons = append(d.Reasons, "download below configured threshold")
	}
	if sample.UploadSlow {
		d.Anomalous = true
		d.Reasons = append(d.Reasons, "upload below configured threshold")
	}
	if len(a.window) < minSamplesForZScore {
		return d
	}

	downMean, downStd := a.stats(func(s models.Sample) float64 { return s.DownloadMbps })
	upMean, upStd := a.stats(func(s models.Sample) float64 { return s.UploadMbps })
	pingMean, pingStd := a.stats(func(s models.Sample) float64 { return s.PingMs })

	// A metric with zero variance never contributes a z-score.
	if downStd > 0 {
		d.DownloadZ = (sample.DownloadMbps - downMean) / downStd
		if d.DownloadZ < -zScoreLimit {
			d.Anomalous = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("download %.1f Mbps is %.1f stddevs below recent mean %.1f", sample.DownloadMbps, -d.DownloadZ, downMean))
		}
	}
	if upStd > 0 {
		d.UploadZ = (sample.UploadMbps - upMean) / upStd
		if d.UploadZ < -zScoreLimit {
			d.Anomalous = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("upload %.1f Mbps is %.1f stddevs below recent mean %.1f", sample.UploadMbps, -d.UploadZ, upMean))
		}
	}
	if pingStd > 0 {
		d.PingZ = (sample.PingMs - pingMean) / pingStd
		if d.PingZ > zScoreLimit {
			d.Anomalous = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("ping %.1f ms is %.1f stddevs above recent mean %.1f", sample.PingMs, d.PingZ, pingMean))
		}
	}
	return d
}

// Size returns the current number of samples in the window.
func (a *Analyzer) Size() int {
	return len(a.window)
}

// score computes the composite stability score over the current window:
// 1 - 2*weighted CV, floored at 0, then discounted by the recent anomaly
// rate. Fewer than three samples yields a neutral 0.5.
func (a *Analyzer) score() float64 {
	if len(a.window) < minSamplesForScore {
		return neutralScore
	}

	weightedCV := 0.5*a.cv(func(s models.Sample) float64 { return s.DownloadMbps }) +
		0.3*a.cv(func(s models.Sample) float64 { return s.UploadMbps }) +
		0.2*a.cv(func(s models.Sample) float64 { return s.PingMs })

	score := math.Max(0, 1-2*weightedCV)

	anomalies := 0
	for _, e := range a.window {
		if e.anomaly {
			anomalies++
		}
	}
	anomalyRate := float64(anomalies) / float64(len(a.window))
	score *= 1 - math.Min(0.5, anomalyRate*0.5)
	return score
}

// cv returns the coefficient of variation for one metric, defined as 0
// when the mean is 0 or fewer than two samples exist.
func (a *Analyzer) cv(metric func(models.Sample) float64) float64 {
	if len(a.window) < 2 {
		return 0
	}
	mean, std := a.stats(metric)
	if mean == 0 {
		return 0
	}
	return std / mean
}

// stats returns the sample mean and standard deviation for one metric
// over the window.
func (a *Analyzer) stats(metric func(models.Sample) float64) (mean, std float64) {
	n := len(a.window)
	if n == 0 {
		return 0, 0
	}
	for _, e := range a.window {
		mean += metric(e.sample)
	}
	mean /= float64(n)
	if n < 2 {
		return mean, 0
	}
	var sumSq float64
	for _, e := range a.window {
		d := metric(e.sample) - mean
		sumSq += d * d
	}
	std = math.Sqrt(sumSq / float64(n-1))
	return mean, std
}
