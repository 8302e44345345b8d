package database

import (
	"fmt"
	"time"

	"speedwatch/internal/models"
)

// SaveSample stores a completed measurement
func (db *DB) SaveSample(sample models.Sample) error {
	_, err := db.Exec(`
        INSERT INTO samples (id, timestamp, download_mbps, upload_mbps, ping_ms, jitter_ms,
            bytes_received, bytes_sent, download_slow, upload_slow, server_id, server_name, isp)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.Timestamp, sample.DownloadMbps, sample.UploadMbps,
		sample.PingMs, sample.JitterMs, sample.BytesReceived, sample.BytesSent,
		sample.DownloadSlow, sample.UploadSlow, sample.ServerID, sample.ServerName, sample.ISP)
	if err != nil {
		return fmt.Errorf("sample insert failed: %w", err)
	}
	return nil
}

// SaveOutage stores a finished outage period
func (db *DB) SaveOutage(outage models.Outage) error {
	seconds := int(outage.EndTime.Sub(outage.StartTime).Seconds())
	_, err := db.Exec(`
        INSERT INTO outages (start_time, end_time, duration_seconds, failed_checks)
        VALUES (?, ?, ?, ?)`,
		outage.StartTime, outage.EndTime, seconds, outage.FailedChecks)
	if err != nil {
		return fmt.Errorf("outage insert failed: %w", err)
	}
	return nil
}

// GetRecent returns samples from the last N hours, newest first
func (db *DB) GetRecent(hours int) ([]models.Sample, error) {
	rows, err := db.Query(`
        SELECT id, timestamp, download_mbps, upload_mbps, ping_ms, jitter_ms,
            bytes_received, bytes_sent, download_slow, upload_slow, server_id, server_name, isp
        FROM samples
        WHERE timestamp > ?
        ORDER BY timestamp DESC`,
		time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("recent samples query failed: %w", err)
	}
	defer rows.Close()

	var samples []models.Sample
	for rows.Next() {
		var s models.Sample
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.DownloadMbps, &s.UploadMbps,
			&s.PingMs, &s.JitterMs, &s.BytesReceived, &s.BytesSent,
			&s.DownloadSlow, &s.UploadSlow, &s.ServerID, &s.ServerName, &s.ISP); err != nil {
			return nil, fmt.Errorf("sample scan failed: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// GetStats returns aggregate statistics over the last N hours
func (db *DB) GetStats(hours int) (models.Stats, error) {
	var stats models.Stats
	err := db.QueryRow(`
        SELECT COUNT(*),
            COALESCE(AVG(download_mbps), 0), COALESCE(MIN(download_mbps), 0), COALESCE(MAX(download_mbps), 0),
            COALESCE(AVG(upload_mbps), 0),
            COALESCE(AVG(ping_ms), 0), COALESCE(MAX(ping_ms), 0)
        FROM samples
        WHERE timestamp > ?`,
		time.Now().UTC().Add(-time.Duration(hours)*time.Hour)).Scan(
		&stats.TotalTests,
		&stats.AvgDownload, &stats.MinDownload, &stats.MaxDownload,
		&stats.AvgUpload,
		&stats.AvgPing, &stats.MaxPing)
	if err != nil {
		return stats, fmt.Errorf("stats query failed: %w", err)
	}
	return stats, nil
}

// GetOutages returns outages from the last N days, newest first
func (db *DB) GetOutages(days int) ([]models.Outage, error) {
	rows, err := db.Query(`
        SELECT start_time, end_time, duration_seconds, failed_checks
        FROM outages
        WHERE start_time > ?
        ORDER BY start_time DESC`,
		time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return nil, fmt.Errorf("outages query failed: %w", err)
	}
	defer rows.Close()

	var outages []models.Outage
	for rows.Next() {
		var o models.Outage
		var seconds int
		if err := rows.Scan(&o.StartTime, &o.EndTime, &seconds, &o.FailedChecks); err != nil {
			return nil, fmt.Errorf("outage scan failed: %w", err)
		}
		o.Duration = (time.Duration(seconds) * time.Second).String()
		outages = append(outages, o)
	}
	return outages, rows.Err()
}

// PruneOldSamples removes samples older than the retention window
func (db *DB) PruneOldSamples(retentionDays int) error {
	_, err := db.Exec(`
        DELETE FROM samples WHERE timestamp < ?`,
		time.Now().UTC().AddDate(0, 0, -retentionDays))
	if err != nil {
		return fmt.Errorf("sample prune failed: %w", err)
	}
	return nil
}
