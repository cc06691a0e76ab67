package models

import "time"

// LogEntry is one timestamped line of build output.
type LogEntry struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}
