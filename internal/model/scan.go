// Package model defines the scan queue rows, the transient label/enrichment
// records passed between pipeline stages, and the persisted wine catalog types.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a queued scan job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusWorking   JobStatus = "working"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ScanJob is a row of the wine_queue table driving asynchronous processing of
// one label photo.
type ScanJob struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ScanID         *string         `json:"scan_id,omitempty"`
	ImageURL       string          `json:"image_url"`
	OCRText        *string         `json:"ocr_text,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Status         JobStatus       `json:"status"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	RetryCount     int             `json:"retry_count"`
	Exhausted      bool            `json:"exhausted"`
	ProcessedData  json.RawMessage `json:"processed_data,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// OCRHint returns the OCR text or "" when none was submitted.
func (j ScanJob) OCRHint() string {
	if j.OCRText == nil {
		return ""
	}
	return *j.OCRText
}

// ProcessedData is the JSON document stored on a completed job.
type ProcessedData struct {
	ProducerID  string           `json:"producer_id"`
	WineID      string           `json:"wine_id"`
	VintageID   string           `json:"vintage_id"`
	VarietalIDs []string         `json:"varietal_ids"`
	Wine        EnrichedWine     `json:"wine"`
	Location    *GeoResult       `json:"location,omitempty"`
	Warnings    []StageWarning   `json:"warnings,omitempty"`
	Usage       map[string]int64 `json:"usage,omitempty"`
}

// StageWarning records a non-fatal stage failure on the processed job.
type StageWarning struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}
