package model

import (
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobCancelling JobStatus = "cancelling"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobSucceeded, JobFailed, JobCancelling, JobCancelled:
		return true
	}
	return false
}

var (
	ErrNotFound            = errors.New("not found")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrBackendUnavailable  = errors.New("storage backend unavailable")
	ErrCorruptWrite        = errors.New("corrupt write")
	ErrExtractionFailed    = errors.New("metadata extraction failed")
	ErrJobAborted          = errors.New("job aborted")
	ErrEmptyUpload         = errors.New("empty upload")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnknownJobType      = errors.New("unknown job type")
	ErrJobNotActive        = errors.New("job is not active")
)

// Provider names as recorded on assets.
const (
	ProviderFS = "fs"
	ProviderS3 = "s3"
)

// Location identifies where an asset's bytes live.
//
// Bucket is the provider root: the bucket for s3, empty for fs where the key
// is relative to the assets directory.
type Location struct {
	Provider string `json:"provider"`
	Bucket   string `json:"bucket,omitempty"`
	Key      string `json:"key"`
}

// StorageKey renders the location the way it is displayed to clients.
func (l Location) StorageKey() string {
	if l.Bucket == "" {
		return l.Key
	}
	return l.Bucket + ":" + l.Key
}

// Asset is the record for one distinct piece of content. ID and ContentHash
// are equal: the id is derived from the bytes.
type Asset struct {
	ID                string    `json:"asset_id"`
	ContentHash       string    `json:"content_hash"`
	Kind              string    `json:"kind"`
	Filename          string    `json:"filename"`
	MimeType          string    `json:"mime_type"`
	SizeBytes         int64     `json:"size_bytes"`
	Location          Location  `json:"storage"`
	CreatedAt         time.Time `json:"created_at"`
	MetadataExtracted bool      `json:"metadata_extracted"`
}

// AssetLink records one ingestion event for an asset. Duplicate uploads add a
// link instead of a second copy.
type AssetLink struct {
	ID        string    `json:"link_id"`
	AssetID   string    `json:"asset_id"`
	Filename  string    `json:"filename"`
	Kind      string    `json:"kind"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	MetadataSourceExifTool = "ExifTool"
	MetadataSourceSidecar  = "UserSidecar"
	MetadataTypeJSON       = "JsonMetadata"
)

// MetadataEntry is an append-only metadata document attached to an asset.
type MetadataEntry struct {
	ID         int64           `json:"id"`
	AssetID    string          `json:"asset_id"`
	Source     string          `json:"Source"`
	Type       string          `json:"Type"`
	Name       *string         `json:"Name"`
	NameHashes *string         `json:"NameHashes"`
	Data       json.RawMessage `json:"Data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Job represents a background job record.
type Job struct {
	ID              string          `json:"job_id"`
	Type            string          `json:"job_type"`
	Status          JobStatus       `json:"status"`
	Progress        float64         `json:"progress"`
	Step            string          `json:"progress_step,omitempty"`
	Params          json.RawMessage `json:"input,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLogEntry is one line of a job's log. Seq is strictly increasing and is
// the polling cursor.
type JobLogEntry struct {
	Seq       int64           `json:"seq"`
	JobID     string          `json:"job_id"`
	Timestamp time.Time       `json:"ts"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status *JobStatus
	Type   string
	Limit  int
}
