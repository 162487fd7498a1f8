// Package core defines the domain types and interfaces shared by the
// narration pipeline stages.
package core

import "time"

// ItemType tags the kind of source content a NarrationItem carries.
type ItemType string

// Supported item types. Choice items narrate their option labels; text
// items narrate the title only.
const (
	ItemTypeSingleChoice   ItemType = "single_choice"
	ItemTypeMultipleChoice ItemType = "multiple_choice"
	ItemTypeText           ItemType = "text"
)

// IsChoice reports whether the item type narrates structured options.
func (t ItemType) IsChoice() bool {
	return t == ItemTypeSingleChoice || t == ItemTypeMultipleChoice
}

// Option is one labeled choice of a choice-type NarrationItem.
// Options are ordered; key order is part of the narration and of the
// content hash.
type Option struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// NarrationItem is the read-only source content to be spoken. It is owned
// by the external content domain; the pipeline never mutates it.
type NarrationItem struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Options []Option `json:"options,omitempty"`
	Type    ItemType `json:"type"`
}

// TaskStatus is the provider-side state of one generation task.
type TaskStatus string

// Provider task states.
const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailure TaskStatus = "failure"
)

// GenerationTask is one outstanding unit of provider work. A NarrationItem
// has at most one outstanding GenerationTask at a time.
type GenerationTask struct {
	ProviderTaskID string
	ItemID         string
	SubmittedAt    time.Time
	Status         TaskStatus
	Attempts       int
}

// AssetStatus is the lifecycle state of a persisted AudioAsset.
type AssetStatus string

// Asset lifecycle states.
const (
	AssetNone       AssetStatus = "none"
	AssetGenerating AssetStatus = "generating"
	AssetReady      AssetStatus = "ready"
	AssetError      AssetStatus = "error"
)

// AudioAsset is the durable record of generated narration output, one per
// NarrationItem id, upserted across pipeline runs.
type AudioAsset struct {
	ItemID          string      `json:"item_id"`
	FilePath        string      `json:"file_path"`
	PublicURL       string      `json:"public_url"`
	Format          string      `json:"format"`
	FileSize        int64       `json:"file_size"`
	DurationSeconds float64     `json:"duration_seconds"`
	ContentHash     string      `json:"content_hash"`
	Status          AssetStatus `json:"status"`
	LastError       string      `json:"last_error,omitempty"`
	GeneratedAt     time.Time   `json:"generated_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// BatchRun aggregates the outcome of one pipeline invocation. It is not
// persisted; callers receive it as the reply to a generation request.
type BatchRun struct {
	RunID           string        `json:"run_id"`
	GroupingID      string        `json:"grouping_id"`
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	DownloadedBytes int64         `json:"downloaded_bytes"`
	Elapsed         time.Duration `json:"elapsed"`
	Errors          []string      `json:"errors,omitempty"`
}

// AudioPublicPathPrefix is the URL path under which generated media is
// served. Public URLs are derived deterministically from it, the item id,
// and the fixed media filename.
const AudioPublicPathPrefix = "/narration/audio"

// Stage identifies one phase of the pipeline state machine.
type Stage string

// Pipeline stages in execution order, plus the terminal states. Error is
// reachable from any stage; Completed only from Finalizing.
const (
	StageIdle        Stage = "idle"
	StageSubmitting  Stage = "submitting"
	StageWaiting     Stage = "waiting"
	StageDownloading Stage = "downloading"
	StageFinalizing  Stage = "finalizing"
	StageCompleted   Stage = "completed"
	StageError       Stage = "error"
)

// ProgressSnapshot is a point-in-time multi-stage progress report pushed to
// the progress sink. It is transient and never persisted.
type ProgressSnapshot struct {
	GroupingID     string    `json:"grouping_id"`
	RunID          string    `json:"run_id"`
	Stage          Stage     `json:"stage"`
	StagePercent   int       `json:"stage_percent"`
	OverallPercent int       `json:"overall_percent"`
	Done           int       `json:"done"`
	Total          int       `json:"total"`
	CurrentItem    string    `json:"current_item,omitempty"`
	ETASeconds     float64   `json:"eta_seconds,omitempty"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// VoiceConfig carries the provider synthesis parameters for one run.
type VoiceConfig struct {
	Voice  string `json:"voice"  toml:"voice"`
	Speed  int    `json:"speed"  toml:"speed"`
	Pitch  int    `json:"pitch"  toml:"pitch"`
	Volume int    `json:"volume" toml:"volume"`
}
