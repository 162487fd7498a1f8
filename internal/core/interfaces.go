package core

import "context"

// TaskRequest is one text submitted to the provider for synthesis.
type TaskRequest struct {
	ItemID string
	Text   string
}

// TaskSubmission is the per-item outcome of a batch task creation call.
// Err is set when the provider rejected this text; sibling submissions
// are unaffected.
type TaskSubmission struct {
	ItemID string
	TaskID string
	Err    error
}

// TaskState is the provider-reported state of one outstanding task.
type TaskState struct {
	TaskID    string
	Status    TaskStatus
	ResultURL string
	Err       string
}

// Provider is the external asynchronous speech-synthesis service. The
// Disabled variant substitutes inert pseudo-tasks when no provider is
// configured, so the pipeline degrades instead of crashing.
type Provider interface {
	CreateTasks(ctx context.Context, reqs []TaskRequest, voice VoiceConfig) ([]TaskSubmission, error)
	TaskStatuses(ctx context.Context, taskIDs []string) ([]TaskState, error)
	Enabled() bool
}

// AssetStore is the durable store of AudioAsset records, keyed uniquely by
// NarrationItem id. Writes are last-writer-wins.
type AssetStore interface {
	Upsert(ctx context.Context, asset AudioAsset) error
	Get(ctx context.Context, itemID string) (*AudioAsset, error)
	Delete(ctx context.Context, itemID string) error
	List(ctx context.Context) ([]AudioAsset, error)
}

// ContentSource is the read-only accessor for the external content domain.
type ContentSource interface {
	ItemsForGrouping(ctx context.Context, groupingID string) ([]NarrationItem, error)
}

// ProgressSink receives ProgressSnapshot messages and terminal
// completed/error notifications for an operator-facing observer. Publishing
// must not block pipeline execution on a slow consumer.
type ProgressSink interface {
	Publish(snapshot ProgressSnapshot) error
	Completed(groupingID string, run BatchRun) error
	Failed(groupingID string, runID string, message string) error
}
