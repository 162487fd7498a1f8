package provider

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/zhuiye8/narration-service/internal/core"
)

// Pseudo task ids carry this prefix so logs and stores make the degraded
// mode visible.
const pseudoTaskPrefix = "disabled-"

// MsgProviderNotConfigured is the per-item failure message recorded for
// pseudo-tasks.
const MsgProviderNotConfigured = "speech provider not configured"

// ErrProviderNotConfigured reports the degraded mode from health checks.
var ErrProviderNotConfigured = errors.New(MsgProviderNotConfigured)

// Disabled is the provider variant selected when no provider credentials
// are configured. It hands out inert pseudo-tasks that immediately resolve
// as failures, so the pipeline keeps operating and records a clear per-item
// error instead of crashing.
type Disabled struct{}

// NewDisabled creates the disabled provider variant.
func NewDisabled() *Disabled {
	return &Disabled{}
}

// Enabled reports that no real provider backs this variant.
func (d *Disabled) Enabled() bool {
	return false
}

// CreateTasks returns one pseudo-task per request.
func (d *Disabled) CreateTasks(
	_ context.Context,
	reqs []core.TaskRequest,
	_ core.VoiceConfig,
) ([]core.TaskSubmission, error) {
	if len(reqs) == 0 {
		return nil, ErrNoTexts
	}

	submissions := make([]core.TaskSubmission, 0, len(reqs))
	for _, req := range reqs {
		submissions = append(submissions, core.TaskSubmission{
			ItemID: req.ItemID,
			TaskID: pseudoTaskPrefix + uuid.NewString(),
			Err:    nil,
		})
	}

	return submissions, nil
}

// TaskStatuses resolves every pseudo-task as an immediate failure carrying
// the not-configured message.
func (d *Disabled) TaskStatuses(_ context.Context, taskIDs []string) ([]core.TaskState, error) {
	if len(taskIDs) == 0 {
		return nil, ErrNoTaskIDs
	}

	states := make([]core.TaskState, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		states = append(states, core.TaskState{
			TaskID:    taskID,
			Status:    core.TaskFailure,
			ResultURL: "",
			Err:       MsgProviderNotConfigured,
		})
	}

	return states, nil
}

// HealthCheck always reports the degraded mode.
func (d *Disabled) HealthCheck(_ context.Context) error {
	return ErrProviderNotConfigured
}
