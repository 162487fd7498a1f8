package progress

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/zhuiye8/narration-service/internal/core"
)

// Terminal notification types.
const (
	NotificationCompleted = "completed"
	NotificationError     = "error"
)

// RunNotification is the terminal message published when a run completes
// or fails.
type RunNotification struct {
	Type       string         `json:"type"`
	GroupingID string         `json:"grouping_id"`
	RunID      string         `json:"run_id"`
	Run        *core.BatchRun `json:"run,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// NATSSink publishes progress snapshots and terminal notifications over
// NATS, keyed by grouping id:
//
//	<progressPrefix>.<groupingID>  ProgressSnapshot JSON
//	<resultPrefix>.<groupingID>    RunNotification JSON
type NATSSink struct {
	conn           *nats.Conn
	progressPrefix string
	resultPrefix   string
}

// NewNATSSink creates a sink publishing on the given subject prefixes.
func NewNATSSink(conn *nats.Conn, progressPrefix, resultPrefix string) *NATSSink {
	return &NATSSink{
		conn:           conn,
		progressPrefix: progressPrefix,
		resultPrefix:   resultPrefix,
	}
}

// Publish emits one snapshot on the grouping's progress subject.
func (s *NATSSink) Publish(snapshot core.ProgressSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal progress snapshot: %w", err)
	}

	subject := s.progressPrefix + "." + snapshot.GroupingID

	publishErr := s.conn.Publish(subject, data)
	if publishErr != nil {
		return fmt.Errorf("failed to publish progress snapshot: %w", publishErr)
	}

	return nil
}

// Completed emits the terminal completed notification with the run summary.
func (s *NATSSink) Completed(groupingID string, run core.BatchRun) error {
	return s.publishNotification(RunNotification{
		Type:       NotificationCompleted,
		GroupingID: groupingID,
		RunID:      run.RunID,
		Run:        &run,
		Message:    "",
	})
}

// Failed emits the terminal error notification.
func (s *NATSSink) Failed(groupingID, runID, message string) error {
	return s.publishNotification(RunNotification{
		Type:       NotificationError,
		GroupingID: groupingID,
		RunID:      runID,
		Run:        nil,
		Message:    message,
	})
}

func (s *NATSSink) publishNotification(notification RunNotification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal run notification: %w", err)
	}

	subject := s.resultPrefix + "." + notification.GroupingID

	publishErr := s.conn.Publish(subject, data)
	if publishErr != nil {
		return fmt.Errorf("failed to publish run notification: %w", publishErr)
	}

	return nil
}
