package progress

import "github.com/zhuiye8/narration-service/internal/core"

// CallbackSink adapts a flat percentage callback to the ProgressSink
// interface. The single-item generation path uses it to report 0-100
// progress to its caller instead of a shared observer channel.
type CallbackSink struct {
	onPercent func(percent int)
}

// NewCallbackSink wraps the given callback. A nil callback is allowed and
// makes the sink a no-op.
func NewCallbackSink(onPercent func(percent int)) *CallbackSink {
	return &CallbackSink{onPercent: onPercent}
}

// Publish forwards the overall percentage to the callback.
func (s *CallbackSink) Publish(snapshot core.ProgressSnapshot) error {
	if s.onPercent != nil {
		s.onPercent(snapshot.OverallPercent)
	}

	return nil
}

// Completed reports the terminal 100%.
func (s *CallbackSink) Completed(_ string, _ core.BatchRun) error {
	if s.onPercent != nil {
		s.onPercent(100)
	}

	return nil
}

// Failed is a no-op; the caller sees the error from the pipeline return.
func (s *CallbackSink) Failed(_ string, _ string, _ string) error {
	return nil
}
