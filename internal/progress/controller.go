// Package progress aggregates per-stage pipeline progress into a weighted
// overall percentage and pushes snapshots to a progress sink.
package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zhuiye8/narration-service/internal/core"
)

// Stage weights. They sum to 100; overall progress is the weighted sum of
// per-stage progress. Waiting dominates because provider synthesis is by
// far the longest phase.
const (
	WeightSubmitting  = 10
	WeightWaiting     = 70
	WeightDownloading = 15
	WeightFinalizing  = 5
)

// etaSafetyMultiplier pads the estimate so it shrinks toward zero instead
// of overshooting past it.
const etaSafetyMultiplier = 1.2

const percentMax = 100

// State machine errors.
var (
	ErrTerminalState     = errors.New("progress controller is in a terminal state")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrNotFinalizing     = errors.New("completion is only reachable from finalizing")
)

// workStages is the fixed stage order of one run.
var workStages = []core.Stage{
	core.StageSubmitting,
	core.StageWaiting,
	core.StageDownloading,
	core.StageFinalizing,
}

var stageWeights = map[core.Stage]int{
	core.StageSubmitting:  WeightSubmitting,
	core.StageWaiting:     WeightWaiting,
	core.StageDownloading: WeightDownloading,
	core.StageFinalizing:  WeightFinalizing,
}

// Controller tracks one BatchRun's stage progress and emits a
// ProgressSnapshot on every update. Overall progress is monotonically
// non-decreasing: completed stages are pinned to 100 before a later stage
// begins, and the emitted value never moves backwards. Sink publish
// failures are deliberately not propagated; progress is best-effort and
// must never fail the pipeline.
type Controller struct {
	sink         core.ProgressSink
	groupingID   string
	runID        string
	startedAt    time.Time
	mutex        sync.Mutex
	stage        core.Stage
	stagePercent map[core.Stage]int
	total        int
	done         int
	lastOverall  int
	terminal     bool
}

// NewController creates a Controller in the Idle state for one run.
func NewController(sink core.ProgressSink, groupingID, runID string, total int) *Controller {
	return &Controller{
		sink:         sink,
		groupingID:   groupingID,
		runID:        runID,
		startedAt:    time.Now(),
		mutex:        sync.Mutex{},
		stage:        core.StageIdle,
		stagePercent: make(map[core.Stage]int, len(workStages)),
		total:        total,
		done:         0,
		lastOverall:  0,
		terminal:     false,
	}
}

// EnterStage advances the state machine to the given work stage. Entering
// a stage pins every earlier stage to 100. Stages cannot be re-entered or
// skipped backwards.
func (c *Controller) EnterStage(stage core.Stage) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.terminal {
		return ErrTerminalState
	}

	targetIndex := stageIndex(stage)
	if targetIndex < 0 {
		return fmt.Errorf("%w: %s is not a work stage", ErrInvalidTransition, stage)
	}

	currentIndex := stageIndex(c.stage)
	if targetIndex <= currentIndex {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.stage, stage)
	}

	for i := 0; i < targetIndex; i++ {
		c.stagePercent[workStages[i]] = percentMax
	}

	c.stage = stage
	c.stagePercent[stage] = 0

	c.publishLocked("", "")

	return nil
}

// Update records progress within the current stage and emits a snapshot.
// done/total feed the estimated-time-remaining; currentItem and message
// annotate the snapshot.
func (c *Controller) Update(stagePercent, done int, currentItem, message string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.terminal || stageIndex(c.stage) < 0 {
		return
	}

	c.stagePercent[c.stage] = clampPercent(stagePercent)
	if done > c.done {
		c.done = done
	}

	c.publishLocked(currentItem, message)
}

// Complete finishes the run. It is only valid from the Finalizing stage.
func (c *Controller) Complete(run core.BatchRun) error {
	c.mutex.Lock()

	if c.terminal {
		c.mutex.Unlock()

		return ErrTerminalState
	}

	if c.stage != core.StageFinalizing {
		c.mutex.Unlock()

		return fmt.Errorf("%w: current stage %s", ErrNotFinalizing, c.stage)
	}

	for _, stage := range workStages {
		c.stagePercent[stage] = percentMax
	}

	c.stage = core.StageCompleted
	c.lastOverall = percentMax
	c.terminal = true
	c.publishLocked("", "")
	c.mutex.Unlock()

	_ = c.sink.Completed(c.groupingID, run)

	return nil
}

// Fail moves the run to the terminal Error state. It is reachable from any
// non-terminal state.
func (c *Controller) Fail(message string) error {
	c.mutex.Lock()

	if c.terminal {
		c.mutex.Unlock()

		return ErrTerminalState
	}

	c.stage = core.StageError
	c.terminal = true
	c.publishLocked("", message)
	c.mutex.Unlock()

	_ = c.sink.Failed(c.groupingID, c.runID, message)

	return nil
}

// Overall returns the last emitted overall percentage.
func (c *Controller) Overall() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.lastOverall
}

// Stage returns the current stage.
func (c *Controller) Stage() core.Stage {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.stage
}

// publishLocked composes and emits one snapshot. Callers hold the mutex.
func (c *Controller) publishLocked(currentItem, message string) {
	overall := 0
	for stage, weight := range stageWeights {
		overall += c.stagePercent[stage] * weight / percentMax
	}

	overall = clampPercent(overall)
	if overall < c.lastOverall {
		overall = c.lastOverall
	}

	c.lastOverall = overall

	snapshot := core.ProgressSnapshot{
		GroupingID:     c.groupingID,
		RunID:          c.runID,
		Stage:          c.stage,
		StagePercent:   c.stagePercent[c.stage],
		OverallPercent: overall,
		Done:           c.done,
		Total:          c.total,
		CurrentItem:    currentItem,
		ETASeconds:     c.estimateRemainingLocked(overall),
		Message:        message,
		Timestamp:      time.Now().UTC(),
	}

	_ = c.sink.Publish(snapshot)
}

// estimateRemainingLocked derives the remaining time from observed average
// per-item completion time, falling back to overall percentage when no
// items have completed yet.
func (c *Controller) estimateRemainingLocked(overall int) float64 {
	elapsed := time.Since(c.startedAt).Seconds()

	if c.done > 0 && c.total > c.done {
		perItem := elapsed / float64(c.done)

		return perItem * float64(c.total-c.done) * etaSafetyMultiplier
	}

	if overall > 0 && overall < percentMax {
		return elapsed * float64(percentMax-overall) / float64(overall) * etaSafetyMultiplier
	}

	return 0
}

func stageIndex(stage core.Stage) int {
	for i, workStage := range workStages {
		if workStage == stage {
			return i
		}
	}

	return -1
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}

	if percent > percentMax {
		return percentMax
	}

	return percent
}
