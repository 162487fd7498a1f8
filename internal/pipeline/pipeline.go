// Package pipeline orchestrates batch narration generation: content-hash
// filtering, provider task submission, completion polling, media download,
// and asset persistence, with weighted progress reporting throughout.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/zhuiye8/narration-service/internal/core"
	"github.com/zhuiye8/narration-service/internal/downloader"
	"github.com/zhuiye8/narration-service/internal/fileutil"
	"github.com/zhuiye8/narration-service/internal/narration"
	"github.com/zhuiye8/narration-service/internal/progress"
)

// maxRunErrors caps the error strings carried in a BatchRun summary. The
// per-item messages live in the asset store; the summary only needs the
// leading ones.
const maxRunErrors = 10

const percentMax = 100

// Options configures a Pipeline instance.
type Options struct {
	Voice         core.VoiceConfig
	PollInterval  time.Duration
	MaxPollRounds int
	AudioDir      string
	PublicBaseURL string
}

// RunOptions tunes one pipeline invocation.
type RunOptions struct {
	// Force regenerates every item even when its stored hash matches.
	Force bool
	// Voice overrides the configured voice for this run when non-nil.
	Voice *core.VoiceConfig

	// skipInflight is set by GenerateOne, which claims the item itself.
	skipInflight bool
}

// Pipeline runs batch and single-item narration generation. Independent
// runs may execute concurrently; the asset store is the only shared
// mutable state, and the in-flight registry keeps two runs from generating
// the same item at once.
type Pipeline struct {
	provider core.Provider
	store    core.AssetStore
	builder  *narration.Builder
	down     *downloader.Downloader
	log      *logger.Logger
	opts     Options
	inflight *inflightRegistry
}

// New creates a Pipeline.
func New(
	prov core.Provider,
	store core.AssetStore,
	down *downloader.Downloader,
	log *logger.Logger,
	opts Options,
) *Pipeline {
	return &Pipeline{
		provider: prov,
		store:    store,
		builder:  narration.NewBuilder(),
		down:     down,
		log:      log,
		opts:     opts,
		inflight: newInflightRegistry(),
	}
}

// runState carries one invocation's working data between stages.
type runState struct {
	groupingID string
	runID      string
	startedAt  time.Time
	controller *progress.Controller
	force      bool
	voice      core.VoiceConfig

	pending    []core.NarrationItem
	hashes     map[string]string
	prior      map[string]*core.AudioAsset
	taskItems  map[string]string            // provider task id -> item id
	resultURLs map[string]string            // item id -> result url
	succeeded  map[string]downloader.Result // item id -> download result
	failures   map[string]string            // item id -> failure message
	releases   []func()
	skipped    int
}

// Run executes one batch generation over the given items, reporting
// progress to the sink keyed by groupingID. Per-item failures are isolated
// and collected into the returned BatchRun; a non-nil error is returned
// only when the entire run could not proceed.
func (p *Pipeline) Run(
	ctx context.Context,
	groupingID string,
	items []core.NarrationItem,
	sink core.ProgressSink,
	runOpts RunOptions,
) (core.BatchRun, error) {
	state := p.newRunState(groupingID, items, sink, runOpts)

	defer state.releaseAll()

	if len(items) == 0 {
		_ = state.controller.Fail(ErrNoItems.Error())

		return p.summarize(state), ErrNoItems
	}

	if !p.provider.Enabled() {
		p.log.Warn("Speech provider not configured; run %s proceeds in degraded mode", state.runID)
	}

	p.filterItems(ctx, items, state, runOpts.skipInflight)

	_ = state.controller.EnterStage(core.StageSubmitting)

	if len(state.pending) == 0 {
		return p.completeWithoutWork(state), nil
	}

	p.preSeedAssets(ctx, state)
	submitErr := p.submitTasks(ctx, state)

	if submitErr != nil {
		p.persistFailures(ctx, state)
		_ = state.controller.Fail(submitErr.Error())

		return p.summarize(state), submitErr
	}

	p.waitForTasks(ctx, state)
	p.downloadResults(ctx, state)
	p.finalize(ctx, state)

	run := p.summarize(state)

	_ = state.controller.Complete(run)

	p.log.Info("Run %s for grouping %s finished in %s: %d ok (%s), %d failed, %d skipped",
		run.RunID, run.GroupingID, fileutil.FormatDuration(run.Elapsed.Seconds()),
		run.Succeeded, fileutil.FormatFileSize(run.DownloadedBytes),
		run.Failed, run.Skipped)

	return run, nil
}

// GenerateOne mirrors the batch sequence for exactly one item, reporting
// flat 0-100 progress to the callback. A concurrent generation of the same
// item is joined: the call waits for it and returns its outcome instead of
// racing it.
func (p *Pipeline) GenerateOne(
	ctx context.Context,
	item core.NarrationItem,
	onPercent func(percent int),
	force bool,
) (*core.AudioAsset, error) {
	release, acquired := p.inflight.acquire(item.ID)
	if !acquired {
		p.inflight.wait(item.ID)

		return p.joinedOutcome(ctx, item.ID)
	}

	defer release()

	sink := progress.NewCallbackSink(onPercent)

	_, err := p.Run(ctx, "item-"+item.ID, []core.NarrationItem{item}, sink, RunOptions{
		Force:        force,
		Voice:        nil,
		skipInflight: true,
	})
	if err != nil {
		return nil, err
	}

	asset, getErr := p.store.Get(ctx, item.ID)
	if getErr != nil {
		return nil, getErr
	}

	if asset != nil && asset.Status == core.AssetError {
		return asset, fmt.Errorf("generation failed for item %s: %s", item.ID, asset.LastError)
	}

	return asset, nil
}

// joinedOutcome reads the result another in-flight generation produced.
func (p *Pipeline) joinedOutcome(ctx context.Context, itemID string) (*core.AudioAsset, error) {
	asset, err := p.store.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if asset == nil {
		return nil, fmt.Errorf("%w: %s (no asset recorded)", ErrAlreadyInFlight, itemID)
	}

	if asset.Status != core.AssetReady {
		return asset, fmt.Errorf("%w: %s: %s", ErrAlreadyInFlight, itemID, asset.LastError)
	}

	return asset, nil
}

func (p *Pipeline) newRunState(
	groupingID string,
	items []core.NarrationItem,
	sink core.ProgressSink,
	runOpts RunOptions,
) *runState {
	runID := uuid.NewString()

	voice := p.opts.Voice
	if runOpts.Voice != nil {
		voice = *runOpts.Voice
	}

	return &runState{
		groupingID: groupingID,
		runID:      runID,
		startedAt:  time.Now(),
		controller: progress.NewController(sink, groupingID, runID, len(items)),
		force:      runOpts.Force,
		voice:      voice,
		pending:    nil,
		hashes:     make(map[string]string, len(items)),
		prior:      make(map[string]*core.AudioAsset, len(items)),
		taskItems:  make(map[string]string),
		resultURLs: make(map[string]string),
		succeeded:  make(map[string]downloader.Result),
		failures:   make(map[string]string),
		releases:   nil,
		skipped:    0,
	}
}

func (s *runState) releaseAll() {
	for _, release := range s.releases {
		release()
	}

	s.releases = nil
}

// filterItems computes content hashes and keeps only the items that need
// regeneration: no ready asset, a changed hash, or a forced run. Items
// claimed by another in-flight run are skipped, not raced.
func (p *Pipeline) filterItems(
	ctx context.Context,
	items []core.NarrationItem,
	state *runState,
	preAcquired bool,
) {
	for _, item := range items {
		hash := narration.ContentHash(item)
		state.hashes[item.ID] = hash

		prior, getErr := p.store.Get(ctx, item.ID)
		if getErr != nil {
			p.log.Warn("Failed to read asset for item %s, regenerating: %v", item.ID, getErr)
		}

		state.prior[item.ID] = prior

		upToDate := prior != nil &&
			prior.Status == core.AssetReady &&
			prior.ContentHash == hash

		if upToDate && !state.force {
			state.skipped++

			continue
		}

		if !preAcquired {
			release, acquired := p.inflight.acquire(item.ID)
			if !acquired {
				p.log.Info("Item %s already generating elsewhere, skipping", item.ID)

				state.skipped++

				continue
			}

			state.releases = append(state.releases, release)
		}

		state.pending = append(state.pending, item)
	}
}

// completeWithoutWork fast-forwards every stage to 100 when the hash check
// left nothing to generate. The run still completes normally so observers
// see a terminal snapshot.
func (p *Pipeline) completeWithoutWork(state *runState) core.BatchRun {
	state.controller.Update(percentMax, 0, "", "all items up to date")

	for _, stage := range []core.Stage{core.StageWaiting, core.StageDownloading, core.StageFinalizing} {
		_ = state.controller.EnterStage(stage)
		state.controller.Update(percentMax, 0, "", "")
	}

	run := p.summarize(state)

	_ = state.controller.Complete(run)

	return run
}

// preSeedAssets upserts a generating record with the fresh content hash
// before any provider work, so concurrent readers observe the in-progress
// state. An item whose pre-seed write fails is dropped from the run and
// counted as a failure.
func (p *Pipeline) preSeedAssets(ctx context.Context, state *runState) {
	seeded := state.pending[:0]

	for _, item := range state.pending {
		asset := core.AudioAsset{
			ItemID:      item.ID,
			ContentHash: state.hashes[item.ID],
			Status:      core.AssetGenerating,
			LastError:   "",
			UpdatedAt:   time.Now().UTC(),
		}

		prior := state.prior[item.ID]
		if prior != nil {
			asset.FilePath = prior.FilePath
			asset.PublicURL = prior.PublicURL
			asset.Format = prior.Format
			asset.FileSize = prior.FileSize
			asset.DurationSeconds = prior.DurationSeconds
			asset.GeneratedAt = prior.GeneratedAt
		}

		upsertErr := p.store.Upsert(ctx, asset)
		if upsertErr != nil {
			p.log.Error("Failed to pre-seed asset for item %s: %v", item.ID, upsertErr)

			state.failures[item.ID] = fmt.Sprintf("persistence failure: %v", upsertErr)

			continue
		}

		seeded = append(seeded, item)
	}

	state.pending = seeded
}

// submitTasks sends every pending text to the provider. A per-item
// rejection is recorded and skipped; only a whole-call failure that leaves
// zero tasks aborts the run.
func (p *Pipeline) submitTasks(ctx context.Context, state *runState) error {
	reqs := make([]core.TaskRequest, 0, len(state.pending))
	for _, item := range state.pending {
		reqs = append(reqs, core.TaskRequest{
			ItemID: item.ID,
			Text:   p.builder.Text(item),
		})
	}

	if len(reqs) == 0 {
		return ErrNoTasksCreated
	}

	submissions, err := p.provider.CreateTasks(ctx, reqs, state.voice)
	if err != nil {
		for _, item := range state.pending {
			state.failures[item.ID] = fmt.Sprintf("task submission failed: %v", err)
		}

		return fmt.Errorf("%w: %v", ErrNoTasksCreated, err)
	}

	for i, submission := range submissions {
		if submission.Err != nil {
			p.log.Warn("Submission failed for item %s: %v", submission.ItemID, submission.Err)

			state.failures[submission.ItemID] = submission.Err.Error()
		} else {
			state.taskItems[submission.TaskID] = submission.ItemID
		}

		state.controller.Update(
			(i+1)*percentMax/len(submissions), 0, submission.ItemID, "")
	}

	if len(state.taskItems) == 0 {
		return ErrNoTasksCreated
	}

	return nil
}

// waitForTasks polls the provider until every task is terminal or the
// round ceiling is reached. Tasks still running at the ceiling are treated
// as failures.
func (p *Pipeline) waitForTasks(ctx context.Context, state *runState) {
	_ = state.controller.EnterStage(core.StageWaiting)

	outstanding := make([]string, 0, len(state.taskItems))
	for taskID := range state.taskItems {
		outstanding = append(outstanding, taskID)
	}

	sort.Strings(outstanding)

	total := len(outstanding)
	completed := 0
	cancelled := false

	for round := 0; round < p.opts.MaxPollRounds && len(outstanding) > 0; round++ {
		if round > 0 {
			cancelled = p.sleepInterval(ctx)
			if cancelled {
				break
			}
		}

		states, err := p.provider.TaskStatuses(ctx, outstanding)
		if err != nil {
			p.log.Warn("Task status poll failed (round %d): %v", round+1, err)

			continue
		}

		outstanding = p.applyTaskStates(state, states, outstanding)

		completed = total - len(outstanding)
		state.controller.Update(completed*percentMax/total, completed, "",
			fmt.Sprintf("synthesis %d/%d complete", completed, total))
	}

	unfinishedMessage := msgSynthesisTimedOut
	if cancelled {
		unfinishedMessage = msgRunCancelled
	}

	for _, taskID := range outstanding {
		itemID := state.taskItems[taskID]
		state.failures[itemID] = unfinishedMessage
	}
}

// applyTaskStates partitions one poll round into successes and failures,
// returning the task ids still outstanding.
func (p *Pipeline) applyTaskStates(
	state *runState,
	taskStates []core.TaskState,
	outstanding []string,
) []string {
	terminal := make(map[string]struct{}, len(taskStates))

	for _, taskState := range taskStates {
		itemID, known := state.taskItems[taskState.TaskID]
		if !known {
			continue
		}

		switch taskState.Status {
		case core.TaskSuccess:
			if taskState.ResultURL == "" {
				state.failures[itemID] = "provider returned no result url"
			} else {
				state.resultURLs[itemID] = taskState.ResultURL
			}

			terminal[taskState.TaskID] = struct{}{}
		case core.TaskFailure:
			message := taskState.Err
			if message == "" {
				message = "synthesis failed"
			}

			state.failures[itemID] = message
			terminal[taskState.TaskID] = struct{}{}
		case core.TaskPending, core.TaskRunning:
			// Still in flight; poll again next round.
		}
	}

	remaining := outstanding[:0]

	for _, taskID := range outstanding {
		_, done := terminal[taskID]
		if !done {
			remaining = append(remaining, taskID)
		}
	}

	return remaining
}

// sleepInterval waits one poll interval, reporting whether the context was
// cancelled while waiting.
func (p *Pipeline) sleepInterval(ctx context.Context) bool {
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// downloadResults fetches the media for every successful task.
func (p *Pipeline) downloadResults(ctx context.Context, state *runState) {
	_ = state.controller.EnterStage(core.StageDownloading)

	if len(state.resultURLs) == 0 {
		state.controller.Update(percentMax, 0, "", "nothing to download")

		return
	}

	results := p.down.DownloadAll(ctx, state.resultURLs,
		func(done, total int, itemID string) {
			state.controller.Update(done*percentMax/total, done, itemID, "")
		})

	for itemID, result := range results {
		if result.Err != nil {
			state.failures[itemID] = result.Err.Error()

			continue
		}

		state.succeeded[itemID] = result
	}
}

// finalize commits every processed item's outcome to the asset store.
// A persistence failure demotes the item to a failure but never aborts
// the batch.
func (p *Pipeline) finalize(ctx context.Context, state *runState) {
	_ = state.controller.EnterStage(core.StageFinalizing)

	for i, item := range state.pending {
		_, downloaded := state.succeeded[item.ID]
		if downloaded {
			persistErr := p.persistSuccess(ctx, state, item.ID)
			if persistErr != nil {
				p.log.Error("Failed to persist asset for item %s: %v", item.ID, persistErr)

				delete(state.succeeded, item.ID)
				state.failures[item.ID] = fmt.Sprintf("persistence failure: %v", persistErr)
			}
		}

		state.controller.Update(
			(i+1)*percentMax/len(state.pending), len(state.succeeded), item.ID, "")
	}

	p.persistFailures(ctx, state)
}

func (p *Pipeline) persistSuccess(ctx context.Context, state *runState, itemID string) error {
	result := state.succeeded[itemID]
	now := time.Now().UTC()

	asset := core.AudioAsset{
		ItemID:          itemID,
		FilePath:        result.Path,
		PublicURL:       p.publicURL(itemID),
		Format:          "mp3",
		FileSize:        result.FileSize,
		DurationSeconds: result.DurationSeconds,
		ContentHash:     state.hashes[itemID],
		Status:          core.AssetReady,
		LastError:       "",
		GeneratedAt:     now,
		UpdatedAt:       now,
	}

	return p.store.Upsert(ctx, asset)
}

// persistFailures upserts an error record for every failed item.
func (p *Pipeline) persistFailures(ctx context.Context, state *runState) {
	for itemID, message := range state.failures {
		asset := core.AudioAsset{
			ItemID:      itemID,
			ContentHash: state.hashes[itemID],
			Status:      core.AssetError,
			LastError:   message,
			UpdatedAt:   time.Now().UTC(),
		}

		prior := state.prior[itemID]
		if prior != nil {
			asset.FilePath = prior.FilePath
			asset.Format = prior.Format
			asset.FileSize = prior.FileSize
			asset.DurationSeconds = prior.DurationSeconds
			asset.GeneratedAt = prior.GeneratedAt
		}

		upsertErr := p.store.Upsert(ctx, asset)
		if upsertErr != nil {
			p.log.Error("Failed to persist failure for item %s: %v", itemID, upsertErr)
		}
	}
}

// publicURL derives the deterministic serving URL for an item's media.
func (p *Pipeline) publicURL(itemID string) string {
	return p.opts.PublicBaseURL + core.AudioPublicPathPrefix + "/" +
		itemID + "/" + downloader.MediaFilename
}

// summarize builds the BatchRun aggregate for this invocation.
func (p *Pipeline) summarize(state *runState) core.BatchRun {
	itemIDs := make([]string, 0, len(state.failures))
	for itemID := range state.failures {
		itemIDs = append(itemIDs, itemID)
	}

	sort.Strings(itemIDs)

	var errorStrings []string

	for _, itemID := range itemIDs {
		if len(errorStrings) == maxRunErrors {
			break
		}

		errorStrings = append(errorStrings, itemID+": "+state.failures[itemID])
	}

	var downloadedBytes int64
	for _, result := range state.succeeded {
		downloadedBytes += result.FileSize
	}

	return core.BatchRun{
		RunID:           state.runID,
		GroupingID:      state.groupingID,
		Total:           len(state.pending) + countPreSeedFailures(state),
		Succeeded:       len(state.succeeded),
		Failed:          len(state.failures),
		Skipped:         state.skipped,
		DownloadedBytes: downloadedBytes,
		Elapsed:         time.Since(state.startedAt),
		Errors:          errorStrings,
	}
}

// countPreSeedFailures counts items that failed before entering pending
// (pre-seed persistence failures), so Total still covers them.
func countPreSeedFailures(state *runState) int {
	pending := make(map[string]struct{}, len(state.pending))
	for _, item := range state.pending {
		pending[item.ID] = struct{}{}
	}

	count := 0

	for itemID := range state.failures {
		_, inPending := pending[itemID]
		if !inPending {
			count++
		}
	}

	return count
}
