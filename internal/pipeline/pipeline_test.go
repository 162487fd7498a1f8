// Package pipeline_test tests batch orchestration end to end against fake
// provider, store, and sink implementations with a real media server.
package pipeline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhuiye8/narration-service/internal/core"
	"github.com/zhuiye8/narration-service/internal/downloader"
	"github.com/zhuiye8/narration-service/internal/narration"
	"github.com/zhuiye8/narration-service/internal/pipeline"
	"github.com/zhuiye8/narration-service/internal/provider"
)

var errStoreClosed = errors.New("store closed")

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		log.Close()
	})

	return log
}

// validMP3Payload produces a payload that passes signature and size checks.
func validMP3Payload() []byte {
	payload := append([]byte("ID3"), make([]byte, 2000)...)

	return payload
}

/// fakeProvider drives the task lifecycle deterministically: tasks report
// running for the configured number of polls, then resolve.
type fakeProvider struct {
	mu              sync.Mutex
	rejectItems     map[string]string // item id -> submission rejection
	failTasks       map[string]string // item id -> terminal task failure
	resultBase      string
	pollsUntilDone  int
	createCalls     int
	polls           int
	createErr       error
	enterCreate     chan struct{}
	releaseCreate   chan struct{}
	emptyResultURLs bool
}

func (p *fakeProvider) CreateTasks(
	_ context.Context,
	reqs []core.TaskRequest,
	_ core.VoiceConfig,
) ([]core.TaskSubmission, error) {
	p.mu.Lock()
	p.createCalls++
	p.mu.Unlock()

	if p.enterCreate != nil {
		close(p.enterCreate)
		<-p.releaseCreate
	}

	if p.createErr != nil {
		return nil, p.createErr
	}

	submissions := make([]core.TaskSubmission, 0, len(reqs))

	for _, req := range reqs {
		submission := core.TaskSubmission{
			ItemID: req.ItemID,
			TaskID: "task-" + req.ItemID,
			Err:    nil,
		}

		rejection, rejected := p.rejectItems[req.ItemID]
		if rejected {
			submission.TaskID = ""
			submission.Err = errors.New(rejection)
		}

		submissions = append(submissions, submission)
	}

	return submissions, nil
}

func (p *fakeProvider) TaskStatuses(
	_ context.Context,
	taskIDs []string,
) ([]core.TaskState, error) {
	p.mu.Lock()
	p.polls++
	done := p.polls > p.pollsUntilDone
	p.mu.Unlock()

	states := make([]core.TaskState, 0, len(taskIDs))

	for _, taskID := range taskIDs {
		itemID := taskID[len("task-"):]

		state := core.TaskState{
			TaskID:    taskID,
			Status:    core.TaskRunning,
			ResultURL: "",
			Err:       "",
		}

		if done {
			message, failed := p.failTasks[itemID]

			switch {
			case failed:
				state.Status = core.TaskFailure
				state.Err = message
			case p.emptyResultURLs:
				state.Status = core.TaskSuccess
			default:
				state.Status = core.TaskSuccess
				state.ResultURL = p.resultBase + "/media/" + itemID
			}
		}

		states = append(states, state)
	}

	return states, nil
}

func (p *fakeProvider) Enabled() bool {
	return true
}

func (p *fakeProvider) pollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.polls
}

// memoryStore is an in-memory AssetStore.
type memoryStore struct {
	mu         sync.Mutex
	assets     map[string]core.AudioAsset
	failUpsert map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		mu:         sync.Mutex{},
		assets:     make(map[string]core.AudioAsset),
		failUpsert: make(map[string]bool),
	}
}

func (s *memoryStore) Upsert(_ context.Context, asset core.AudioAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpsert[asset.ItemID] {
		return errStoreClosed
	}

	s.assets[asset.ItemID] = asset

	return nil
}

func (s *memoryStore) Get(_ context.Context, itemID string) (*core.AudioAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, found := s.assets[itemID]
	if !found {
		return nil, nil
	}

	copied := asset

	return &copied, nil
}

func (s *memoryStore) Delete(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.assets, itemID)

	return nil
}

func (s *memoryStore) List(_ context.Context) ([]core.AudioAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assets := make([]core.AudioAsset, 0, len(s.assets))
	for _, asset := range s.assets {
		assets = append(assets, asset)
	}

	return assets, nil
}

func (s *memoryStore) mustGet(t *testing.T, itemID string) core.AudioAsset {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	asset, found := s.assets[itemID]
	require.True(t, found, "no asset for item %s", itemID)

	return asset
}

// memorySink records every snapshot and terminal notification.
type memorySink struct {
	mu        sync.Mutex
	snapshots []core.ProgressSnapshot
	completed []core.BatchRun
	failures  []string
}

func (s *memorySink) Publish(snapshot core.ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, snapshot)

	return nil
}

func (s *memorySink) Completed(_ string, run core.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = append(s.completed, run)

	return nil
}

func (s *memorySink) Failed(_ string, _ string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = append(s.failures, message)

	return nil
}

func (s *memorySink) overallHistory() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]int, 0, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		history = append(history, snapshot.OverallPercent)
	}

	return history
}

func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(validMP3Payload())
		}))

	t.Cleanup(server.Close)

	return server
}

func newTestPipeline(
	t *testing.T,
	prov core.Provider,
	store core.AssetStore,
) *pipeline.Pipeline {
	t.Helper()

	log := testLogger(t)

	down := downloader.New(downloader.Options{
		AudioDir:        t.TempDir(),
		Workers:         3,
		Attempts:        2,
		AttemptTimeout:  5 * time.Second,
		BatchPause:      time.Millisecond,
		MinPayloadBytes: 1024,
		AllowedHosts:    nil,
		BackoffBase:     time.Millisecond,
		BackoffCap:      2 * time.Millisecond,
	}, log)

	return pipeline.New(prov, store, down, log, pipeline.Options{
		Voice:         core.VoiceConfig{Voice: "default", Speed: 1.0, Pitch: 0, Volume: 1.0},
		PollInterval:  2 * time.Millisecond,
		MaxPollRounds: 20,
		AudioDir:      t.TempDir(),
		PublicBaseURL: "http://media.local",
	})
}

func testItems(count int) []core.NarrationItem {
	items := make([]core.NarrationItem, 0, count)

	letters := []string{"q1", "q2", "q3", "q4", "q5", "q6"}

	for i := range count {
		items = append(items, core.NarrationItem{
			ID:    letters[i],
			Title: "What is the capital of country " + letters[i] + "?",
			Options: []core.Option{
				{Key: "A", Label: "Paris"},
				{Key: "B", Label: "Rome"},
			},
			Type: core.ItemTypeSingleChoice,
		})
	}

	return items
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	server := newMediaServer(t)
	prov := &fakeProvider{resultBase: server.URL, pollsUntilDone: 2}
	store := newMemoryStore()
	sink := &memorySink{}
	pipe := newTestPipeline(t, prov, store)

	items := testItems(3)

	run, err := pipe.Run(context.Background(), "quiz-1", items, sink, pipeline.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 3, run.Succeeded)
	assert.Equal(t, 0, run.Failed)
	assert.Equal(t, 0, run.Skipped)
	assert.Equal(t, int64(3*len(validMP3Payload())), run.DownloadedBytes)
	assert.Empty(t, run.Errors)
	assert.GreaterOrEqual(t, prov.pollCount(), 3)

	for _, item := range items {
		asset := store.mustGet(t, item.ID)
		assert.Equal(t, core.AssetReady, asset.Status)
		assert.Equal(t, "http://media.local/narration/audio/"+item.ID+"/narration.mp3", asset.PublicURL)
		assert.Equal(t, narration.ContentHash(item), asset.ContentHash)
		assert.Positive(t, asset.FileSize)
		assert.Positive(t, asset.DurationSeconds)
		assert.FileExists(t, asset.FilePath)
	}

	require.Len(t, sink.completed, 1)
	assert.Empty(t, sink.failures)

	history := sink.overallHistory()
	require.NotEmpty(t, history)

	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i], history[i-1], "overall percent regressed at %d", i)
	}

	assert.Equal(t, 100, history[len(history)-1])
}

func TestRunSkipsUpToDateItems(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	store := newMemoryStore()
	sink := &memorySink{}
	pipe := newTestPipeline(t, prov, store)

	items := testItems(2)
	for _, item := range items {
		require.NoError(t, store.Upsert(context.Background(), core.AudioAsset{
			ItemID:      item.ID,
			FilePath:    "/data/" + item.ID + "/narration.mp3",
			Status:      core.AssetReady,
			ContentHash: narration.ContentHash(item),
		}))
	}

	run, err := pipe.Run(context.Background(), "quiz-1", items, sink, pipeline.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, run.Total)
	assert.Equal(t, 2, run.Skipped)
	assert.Equal(t, 0, prov.createCalls)

	require.Len(t, sink.completed, 1)

	history := sink.overallHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, 100, history[len(history)-1])
}

func TestRunForceRegeneratesUpToDateItems(t *testing.T) {
	t.Parallel()

	server := newMediaServer(t)
	prov := &fakeProvider{resultBase: server.URL}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	items := testItems(1)
	require.NoError(t, store.Upsert(context.Background(), core.AudioAsset{
		ItemID:      items[0].ID,
		Status:      core.AssetReady,
		ContentHash: narration.ContentHash(items[0]),
	}))

	run, err := pipe.Run(context.Background(), "quiz-1", items, &memorySink{},
		pipeline.RunOptions{Force: true})
	require.NoError(t, err)

	assert.Equal(t, 1, run.Total)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 0, run.Skipped)
	assert.Equal(t, 1, prov.createCalls)
}

func TestRunRegeneratesOnContentChange(t *testing.T) {
	t.Parallel()

	server := newMediaServer(t)
	prov := &fakeProvider{resultBase: server.URL}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	items := testItems(1)

	stale := items[0]
	stale.Title = "An earlier revision of this question?"
	require.NoError(t, store.Upsert(context.Background(), core.AudioAsset{
		ItemID:      items[0].ID,
		Status:      core.AssetReady,
		ContentHash: narration.ContentHash(stale),
	}))

	run, err := pipe.Run(context.Background(), "quiz-1", items, &memorySink{},
		pipeline.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 0, run.Skipped)

	asset := store.mustGet(t, items[0].ID)
	assert.Equal(t, narration.ContentHash(items[0]), asset.ContentHash)
}

func TestRunIsolatesSubmissionRejection(t *testing.T) {
	t.Parallel()

	server := newMediaServer(t)
	prov := &fakeProvider{
		resultBase:  server.URL,
		rejectItems: map[string]string{"q3": "text too long"},
	}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	items := testItems(5)

	run, err := pipe.Run(context.Background(), "quiz-1", items, &memorySink{},
		pipeline.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 5, run.Total)
	assert.Equal(t, 4, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "q3")
	assert.Contains(t, run.Errors[0], "text too long")

	failed := store.mustGet(t, "q3")
	assert.Equal(t, core.AssetError, failed.Status)
	assert.Equal(t, "text too long", failed.LastError)

	ready := store.mustGet(t, "q1")
	assert.Equal(t, core.AssetReady, ready.Status)
}

func TestRunRecordsTaskFailure(t *testing.T) {
	t.Parallel()

	server := newMediaServer(t)
	prov := &fakeProvider{
		resultBase: server.URL,
		failTasks:  map[string]string{"q2": "voice model unavailable"},
	}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	run, err := pipe.Run(context.Background(), "quiz-1", testItems(3), &memorySink{},
		pipeline.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, run.Succeeded)
	assert.Equal(t, 1, run.Failed)

	failed := store.mustGet(t, "q2")
	assert.Equal(t, core.AssetError, failed.Status)
	assert.Equal(t, "voice model unavailable", failed.LastError)
}

func TestRunFailsWhenNoItems(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	pipe := newTestPipeline(t, &fakeProvider{}, newMemoryStore())

	_, err := pipe.Run(context.Background(), "quiz-1", nil, sink, pipeline.RunOptions{})
	require.ErrorIs(t, err, pipeline.ErrNoItems)

	require.Len(t, sink.failures, 1)
	assert.Empty(t, sink.completed)
}

func TestRunFailsWhenSubmissionCreatesNoTasks(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	prov := &fakeProvider{createErr: errors.New("service unavailable")}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	_, err := pipe.Run(context.Background(), "quiz-1", testItems(2), sink,
		pipeline.RunOptions{})
	require.ErrorIs(t, err, pipeline.ErrNoTasksCreated)

	require.Len(t, sink.failures, 1)
	assert.Empty(t, sink.completed)

	failed := store.mustGet(t, "q1")
	assert.Equal(t, core.AssetError, failed.Status)
	assert.Contains(t, failed.LastError, "service unavailable")
}

func TestRunDegradesWithDisabledProvider(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	store := newMemoryStore()
	pipe := newTestPipeline(t, provider.NewDisabled(), store)

	run, err := pipe.Run(context.Background(), "quiz-1", testItems(2), sink,
		pipeline.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 0, run.Succeeded)
	assert.Equal(t, 2, run.Failed)

	asset := store.mustGet(t, "q1")
	assert.Equal(t, core.AssetError, asset.Status)
	assert.Equal(t, provider.MsgProviderNotConfigured, asset.LastError)

	require.Len(t, sink.completed, 1)
}

func TestRunRecordsEmptyResultURLAsFailure(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{emptyResultURLs: true}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	run, err := pipe.Run(context.Background(), "quiz-1", testItems(1), &memorySink{},
		pipeline.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, run.Failed)

	asset := store.mustGet(t, "q1")
	assert.Equal(t, core.AssetError, asset.Status)
	assert.Contains(t, asset.LastError, "no result url")
}

func TestGenerateOneReportsFlatProgress(t *testing.T) {
	t.Parallel()

	server := newMediaServer(t)
	prov := &fakeProvider{resultBase: server.URL}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	var (
		mu       sync.Mutex
		percents []int
	)

	item := testItems(1)[0]

	asset, err := pipe.GenerateOne(context.Background(), item, func(percent int) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	}, false)
	require.NoError(t, err)
	require.NotNil(t, asset)

	assert.Equal(t, core.AssetReady, asset.Status)

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])

	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
}

func TestGenerateOneJoinsInFlightGeneration(t *testing.T) {
	t.Parallel()

	server := newMediaServer(t)
	prov := &fakeProvider{
		resultBase:    server.URL,
		enterCreate:   make(chan struct{}),
		releaseCreate: make(chan struct{}),
	}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	item := testItems(1)[0]

	firstDone := make(chan error, 1)

	go func() {
		_, err := pipe.GenerateOne(context.Background(), item, func(int) {}, false)
		firstDone <- err
	}()

	<-prov.enterCreate

	secondDone := make(chan *core.AudioAsset, 1)

	go func() {
		asset, err := pipe.GenerateOne(context.Background(), item, func(int) {}, false)
		assert.NoError(t, err)
		secondDone <- asset
	}()

	// Give the second call time to reach the in-flight wait before
	// releasing the first.
	time.Sleep(20 * time.Millisecond)
	close(prov.releaseCreate)

	require.NoError(t, <-firstDone)

	asset := <-secondDone
	require.NotNil(t, asset)
	assert.Equal(t, core.AssetReady, asset.Status)

	assert.Equal(t, 1, prov.createCalls)
}

func TestRunSkipsItemClaimedByAnotherRun(t *testing.T) {
	t.Parallel()

	server := newMediaServer(t)
	prov := &fakeProvider{
		resultBase:    server.URL,
		enterCreate:   make(chan struct{}),
		releaseCreate: make(chan struct{}),
	}
	store := newMemoryStore()
	pipe := newTestPipeline(t, prov, store)

	item := testItems(1)[0]

	firstDone := make(chan error, 1)

	go func() {
		_, err := pipe.Run(context.Background(), "quiz-1",
			[]core.NarrationItem{item}, &memorySink{}, pipeline.RunOptions{})
		firstDone <- err
	}()

	<-prov.enterCreate

	run, err := pipe.Run(context.Background(), "quiz-1",
		[]core.NarrationItem{item}, &memorySink{}, pipeline.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, run.Total)
	assert.Equal(t, 1, run.Skipped)

	close(prov.releaseCreate)
	require.NoError(t, <-firstDone)
}
