// Package worker provides the NATS worker that serves narration requests:
// batch runs keyed by grouping id, single-item regeneration, and explicit
// orphan cleanup.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/zhuiye8/narration-service/internal/assetstore"
	"github.com/zhuiye8/narration-service/internal/core"
	"github.com/zhuiye8/narration-service/internal/pipeline"
	"github.com/zhuiye8/narration-service/internal/progress"
)

// handleTimeout bounds one generation request end to end: submission,
// polling, download, and persistence. It must exceed the longest poll
// window the pipeline is configured with.
const handleTimeout = 30 * time.Minute

// cleanupTimeout bounds one orphan cleanup pass.
const cleanupTimeout = 5 * time.Minute

var (
	// ErrGroupingIDRequired indicates a batch request without a grouping id.
	ErrGroupingIDRequired = errors.New("grouping id cannot be empty")
	// ErrItemIDRequired indicates an item request without an item id.
	ErrItemIDRequired = errors.New("item id cannot be empty")
	// ErrNoItemsResolved indicates a batch request with no inline items and
	// no content source to resolve them from.
	ErrNoItemsResolved = errors.New("no items in request and no content source configured")
)

// Runner executes generation runs. Satisfied by pipeline.Pipeline.
type Runner interface {
	Run(
		ctx context.Context,
		groupingID string,
		items []core.NarrationItem,
		sink core.ProgressSink,
		opts pipeline.RunOptions,
	) (core.BatchRun, error)
	GenerateOne(
		ctx context.Context,
		item core.NarrationItem,
		onPercent func(percent int),
		force bool,
	) (*core.AudioAsset, error)
}

// Cleaner removes orphaned assets. Satisfied by assetstore.Store.
type Cleaner interface {
	CleanupOrphans(
		ctx context.Context,
		liveItemIDs []string,
		audioDir string,
	) (*assetstore.CleanupReport, error)
}

// Subjects names the NATS subjects the worker listens and publishes on.
type Subjects struct {
	BatchRequest   string
	ItemRequest    string
	CleanupRequest string
	ProgressPrefix string
	ResultPrefix   string
}

// BatchRequest asks for generation of every item in a grouping. When Items
// is empty the worker resolves them through its content source.
type BatchRequest struct {
	GroupingID string               `json:"grouping_id"`
	Items      []core.NarrationItem `json:"items,omitempty"`
	Force      bool                 `json:"force"`
	Voice      *core.VoiceConfig    `json:"voice,omitempty"`
}

// ItemRequest asks for regeneration of a single item.
type ItemRequest struct {
	Item  core.NarrationItem `json:"item"`
	Force bool               `json:"force"`
}

// CleanupRequest asks for removal of assets whose item no longer exists.
type CleanupRequest struct {
	LiveItemIDs []string `json:"live_item_ids"`
}

// BatchReply is the request/reply response for a batch request.
type BatchReply struct {
	OK    bool           `json:"ok"`
	Run   *core.BatchRun `json:"run,omitempty"`
	Error string         `json:"error,omitempty"`
}

// ItemReply is the request/reply response for an item request.
type ItemReply struct {
	OK    bool             `json:"ok"`
	Asset *core.AudioAsset `json:"asset,omitempty"`
	Error string           `json:"error,omitempty"`
}

// CleanupReply is the request/reply response for a cleanup request.
type CleanupReply struct {
	OK            bool     `json:"ok"`
	RemovedAssets []string `json:"removed_assets,omitempty"`
	RemovedDirs   []string `json:"removed_dirs,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// itemProgress is the lightweight progress message published while a
// single-item request runs.
type itemProgress struct {
	ItemID  string `json:"item_id"`
	Percent int    `json:"percent"`
}

// NatsWorker listens for narration requests and runs them through the
// pipeline. Progress for batch runs is streamed on per-grouping subjects
// while the run executes.
type NatsWorker struct {
	natsConnection *nats.Conn
	subjects       Subjects
	audioDir       string
	runner         Runner
	source         core.ContentSource
	cleaner        Cleaner
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. source may be nil
// when every batch request carries its items inline.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subjects Subjects,
	audioDir string,
	runner Runner,
	source core.ContentSource,
	cleaner Cleaner,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subjects:       subjects,
		audioDir:       audioDir,
		runner:         runner,
		source:         source,
		cleaner:        cleaner,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages. It blocks until
// the context is cancelled, then drains every subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	subscriptions := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{w.subjects.BatchRequest, dispatch(w.handleBatchMessage)},
		{w.subjects.ItemRequest, dispatch(w.handleItemMessage)},
		{w.subjects.CleanupRequest, dispatch(w.handleCleanupMessage)},
	}

	active := make([]*nats.Subscription, 0, len(subscriptions))

	for _, subscription := range subscriptions {
		sub, err := w.natsConnection.Subscribe(subscription.subject, subscription.handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to subject %s: %w", subscription.subject, err)
		}

		active = append(active, sub)
	}

	<-ctx.Done()

	for _, sub := range active {
		drainErr := sub.Drain()
		if drainErr != nil {
			return fmt.Errorf("failed to drain subscription %s: %w", sub.Subject, drainErr)
		}
	}

	return nil
}

// dispatch runs the handler on its own goroutine. NATS delivers messages to
// a subscription's callback serially, and a batch handler blocks for the
// length of the run; without this, every request on a subject queues behind
// the one currently executing. Each handler bounds itself with its own
// timeout context.
func dispatch(handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		go handler(msg)
	}
}

func (w *NatsWorker) handleBatchMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	request, err := w.parseBatchRequest(msg)
	if err != nil {
		w.log.Error("Failed to parse batch request: %v", err)
		w.respond(msg, BatchReply{OK: false, Run: nil, Error: err.Error()})

		return
	}

	items, err := w.resolveItems(ctx, request)
	if err != nil {
		w.log.Error("Failed to resolve items for grouping %s: %v", request.GroupingID, err)
		w.respond(msg, BatchReply{OK: false, Run: nil, Error: err.Error()})

		return
	}

	sink := progress.NewNATSSink(w.natsConnection, w.subjects.ProgressPrefix, w.subjects.ResultPrefix)

	run, runErr := w.runner.Run(ctx, request.GroupingID, items, sink,
		pipeline.RunOptions{Force: request.Force, Voice: request.Voice})
	if runErr != nil {
		w.log.Error("Batch run failed for grouping %s: %v", request.GroupingID, runErr)
		w.respond(msg, BatchReply{OK: false, Run: &run, Error: runErr.Error()})

		return
	}

	w.respond(msg, BatchReply{OK: true, Run: &run, Error: ""})
}

// resolveItems returns the request's inline items, or fetches the grouping
// from the content source when the request carries none.
func (w *NatsWorker) resolveItems(
	ctx context.Context,
	request *BatchRequest,
) ([]core.NarrationItem, error) {
	if len(request.Items) > 0 {
		return request.Items, nil
	}

	if w.source == nil {
		return nil, ErrNoItemsResolved
	}

	items, err := w.source.ItemsForGrouping(ctx, request.GroupingID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch items for grouping %s: %w", request.GroupingID, err)
	}

	return items, nil
}

func (w *NatsWorker) handleItemMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	request, err := w.parseItemRequest(msg)
	if err != nil {
		w.log.Error("Failed to parse item request: %v", err)
		w.respond(msg, ItemReply{OK: false, Asset: nil, Error: err.Error()})

		return
	}

	asset, genErr := w.runner.GenerateOne(ctx, request.Item,
		w.itemProgressPublisher(request.Item.ID), request.Force)
	if genErr != nil {
		w.log.Error("Item generation failed for %s: %v", request.Item.ID, genErr)
		w.respond(msg, ItemReply{OK: false, Asset: asset, Error: genErr.Error()})

		return
	}

	w.respond(msg, ItemReply{OK: true, Asset: asset, Error: ""})
}

func (w *NatsWorker) handleCleanupMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var request CleanupRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		w.log.Error("Failed to parse cleanup request: %v", err)
		w.respond(msg, CleanupReply{OK: false, Error: err.Error()})

		return
	}

	report, cleanupErr := w.cleaner.CleanupOrphans(ctx, request.LiveItemIDs, w.audioDir)
	if cleanupErr != nil {
		w.log.Error("Orphan cleanup failed: %v", cleanupErr)
		w.respond(msg, CleanupReply{OK: false, Error: cleanupErr.Error()})

		return
	}

	w.log.Info("Orphan cleanup removed %d assets, %d media dirs (%d errors)",
		len(report.RemovedAssets), len(report.RemovedDirs), len(report.Errors))

	w.respond(msg, CleanupReply{
		OK:            true,
		RemovedAssets: report.RemovedAssets,
		RemovedDirs:   report.RemovedDirs,
		Errors:        report.Errors,
		Error:         "",
	})
}

// itemProgressPublisher streams flat percentages for one item on
// <progressPrefix>.item.<itemID>.
func (w *NatsWorker) itemProgressPublisher(itemID string) func(percent int) {
	subject := w.subjects.ProgressPrefix + ".item." + itemID

	return func(percent int) {
		data, err := json.Marshal(itemProgress{ItemID: itemID, Percent: percent})
		if err != nil {
			return
		}

		publishErr := w.natsConnection.Publish(subject, data)
		if publishErr != nil {
			w.log.Warn("Failed to publish item progress for %s: %v", itemID, publishErr)
		}
	}
}

func (w *NatsWorker) parseBatchRequest(msg *nats.Msg) (*BatchRequest, error) {
	var request BatchRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch request: %w", err)
	}

	if request.GroupingID == "" {
		return nil, ErrGroupingIDRequired
	}

	return &request, nil
}

func (w *NatsWorker) parseItemRequest(msg *nats.Msg) (*ItemRequest, error) {
	var request ItemRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal item request: %w", err)
	}

	if request.Item.ID == "" {
		return nil, ErrItemIDRequired
	}

	return &request, nil
}

// respond marshals and sends a reply when the message carries a reply
// subject. Fire-and-forget requests get their outcome from the progress
// and result subjects instead.
func (w *NatsWorker) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal reply: %v", err)

		return
	}

	respondErr := msg.Respond(data)
	if respondErr != nil {
		w.log.Error("Failed to respond on %s: %v", msg.Subject, respondErr)
	}
}
