// main package for the narration operator client. It submits batch,
// single-item, and orphan-cleanup requests over NATS and can watch run
// progress while a request executes.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zhuiye8/narration-service/internal/core"
	"github.com/zhuiye8/narration-service/internal/fileutil"
	"github.com/zhuiye8/narration-service/internal/worker"
)

// Flag names.
const (
	flagNATSURL     = "nats-url"
	flagGrouping    = "grouping"
	flagItems       = "items"
	flagItem        = "item"
	flagCleanupLive = "cleanup-live"
	flagForce       = "force"
	flagWatch       = "watch"
	flagTimeout     = "timeout-minutes"
)

// Flag descriptions.
const (
	flagNATSURLDesc     = "NATS server URL"
	flagGroupingDesc    = "Grouping id for a batch request"
	flagItemsDesc       = "JSON file containing the items of a batch request"
	flagItemDesc        = "JSON file containing a single item to regenerate"
	flagCleanupLiveDesc = "JSON file containing the live item ids for an orphan cleanup"
	flagForceDesc       = "Regenerate even when stored content hashes match"
	flagWatchDesc       = "Print progress snapshots while the request runs"
	flagTimeoutDesc     = "Request timeout in minutes"
)

// Defaults.
const (
	defaultNATSURL        = "nats://127.0.0.1:4222"
	defaultTimeoutMinutes = 30

	batchRequestSubject   = "narration.batch.request"
	itemRequestSubject    = "narration.item.request"
	cleanupRequestSubject = "narration.cleanup.request"
	progressSubjectPrefix = "narration.progress"
)

// Validation errors.
var (
	errNoAction         = errors.New("one of --items, --item, or --cleanup-live must be provided")
	errMultipleActions  = errors.New("--items, --item, and --cleanup-live are mutually exclusive")
	errGroupingRequired = errors.New("--grouping is required with --items")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	natsURL         string
	grouping        string
	itemsFile       string
	itemFile        string
	cleanupLiveFile string
	force           bool
	watch           bool
	timeoutMinutes  int
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	validationErr := validateFlags(flags)
	if validationErr != nil {
		flag.Usage()

		return validationErr
	}

	natsConnection, err := nats.Connect(flags.natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", flags.natsURL, err)
	}

	defer natsConnection.Close()

	switch {
	case flags.itemsFile != "":
		return submitBatch(natsConnection, flags)
	case flags.itemFile != "":
		return submitItem(natsConnection, flags)
	default:
		return submitCleanup(natsConnection, flags)
	}
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.natsURL, flagNATSURL, defaultNATSURL, flagNATSURLDesc)
	flag.StringVar(&flags.grouping, flagGrouping, "", flagGroupingDesc)
	flag.StringVar(&flags.itemsFile, flagItems, "", flagItemsDesc)
	flag.StringVar(&flags.itemFile, flagItem, "", flagItemDesc)
	flag.StringVar(&flags.cleanupLiveFile, flagCleanupLive, "", flagCleanupLiveDesc)
	flag.BoolVar(&flags.force, flagForce, false, flagForceDesc)
	flag.BoolVar(&flags.watch, flagWatch, false, flagWatchDesc)
	flag.IntVar(&flags.timeoutMinutes, flagTimeout, defaultTimeoutMinutes, flagTimeoutDesc)
	flag.Parse()

	return flags
}

func validateFlags(flags appFlags) error {
	actions := 0
	for _, file := range []string{flags.itemsFile, flags.itemFile, flags.cleanupLiveFile} {
		if file != "" {
			actions++
		}
	}

	if actions == 0 {
		return errNoAction
	}

	if actions > 1 {
		return errMultipleActions
	}

	if flags.itemsFile != "" && flags.grouping == "" {
		return errGroupingRequired
	}

	return nil
}

func requestTimeout(flags appFlags) time.Duration {
	return time.Duration(flags.timeoutMinutes) * time.Minute
}

// watchProgress prints every snapshot published for the grouping until the
// returned stop function runs.
func watchProgress(natsConnection *nats.Conn, groupingID string) (func(), error) {
	subject := progressSubjectPrefix + "." + groupingID

	sub, err := natsConnection.Subscribe(subject, func(msg *nats.Msg) {
		var snapshot core.ProgressSnapshot

		unmarshalErr := json.Unmarshal(msg.Data, &snapshot)
		if unmarshalErr != nil {
			return
		}

		fmt.Printf("[%s] %3d%% (stage %s %d%%, %d/%d done) %s\n",
			snapshot.GroupingID, snapshot.OverallPercent, snapshot.Stage,
			snapshot.StagePercent, snapshot.Done, snapshot.Total, snapshot.Message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return func() {
		_ = sub.Unsubscribe()
	}, nil
}

func submitBatch(natsConnection *nats.Conn, flags appFlags) error {
	items, err := readItems(flags.itemsFile)
	if err != nil {
		return err
	}

	if flags.watch {
		stop, watchErr := watchProgress(natsConnection, flags.grouping)
		if watchErr != nil {
			return watchErr
		}

		defer stop()
	}

	requestData, err := json.Marshal(worker.BatchRequest{
		GroupingID: flags.grouping,
		Items:      items,
		Force:      flags.force,
		Voice:      nil,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal batch request: %w", err)
	}

	replyMsg, err := natsConnection.Request(batchRequestSubject, requestData, requestTimeout(flags))
	if err != nil {
		return fmt.Errorf("batch request failed: %w", err)
	}

	var reply worker.BatchReply

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return fmt.Errorf("failed to unmarshal batch reply: %w", err)
	}

	printBatchReply(reply)

	if !reply.OK {
		return errors.New(reply.Error)
	}

	return nil
}

func submitItem(natsConnection *nats.Conn, flags appFlags) error {
	item, err := readItem(flags.itemFile)
	if err != nil {
		return err
	}

	requestData, err := json.Marshal(worker.ItemRequest{
		Item:  item,
		Force: flags.force,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal item request: %w", err)
	}

	replyMsg, err := natsConnection.Request(itemRequestSubject, requestData, requestTimeout(flags))
	if err != nil {
		return fmt.Errorf("item request failed: %w", err)
	}

	var reply worker.ItemReply

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return fmt.Errorf("failed to unmarshal item reply: %w", err)
	}

	if !reply.OK {
		fmt.Printf("Generation failed: %s\n", reply.Error)

		return errors.New(reply.Error)
	}

	fmt.Printf("Generated: %s\n", reply.Asset.PublicURL)

	return nil
}

func submitCleanup(natsConnection *nats.Conn, flags appFlags) error {
	liveItemIDs, err := readLiveItemIDs(flags.cleanupLiveFile)
	if err != nil {
		return err
	}

	requestData, err := json.Marshal(worker.CleanupRequest{LiveItemIDs: liveItemIDs})
	if err != nil {
		return fmt.Errorf("failed to marshal cleanup request: %w", err)
	}

	replyMsg, err := natsConnection.Request(cleanupRequestSubject, requestData, requestTimeout(flags))
	if err != nil {
		return fmt.Errorf("cleanup request failed: %w", err)
	}

	var reply worker.CleanupReply

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return fmt.Errorf("failed to unmarshal cleanup reply: %w", err)
	}

	if !reply.OK {
		return errors.New(reply.Error)
	}

	fmt.Printf("Cleanup removed %d assets and %d media dirs\n",
		len(reply.RemovedAssets), len(reply.RemovedDirs))

	for _, message := range reply.Errors {
		fmt.Printf("  error: %s\n", message)
	}

	return nil
}

func printBatchReply(reply worker.BatchReply) {
	if reply.Run == nil {
		fmt.Printf("No run summary returned (error: %s)\n", reply.Error)

		return
	}

	run := reply.Run

	fmt.Printf("Run %s: %d total, %d succeeded (%s), %d failed, %d skipped (%.1fs)\n",
		run.RunID, run.Total, run.Succeeded,
		fileutil.FormatFileSize(run.DownloadedBytes),
		run.Failed, run.Skipped, run.Elapsed.Seconds())

	for _, message := range run.Errors {
		fmt.Printf("  error: %s\n", message)
	}
}

func readItems(path string) ([]core.NarrationItem, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read items file %s: %w", path, err)
	}

	var items []core.NarrationItem

	err = json.Unmarshal(data, &items)
	if err != nil {
		return nil, fmt.Errorf("failed to parse items file %s: %w", path, err)
	}

	return items, nil
}

func readLiveItemIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read live item ids file %s: %w", path, err)
	}

	var liveItemIDs []string

	err = json.Unmarshal(data, &liveItemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse live item ids file %s: %w", path, err)
	}

	return liveItemIDs, nil
}

func readItem(path string) (core.NarrationItem, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return core.NarrationItem{}, fmt.Errorf("failed to read item file %s: %w", path, err)
	}

	var item core.NarrationItem

	err = json.Unmarshal(data, &item)
	if err != nil {
		return core.NarrationItem{}, fmt.Errorf("failed to parse item file %s: %w", path, err)
	}

	return item, nil
}
