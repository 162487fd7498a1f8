// Package downloader fetches, validates, and stores provider result media
// with bounded concurrency and per-item retry.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/zhuiye8/narration-service/internal/fileutil"
)

// MediaFilename is the fixed per-item media filename. Together with the
// item id it forms the deterministic storage and serving path.
const MediaFilename = "narration.mp3"

// partialSuffix marks files still being written; partials are deleted
// before every retry and never served.
const partialSuffix = ".part"

// Attempt budget for authorization-expired results. Retrying an expired
// link cannot change the outcome, so it is not worth the full budget.
const authExpiredAttempts = 2

// Validation errors.
var (
	ErrHostNotAllowed       = errors.New("result url host not in allow-list")
	ErrPayloadTooSmall      = errors.New("payload smaller than minimum size")
	ErrBadSignature         = errors.New("payload does not look like mp3 audio")
	ErrAuthorizationExpired = errors.New("result url authorization expired")
)

// Options tunes one Downloader instance.
type Options struct {
	AudioDir        string
	Workers         int
	Attempts        int
	AttemptTimeout  time.Duration
	BatchPause      time.Duration
	MinPayloadBytes int64
	AllowedHosts    []string
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

// Result is the per-item outcome of a download.
type Result struct {
	ItemID          string
	Path            string
	FileSize        int64
	DurationSeconds float64
	Attempts        int
	Err             error
}

// Downloader fetches result media for successful provider tasks.
type Downloader struct {
	httpClient *http.Client
	opts       Options
	log        *logger.Logger
}

// New creates a Downloader. Zero option values fall back to safe minimums
// so a partially filled Options cannot divide by zero or spin without
// backoff.
func New(opts Options, log *logger.Logger) *Downloader {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}

	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 8 * time.Second
	}

	return &Downloader{
		httpClient: &http.Client{Timeout: opts.AttemptTimeout},
		opts:       opts,
		log:        log,
	}
}

// DownloadAll fetches every item's media, processing items in sequential
// batches of the configured width with a short pause between batches.
// One item's failure never aborts the others. onCompleted is invoked once
// per finished item (success or failure) with the running completion count.
func (d *Downloader) DownloadAll(
	ctx context.Context,
	resultURLs map[string]string,
	onCompleted func(done, total int, itemID string),
) map[string]Result {
	itemIDs := make([]string, 0, len(resultURLs))
	for itemID := range resultURLs {
		itemIDs = append(itemIDs, itemID)
	}

	sort.Strings(itemIDs)

	total := len(itemIDs)
	results := make(map[string]Result, total)

	var (
		mutex sync.Mutex
		done  int
	)

	for batchStart := 0; batchStart < total; batchStart += d.opts.Workers {
		batchEnd := batchStart + d.opts.Workers
		if batchEnd > total {
			batchEnd = total
		}

		var waitGroup sync.WaitGroup

		for _, itemID := range itemIDs[batchStart:batchEnd] {
			waitGroup.Add(1)

			go func(itemID string) {
				defer waitGroup.Done()

				result := d.downloadWithRetry(ctx, itemID, resultURLs[itemID])

				mutex.Lock()
				results[itemID] = result
				done++
				completed := done
				mutex.Unlock()

				if onCompleted != nil {
					onCompleted(completed, total, itemID)
				}
			}(itemID)
		}

		waitGroup.Wait()

		if batchEnd < total && d.opts.BatchPause > 0 {
			time.Sleep(d.opts.BatchPause)
		}
	}

	return results
}

// downloadWithRetry runs the bounded retry loop for one item, doubling the
// backoff after each failure up to the cap. Authorization-expired results
// get a reduced attempt budget. Any partial file is removed before a retry
// and after a final failure.
func (d *Downloader) downloadWithRetry(ctx context.Context, itemID, resultURL string) Result {
	finalPath := fileutil.ItemAudioPath(d.opts.AudioDir, itemID, MediaFilename)
	partPath := finalPath + partialSuffix

	maxAttempts := d.opts.Attempts
	backoff := d.opts.BackoffBase

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		size, err := d.downloadOnce(ctx, resultURL, partPath, finalPath)
		if err == nil {
			return Result{
				ItemID:          itemID,
				Path:            finalPath,
				FileSize:        size,
				DurationSeconds: fileutil.EstimateMP3Duration(size),
				Attempts:        attempt,
				Err:             nil,
			}
		}

		lastErr = err

		removeErr := os.Remove(partPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			d.log.Warn("Failed to remove partial file %s: %v", partPath, removeErr)
		}

		if errors.Is(err, ErrAuthorizationExpired) && maxAttempts > authExpiredAttempts {
			maxAttempts = authExpiredAttempts
			if attempt > maxAttempts {
				maxAttempts = attempt
			}
		}

		d.log.Warn("Download attempt %d/%d for item %s failed: %v",
			attempt, maxAttempts, itemID, err)

		if attempt < maxAttempts {
			time.Sleep(backoff)

			backoff *= 2
			if backoff > d.opts.BackoffCap {
				backoff = d.opts.BackoffCap
			}
		}
	}

	return Result{
		ItemID:   itemID,
		Path:     "",
		FileSize: 0,
		Attempts: maxAttempts,
		Err: fmt.Errorf("download failed after %d attempts: %w",
			maxAttempts, lastErr),
	}
}

// downloadOnce performs a single validated fetch: allow-list check, HTTP
// GET streamed to the partial path, size and signature validation, then an
// atomic rename into place.
func (d *Downloader) downloadOnce(
	ctx context.Context,
	resultURL, partPath, finalPath string,
) (int64, error) {
	allowErr := d.checkHostAllowed(resultURL)
	if allowErr != nil {
		return 0, allowErr
	}

	dirErr := fileutil.EnsureDir(filepath.Dir(finalPath))
	if dirErr != nil {
		return 0, dirErr
	}

	size, err := d.fetchToFile(ctx, resultURL, partPath)
	if err != nil {
		return 0, err
	}

	validateErr := d.validateFile(partPath, size)
	if validateErr != nil {
		return 0, validateErr
	}

	renameErr := os.Rename(partPath, finalPath)
	if renameErr != nil {
		return 0, fmt.Errorf("failed to move media into place: %w", renameErr)
	}

	return size, nil
}

// fetchToFile streams the response body to disk and returns the byte
// count. Access-denied statuses map to ErrAuthorizationExpired.
func (d *Downloader) fetchToFile(ctx context.Context, resultURL, partPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, fmt.Errorf("%w: status %s", ErrAuthorizationExpired, resp.Status)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download returned status %s", resp.Status)
	}

	file, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create partial file: %w", err)
	}

	size, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()

	if copyErr != nil {
		return 0, fmt.Errorf("failed to stream media to disk: %w", copyErr)
	}

	if closeErr != nil {
		return 0, fmt.Errorf("failed to close partial file: %w", closeErr)
	}

	return size, nil
}

// validateFile rejects near-empty payloads and payloads whose header is
// not an MP3 container signature. Provider error pages served with a
// success status fail the signature check.
func (d *Downloader) validateFile(path string, size int64) error {
	if size < d.opts.MinPayloadBytes {
		return fmt.Errorf("%w: %d bytes (minimum %d)",
			ErrPayloadTooSmall, size, d.opts.MinPayloadBytes)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open downloaded file: %w", err)
	}
	defer file.Close()

	header := make([]byte, 3)

	_, readErr := io.ReadFull(file, header)
	if readErr != nil {
		return fmt.Errorf("failed to read media header: %w", readErr)
	}

	if !isMP3Header(header) {
		return fmt.Errorf("%w: header % X", ErrBadSignature, header)
	}

	return nil
}

// isMP3Header accepts an ID3 tag or a raw MPEG frame sync.
func isMP3Header(header []byte) bool {
	if len(header) < 3 {
		return false
	}

	if header[0] == 'I' && header[1] == 'D' && header[2] == '3' {
		return true
	}

	return header[0] == 0xFF && header[1]&0xE0 == 0xE0
}

// checkHostAllowed rejects result URLs whose host is not on the allow-list.
// An empty allow-list permits any host.
func (d *Downloader) checkHostAllowed(resultURL string) error {
	if len(d.opts.AllowedHosts) == 0 {
		return nil
	}

	parsed, err := url.Parse(resultURL)
	if err != nil {
		return fmt.Errorf("invalid result url: %w", err)
	}

	for _, host := range d.opts.AllowedHosts {
		if parsed.Host == host || parsed.Hostname() == host {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrHostNotAllowed, parsed.Host)
}
