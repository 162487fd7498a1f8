// Package downloader_test tests media download, validation, and retry.
package downloader_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhuiye8/narration-service/internal/downloader"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "downloader-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

// validMP3Payload is a fake MP3 body: ID3 tag followed by filler to clear
// the minimum size check.
func validMP3Payload() []byte {
	return append([]byte("ID3"), bytes.Repeat([]byte{0x01}, 2000)...)
}

func serverHost(t *testing.T, rawURL string) string {
	t.Helper()

	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)

	return parsed.Host
}

func testOptions(t *testing.T, serverURL string) downloader.Options {
	t.Helper()

	return downloader.Options{
		AudioDir:        t.TempDir(),
		Workers:         3,
		Attempts:        3,
		AttemptTimeout:  5 * time.Second,
		BatchPause:      time.Millisecond,
		MinPayloadBytes: 1024,
		AllowedHosts:    []string{serverHost(t, serverURL)},
		BackoffBase:     time.Millisecond,
		BackoffCap:      4 * time.Millisecond,
	}
}

func TestDownloader_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, _ *http.Request) {
			_, _ = writer.Write(validMP3Payload())
		}))
	defer server.Close()

	opts := testOptions(t, server.URL)
	down := downloader.New(opts, testLogger(t))

	results := down.DownloadAll(context.Background(),
		map[string]string{"item-1": server.URL + "/a.mp3"}, nil)

	result := results["item-1"]
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(2003), result.FileSize)
	assert.InEpsilon(t, 2003.0/16000, result.DurationSeconds, 0.001)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, validMP3Payload(), data)
}

func TestDownloader_RejectsHTMLBodyAtHTTP200(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	htmlBody := append(
		[]byte("<!DOCTYPE html><html><body>error</body></html>"),
		bytes.Repeat([]byte{' '}, 2000)...,
	)

	server := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			_, _ = writer.Write(htmlBody)
		}))
	defer server.Close()

	opts := testOptions(t, server.URL)
	down := downloader.New(opts, testLogger(t))

	results := down.DownloadAll(context.Background(),
		map[string]string{"item-1": server.URL + "/a.mp3"}, nil)

	result := results["item-1"]
	require.Error(t, result.Err)
	require.ErrorIs(t, result.Err, downloader.ErrBadSignature)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(3), requests.Load(), "retry budget must bound network calls")

	// No partial or final file may survive a terminal failure.
	entries, err := os.ReadDir(opts.AudioDir)
	require.NoError(t, err)
	for _, entry := range entries {
		files, readErr := os.ReadDir(opts.AudioDir + "/" + entry.Name())
		require.NoError(t, readErr)
		assert.Empty(t, files)
	}
}

func TestDownloader_RejectsSmallPayload(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, _ *http.Request) {
			_, _ = writer.Write([]byte("ID3tiny"))
		}))
	defer server.Close()

	down := downloader.New(testOptions(t, server.URL), testLogger(t))

	results := down.DownloadAll(context.Background(),
		map[string]string{"item-1": server.URL + "/a.mp3"}, nil)

	require.ErrorIs(t, results["item-1"].Err, downloader.ErrPayloadTooSmall)
}

func TestDownloader_AuthorizationExpiredFailsFast(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			writer.WriteHeader(http.StatusForbidden)
		}))
	defer server.Close()

	down := downloader.New(testOptions(t, server.URL), testLogger(t))

	results := down.DownloadAll(context.Background(),
		map[string]string{"item-1": server.URL + "/a.mp3"}, nil)

	result := results["item-1"]
	require.ErrorIs(t, result.Err, downloader.ErrAuthorizationExpired)
	assert.Equal(t, 2, result.Attempts, "expired links get a reduced budget")
	assert.Equal(t, int32(2), requests.Load())
}

func TestDownloader_HostAllowListBlocksWithoutNetworkCall(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			_, _ = writer.Write(validMP3Payload())
		}))
	defer server.Close()

	opts := testOptions(t, server.URL)
	opts.AllowedHosts = []string{"cdn.example.com"}
	down := downloader.New(opts, testLogger(t))

	results := down.DownloadAll(context.Background(),
		map[string]string{"item-1": server.URL + "/a.mp3"}, nil)

	require.ErrorIs(t, results["item-1"].Err, downloader.ErrHostNotAllowed)
	assert.Equal(t, int32(0), requests.Load())
}

func TestDownloader_RecoversOnRetry(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, _ *http.Request) {
			if requests.Add(1) == 1 {
				writer.WriteHeader(http.StatusInternalServerError)

				return
			}

			_, _ = writer.Write(validMP3Payload())
		}))
	defer server.Close()

	down := downloader.New(testOptions(t, server.URL), testLogger(t))

	results := down.DownloadAll(context.Background(),
		map[string]string{"item-1": server.URL + "/a.mp3"}, nil)

	result := results["item-1"]
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Attempts)
}

func TestDownloader_ConcurrencyBound(t *testing.T) {
	t.Parallel()

	var (
		mutex    sync.Mutex
		inflight int
		peak     int
	)

	server := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, _ *http.Request) {
			mutex.Lock()
			inflight++
			if inflight > peak {
				peak = inflight
			}
			mutex.Unlock()

			time.Sleep(20 * time.Millisecond)

			mutex.Lock()
			inflight--
			mutex.Unlock()

			_, _ = writer.Write(validMP3Payload())
		}))
	defer server.Close()

	down := downloader.New(testOptions(t, server.URL), testLogger(t))

	resultURLs := make(map[string]string, 10)
	for i := 0; i < 10; i++ {
		resultURLs[fmt.Sprintf("item-%02d", i)] = server.URL + "/a.mp3"
	}

	var completions atomic.Int32

	results := down.DownloadAll(context.Background(), resultURLs,
		func(done, total int, _ string) {
			completions.Add(1)
			assert.Equal(t, 10, total)
			assert.LessOrEqual(t, done, total)
		})

	require.Len(t, results, 10)
	for _, result := range results {
		require.NoError(t, result.Err)
	}

	assert.Equal(t, int32(10), completions.Load())

	mutex.Lock()
	observedPeak := peak
	mutex.Unlock()
	assert.LessOrEqual(t, observedPeak, 3, "no more than worker-width downloads in flight")
}
