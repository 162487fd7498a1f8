package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhuiye8/narration-service/internal/fileutil"
)

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "audio")

	require.NoError(t, fileutil.EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Second call on an existing directory is a no-op.
	require.NoError(t, fileutil.EnsureDir(dir))
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "item_1_a", fileutil.SanitizeFilename("item/1:a"))
	assert.Equal(t, "plain-id", fileutil.SanitizeFilename("plain-id"))
}

func TestEstimateMP3Duration(t *testing.T) {
	t.Parallel()

	assert.InEpsilon(t, 2.0, fileutil.EstimateMP3Duration(32000), 0.001)
	assert.Zero(t, fileutil.EstimateMP3Duration(0))
	assert.Zero(t, fileutil.EstimateMP3Duration(-5))
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "45.2s", fileutil.FormatDuration(45.2))
	assert.Equal(t, "5m 30.5s", fileutil.FormatDuration(330.5))
	assert.Equal(t, "1h 15m", fileutil.FormatDuration(4500))
}

func TestFormatFileSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", fileutil.FormatFileSize(512))
	assert.Equal(t, "1.5 KB", fileutil.FormatFileSize(1536))
	assert.Equal(t, "2.0 MB", fileutil.FormatFileSize(2*1024*1024))
}

func TestItemAudioPath(t *testing.T) {
	t.Parallel()

	path := fileutil.ItemAudioPath("/data/audio", "item/1", "narration.mp3")
	assert.Equal(t, filepath.Join("/data/audio", "item_1", "narration.mp3"), path)
}
