package assetstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// CleanupReport summarizes one orphan cleanup pass.
type CleanupReport struct {
	RemovedAssets []string
	RemovedDirs   []string
	Errors        []string
}

// CleanupOrphans removes asset records whose NarrationItem no longer
// exists, along with their media directories under audioDir. This is the
// only code path that removes an AudioAsset; the pipeline itself only ever
// upserts. Per-item failures are collected into the report rather than
// aborting the pass.
func (s *Store) CleanupOrphans(
	ctx context.Context,
	liveItemIDs []string,
	audioDir string,
) (*CleanupReport, error) {
	assets, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets for cleanup: %w", err)
	}

	live := make(map[string]struct{}, len(liveItemIDs))
	for _, itemID := range liveItemIDs {
		live[itemID] = struct{}{}
	}

	report := &CleanupReport{
		RemovedAssets: nil,
		RemovedDirs:   nil,
		Errors:        nil,
	}

	for _, asset := range assets {
		_, alive := live[asset.ItemID]
		if alive {
			continue
		}

		deleteErr := s.Delete(ctx, asset.ItemID)
		if deleteErr != nil {
			report.Errors = append(report.Errors, deleteErr.Error())

			continue
		}

		report.RemovedAssets = append(report.RemovedAssets, asset.ItemID)

		mediaDir := filepath.Join(audioDir, asset.ItemID)

		removeErr := os.RemoveAll(mediaDir)
		if removeErr != nil {
			report.Errors = append(report.Errors, fmt.Sprintf(
				"failed to remove media dir %s: %v", mediaDir, removeErr))

			continue
		}

		report.RemovedDirs = append(report.RemovedDirs, mediaDir)
	}

	return report, nil
}
