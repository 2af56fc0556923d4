package orchestrator

import (
	"context"
	"path/filepath"
)

// FakerDownloader is a no-network Downloader that resolves every reference
// to a fixed path inside dir, without ever actually fetching anything. It
// backs the Faker deployment mode, satisfied trivially since the Faker
// backend reads nothing from disk.
type FakerDownloader struct {
	Dir string
}

// Resolve implements Downloader.
func (d FakerDownloader) Resolve(ctx context.Context, kind ModelKind, ref ModelRef, onProgress ProgressFunc) (string, error) {
	if onProgress != nil {
		onProgress(1, 1)
	}
	return filepath.Join(d.Dir, "faker", string(kind)+".bin"), nil
}
