package orchestrator

import "context"

// ProgressFunc reports download progress as bytes arrive; total is 0 if
// unknown. Implementations call it from whatever goroutine is writing the
// file, so callers (status.Board) must be safe for concurrent use, which
// status.Board is.
type ProgressFunc func(receivedBytes, totalBytes int64)

// Downloader is the external model repository collaborator: resolving a
// (kind, name, repo, dir) reference to an on-disk path, fetching it first
// if absent. The core treats on-disk layout as entirely the downloader's
// concern.
type Downloader interface {
	Resolve(ctx context.Context, kind ModelKind, ref ModelRef, onProgress ProgressFunc) (path string, err error)
}
