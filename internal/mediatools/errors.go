package mediatools

import (
	"fmt"

	"github.com/bobarin/storyreel/internal/models"
)

// UploadError means the store did not accept an upload. Status is 0 when no
// HTTP response was received.
type UploadError struct {
	Status  int
	Message string
	Err     error
}

func (e *UploadError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upload failed: %s", e.Message)
	}
	return fmt.Sprintf("upload failed with status %d: %s", e.Status, e.Message)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError means an asset (or an external source URL) could not be fetched.
type DownloadError struct {
	Source  string
	Status  int
	Message string
	Err     error
}

func (e *DownloadError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("download of %s failed: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("download of %s failed with status %d: %s", e.Source, e.Status, e.Message)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ProcessingError means the store reported a terminal non-ready status.
type ProcessingError struct {
	AssetID string
	Status  models.AssetStatus
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("asset %s processing failed: status %s", e.AssetID, e.Status)
}

// PollTimeoutError means polling gave up while the asset was still processing.
// The asset may still become ready later.
type PollTimeoutError struct {
	AssetID    string
	Attempts   int
	LastStatus models.AssetStatus
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("asset %s not ready after %d attempts (last status %s)", e.AssetID, e.Attempts, e.LastStatus)
}

// ToolError is a failed call to one of the video-tools endpoints.
type ToolError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Status, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }
