package download

import (
	"github.com/ytget/vrenv/internal/model"
)

// Listener receives terminal download events. Callbacks run on worker
// goroutines, never while the service holds its lock.
type Listener interface {
	OnDownloadCompleted(d model.Download)
	OnDownloadFailed(d model.Download)
}

// Downloader defines the interface for the download service.
type Downloader interface {
	// Jobs returns a snapshot of every tracked download, oldest first
	Jobs() []model.Download
	Get(id string) (model.Download, bool)
	Submit(job model.DownloadJob) (model.Download, error)

	// Remove stops tracking a download; purge also deletes its output file
	Remove(id string, purge bool) error

	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error

	AddListener(l Listener)
	RemoveListener(l Listener)
}
