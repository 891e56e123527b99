package model

// DownloadStatus represents the status of a download tracked by the download service
type DownloadStatus string

const (
	// DownloadStatusPending means the download is queued but not started
	DownloadStatusPending DownloadStatus = "Pending"

	// DownloadStatusRunning means bytes are being transferred
	DownloadStatusRunning DownloadStatus = "Running"

	// DownloadStatusPaused means the transfer was paused and keeps its partial file
	DownloadStatusPaused DownloadStatus = "Paused"

	// DownloadStatusSuccessful means the whole payload is on disk
	DownloadStatusSuccessful DownloadStatus = "Successful"

	// DownloadStatusFailed means the download gave up with an error
	DownloadStatusFailed DownloadStatus = "Failed"
)

// String returns the string representation of DownloadStatus
func (ds DownloadStatus) String() string {
	return string(ds)
}

// IsInFlight returns true if the download is pending, running or paused
func (ds DownloadStatus) IsInFlight() bool {
	return ds == DownloadStatusPending || ds == DownloadStatusRunning || ds == DownloadStatusPaused
}

// IsFinished returns true if the download reached a terminal state
func (ds DownloadStatus) IsFinished() bool {
	return ds == DownloadStatusSuccessful || ds == DownloadStatusFailed
}

// EnvState is the acquisition state of a single environment
type EnvState string

const (
	// EnvStateNotLocal means no usable local copy exists
	EnvStateNotLocal EnvState = "NotLocal"

	// EnvStateDownloading means the payload archive is being fetched
	EnvStateDownloading EnvState = "Downloading"

	// EnvStateUnpacking means the archive is being extracted
	EnvStateUnpacking EnvState = "Unpacking"

	// EnvStateReady means the environment can be applied immediately
	EnvStateReady EnvState = "Ready"
)

// String returns the string representation of EnvState
func (es EnvState) String() string {
	return string(es)
}
