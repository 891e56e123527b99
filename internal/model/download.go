package model

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// DownloadJob is a request to fetch a payload reference
type DownloadJob struct {
	URI      string
	Title    string
	Filename string // optional; derived from URI when empty
}

// NewDownloadJob creates a job for the given payload reference
func NewDownloadJob(uri string) DownloadJob {
	return DownloadJob{URI: uri, Filename: FilenameFromURI(uri)}
}

// Download is the record the download service keeps for a submitted job
type Download struct {
	ID         string
	URI        string
	Title      string
	OutputPath string // path to the downloaded file
	Status     DownloadStatus
	Progress   float64 // 0.0 to 1.0, 0 while size is unknown
	BytesDone  int64
	BytesTotal int64  // -1 if unknown
	LastError  string // last error message if any
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Percent returns progress as an integer in 0..100
func (d Download) Percent() int {
	p := int(d.Progress * 100)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// DisplayName returns title, filename, or URI in order of preference
func (d Download) DisplayName() string {
	if d.Title != "" {
		return d.Title
	}
	if d.OutputPath != "" {
		parts := strings.FieldsFunc(d.OutputPath, func(r rune) bool {
			return r == '/' || r == '\\'
		})
		if len(parts) > 0 {
			return parts[len(parts)-1]
		}
	}
	return d.URI
}

// FilenameFromURI returns the last path element of a URI without its query,
// or "payload.zip" when the URI has no usable name
func FilenameFromURI(uri string) string {
	name := ""
	if u, err := url.Parse(uri); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		return "payload.zip"
	}
	return name
}
