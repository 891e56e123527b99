package unpack

import (
	"github.com/ytget/vrenv/internal/model"
)

// Unpacker defines the interface for the unpack service.
type Unpacker interface {
	// Start extracts archive into dest asynchronously; fn receives every lifecycle event
	Start(archive, dest string, fn func(model.UnpackEvent)) (model.UnpackTask, error)
	Cancel(taskID string) error
	GetTask(taskID string) (model.UnpackTask, bool)
}
