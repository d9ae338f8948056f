// Package blob stores trained model bytes and metadata under
// slash-separated keys such as "models/{workflow_id}/model.bin".
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// Object describes a stored blob.
type Object struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store is durable keyed blob storage.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every object whose key starts with prefix, in key order.
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// ModelKey returns the key of a workflow's serialized model.
func ModelKey(workflowID string) string {
	return "models/" + workflowID + "/model.bin"
}

// MetadataKey returns the key of a workflow's model metadata document.
func MetadataKey(workflowID string) string {
	return "models/" + workflowID + "/metadata.json"
}
