package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrObjectNotFound is returned when a payload key does not exist.
var ErrObjectNotFound = errors.New("payload object not found")

// PayloadStore keeps raw submission payloads out of the database.
type PayloadStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// PayloadKey returns the object key for a submission payload.
func PayloadKey(submissionID string) string {
	return path.Join("payloads", submissionID+".json")
}

func cleanKey(key string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(key, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}
