package object

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"retrospect-backend/internal/shared/util"
)

// ErrInvalidKey is returned for keys that escape the store root.
var ErrInvalidKey = errors.New("invalid storage key")

// ObjectStore saves and retrieves blobs by key.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// CleanKey sanitizes every segment of a slash separated key.
func CleanKey(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	parts := strings.Split(key, "/")
	for i, p := range parts {
		clean, err := util.SanitizeKeySegment(p)
		if err != nil {
			return "", ErrInvalidKey
		}
		parts[i] = clean
	}
	return path.Join(parts...), nil
}
