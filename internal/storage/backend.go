// Package storage defines the Backend interface for the object store that holds the vault.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object. ETag is always quote-stripped.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// ListPage is one page of a delimited listing.
type ListPage struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	// NextToken is empty on the last page.
	NextToken string
}

// Backend is the interface for object store backends.
// Keys are normalized, slash-separated paths; keys ending in "/" are folder markers.
type Backend interface {
	// List returns one page of keys under prefix. With a non-empty delimiter, keys
	// containing the delimiter after the prefix are rolled up into CommonPrefixes.
	List(ctx context.Context, prefix, delimiter, token string, maxKeys int) (*ListPage, error)

	// Get returns the object's content. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)

	// Put stores content at key and returns the new object info.
	Put(ctx context.Context, key string, body io.Reader, size int64) (*ObjectInfo, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteMany removes a batch of objects.
	DeleteMany(ctx context.Context, keys []string) error

	// Copy copies srcKey to dstKey.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Head returns object info without content.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Type returns the backend type identifier ("s3", "local", "memory").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// ListAll walks every page of a listing and returns all objects and common prefixes.
func ListAll(ctx context.Context, b Backend, prefix, delimiter string, pageSize int) ([]ObjectInfo, []string, error) {
	var objects []ObjectInfo
	var prefixes []string
	token := ""
	for {
		page, err := b.List(ctx, prefix, delimiter, token, pageSize)
		if err != nil {
			return nil, nil, err
		}
		objects = append(objects, page.Objects...)
		prefixes = append(prefixes, page.CommonPrefixes...)
		if page.NextToken == "" || page.NextToken == token {
			return objects, prefixes, nil
		}
		token = page.NextToken
	}
}

// ReadAll reads a whole object into memory.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, *ObjectInfo, error) {
	rc, info, err := b.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}
