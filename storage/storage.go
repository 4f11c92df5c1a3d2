// Package storage provides the blob-storage capability the factory core
// consumes (the fetcher/GUI/daemon layers are external collaborators; this
// package is the one the spec calls "a Storage capability: read/write/list/
// delete by key"). Two backends are provided — local filesystem and S3 — plus
// a dual writer that fans out to both, matching outputMode=local/s3/dual.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist. Deleting a
// missing key is not an error.
var ErrNotFound = errors.New("storage: key not found")

// Store is the capability every other package in this module is built
// against. Keys are '/'-separated logical paths (see the layout in
// SPEC_FULL.md §6), never filesystem- or bucket-specific.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Copy reads src and writes it to dst under the same Store. A non-nil
// transform is applied to the bytes before the write, so callers can rewrite
// JSON bodies in-flight (used by the catalog migration protocol).
func Copy(ctx context.Context, s Store, srcKey, dstKey string, transform func([]byte) []byte) error {
	data, err := s.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	if transform != nil {
		data = transform(data)
	}
	return s.Put(ctx, dstKey, data)
}
