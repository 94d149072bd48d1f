package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrNoState is returned by LoadPartial when no partial download is stored.
var ErrNoState = errors.New("store: no partial download")

// ErrNotFound is returned when a completed download has no manifest.
var ErrNotFound = errors.New("store: not found")

// State records a partial download so it can be resumed with a range
// request starting at Offset.
type State struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	Offset    int64     `json:"offset"`
	ETag      string    `json:"etag,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manifest describes a completed download.
type Manifest struct {
	Name        string            `json:"name"`
	Object      string            `json:"object"`
	Size        int64             `json:"size"`
	Checksum    string            `json:"checksum"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Store persists downloads in a bucket.
type Store struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
}

// New wraps an open bucket. Keys are prefixed with prefix, which should end
// in "/" when it names a directory. Close does not close the bucket.
func New(bucket *blob.Bucket, prefix string) *Store {
	return &Store{bucket: bucket, prefix: prefix}
}

// Open opens the bucket at bucketURL (for example mem://, file:///tmp/dl,
// s3://bucket or gs://bucket). The caller must import the matching driver.
func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("store: open bucket: %w", err)
	}
	return &Store{bucket: bkt, prefix: prefix, owned: true}, nil
}

// Close releases the bucket if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

// LoadPartial returns the stored state and bytes of a partial download.
func (s *Store) LoadPartial(ctx context.Context, name string) (*State, []byte, error) {
	raw, err := s.bucket.ReadAll(ctx, s.statePath(name))
	if err != nil {
		if isNotExist(err) {
			return nil, nil, ErrNoState
		}
		return nil, nil, fmt.Errorf("store: read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, fmt.Errorf("store: unmarshal state: %w", err)
	}

	data, err := s.bucket.ReadAll(ctx, s.partPath(name))
	if err != nil {
		if isNotExist(err) {
			// State without data: treat as nothing downloaded yet.
			return nil, nil, ErrNoState
		}
		return nil, nil, fmt.Errorf("store: read partial data: %w", err)
	}

	// The data blob is written before the state, so it is never shorter
	// than a state that made it to storage.
	if int64(len(data)) > st.Offset {
		data = data[:st.Offset]
	}
	if int64(len(data)) < st.Offset {
		return nil, nil, fmt.Errorf("store: partial data for %s has %d bytes, state says %d", name, len(data), st.Offset)
	}

	return &st, data, nil
}

// SavePartial stores the bytes received so far and the state describing
// them. st.Offset is set from len(data).
func (s *Store) SavePartial(ctx context.Context, st State, data []byte) error {
	if err := s.bucket.WriteAll(ctx, s.partPath(st.Name), data, &blob.WriterOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("store: write partial data: %w", err)
	}

	st.Offset = int64(len(data))
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := s.bucket.WriteAll(ctx, s.statePath(st.Name), raw, &blob.WriterOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("store: write state: %w", err)
	}
	return nil
}

// DeletePartial removes partial state and data. Missing objects are ignored.
func (s *Store) DeletePartial(ctx context.Context, name string) error {
	for _, key := range []string{s.statePath(name), s.partPath(name)} {
		if err := s.bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
			return fmt.Errorf("store: delete %s: %w", key, err)
		}
	}
	return nil
}

// Complete writes the finished download and its manifest, then removes any
// partial state.
func (s *Store) Complete(ctx context.Context, name string, data []byte, metadata map[string]string) (*Manifest, error) {
	sum := sha256.Sum256(data)
	m := &Manifest{
		Name:        name,
		Object:      s.prefix + name,
		Size:        int64(len(data)),
		Checksum:    hex.EncodeToString(sum[:]),
		Metadata:    metadata,
		CompletedAt: time.Now().UTC(),
	}

	if err := s.bucket.WriteAll(ctx, m.Object, data, &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata:    metadata,
	}); err != nil {
		return nil, fmt.Errorf("store: write object: %w", err)
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := s.bucket.WriteAll(ctx, s.manifestPath(name), raw, &blob.WriterOptions{
		ContentType: "application/json",
	}); err != nil {
		return nil, fmt.Errorf("store: write manifest: %w", err)
	}

	if err := s.DeletePartial(ctx, name); err != nil {
		return nil, err
	}
	return m, nil
}

// Manifest returns the manifest of a completed download.
func (s *Store) Manifest(ctx context.Context, name string) (*Manifest, error) {
	raw, err := s.bucket.ReadAll(ctx, s.manifestPath(name))
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("store: unmarshal manifest: %w", err)
	}
	return &m, nil
}

// ReadObject returns the bytes of a completed download.
func (s *Store) ReadObject(ctx context.Context, name string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.prefix+name)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read object: %w", err)
	}
	return data, nil
}

// Delete removes a completed download, its manifest and any partial state.
func (s *Store) Delete(ctx context.Context, name string) error {
	for _, key := range []string{s.prefix + name, s.manifestPath(name)} {
		if err := s.bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
			return fmt.Errorf("store: delete %s: %w", key, err)
		}
	}
	return s.DeletePartial(ctx, name)
}

// PutImage stores a catalog image under key.
func (s *Store) PutImage(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := s.bucket.WriteAll(ctx, s.prefix+key, data, &blob.WriterOptions{
		Metadata: metadata,
	}); err != nil {
		return fmt.Errorf("store: write image %s: %w", key, err)
	}
	return nil
}

func (s *Store) statePath(name string) string    { return s.prefix + name + ".partial/state.json" }
func (s *Store) partPath(name string) string     { return s.prefix + name + ".partial/data" }
func (s *Store) manifestPath(name string) string { return s.prefix + name + ".manifest.json" }

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
