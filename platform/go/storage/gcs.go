package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore keeps artifacts in a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore binds a store to bucket; prefix is prepended to every key.
func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	if client == nil {
		panic("storage client is required")
	}
	if bucket == "" {
		panic("storage bucket is required")
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *GCSStore) object(key string) (*storage.ObjectHandle, error) {
	loc, err := ResolveObjectLocation(s.bucket, s.prefix, key)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(loc.Bucket).Object(loc.FullPath), nil
}

func (s *GCSStore) Put(ctx context.Context, key string, contentType string, data []byte) error {
	obj, err := s.object(key)
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close object %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.object(key)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *GCSStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := s.object(srcKey)
	if err != nil {
		return err
	}
	dst, err := s.object(dstKey)
	if err != nil {
		return err
	}

	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("copy object %s: %w", srcKey, err)
	}
	return nil
}

func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) error {
	loc, err := ResolveObjectLocation(s.bucket, s.prefix, prefix)
	if err != nil {
		return err
	}

	bucket := s.client.Bucket(loc.Bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: loc.FullPath})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete object %s: %w", attrs.Name, err)
		}
	}
}

// Check lists at most one object to verify bucket access; nothing is written.
func (s *GCSStore) Check(ctx context.Context) error {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	return nil
}

var _ ArtifactStore = (*GCSStore)(nil)
