// Package storage stages import artifacts (uploaded CSV and commit plan) between the request that
// submits a job and the worker that processes it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrObjectNotFound is returned when an artifact does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ArtifactStore persists opaque blobs under logical keys.
type ArtifactStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	// DeletePrefix removes every object under the prefix; a missing prefix is not an error.
	DeletePrefix(ctx context.Context, prefix string) error
	// Check verifies the backend is reachable.
	Check(ctx context.Context) error
}

// ObjectLocation describes where a blob should live.
type ObjectLocation struct {
	Bucket   string
	FullPath string
}

// ResolveObjectLocation combines the deployment prefix and a logical key into a bucket/path pair.
//   - bucket must come from deployment configuration (one bucket per environment class).
//   - basePrefix is optional (e.g. "dev/"); a trailing slash is added when missing.
//   - logicalKey is a job-relative key such as "imports/<import_id>/source.csv".
func ResolveObjectLocation(bucket, basePrefix, logicalKey string) (ObjectLocation, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return ObjectLocation{}, fmt.Errorf("bucket is required")
	}
	key := strings.TrimPrefix(strings.TrimSpace(logicalKey), "/")
	if key == "" {
		return ObjectLocation{}, fmt.Errorf("logical key is required")
	}
	if strings.Contains(key, "..") {
		return ObjectLocation{}, fmt.Errorf("logical key must not contain '..'")
	}

	prefix := strings.TrimPrefix(strings.TrimSpace(basePrefix), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return ObjectLocation{Bucket: bucket, FullPath: prefix + key}, nil
}

// ImportPrefix is the key prefix holding every artifact of one import job.
func ImportPrefix(importID uuid.UUID) string {
	return "imports/" + importID.String() + "/"
}

// ImportSourceKey is the key of the uploaded CSV for an import job.
func ImportSourceKey(importID uuid.UUID) string {
	return ImportPrefix(importID) + "source.csv"
}

// ImportPlanKey is the key of the staged commit plan for an import job.
func ImportPlanKey(importID uuid.UUID) string {
	return ImportPrefix(importID) + "plan.json"
}
