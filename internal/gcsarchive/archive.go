// Package gcsarchive keeps raw model outputs in Cloud Storage.
package gcsarchive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/expense-assistant/internal/pipeline"
)

const objectPrefix = "model-outputs"

// Archive writes model outputs to one bucket.
type Archive struct {
	client *storage.Client
	bucket string
}

var _ pipeline.OutputArchive = (*Archive)(nil)

// New creates an archive using Application Default Credentials.
func New(ctx context.Context, bucket string) (*Archive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcsarchive.New: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcsarchive.New: create storage client: %w", err)
	}
	return &Archive{client: client, bucket: bucket}, nil
}

// Close releases the storage client.
func (a *Archive) Close() error {
	return a.client.Close()
}

// ArchiveModelOutput implements pipeline.OutputArchive.
func (a *Archive) ArchiveModelOutput(ctx context.Context, output *pipeline.ArchivedOutput) error {
	body, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("ArchiveModelOutput: encode: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(ObjectName(output)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("ArchiveModelOutput: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("ArchiveModelOutput: finalize upload: %w", err)
	}
	return nil
}

// URI returns the gs:// location of output in this archive.
func (a *Archive) URI(output *pipeline.ArchivedOutput) string {
	return "gs://" + a.bucket + "/" + ObjectName(output)
}

// Fetch downloads the object at a gs:// URI.
func (a *Archive) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	rc, err := a.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}

// ObjectName is model-outputs/yyyy/mm/dd/<exchangeID>.json, dated by CreatedAt in UTC.
func ObjectName(output *pipeline.ArchivedOutput) string {
	day := output.CreatedAt.UTC().Format("2006/01/02")
	return path.Join(objectPrefix, day, output.ExchangeID+".json")
}

// ParseURI splits gs://bucket/object into its parts.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// IsURI reports whether s names a Cloud Storage object.
func IsURI(s string) bool {
	return strings.HasPrefix(s, "gs://")
}
