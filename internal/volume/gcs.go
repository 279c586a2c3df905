package volume

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	pkgerrors "github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

// GCSBackend implements Backend against one Google Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSBackend(ctx context.Context, bucket, prefix string) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "volume: gcs client")
	}
	return &GCSBackend{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

func (b *GCSBackend) object(path string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, b.prefix), "/")
}

func (b *GCSBackend) Metadata(ctx context.Context, path string) (RawMetadata, error) {
	attrs, err := b.client.Bucket(b.bucket).Object(b.object(path)).Attrs(ctx)
	if err != nil {
		return RawMetadata{}, classifyGCSErr(path, err)
	}
	return RawMetadata{Kind: KindFile, Size: attrs.Size, MTime: attrs.Updated, CTime: attrs.Created}, nil
}

func classifyGCSErr(path string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return pkgerrors.Wrapf(err, "gcs attrs %s", path)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return pkgerrors.Wrapf(err, "gcs attrs %s", path)
	}
	return pkgerrors.Wrapf(syncerr.ErrTransientIO, "gcs attrs %s: %v", path, err)
}

func (b *GCSBackend) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := b.client.Bucket(b.bucket).Object(b.object(path)).NewReader(ctx)
	if err != nil {
		return nil, classifyGCSErr(path, err)
	}
	return r, nil
}

func (b *GCSBackend) WriteStream(ctx context.Context, path string) (io.WriteCloser, error) {
	return b.client.Bucket(b.bucket).Object(b.object(path)).NewWriter(ctx), nil
}

func (b *GCSBackend) Fingerprint(_ context.Context) (string, error) {
	return "gs://" + b.bucket, nil
}

func (b *GCSBackend) IsNetworkDrive() bool { return true }
