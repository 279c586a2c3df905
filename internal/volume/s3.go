package volume

import (
	"context"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

// S3Backend implements Backend against one S3 bucket/prefix pair. A
// Location rooted at an S3 URI (s3://bucket/prefix) exercises spec.md
// §4.2's cloud-URI trailing-slash normalization identically to a local
// directory path.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Backend(ctx context.Context, bucket, prefix string) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "volume: load aws config")
	}
	return &S3Backend{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

func (b *S3Backend) key(path string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, b.prefix), "/")
}

func (b *S3Backend) Metadata(ctx context.Context, path string) (RawMetadata, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &b.bucket,
		Key:    strPtr(b.key(path)),
	})
	if err != nil {
		return RawMetadata{}, classifyS3Err(path, err)
	}
	m := RawMetadata{Kind: KindFile}
	if out.ContentLength != nil {
		m.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		m.MTime = *out.LastModified
		m.CTime = *out.LastModified
	}
	return m, nil
}

func classifyS3Err(path string, err error) error {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return errors.Wrapf(err, "s3 head %s", path)
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return errors.Wrapf(err, "s3 head %s", path)
	}
	return errors.Wrapf(syncerr.ErrTransientIO, "s3 head %s: %v", path, err)
}

func (b *S3Backend) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    strPtr(b.key(path)),
	})
	if err != nil {
		return nil, classifyS3Err(path, err)
	}
	return out.Body, nil
}

// WriteStream buffers the full write before a single PutObject call — S3
// has no append/seek write API, so there is no streaming alternative
// without the multipart-upload machinery the copy engine's adaptive-chunk
// path doesn't need for this backend.
func (b *S3Backend) WriteStream(ctx context.Context, path string) (io.WriteCloser, error) {
	return newS3Uploader(ctx, b.client, b.bucket, b.key(path)), nil
}

// Fingerprint uses the bucket's ARN-shaped identifier: stable across
// devices that mount the same bucket, which is exactly what spec.md's
// volume-fingerprinting addition requires for auto_track_eligible merging.
func (b *S3Backend) Fingerprint(_ context.Context) (string, error) {
	return "arn:aws:s3:::" + b.bucket, nil
}

func (b *S3Backend) IsNetworkDrive() bool { return true }

func strPtr(s string) *string { return &s }

// s3Uploader collects writes in memory and flushes them as one PutObject on
// Close, satisfying io.WriteCloser without a multipart session.
type s3Uploader struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	buf    []byte
}

func newS3Uploader(ctx context.Context, client *s3.Client, bucket, key string) *s3Uploader {
	return &s3Uploader{ctx: ctx, client: client, bucket: bucket, key: key}
}

func (u *s3Uploader) Write(p []byte) (int, error) {
	u.buf = append(u.buf, p...)
	return len(p), nil
}

func (u *s3Uploader) Close() error {
	_, err := u.client.PutObject(u.ctx, &s3.PutObjectInput{
		Bucket: &u.bucket,
		Key:    &u.key,
		Body:   newReaderAt(u.buf),
	})
	return errors.Wrapf(err, "s3 put %s", u.key)
}

func newReaderAt(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
