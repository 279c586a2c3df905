// Package volume implements the VolumeBackend contract spec.md §6 names
// ("consumed by the copy engine and optionally the indexer") plus the
// concrete local/cloud/network-drive backends that let a Location root live
// on anything from a local disk to an HDFS namenode.
package volume

import (
	"context"
	"io"
	"time"
)

// Kind is the entry type (file, directory, symlink) a Backend reports in
// RawMetadata.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
)

// RawMetadata is the spec.md §6 VolumeBackend.metadata() return shape.
type RawMetadata struct {
	Kind        Kind
	Size        int64
	MTime       time.Time
	ATime       time.Time
	CTime       time.Time
	Inode       *uint64
	Permissions *uint32
}

// Backend is the VolumeBackend contract: metadata lookups plus read/write
// streams, implemented once per storage family (local disk, S3, Azure Blob,
// GCS, HDFS). The copy engine (C8) is the consumer; the indexer (C7) does
// not use this abstraction and reads the local filesystem directly.
type Backend interface {
	// Metadata returns path's raw metadata, or a syncerr.ErrPermissionDenied-
	// or syncerr.ErrTransientIO-kind error (never returns a generic error
	// for conditions the caller needs to branch on).
	Metadata(ctx context.Context, path string) (RawMetadata, error)

	// ReadStream opens path for sequential reading.
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteStream opens (creating/truncating) path for sequential writing.
	WriteStream(ctx context.Context, path string) (io.WriteCloser, error)

	// Fingerprint returns the stable resource identifier this backend
	// derives a Volume's fingerprint from (bucket ARN, container URL,
	// HDFS namenode authority, or the local block-device id) — see
	// spec.md's volume-fingerprinting MODULE DETAIL addition.
	Fingerprint(ctx context.Context) (string, error)

	// IsNetworkDrive reports the is_network_drive flag the Volume entity
	// carries (spec.md §3).
	IsNetworkDrive() bool
}
