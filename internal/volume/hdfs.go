package volume

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/colinmarc/hdfs/v2"
	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

// HDFSBackend implements Backend against an HDFS namenode — the one
// genuinely network-drive (is_network_drive=true) backend that isn't a
// cloud object store, exercising spec.md's volume-fingerprinting addition
// against a namenode authority instead of a bucket ARN.
type HDFSBackend struct {
	client   *hdfs.Client
	namenode string
}

func NewHDFSBackend(namenode, user string) (*HDFSBackend, error) {
	client, err := hdfs.NewClient(hdfs.ClientOptions{Addresses: []string{namenode}, User: user})
	if err != nil {
		return nil, errors.Wrap(err, "volume: hdfs client")
	}
	return &HDFSBackend{client: client, namenode: namenode}, nil
}

func (b *HDFSBackend) Metadata(_ context.Context, path string) (RawMetadata, error) {
	fi, err := b.client.Stat(path)
	if err != nil {
		return RawMetadata{}, classifyHDFSErr(path, err)
	}
	kind := KindFile
	if fi.IsDir() {
		kind = KindDirectory
	}
	return RawMetadata{Kind: kind, Size: fi.Size(), MTime: fi.ModTime()}, nil
}

func classifyHDFSErr(path string, err error) error {
	if os.IsPermission(err) {
		return errors.Wrapf(syncerr.ErrPermissionDenied, "hdfs stat %s", path)
	}
	if os.IsNotExist(err) {
		return errors.Wrapf(err, "hdfs stat %s", path)
	}
	return errors.Wrapf(syncerr.ErrTransientIO, "hdfs stat %s: %v", path, err)
}

func (b *HDFSBackend) ReadStream(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := b.client.Open(path)
	if err != nil {
		return nil, classifyHDFSErr(path, err)
	}
	return f, nil
}

func (b *HDFSBackend) WriteStream(_ context.Context, path string) (io.WriteCloser, error) {
	f, err := b.client.Create(path)
	if err != nil {
		return nil, classifyHDFSErr(path, err)
	}
	return f, nil
}

func (b *HDFSBackend) Fingerprint(_ context.Context) (string, error) {
	return "hdfs://" + strings.TrimPrefix(b.namenode, "hdfs://"), nil
}

func (b *HDFSBackend) IsNetworkDrive() bool { return true }
