package volume

import (
	"context"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

func timeFromStat(sec, nsec int64) time.Time { return time.Unix(sec, nsec) }

// LocalBackend implements Backend against the local filesystem, fingerprint
// derived from the mounted device's id rather than a cloud resource name.
type LocalBackend struct {
	MountPoint string
}

func NewLocalBackend(mountPoint string) *LocalBackend {
	return &LocalBackend{MountPoint: mountPoint}
}

func (b *LocalBackend) Metadata(_ context.Context, path string) (RawMetadata, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return RawMetadata{}, classifyStatErr(path, err)
	}
	kind := KindFile
	switch {
	case fi.IsDir():
		kind = KindDirectory
	case fi.Mode()&os.ModeSymlink != 0:
		kind = KindSymlink
	}
	m := RawMetadata{Kind: kind, Size: fi.Size(), MTime: fi.ModTime()}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		inode := uint64(st.Ino)
		m.Inode = &inode
		perm := uint32(fi.Mode().Perm())
		m.Permissions = &perm
		m.ATime = timeFromStat(st.Atim.Sec, st.Atim.Nsec)
		m.CTime = timeFromStat(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return m, nil
}

func classifyStatErr(path string, err error) error {
	if os.IsPermission(err) {
		return errors.Wrapf(syncerr.ErrPermissionDenied, "stat %s", path)
	}
	if os.IsNotExist(err) {
		return errors.Wrapf(err, "stat %s", path)
	}
	return errors.Wrapf(syncerr.ErrTransientIO, "stat %s: %v", path, err)
}

func (b *LocalBackend) ReadStream(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classifyStatErr(path, err)
	}
	return f, nil
}

func (b *LocalBackend) WriteStream(_ context.Context, path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, classifyStatErr(path, err)
	}
	return f, nil
}

// Fingerprint uses the mount point's own backing-device id (statfs's
// filesystem id, truncated to a stable string) rather than anything cloud-
// specific — local volumes don't carry a resource ARN to key off of.
func (b *LocalBackend) Fingerprint(_ context.Context) (string, error) {
	var stfs syscall.Statfs_t
	if err := syscall.Statfs(b.MountPoint, &stfs); err != nil {
		return "", errors.Wrapf(err, "volume: statfs %s", b.MountPoint)
	}
	return formatFsid(stfs.Fsid), nil
}

func (b *LocalBackend) IsNetworkDrive() bool { return false }

func formatFsid(fsid syscall.Fsid) string {
	return hexUint32(uint32(fsid.Val[0])) + hexUint32(uint32(fsid.Val[1]))
}

func hexUint32(v uint32) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(b)
}
