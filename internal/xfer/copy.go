package xfer

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/volume"
)

// FileTransferClient is the external *FileTransfer* protocol spec.md §4.7
// names for the cross-device strategy. internal/library's
// HTTPFileTransferClient is the production implementation; the copy engine depends only on this narrow
// contract so it never needs to know about wire framing or peer discovery.
type FileTransferClient interface {
	// SendFile streams size bytes from r to destPath on destDeviceID and
	// blocks until the peer has acknowledged receipt (or returns an
	// error). Deletion of the source is the caller's responsibility,
	// performed only after SendFile returns nil, matching "source
	// deleted on peer-ack iff move".
	SendFile(ctx context.Context, destDeviceID, destPath string, r io.Reader, size int64) error
}

// renameFile implements the same-device/same-volume/move strategy.
func renameFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "xfer: rename %s -> %s", src, dst)
	}
	return nil
}

// copyFileContents implements the same-device/same-volume/copy strategy —
// a plain whole-file copy; no chunk adaptation is needed since both ends
// share one physical volume.
func copyFileContents(src, dst string, perm os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrapf(err, "xfer: open source %s", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, errors.Wrapf(err, "xfer: create dest %s", dst)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, errors.Wrapf(err, "xfer: copy %s -> %s", src, dst)
	}
	return n, out.Close()
}

// streamingCopy implements the same-device/cross-volume strategy through
// the VolumeBackend contract (spec.md §6) rather than raw os.* calls, so it
// works whether src/dst are two local mounts or one of them is a cloud
// backend the indexer never touches directly. checkInterrupt is polled
// before every chunk per spec.md §5's suspension-point requirement.
func streamingCopy(ctx context.Context, src, dst volume.Backend, srcPath, dstPath string, checkInterrupt func() error) (int64, error) {
	r, err := src.ReadStream(ctx, srcPath)
	if err != nil {
		return 0, errors.Wrapf(err, "xfer: open source stream %s", srcPath)
	}
	defer r.Close()
	w, err := dst.WriteStream(ctx, dstPath)
	if err != nil {
		return 0, errors.Wrapf(err, "xfer: open dest stream %s", dstPath)
	}

	sizer := newChunkSizer()
	buf := make([]byte, sizer.Size())
	var total int64
	for {
		if checkInterrupt != nil {
			if ierr := checkInterrupt(); ierr != nil {
				w.Close()
				return total, ierr
			}
		}
		if len(buf) != sizer.Size() {
			buf = make([]byte, sizer.Size())
		}
		start := time.Now()
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				return total, errors.Wrapf(werr, "xfer: write dest %s", dstPath)
			}
			total += int64(n)
			sizer.Observe(time.Since(start), n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			w.Close()
			return total, errors.Wrapf(rerr, "xfer: read source %s", srcPath)
		}
	}
	if err := w.Close(); err != nil {
		return total, errors.Wrapf(err, "xfer: close dest %s", dstPath)
	}
	return total, nil
}

// crossDeviceTransfer implements the cross-device strategy via the
// FileTransferClient collaborator.
func crossDeviceTransfer(ctx context.Context, client FileTransferClient, src volume.Backend, srcPath, destDeviceID, destPath string, size int64) error {
	if client == nil {
		return errors.New("xfer: cross-device transfer requested but no FileTransferClient configured")
	}
	r, err := src.ReadStream(ctx, srcPath)
	if err != nil {
		return errors.Wrapf(err, "xfer: open source stream %s", srcPath)
	}
	defer r.Close()
	if err := client.SendFile(ctx, destDeviceID, destPath, r, size); err != nil {
		return errors.Wrapf(err, "xfer: send %s to device %s", srcPath, destDeviceID)
	}
	return nil
}
