package library

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/syncmesh/internal/job"
)

func tempBaseDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "syncmesh-library-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// freeLoopbackAddr picks an OS-assigned port the way the teacher's own
// transport tests do it, then releases it immediately — fasthttp's
// ListenAndServe wants a fixed address string, not a pre-bound listener.
func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve loopback addr: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestOpenPersistsIdentityAcrossRestarts(t *testing.T) {
	dir := tempBaseDir(t)

	lib, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := uuid.Parse(lib.Identity.UUID); err != nil {
		t.Fatalf("identity UUID not valid: %v", err)
	}
	first := lib.Identity.UUID
	if err := lib.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, identityFile)); err != nil {
		t.Fatalf("identity file not persisted: %v", err)
	}

	lib2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer lib2.Close()
	if lib2.Identity.UUID != first {
		t.Fatalf("identity changed across restart: %s != %s", lib2.Identity.UUID, first)
	}
}

func TestRunServesHTTPAndShutsDownCleanly(t *testing.T) {
	dir := tempBaseDir(t)
	lib, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	addr := freeLoopbackAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lib.Run(ctx, addr); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("listener never came up on %s: %v", addr, err)
	}
	conn.Close()

	if err := lib.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestIndexLocationDispatchesWalkJob(t *testing.T) {
	dir := tempBaseDir(t)
	lib, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer lib.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lib.Run(ctx, freeLoopbackAddr(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	root := filepath.Join(dir, "vol")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir vol: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	handle, err := lib.IndexLocation(root)
	if err != nil {
		t.Fatalf("IndexLocation: %v", err)
	}
	rec, err := handle.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != job.StatusCompleted {
		t.Fatalf("walk job ended in status %v: %s", rec.Status, rec.Err)
	}
}

func TestRegisterPeerAddressIsReachableThroughSyncTransport(t *testing.T) {
	dir := tempBaseDir(t)
	lib, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer lib.Close()

	peer := uuid.NewString()
	if lib.syncTport.IsDeviceReachable(peer) {
		t.Fatalf("peer reachable before registration")
	}

	lib.RegisterPeerAddress(peer, "http://127.0.0.1:9999")
	if !lib.syncTport.IsDeviceReachable(peer) {
		t.Fatalf("peer not reachable after RegisterPeerAddress")
	}

	found := false
	for _, p := range lib.syncTport.GetConnectedSyncPartners() {
		if p == peer {
			found = true
		}
	}
	if !found {
		t.Fatalf("peer %s missing from GetConnectedSyncPartners", peer)
	}
}
