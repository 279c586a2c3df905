// Command syncmeshd is the thin process entrypoint spec.md's repository
// layout names: it opens a Library, starts its background loops, and
// blocks until told to stop. No business logic lives here — everything is
// internal/library's job.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/NVIDIA/syncmesh/internal/library"
	"github.com/NVIDIA/syncmesh/internal/nlog"
)

func main() {
	baseDir := flag.String("base-dir", ".", "library base directory (config, buntdb files, device identity)")
	listenAddr := flag.String("listen", ":7071", "address peers dial for pairing/sync/file-transfer")
	verbosity := flag.Int("v", 0, "log verbosity")
	flag.Parse()

	nlog.SetVerbosity(*verbosity)

	if err := os.MkdirAll(*baseDir, 0o755); err != nil {
		nlog.Errorf("syncmeshd: create base dir %s: %v", *baseDir, err)
		os.Exit(1)
	}

	lib, err := library.Open(*baseDir)
	if err != nil {
		nlog.Errorf("syncmeshd: open library: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := lib.Run(ctx, *listenAddr); err != nil {
		nlog.Errorf("syncmeshd: run library: %v", err)
		cancel()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	nlog.Infof("syncmeshd: shutting down")
	cancel()
	if err := lib.Close(); err != nil {
		nlog.Errorf("syncmeshd: close library: %v", err)
		os.Exit(1)
	}
}
