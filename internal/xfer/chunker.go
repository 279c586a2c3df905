package xfer

import (
	"time"

	"github.com/lufia/iostat"

	"github.com/NVIDIA/syncmesh/internal/nlog"
)

const (
	minChunkSize     = 64 * 1024
	maxChunkSize     = 16 * 1024 * 1024
	defaultChunkSize = 1024 * 1024
	targetChunkTime  = 250 * time.Millisecond
)

// chunkSizer adapts the streaming-copy chunk size toward a target per-chunk
// duration (spec.md §4.7 "adaptive chunk size"), grown or shrunk after every
// chunk based on its measured throughput rather than held at one fixed
// buffer size for the whole transfer.
type chunkSizer struct {
	current int
}

// newChunkSizer seeds the starting chunk size from the host's current
// drive I/O stats (github.com/lufia/iostat) when available — more active
// drives observed is taken as a weak signal of higher sustainable
// throughput. Observe corrects the estimate on every subsequent chunk, so
// a wrong or unavailable initial sample only costs one slow/fast chunk.
func newChunkSizer() *chunkSizer {
	return &chunkSizer{current: initialChunkSize()}
}

func initialChunkSize() int {
	drives, err := iostat.ReadDriveStats()
	if err != nil || len(drives) == 0 {
		if nlog.FastV(4, nlog.SmoduleXfer) {
			nlog.Warningln("xfer: iostat unavailable, using default chunk size:", err)
		}
		return defaultChunkSize
	}
	if len(drives) > 1 {
		return defaultChunkSize * 2
	}
	return defaultChunkSize
}

func (c *chunkSizer) Size() int { return c.current }

// Observe feeds one completed chunk's wall-clock duration and byte count
// back into the sizer, moving the next chunk size toward targetChunkTime.
func (c *chunkSizer) Observe(elapsed time.Duration, n int) {
	if elapsed <= 0 || n <= 0 {
		return
	}
	ratio := float64(targetChunkTime) / float64(elapsed)
	next := int(float64(c.current) * ratio)
	if next < minChunkSize {
		next = minChunkSize
	}
	if next > maxChunkSize {
		next = maxChunkSize
	}
	c.current = next
}
