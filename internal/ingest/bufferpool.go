package ingest

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// framePool slot-gates the number of simultaneously-resident frame buffers.
// Trimmed from the teacher's cache+spill resource manager down to the
// concurrency limiter alone: frames are never spilled to disk here, since
// the watch directory is already the detector's own write-once buffer.
type framePool struct {
	slots chan struct{}
}

// newFramePool builds a pool gating at most maxResident simultaneously
// checked-out frame buffers. maxResident <= 0 disables gating (unbounded).
// pixelsPerFrame is accepted for symmetry with the sizing computation in
// maxResidentFromFreeSpace but the buffers themselves are allocated by the
// caller (readFrameFile); the pool only gates concurrency.
func newFramePool(maxResident, pixelsPerFrame int) *framePool {
	p := &framePool{}
	if maxResident > 0 {
		p.slots = make(chan struct{}, maxResident)
	}
	return p
}

func (p *framePool) Acquire(ctx context.Context) error {
	if p.slots == nil {
		return nil
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *framePool) Release() {
	if p.slots == nil {
		return
	}
	select {
	case <-p.slots:
	default:
	}
}

// maxResidentFromFreeSpace derives the maximum simultaneously-resident
// buffer count from statvfs-style free space on dir, divided by per-image
// bytes and halved to leave headroom, per spec. A Statfs failure or a
// non-positive bytesPerImage disables gating rather than failing Prepare.
func maxResidentFromFreeSpace(dir string, bytesPerImage int64) int {
	if bytesPerImage <= 0 {
		return 0
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	n := free / bytesPerImage / 2
	if n < 1 {
		return 1
	}
	return int(n)
}

func bufferSizeMismatch(got, want int) error {
	return fmt.Errorf("ingest: frame buffer size mismatch: got %d want %d", got, want)
}
