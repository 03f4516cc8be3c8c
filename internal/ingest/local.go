package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/esrf-bliss/areadet/internal/dberr"
	"github.com/esrf-bliss/areadet/internal/telemetry/logging"
	"github.com/esrf-bliss/areadet/internal/telemetry/metrics"
)

// headerSkip is the fixed header size every image file carries ahead of
// its raw pixel payload.
const headerSkip = 1024

// Config tunes a LocalPipeline's image geometry and telemetry. It is
// constant for the pipeline's lifetime; per-run parameters travel in
// Descriptor.
type Config struct {
	Width, Height int
	BytesPerPixel int
	// MaxResident caps simultaneously checked-out frame buffers. 0 derives
	// it from free space on the watch directory at Prepare time.
	MaxResident int

	Logger  logging.Logger
	Metrics metrics.Provider
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = logging.New(nil)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopProvider()
	}
	return c
}

func (c Config) bytesPerImage() int64 {
	return int64(c.Width) * int64(c.Height) * int64(c.BytesPerPixel)
}

// LocalPipeline implements Mode A: a kernel filesystem watch on the output
// directory, matching the teacher's fsnotify-driven hot-reload loop in
// shape (NewWatcher, event-driven goroutine, a done channel closed to stop
// it) but applied to per-frame image files instead of config files.
type LocalPipeline struct {
	cfg Config

	mu           sync.Mutex
	watcher      *fsnotify.Watcher
	desc         Descriptor
	prefix       string
	suffix       string
	nextExpected int
	pending      map[int]*Frame
	pool         *framePool // sized at Prepare; bounds reported via Pending()/pendingGauge
	stopped      bool
	cb           Callback

	onOverrun func()

	pendingGauge metrics.Gauge
	deliveredCtr metrics.Counter
	unlinkCtr    metrics.Counter

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLocal constructs a LocalPipeline watching watchDir for files matching
// pattern, delivering frames to cb in ascending order. The handler invoked
// when the pending-frame map exceeds its bound is installed separately with
// SetOverrunHandler (the acq.Machine wires it to the control channel's
// ForceError).
func NewLocal(watchDir, pattern string, cb Callback, cfg Config) (*LocalPipeline, error) {
	cfg = cfg.withDefaults()
	prefix, suffix, ok := splitPattern(pattern)
	if !ok {
		return nil, fmt.Errorf("ingest: pattern %q has no %%d verb", pattern)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ingest: create file watcher: %w", err)
	}
	p := &LocalPipeline{
		cfg:     cfg,
		watcher: watcher,
		prefix:  prefix,
		suffix:  suffix,
		pending: make(map[int]*Frame),
	}
	p.pendingGauge = cfg.Metrics.NewGauge(metrics.CommonOpts{
		Namespace: "areadet", Subsystem: "ingest", Name: "pending_frames",
		Help: "Frames held in the reorder buffer awaiting next_expected.",
	})
	p.deliveredCtr = cfg.Metrics.NewCounter(metrics.CommonOpts{
		Namespace: "areadet", Subsystem: "ingest", Name: "frames_delivered_total",
		Help: "Frames delivered to the framework callback.",
	})
	p.unlinkCtr = cfg.Metrics.NewCounter(metrics.CommonOpts{
		Namespace: "areadet", Subsystem: "ingest", Name: "retention_unlinks_total",
		Help: "Image files removed by the retention policy.",
	})
	p.setCallback(cb)
	return p, nil
}

func (p *LocalPipeline) setCallback(cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

// SetOverrunHandler wires the callback invoked when the pending map
// exceeds its bound.
func (p *LocalPipeline) SetOverrunHandler(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOverrun = f
}

// Prepare clears the pending map, seeds next_expected from the run's first
// image number, removes stale files left over from a previous run, and
// arms the watch.
func (p *LocalPipeline) Prepare(ctx context.Context, desc Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.watcher.Add(desc.WatchDir); err != nil {
		return dberr.Wrap(dberr.ErrIo, fmt.Sprintf("watch %s: %v", desc.WatchDir, err))
	}

	prefix, suffix, ok := splitPattern(desc.Pattern)
	if !ok {
		return fmt.Errorf("ingest: pattern %q has no %%d verb", desc.Pattern)
	}
	p.prefix, p.suffix = prefix, suffix
	p.desc = desc
	p.nextExpected = desc.FirstImage
	p.pending = make(map[int]*Frame)

	maxResident := p.cfg.MaxResident
	if desc.Retention < 0 || maxResident == 0 {
		maxResident = maxResidentFromFreeSpace(desc.WatchDir, p.cfg.bytesPerImage())
	}
	p.pool = newFramePool(maxResident, p.cfg.Width*p.cfg.Height)
	if desc.Retention < 0 {
		p.desc.Retention = maxResident
	}

	p.removeStaleFiles(desc.WatchDir, prefix, suffix)
	return nil
}

func (p *LocalPipeline) removeStaleFiles(dir, prefix, suffix string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := parseIndex(prefix, suffix, e.Name()); ok {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// Start launches the watcher goroutine. Returns immediately; delivery
// happens asynchronously via the Callback supplied to NewLocal.
func (p *LocalPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = false
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watchLoop(done)
	return nil
}

// Stop ceases delivery of new frames. Closing the done channel wakes the
// watcher goroutine's select, which then returns; the fsnotify watcher
// itself stays open.
func (p *LocalPipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	done := p.done
	p.mu.Unlock()
	if done != nil {
		close(done)
	}
	p.wg.Wait()
}

// Pending reports how many out-of-order frames are currently buffered.
func (p *LocalPipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *LocalPipeline) watchLoop(done chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.handleFileEvent(ev.Name)
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		case <-done:
			return
		}
	}
}

func (p *LocalPipeline) handleFileEvent(path string) {
	p.mu.Lock()
	prefix, suffix := p.prefix, p.suffix
	stopped := p.stopped
	retention := p.desc.Retention
	pool := p.pool
	p.mu.Unlock()
	if stopped {
		return
	}

	name := filepath.Base(path)
	index, ok := parseIndex(prefix, suffix, name)
	if !ok {
		return
	}

	if pool != nil {
		if err := pool.Acquire(context.Background()); err != nil {
			return
		}
	}

	pixels, err := readFrameFile(path, p.cfg.Width, p.cfg.Height, p.cfg.BytesPerPixel)
	if err != nil {
		if pool != nil {
			pool.Release()
		}
		// Short read or size mismatch: not yet complete. A later Write
		// event for the same file will retry this.
		return
	}

	frame := &Frame{Index: index, Pixels: pixels, Width: p.cfg.Width, Height: p.cfg.Height, Acquired: time.Now()}
	p.deliver(frame, path, retention, pool)
}

// deliver applies the pending-frame ordering invariant: the map never
// contains next_expected; it holds only strictly greater indices.
func (p *LocalPipeline) deliver(frame *Frame, path string, retention int, pool *framePool) {
	p.mu.Lock()
	if frame.Index < p.nextExpected {
		// Already delivered: a repeated write event for a file that was
		// complete on an earlier event.
		p.mu.Unlock()
		if pool != nil {
			pool.Release()
		}
		return
	}
	if frame.Index != p.nextExpected {
		p.pending[frame.Index] = frame
		if len(p.pending) > maxPendingOverrun {
			onOverrun := p.onOverrun
			p.mu.Unlock()
			if onOverrun != nil {
				onOverrun()
			}
			return
		}
		p.pendingGauge.Set(float64(len(p.pending)))
		p.mu.Unlock()
		return
	}

	var ready []*Frame
	ready = append(ready, frame)
	next := p.nextExpected + 1
	for {
		f, ok := p.pending[next]
		if !ok {
			break
		}
		delete(p.pending, next)
		ready = append(ready, f)
		next++
	}
	p.nextExpected = next
	cb := p.cb
	p.pendingGauge.Set(float64(len(p.pending)))
	p.mu.Unlock()

	for _, f := range ready {
		p.deliveredCtr.Inc()
		stop := cb != nil && !cb(f)
		if pool != nil {
			pool.Release()
		}
		if stop {
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			break
		}
	}

	if retention > 0 {
		p.unlinkRetired(filepath.Dir(path), frame.Index-retention)
	}
}

func (p *LocalPipeline) unlinkRetired(dir string, index int) {
	if index < 0 {
		return
	}
	filename := p.filenameFor(index)
	if filename == "" {
		return
	}
	if err := os.Remove(filepath.Join(dir, filename)); err == nil {
		p.unlinkCtr.Inc()
	}
}

func (p *LocalPipeline) filenameFor(index int) string {
	p.mu.Lock()
	pattern := p.desc.Pattern
	p.mu.Unlock()
	if pattern == "" {
		return ""
	}
	return fmt.Sprintf(pattern, index)
}

// readFrameFile reads one image file, skipping the fixed header, and
// decodes the remainder into a little-endian int32 pixel slice. A short
// read or a size mismatch after the header skip returns ErrDecode: the
// file is still being written.
func readFrameFile(path string, width, height, bytesPerPixel int) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.ErrIo, err.Error())
	}
	defer f.Close()

	if _, err := f.Seek(headerSkip, 0); err != nil {
		return nil, dberr.Wrap(dberr.ErrIo, err.Error())
	}

	want := width * height * bytesPerPixel
	raw := make([]byte, want)
	n, err := readFull(f, raw)
	if err != nil || n != want {
		return nil, dberr.Wrap(dberr.ErrDecode, "short read")
	}

	pixels := make([]int32, width*height)
	switch bytesPerPixel {
	case 4:
		for i := range pixels {
			pixels[i] = int32(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
		}
	case 2:
		for i := range pixels {
			pixels[i] = int32(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		}
	case 1:
		for i := range pixels {
			pixels[i] = int32(raw[i])
		}
	default:
		return nil, bufferSizeMismatch(bytesPerPixel, 4)
	}
	return pixels, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("ingest: zero-length read")
		}
	}
	return total, nil
}
