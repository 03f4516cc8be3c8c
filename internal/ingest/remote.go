package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/esrf-bliss/areadet/internal/control"
)

// RemoteConfig tunes RemotePipeline's poll cadence.
type RemoteConfig struct {
	// PollInterval is how often the pipeline checks the control channel's
	// acquired-image count. Default 50ms.
	PollInterval time.Duration
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// RemotePipeline implements Mode B: the detector PC is not co-located with
// the driver host, so there is no filesystem to watch. It polls the
// Control Channel's cached acquired-image count and synthesizes
// frame-ready notifications in order once the count reaches the requested
// total — the channel's completion event is the only reliable trigger in
// this deployment. A synthesized Frame carries only its Index and Acquired
// time: Pixels is nil and Width/Height are zero.
type RemotePipeline struct {
	ch  *control.Channel
	cb  Callback
	cfg RemoteConfig

	mu        sync.Mutex
	nbImages  int
	delivered int
	stopped   bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRemote constructs a RemotePipeline polling ch for up to nbImages
// completed frames.
func NewRemote(ch *control.Channel, nbImages int, cb Callback) *RemotePipeline {
	return NewRemoteWithConfig(ch, nbImages, cb, RemoteConfig{})
}

// NewRemoteWithConfig is NewRemote with an explicit poll interval.
func NewRemoteWithConfig(ch *control.Channel, nbImages int, cb Callback, cfg RemoteConfig) *RemotePipeline {
	return &RemotePipeline{ch: ch, nbImages: nbImages, cb: cb, cfg: cfg.withDefaults()}
}

// Prepare resets delivery progress for a new run.
func (p *RemotePipeline) Prepare(ctx context.Context, desc Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nbImages = desc.NbImages
	p.delivered = 0
	p.stopped = false
	return nil
}

// Start launches the poll loop.
func (p *RemotePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pollLoop(done)
	return nil
}

// Stop halts polling; already-delivered frames are not rolled back.
func (p *RemotePipeline) Stop() {
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

// Pending is always 0: RemotePipeline never reorders, it only ever
// delivers in ascending order once the full sequence is acknowledged.
func (p *RemotePipeline) Pending() int { return 0 }

func (p *RemotePipeline) pollLoop(done chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if p.deliverUpTo(int(p.ch.AcquiredCount())) {
				return
			}
		case <-done:
			return
		}
	}
}

// deliverUpTo does nothing until count has reached the requested total;
// from then on it delivers synthesized frames for every not-yet-delivered
// index, in order, and reports whether the run is complete (either because
// the target was reached or the callback latched a stop).
func (p *RemotePipeline) deliverUpTo(count int) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return true
	}
	if count < p.nbImages {
		p.mu.Unlock()
		return false
	}
	start := p.delivered
	target := count
	if target > p.nbImages {
		target = p.nbImages
	}
	cb := p.cb
	p.mu.Unlock()

	for i := start; i < target; i++ {
		frame := &Frame{Index: i, Acquired: time.Now()}
		if cb != nil && !cb(frame) {
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			return true
		}
		p.mu.Lock()
		p.delivered = i + 1
		done := p.delivered >= p.nbImages
		p.mu.Unlock()
		if done {
			return true
		}
	}
	return false
}
