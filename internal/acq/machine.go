// Package acq implements the Acquisition State Machine (C6): it drives the
// Control Channel and a Frame Ingestion Pipeline together through one run
// (prepare, start, stop) and derives the single composite status a caller
// actually wants to poll, rather than making it reconcile the two
// subsystems' states itself.
package acq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/esrf-bliss/areadet/internal/control"
	"github.com/esrf-bliss/areadet/internal/ingest"
	"github.com/esrf-bliss/areadet/internal/telemetry/logging"
)

// ErrInvalidParams reports a Prepare request the machine refuses to even
// forward to the control channel.
var ErrInvalidParams = errors.New("acq: invalid parameters")

// DetectorPhase is the detector half of CompositeStatus.
type DetectorPhase int

const (
	Idle DetectorPhase = iota
	Exposure
	Readout
	Latency
	DetectorFault
)

func (d DetectorPhase) String() string {
	switch d {
	case Idle:
		return "Idle"
	case Exposure:
		return "Exposure"
	case Readout:
		return "Readout"
	case Latency:
		return "Latency"
	case DetectorFault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// AcquisitionPhase is the ingestion half of CompositeStatus.
type AcquisitionPhase int

const (
	Ready AcquisitionPhase = iota
	Running
	AcquisitionFault
)

func (a AcquisitionPhase) String() string {
	switch a {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case AcquisitionFault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// CompositeStatus is the (detector, acquisition) pair callers poll instead
// of reconciling control-channel and pipeline state by hand.
type CompositeStatus struct {
	Detector    DetectorPhase
	Acquisition AcquisitionPhase
}

// Config tunes a Machine independently of any one run's Params.
type Config struct {
	// MinLatency is the smallest inter-frame latency this detector model
	// accepts. Prepare rejects a Params.Latency below it rather than
	// silently bumping it up, per the resolved open question: a caller
	// that asked for less latency than the hardware supports almost
	// certainly miscomputed its own period, and silently widening it
	// would desynchronize the caller's own bookkeeping.
	MinLatency time.Duration

	// PipelineDeadline bounds how long a run, counted from Start, waits
	// for the ingestion pipeline to reach its requested frame count. Zero
	// disables the deadline.
	PipelineDeadline time.Duration

	Logger logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = logging.New(nil)
	}
	return c
}

// Params describes one acquisition run.
type Params struct {
	Exposure   float64
	Latency    float64
	NbImages   int32
	Trigger    control.TriggerMode
	FirstImage int
	Imgpath    string
	Pattern    string
	Retention  int
}

// Machine combines a Control Channel with a Frame Ingestion Pipeline and
// orchestrates one run across both.
type Machine struct {
	ch       *control.Channel
	pipeline ingest.Pipeline
	cfg      Config

	mu           sync.Mutex
	cb           ingest.Callback
	requested    int32
	delivered    int32
	running      bool
	timedOut     bool
	deadlineStop context.CancelFunc
}

// NewLocal builds a Machine backed by a filesystem-watching pipeline over
// watchDir/pattern (deployment Mode A: driver host co-located with the
// detector's image storage).
func NewLocal(ch *control.Channel, watchDir, pattern string, icfg ingest.Config, cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	m := &Machine{ch: ch, cfg: cfg}
	p, err := ingest.NewLocal(watchDir, pattern, m.onFrame, icfg)
	if err != nil {
		return nil, err
	}
	p.SetOverrunHandler(func() {
		ch.ForceError("ingest: pending-frame map exceeded its bound")
	})
	m.pipeline = p
	return m, nil
}

// NewRemote builds a Machine backed by a poll-driven pipeline that
// synthesizes frame-ready notifications from the channel's own acquired
// count (deployment Mode B: no shared filesystem with the detector PC).
func NewRemote(ch *control.Channel, rcfg ingest.RemoteConfig, cfg Config) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{ch: ch, cfg: cfg}
	m.pipeline = ingest.NewRemoteWithConfig(ch, 0, m.onFrame, rcfg)
	return m
}

// onFrame wraps the caller-supplied frame callback (installed per-run by
// Prepare) with the machine's own delivered-count bookkeeping.
func (m *Machine) onFrame(f *ingest.Frame) bool {
	m.mu.Lock()
	m.delivered++
	cont := true
	if cb := m.cb; cb != nil {
		cont = cb(f)
	}
	if m.delivered >= m.requested {
		m.running = false
	}
	m.mu.Unlock()
	return cont
}

// Prepare validates params, pushes detector settings and imgpath over the
// Control Channel, and resets the pipeline for a new run. It reconnects
// implicitly: every Set* call below reconnects on demand per the channel's
// configured policy, so Prepare needs no separate reconnect step.
func (m *Machine) Prepare(ctx context.Context, params Params, cb ingest.Callback) error {
	if params.Latency < m.cfg.MinLatency.Seconds() {
		return fmt.Errorf("%w: latency %gs below minimum %s", ErrInvalidParams, params.Latency, m.cfg.MinLatency)
	}
	if params.NbImages <= 0 {
		return fmt.Errorf("%w: nb_images must be positive", ErrInvalidParams)
	}

	period := params.Exposure + params.Latency
	if err := m.ch.SetExposure(ctx, params.Exposure); err != nil {
		return err
	}
	if err := m.ch.SetExposurePeriod(ctx, period); err != nil {
		return err
	}

	framesInSequence := params.NbImages
	if params.Trigger == control.InternalMulti {
		framesInSequence = 1
	}
	if err := m.ch.SetNbImages(ctx, framesInSequence); err != nil {
		return err
	}

	if params.Imgpath != "" {
		if err := m.ch.SetImgpath(ctx, params.Imgpath); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.cb = cb
	m.requested = params.NbImages
	m.delivered = 0
	m.running = false
	m.timedOut = false
	m.mu.Unlock()

	return m.pipeline.Prepare(ctx, ingest.Descriptor{
		WatchDir:   params.Imgpath,
		Pattern:    params.Pattern,
		NbImages:   int(params.NbImages),
		FirstImage: params.FirstImage,
		Retention:  params.Retention,
	})
}

// Start asks the Control Channel to begin acquiring and then starts the
// pipeline. This order matters: the pipeline must not watch for frames the
// detector hasn't been told to produce yet.
func (m *Machine) Start(ctx context.Context, params Params) error {
	if err := m.ch.StartAcquisition(ctx, params.Trigger, params.FirstImage); err != nil {
		return err
	}
	if err := m.pipeline.Start(ctx); err != nil {
		m.ch.StopAcquisition()
		return err
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	if m.cfg.PipelineDeadline > 0 {
		deadlineCtx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		m.deadlineStop = cancel
		m.mu.Unlock()
		go m.watchDeadline(deadlineCtx, m.cfg.PipelineDeadline)
	}
	return nil
}

func (m *Machine) watchDeadline(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		m.mu.Lock()
		incomplete := m.delivered < m.requested
		m.mu.Unlock()
		if incomplete {
			m.mu.Lock()
			m.timedOut = true
			m.running = false
			m.mu.Unlock()
			m.pipeline.Stop()
		}
	case <-ctx.Done():
	}
}

// Stop stops the pipeline before the Control Channel: a file event that
// lands after the channel tears down would otherwise race a subsequent
// Prepare.
func (m *Machine) Stop() {
	m.mu.Lock()
	if cancel := m.deadlineStop; cancel != nil {
		cancel()
		m.deadlineStop = nil
	}
	m.mu.Unlock()

	m.pipeline.Stop()
	m.ch.StopAcquisition()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Pending reports the ingestion pipeline's out-of-order buffer depth.
func (m *Machine) Pending() int {
	return m.pipeline.Pending()
}

// Status composes the Control Channel's status with the pipeline's
// progress into the single pair callers actually want to poll.
func (m *Machine) Status() CompositeStatus {
	chStatus := m.ch.Status()

	m.mu.Lock()
	delivered, requested := m.delivered, m.requested
	running, timedOut := m.running, m.timedOut
	m.mu.Unlock()

	switch chStatus {
	case control.Running:
		return CompositeStatus{Exposure, Running}
	case control.Disconnected:
		return CompositeStatus{DetectorFault, AcquisitionFault}
	case control.Error:
		return CompositeStatus{Idle, AcquisitionFault}
	case control.KillingAcquisition:
		if running {
			return CompositeStatus{Idle, Running}
		}
		return CompositeStatus{Idle, Ready}
	case control.Standby:
		if timedOut {
			return CompositeStatus{Idle, AcquisitionFault}
		}
		if delivered >= requested && requested > 0 {
			return CompositeStatus{Idle, Ready}
		}
		if running {
			return CompositeStatus{Idle, Running}
		}
		return CompositeStatus{Idle, Ready}
	default:
		// Transient Setting*/ReadingTh/AnyCommand states: the detector is
		// mid-command, not mid-exposure.
		return CompositeStatus{Idle, Running}
	}
}
