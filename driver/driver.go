// Package driver is the Framework Adapters layer (C7): the outermost facade
// an acquisition framework embeds, composing the Control Channel (C3), the
// Frame Ingestion Pipeline (C5), and the Acquisition State Machine (C6)
// behind detector-info, sync, buffer, and optional direct-saving contracts.
// It contains no engineering content of its own beyond wiring and enum
// translation — the core logic lives in internal/control, internal/ingest,
// and internal/acq.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/esrf-bliss/areadet/config"
	"github.com/esrf-bliss/areadet/internal/acq"
	"github.com/esrf-bliss/areadet/internal/control"
	"github.com/esrf-bliss/areadet/internal/ingest"
	"github.com/esrf-bliss/areadet/internal/telemetry/logging"
	"github.com/esrf-bliss/areadet/internal/telemetry/metrics"
	"github.com/esrf-bliss/areadet/internal/telemetry/tracing"
)

// CameraDef is re-exported from the config package so callers constructing
// a Driver don't need to import it directly for this one type.
type CameraDef = config.CameraDef

// DefaultCameraDef is the common large-area detector geometry this driver
// targets absent a camera.def override.
func DefaultCameraDef() CameraDef { return config.DefaultCameraDef() }

// Mode selects the Frame Ingestion Pipeline deployment: ModeLocal watches
// the output directory directly, ModeRemote synthesizes frame-ready
// notifications from the control channel's acquired count. See spec.md
// §4.4.
type Mode = ingest.Mode

const (
	ModeLocal  = ingest.ModeLocal
	ModeRemote = ingest.ModeRemote
)

// TriggerMode is re-exported from internal/control so adapter callers never
// need to import an internal package.
type TriggerMode = control.TriggerMode

const (
	InternalSingle = control.InternalSingle
	InternalMulti  = control.InternalMulti
	ExternalSingle = control.ExternalSingle
	ExternalMulti  = control.ExternalMulti
	ExternalGate   = control.ExternalGate
)

// Frame is one decoded image delivered to a registered BufferCtrl callback.
type Frame = ingest.Frame

// Params describes one acquisition run, passed to Prepare/Start.
type Params = acq.Params

// DetectorPhase and AcquisitionPhase are re-exported from internal/acq so
// callers can compare against Status()'s result without an internal import.
type DetectorPhase = acq.DetectorPhase
type AcquisitionPhase = acq.AcquisitionPhase

const (
	PhaseIdle    = acq.Idle
	PhaseExposure = acq.Exposure
	PhaseReadout  = acq.Readout
	PhaseLatency  = acq.Latency
	PhaseDetectorFault = acq.DetectorFault
)

const (
	PhaseReady            = acq.Ready
	PhaseRunning          = acq.Running
	PhaseAcquisitionFault = acq.AcquisitionFault
)

// CompositeStatus is the (detector, acquisition) pair Status returns.
type CompositeStatus = acq.CompositeStatus

// Config is the public configuration surface for a Driver. It narrows and
// normalizes the underlying component configs (control.Config, ingest.Config,
// acq.Config) the way the teacher's engine.Config narrows its pipeline and
// resource configs, while letting advanced callers reach the subsystems
// directly through functional Options.
type Config struct {
	Host string
	Port int

	Mode Mode

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	ReconnectOnDemand bool

	WatchDir    string
	FilePattern string
	Retention   int

	Width, Height, BytesPerPixel int
	MaxResident                  int

	RemotePollInterval time.Duration

	MinLatency       time.Duration
	PipelineDeadline time.Duration

	TempLimits, HumidityLimits []float64

	// EnableOTelSDK installs a fresh, exporter-less OTel SDK TracerProvider
	// and MeterProvider as process globals, replacing any set before New;
	// spans are then recorded but exported nowhere. With it off, the
	// facade's spans go to whatever global TracerProvider is in place (an
	// embedder's own, or OTel's default noop).
	EnableOTelSDK bool

	MetricsEnabled bool
}

func (c Config) withDefaults() Config {
	if c.Mode == 0 && c.WatchDir == "" {
		c.Mode = ModeLocal
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.FilePattern == "" {
		c.FilePattern = "image_%.5d.cbf"
	}
	if c.BytesPerPixel <= 0 {
		c.BytesPerPixel = 4
	}
	if c.MinLatency <= 0 {
		c.MinLatency = 3 * time.Millisecond
	}
	return c
}

// Option customizes a Driver beyond what Config exposes: injecting a
// logger, tracer, or metrics provider shared by every internal component.
type Option func(*options)

type options struct {
	logger  logging.Logger
	tracer  tracing.Tracer
	metrics metrics.Provider
}

func WithLogger(l logging.Logger) Option   { return func(o *options) { o.logger = l } }
func WithTracer(t tracing.Tracer) Option   { return func(o *options) { o.tracer = t } }
func WithMetrics(m metrics.Provider) Option { return func(o *options) { o.metrics = m } }

// Driver is the top-level facade: one instance drives one control-server
// endpoint, per spec.md §1's no-multi-detector-fan-out non-goal.
type Driver struct {
	cfg     Config
	opts    options
	channel *control.Channel
	machine *acq.Machine
	otel    *otelBridge
	runID   string

	detectorInfo *DetectorInfoAdapter
	sync         *SyncAdapter
	buffer       *BufferAdapter
	saving       *SavingAdapter
}

// New builds a Driver from cfg. It does not connect; call Connect to dial
// the control server.
func New(cfg Config, cameraDef CameraDef, opts ...Option) (*Driver, error) {
	cfg = cfg.withDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(nil)
	}
	if o.tracer == nil {
		o.tracer = tracing.NewTracer(false)
	}
	if o.metrics == nil {
		if cfg.MetricsEnabled {
			o.metrics = metrics.NewPrometheusProvider(nil)
		} else {
			o.metrics = metrics.NewNoopProvider()
		}
	}

	bridge := setupOtel(cfg.EnableOTelSDK)

	ch := control.New(control.Config{
		ConnectTimeout:    cfg.ConnectTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		ReconnectOnDemand: cfg.ReconnectOnDemand,
		Logger:            o.logger,
		Tracer:            o.tracer,
		Metrics:           o.metrics,
	})
	ch.SetSafetyLimits(cfg.TempLimits, cfg.HumidityLimits)

	acqCfg := acq.Config{
		MinLatency:       cfg.MinLatency,
		PipelineDeadline: cfg.PipelineDeadline,
		Logger:           o.logger,
	}

	var machine *acq.Machine
	var err error
	switch cfg.Mode {
	case ModeRemote:
		machine = acq.NewRemote(ch, ingest.RemoteConfig{PollInterval: cfg.RemotePollInterval}, acqCfg)
	default:
		machine, err = acq.NewLocal(ch, cfg.WatchDir, cfg.FilePattern, ingest.Config{
			Width: cfg.Width, Height: cfg.Height, BytesPerPixel: cfg.BytesPerPixel,
			MaxResident: cfg.MaxResident,
			Logger:      o.logger,
			Metrics:     o.metrics,
		}, acqCfg)
		if err != nil {
			return nil, fmt.Errorf("driver: build local pipeline: %w", err)
		}
	}

	d := &Driver{cfg: cfg, opts: o, channel: ch, machine: machine, otel: bridge}
	d.detectorInfo = newDetectorInfoAdapter(cameraDef)
	d.sync = newSyncAdapter(ch)
	d.buffer = newBufferAdapter(d)
	d.saving = newSavingAdapter(ch)
	return d, nil
}

// Connect dials the control server and waits for the post-connect resync
// to complete.
func (d *Driver) Connect(ctx context.Context) error {
	ctx, span := startSpan(ctx, "areadet.Connect")
	defer span.End()
	return d.channel.Connect(ctx, d.cfg.Host, d.cfg.Port)
}

// Prepare validates and pushes one run's parameters, then arms the
// ingestion pipeline. Frames are delivered to whatever callback the
// framework most recently registered via Buffer().Register.
func (d *Driver) Prepare(ctx context.Context, params Params) error {
	ctx, span := startSpan(ctx, "areadet.Prepare")
	defer span.End()
	d.runID = uuid.NewString()
	d.opts.logger.InfoCtx(ctx, "acquisition prepared", "run_id", d.runID, "nb_images", params.NbImages)
	return d.machine.Prepare(ctx, params, d.buffer.deliver)
}

// Start asks the control channel to begin acquiring and starts the
// ingestion pipeline.
func (d *Driver) Start(ctx context.Context, params Params) error {
	ctx, span := startSpan(ctx, "areadet.Start")
	defer span.End()
	return d.machine.Start(ctx, params)
}

// Stop is cooperative and idempotent: it stops the pipeline then the
// control channel, in that order (spec.md §4.5).
func (d *Driver) Stop(ctx context.Context) {
	_, span := startSpan(ctx, "areadet.Stop")
	defer span.End()
	d.machine.Stop()
}

// Status returns the composite (detector, acquisition) status.
func (d *Driver) Status() CompositeStatus { return d.machine.Status() }

// Pending reports the ingestion pipeline's out-of-order buffer depth.
func (d *Driver) Pending() int { return d.machine.Pending() }

// SoftReset clears a sticky Error state without a full reconnect.
func (d *Driver) SoftReset(ctx context.Context) error { return d.channel.SoftReset(ctx) }

// SendAny issues an arbitrary control-server command and blocks for its
// outcome, per spec.md §4.3's send_any_and_get_error contract.
func (d *Driver) SendAny(ctx context.Context, cmd string) string {
	return d.channel.SendAny(ctx, cmd)
}

// DetectorInfo returns the detector-info capability adapter.
func (d *Driver) DetectorInfo() *DetectorInfoAdapter { return d.detectorInfo }

// Sync returns the synchronization (exp/lat time, trigger, frames) adapter.
func (d *Driver) Sync() *SyncAdapter { return d.sync }

// Buffer returns the buffer-control adapter.
func (d *Driver) Buffer() *BufferAdapter { return d.buffer }

// Saving returns the optional direct-saving adapter.
func (d *Driver) Saving() *SavingAdapter { return d.saving }

// Close tears the driver down: stops any in-flight run, closes the control
// channel, and shuts down any installed OTel SDK providers.
func (d *Driver) Close() error {
	d.machine.Stop()
	err := d.channel.Close()
	d.otel.shutdown(context.Background())
	return err
}
