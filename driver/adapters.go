package driver

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/esrf-bliss/areadet/internal/control"
	"github.com/esrf-bliss/areadet/internal/ingest"
)

// DetectorInfo is the framework-facing capability describing fixed detector
// geometry, named for the out-of-scope collaborator spec.md §1 lists.
type DetectorInfo interface {
	Name() string
	MaxWidth() int
	MaxHeight() int
	PixelSize() float64
	BitDepth() int
}

// Sync is the framework-facing synchronization capability: exposure/latency
// time, trigger mode, and frame count.
type Sync interface {
	SetExpTime(ctx context.Context, s float64) error
	SetLatTime(ctx context.Context, s float64) error
	SetTrigMode(ctx context.Context, m TriggerMode) error
	SetNbFrames(ctx context.Context, n int) error
}

// BufferCtrl is the framework-facing buffer capability: callback
// registration and the flow-control threshold the pipeline reports.
type BufferCtrl interface {
	Register(cb func(*Frame) bool)
	MaxThreshold() int
}

// Saving is the optional direct-saving capability: it forwards header
// metadata to the control server and reads back files it wrote, delegating
// all persistence to the server per spec.md §1.
type Saving interface {
	SetHeader(ctx context.Context, kv map[string]string) error
	ReadFrame(ctx context.Context, index int) ([]byte, error)
}

// DetectorInfoAdapter implements DetectorInfo from a parsed (or default)
// CameraDef. It contains no logic beyond translating the descriptor into
// the framework's expected accessors, per spec.md §4.6.
type DetectorInfoAdapter struct {
	def CameraDef
}

func newDetectorInfoAdapter(def CameraDef) *DetectorInfoAdapter {
	return &DetectorInfoAdapter{def: def}
}

func (a *DetectorInfoAdapter) Name() string      { return a.def.Name }
func (a *DetectorInfoAdapter) MaxWidth() int      { return a.def.Wide }
func (a *DetectorInfoAdapter) MaxHeight() int     { return a.def.High }
func (a *DetectorInfoAdapter) PixelSize() float64 { return a.def.Pitch }
func (a *DetectorInfoAdapter) BitDepth() int      { return a.def.BPP }

// SyncAdapter implements Sync by forwarding directly to the Control
// Channel's setter commands.
type SyncAdapter struct {
	ch *control.Channel
}

func newSyncAdapter(ch *control.Channel) *SyncAdapter { return &SyncAdapter{ch: ch} }

func (a *SyncAdapter) SetExpTime(ctx context.Context, s float64) error {
	return a.ch.SetExposure(ctx, s)
}

func (a *SyncAdapter) SetLatTime(ctx context.Context, s float64) error {
	snap := a.ch.Snapshot()
	return a.ch.SetExposurePeriod(ctx, snap.Exposure+s)
}

func (a *SyncAdapter) SetTrigMode(ctx context.Context, m TriggerMode) error {
	// Trigger mode has no dedicated "set" wire command of its own; it is
	// only meaningful as the verb StartAcquisition issues. This adapter
	// does not store it: Start uses the Trigger in the caller's Params.
	// Validated here so a framework enum mismatch fails before start.
	switch m {
	case InternalSingle, InternalMulti, ExternalSingle, ExternalMulti, ExternalGate:
		return nil
	default:
		return fmt.Errorf("driver: unknown trigger mode %d", m)
	}
}

func (a *SyncAdapter) SetNbFrames(ctx context.Context, n int) error {
	return a.ch.SetNbImages(ctx, int32(n))
}

// BufferAdapter implements BufferCtrl over a Driver's ingestion pipeline.
// MaxThreshold mirrors the pending-frame overrun bound spec.md §4.4 defines
// (32 out-of-order frames) so the framework can pace its own consumption.
type BufferAdapter struct {
	d  *Driver
	cb func(*Frame) bool
}

func newBufferAdapter(d *Driver) *BufferAdapter { return &BufferAdapter{d: d} }

func (a *BufferAdapter) Register(cb func(*Frame) bool) { a.cb = cb }

func (a *BufferAdapter) MaxThreshold() int { return 32 }

func (a *BufferAdapter) deliver(f *ingest.Frame) bool {
	if a.cb == nil {
		return true
	}
	return a.cb(f)
}

// SavingAdapter implements the optional direct-saving capability: it sends
// detector-independent header metadata via "mxsettings" and reads back a
// completed file on demand, per spec.md §4.6 and §6.
type SavingAdapter struct {
	ch *control.Channel
}

func newSavingAdapter(ch *control.Channel) *SavingAdapter { return &SavingAdapter{ch: ch} }

// SetHeader forwards header key/value pairs via a single "mxsettings"
// command, in the order the map's keys were added being unspecified (the
// wire command itself is order-insensitive per-key).
func (a *SavingAdapter) SetHeader(ctx context.Context, kv map[string]string) error {
	var b strings.Builder
	b.WriteString("mxsettings")
	for k, v := range kv {
		fmt.Fprintf(&b, " %s %s", k, v)
	}
	reply := a.ch.SendAny(ctx, b.String())
	if reply == "Timeout" {
		return ErrTimeout
	}
	if reply == "Disconnected" {
		return ErrIo
	}
	if reply != "" {
		return fmt.Errorf("driver: mxsettings rejected: %s", reply)
	}
	return nil
}

// ReadFrame reads back a file the control server itself saved, at the
// configured imgpath/pattern for index. Persistence is entirely the
// server's responsibility; this adapter never writes the file, only reads
// it, per spec.md §1's direct-saving non-goal.
func (a *SavingAdapter) ReadFrame(ctx context.Context, index int) ([]byte, error) {
	snap := a.ch.Snapshot()
	if snap.Imgpath == "" || snap.FilePattern == "" {
		return nil, fmt.Errorf("driver: imgpath/pattern not configured")
	}
	path := fmt.Sprintf("%s/"+snap.FilePattern, snap.Imgpath, index)
	return os.ReadFile(path)
}
