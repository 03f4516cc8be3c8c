// Package ingest implements the Frame Ingestion Pipeline (C5): a
// filesystem-watching or control-channel-driven loop that detects completed
// per-frame image files, decodes them, reorders them into strictly
// ascending delivery order, and applies a retention policy bounding disk
// usage.
package ingest

import (
	"context"
	"time"
)

// Mode selects which Pipeline implementation a driver construction wires
// up. The two deployment modes are represented as two implementations
// behind one interface so the acquisition state machine never branches on
// deployment mode.
type Mode int

const (
	// ModeLocal watches the output directory directly (the detector PC is
	// co-located with the driver host).
	ModeLocal Mode = iota
	// ModeRemote synthesizes frame-ready notifications from the control
	// channel's acquired-image count (the output directory is not visible
	// to the driver host).
	ModeRemote
)

// Frame is one decoded image handed upstream to the framework's buffer
// manager. Pixels is a slice allocated for this frame when its file is
// read; the pipeline keeps no reference to it after delivery.
type Frame struct {
	Index    int
	Pixels   []int32
	Width    int
	Height   int
	Acquired time.Time
}

// Callback is invoked once per frame, in strictly ascending index order. A
// false return latches a stop: the pipeline issues no further callbacks for
// the remainder of the run.
type Callback func(f *Frame) (cont bool)

// Descriptor is the acquisition-scoped configuration a Pipeline is armed
// with at Prepare time.
type Descriptor struct {
	// WatchDir is the directory the server writes image files to
	// (ModeLocal only).
	WatchDir string
	// Pattern is the printf pattern (one %d slot) used both to build
	// expected filenames and to invert a filename back to an image index.
	Pattern string
	// NbImages is the number of frames this run expects to deliver.
	NbImages int
	// FirstImage is the first image number the server was told to start
	// writing at.
	FirstImage int
	// Retention bounds how many of the most recent image files are kept on
	// disk: 0 means unlimited, >0 a strict sliding window, <0 means derive
	// the window from free space on WatchDir.
	Retention int
}

// Pipeline is the Frame Ingestion Pipeline capability, implemented by
// LocalPipeline and RemotePipeline.
type Pipeline interface {
	Prepare(ctx context.Context, desc Descriptor) error
	Start(ctx context.Context) error
	Stop()
	Pending() int
}

// maxPendingOverrun is the pending-frame-map bound spec §4.4 calls out: if
// the framework cannot keep up past this many out-of-order frames, the
// pipeline forces the control channel into Error rather than growing
// unbounded.
const maxPendingOverrun = 32
