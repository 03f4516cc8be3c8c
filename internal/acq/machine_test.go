package acq

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esrf-bliss/areadet/internal/control"
	"github.com/esrf-bliss/areadet/internal/control/controltest"
	"github.com/esrf-bliss/areadet/internal/ingest"
)

// defaultResyncHandler answers the warm-up and resync burst harmlessly, and
// acknowledges the per-run setter commands Prepare/Start issue so the
// machine doesn't block on them, mirroring the fake server used by
// internal/control's own tests.
func defaultResyncHandler(extra controltest.Handler) controltest.Handler {
	return func(cmd string) []string {
		switch {
		case cmd == "exposure warmup.edf":
			return nil
		case cmd == "nimages":
			return []string{"15 OK N images set to: 1"}
		case cmd == "setenergy" || cmd == "setthreshold" || cmd == "delay" || cmd == "nexpframe" ||
			cmd == "th" || cmd == "setackint 0" || cmd == "dbglvl 1":
			return nil
		case strings.HasPrefix(cmd, "imgpath"):
			parts := strings.SplitN(cmd, " ", 2)
			return []string{"10 OK " + parts[1]}
		case strings.HasPrefix(cmd, "exptime "):
			return []string{"15 OK Exposure time set to: " + strings.Fields(cmd)[1] + " sec"}
		case strings.HasPrefix(cmd, "expperiod "):
			return []string{"15 OK Exposure period set to: " + strings.Fields(cmd)[1] + " sec"}
		case strings.HasPrefix(cmd, "nimages "):
			return []string{"15 OK N images set to: " + strings.Fields(cmd)[1]}
		default:
			if extra != nil {
				return extra(cmd)
			}
			return nil
		}
	}
}

func writeImageFile(t *testing.T, dir, name string, width, height int, fill int32) {
	t.Helper()
	const headerSkip = 1024
	buf := make([]byte, headerSkip+width*height*4)
	for i := 0; i < width*height; i++ {
		binary.LittleEndian.PutUint32(buf[headerSkip+i*4:], uint32(fill))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf, 0644))
}

func newTestMachine(t *testing.T, extra controltest.Handler) (*Machine, *control.Channel, *controltest.Server, string) {
	t.Helper()
	srv := controltest.Start(t, defaultResyncHandler(extra))
	ch := control.New(control.Config{CommandTimeout: 2 * time.Second, ConnectTimeout: time.Second})
	host, port := srv.Addr()
	require.NoError(t, ch.Connect(context.Background(), host, port))
	t.Cleanup(func() { _ = ch.Close() })

	dir := t.TempDir()
	m, err := NewLocal(ch, dir, "img_%.5d.edf", ingest.Config{Width: 2, Height: 2, BytesPerPixel: 4}, Config{
		MinLatency: time.Millisecond,
	})
	require.NoError(t, err)
	return m, ch, srv, dir
}

// TestHappyPathInternalTriggerThreeFrames is scenario 1 from spec.md §8: a
// 3-frame internal-single run must deliver frames 0,1,2 in order and end
// at (Idle, Ready) with nothing pending.
func TestHappyPathInternalTriggerThreeFrames(t *testing.T) {
	m, _, srv, dir := newTestMachine(t, nil)

	var mu sync.Mutex
	var delivered []int
	done := make(chan struct{})
	cb := func(f *ingest.Frame) bool {
		mu.Lock()
		delivered = append(delivered, f.Index)
		n := len(delivered)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return true
	}

	params := Params{
		Exposure: 0.1, Latency: 0.1, NbImages: 3,
		Trigger: control.InternalSingle, FirstImage: 0,
		Imgpath: dir, Pattern: "img_%.5d.edf",
	}
	require.NoError(t, m.Prepare(context.Background(), params, cb))
	require.NoError(t, m.Start(context.Background(), params))

	writeImageFile(t, dir, "img_00000.edf", 2, 2, 1)
	writeImageFile(t, dir, "img_00001.edf", 2, 2, 2)
	writeImageFile(t, dir, "img_00002.edf", 2, 2, 3)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for 3 deliveries, got %v", delivered)
	}

	srv.Push("7 OK " + filepath.Join(dir, "img_00000.edf"))

	require.Eventually(t, func() bool {
		s := m.Status()
		return s.Detector == Idle && s.Acquisition == Ready
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{0, 1, 2}, delivered)
	assert.Equal(t, 0, m.Pending())
}

// TestOutOfOrderFilesStillDeliverInOrder is scenario 2: the server writing
// index 2 before 0 and 1 must not be observed by the framework callback,
// which only ever sees ascending order.
func TestOutOfOrderFilesStillDeliverInOrder(t *testing.T) {
	m, _, _, dir := newTestMachine(t, nil)

	var mu sync.Mutex
	var delivered []int
	done := make(chan struct{})
	cb := func(f *ingest.Frame) bool {
		mu.Lock()
		delivered = append(delivered, f.Index)
		n := len(delivered)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return true
	}

	params := Params{
		Exposure: 0.1, Latency: 0.1, NbImages: 3,
		Trigger: control.InternalSingle, FirstImage: 0,
		Imgpath: dir, Pattern: "img_%.5d.edf",
	}
	require.NoError(t, m.Prepare(context.Background(), params, cb))
	require.NoError(t, m.Start(context.Background(), params))

	writeImageFile(t, dir, "img_00002.edf", 2, 2, 3)
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	n := len(delivered)
	mu.Unlock()
	require.Equal(t, 0, n, "out-of-order frame must not be delivered early")
	assert.Equal(t, 1, m.Pending())

	writeImageFile(t, dir, "img_00000.edf", 2, 2, 1)
	writeImageFile(t, dir, "img_00001.edf", 2, 2, 2)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for 3 deliveries, got %v", delivered)
	}
	assert.Equal(t, []int{0, 1, 2}, delivered)
}

// TestKillMidRunStopsDeliveryAndReportsAcquiredCount is scenario 3: calling
// Stop mid-run must kill the detector, and the channel must end at Standby
// with the acquired count frozen at whatever the server acknowledged.
func TestKillMidRunStopsDeliveryAndReportsAcquiredCount(t *testing.T) {
	m, ch, srv, dir := newTestMachine(t, nil)

	delivered := make(chan int, 16)
	cb := func(f *ingest.Frame) bool {
		delivered <- f.Index
		return true
	}

	params := Params{
		Exposure: 0.1, Latency: 0.1, NbImages: 10,
		Trigger: control.InternalSingle, FirstImage: 0,
		Imgpath: dir, Pattern: "img_%.5d.edf",
	}
	require.NoError(t, m.Prepare(context.Background(), params, cb))
	require.NoError(t, m.Start(context.Background(), params))

	for i := 0; i < 3; i++ {
		writeImageFile(t, dir, fmt.Sprintf("img_%.5d.edf", i), 2, 2, int32(i))
		srv.Push(fmt.Sprintf("7 OK %s", filepath.Join(dir, fmt.Sprintf("img_%.5d.edf", i))))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}

	m.Stop()
	srv.Push("13 OK killed")

	require.Eventually(t, func() bool { return ch.Status() == control.Standby }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), ch.AcquiredCount())
}
