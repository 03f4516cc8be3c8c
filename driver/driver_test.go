package driver

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esrf-bliss/areadet/internal/control/controltest"
)

func resyncHandler(extra controltest.Handler) controltest.Handler {
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

func TestDriverHappyPathThreeFrames(t *testing.T) {
	srv := controltest.Start(t, resyncHandler(nil))
	dir := t.TempDir()
	host, port := srv.Addr()

	d, err := New(Config{
		Host: host, Port: port, Mode: ModeLocal,
		ConnectTimeout: time.Second, CommandTimeout: 2 * time.Second,
		WatchDir: dir, FilePattern: "img_%.5d.edf",
		Width: 2, Height: 2, BytesPerPixel: 4,
	}, DefaultCameraDef())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Connect(context.Background()))

	var mu sync.Mutex
	var delivered []int
	done := make(chan struct{})
	d.Buffer().Register(func(f *Frame) bool {
		mu.Lock()
		delivered = append(delivered, f.Index)
		n := len(delivered)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return true
	})

	params := Params{
		Exposure: 0.1, Latency: 0.1, NbImages: 3,
		Trigger: InternalSingle, FirstImage: 0,
		Imgpath: dir, Pattern: "img_%.5d.edf",
	}
	require.NoError(t, d.Prepare(context.Background(), params))
	require.NoError(t, d.Start(context.Background(), params))

	writeImageFile(t, dir, "img_00000.edf", 2, 2, 1)
	writeImageFile(t, dir, "img_00001.edf", 2, 2, 2)
	writeImageFile(t, dir, "img_00002.edf", 2, 2, 3)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for 3 deliveries, got %v", delivered)
	}
	assert.Equal(t, []int{0, 1, 2}, delivered)

	info := d.DetectorInfo()
	assert.Equal(t, 2463, info.MaxWidth())
	assert.Equal(t, 172.0, info.PixelSize())
}

func TestDriverSafetyInterlockBlocksStart(t *testing.T) {
	srv := controltest.Start(t, resyncHandler(nil))
	dir := t.TempDir()
	host, port := srv.Addr()

	d, err := New(Config{
		Host: host, Port: port, Mode: ModeLocal,
		ConnectTimeout: time.Second, CommandTimeout: 2 * time.Second,
		WatchDir: dir, FilePattern: "img_%.5d.edf",
		Width: 2, Height: 2, BytesPerPixel: 4,
		TempLimits: []float64{35.0}, HumidityLimits: []float64{100},
	}, DefaultCameraDef())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Connect(context.Background()))
	srv.Push("215 OK Channel 0: Temperature = 35.1 C, Rel. Humidity = 20.0")

	params := Params{
		Exposure: 0.1, Latency: 0.1, NbImages: 1,
		Trigger: InternalSingle, FirstImage: 0,
		Imgpath: dir, Pattern: "img_%.5d.edf",
	}
	require.NoError(t, d.Prepare(context.Background(), params))
	time.Sleep(100 * time.Millisecond) // let the pushed temperature reading land in cache

	err = d.Start(context.Background(), params)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSafetyInterlock)
}
