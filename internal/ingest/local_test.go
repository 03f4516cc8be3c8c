package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeImageFile(t *testing.T, dir, name string, width, height int, fill int32) {
	t.Helper()
	buf := make([]byte, headerSkip+width*height*4)
	for i := 0; i < width*height; i++ {
		binary.LittleEndian.PutUint32(buf[headerSkip+i*4:], uint32(fill))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf, 0644))
}

func newTestLocalPipeline(t *testing.T, cb Callback) (*LocalPipeline, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewLocal(dir, "img_%.5d.edf", cb, Config{Width: 2, Height: 2, BytesPerPixel: 4})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop() })
	return p, dir
}

func TestLocalPipelineHappyPathThreeFrames(t *testing.T) {
	var mu sync.Mutex
	var delivered []int
	done := make(chan struct{})
	cb := func(f *Frame) bool {
		mu.Lock()
		delivered = append(delivered, f.Index)
		n := len(delivered)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return true
	}

	p, dir := newTestLocalPipeline(t, cb)
	require.NoError(t, p.Prepare(context.Background(), Descriptor{WatchDir: dir, Pattern: "img_%.5d.edf", NbImages: 3}))
	require.NoError(t, p.Start(context.Background()))

	writeImageFile(t, dir, "img_00000.edf", 2, 2, 1)
	writeImageFile(t, dir, "img_00001.edf", 2, 2, 2)
	writeImageFile(t, dir, "img_00002.edf", 2, 2, 3)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for 3 deliveries, got %v", delivered)
	}
	require.Equal(t, []int{0, 1, 2}, delivered)
	require.Equal(t, 0, p.Pending())
}

func TestLocalPipelineOutOfOrder(t *testing.T) {
	var mu sync.Mutex
	var delivered []int
	done := make(chan struct{})
	cb := func(f *Frame) bool {
		mu.Lock()
		delivered = append(delivered, f.Index)
		n := len(delivered)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return true
	}

	p, dir := newTestLocalPipeline(t, cb)
	require.NoError(t, p.Prepare(context.Background(), Descriptor{WatchDir: dir, Pattern: "img_%.5d.edf", NbImages: 3}))
	require.NoError(t, p.Start(context.Background()))

	// Index 2 arrives before 0 and 1; the pipeline must still deliver in
	// ascending order and hold index 2 pending until 0 arrives.
	writeImageFile(t, dir, "img_00002.edf", 2, 2, 3)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 0, len(delivered), "index 2 must not be delivered before next_expected catches up")

	writeImageFile(t, dir, "img_00000.edf", 2, 2, 1)
	writeImageFile(t, dir, "img_00001.edf", 2, 2, 2)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for 3 deliveries, got %v", delivered)
	}
	require.Equal(t, []int{0, 1, 2}, delivered)
}

func TestLocalPipelineStopLatchesOnFalseReturn(t *testing.T) {
	var mu sync.Mutex
	var delivered []int
	cb := func(f *Frame) bool {
		mu.Lock()
		delivered = append(delivered, f.Index)
		mu.Unlock()
		return f.Index < 0 // always false: stop after the very first delivery
	}

	p, dir := newTestLocalPipeline(t, cb)
	require.NoError(t, p.Prepare(context.Background(), Descriptor{WatchDir: dir, Pattern: "img_%.5d.edf", NbImages: 2}))
	require.NoError(t, p.Start(context.Background()))

	writeImageFile(t, dir, "img_00000.edf", 2, 2, 1)
	time.Sleep(300 * time.Millisecond)
	writeImageFile(t, dir, "img_00001.edf", 2, 2, 2)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	got := append([]int(nil), delivered...)
	mu.Unlock()
	require.Equal(t, []int{0}, got)
}

func TestReadFrameFileDecodesLittleEndian(t *testing.T) {
	dir := t.TempDir()
	writeImageFile(t, dir, "img_00000.edf", 2, 1, 7)
	pixels, err := readFrameFile(filepath.Join(dir, "img_00000.edf"), 2, 1, 4)
	require.NoError(t, err)
	require.Equal(t, []int32{7, 7}, pixels)
}

func TestReadFrameFileShortReadIsDecodeError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.edf"), bytes.Repeat([]byte{0}, headerSkip+2), 0644))
	_, err := readFrameFile(filepath.Join(dir, "short.edf"), 2, 2, 4)
	require.Error(t, err)
}
