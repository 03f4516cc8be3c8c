package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esrf-bliss/areadet/internal/control"
	"github.com/esrf-bliss/areadet/internal/control/controltest"
)

// acquireChannel dials a fake control server and drives it to report n
// acquired images without a real acquisition, for RemotePipeline tests.
func acquireChannel(t *testing.T, n int32) *control.Channel {
	t.Helper()
	srv := controltest.Start(t, func(cmd string) []string {
		if cmd == "nimages" {
			return []string{"15 OK N images set to: 1"}
		}
		return nil
	})
	ch := control.New(control.Config{CommandTimeout: 2 * time.Second, ConnectTimeout: time.Second})
	host, port := srv.Addr()
	require.NoError(t, ch.Connect(context.Background(), host, port))
	t.Cleanup(func() { _ = ch.Close() })
	for i := int32(0); i < n; i++ {
		srv.Push(fmt.Sprintf("7 OK /tmp/x/img_%05d.edf", i))
		time.Sleep(5 * time.Millisecond)
	}
	return ch
}

func TestRemotePipelineDeliversSynthesizedFrames(t *testing.T) {
	ch := acquireChannel(t, 3)

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

	p := NewRemoteWithConfig(ch, 3, cb, RemoteConfig{PollInterval: 10 * time.Millisecond})
	require.NoError(t, p.Prepare(context.Background(), Descriptor{NbImages: 3}))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out, delivered=%v", delivered)
	}
	require.Equal(t, []int{0, 1, 2}, delivered)
	require.Equal(t, 0, p.Pending())
}
