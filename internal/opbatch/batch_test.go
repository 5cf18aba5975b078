package opbatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvirt/hwpipe/internal/cmdengine"
	"github.com/qvirt/hwpipe/internal/mmio"
)

func TestSubmitReturnsDispatchResult(t *testing.T) {
	b, err := New(2, func(cmdengine.Snapshot) mmio.Status { return mmio.StatusOK }, nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	status := b.Submit(cmdengine.Snapshot{Channel: 1, Command: mmio.CmdPoll})
	assert.Equal(t, mmio.StatusOK, status)
}

func TestConcurrentSubmissionsAllComplete(t *testing.T) {
	var calls int64
	b, err := New(4, func(cmdengine.Snapshot) mmio.Status {
		atomic.AddInt64(&calls, 1)
		return mmio.StatusOK
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	results := make([]<-chan mmio.Status, 20)
	for i := range results {
		results[i] = b.SubmitAsync(cmdengine.Snapshot{Channel: uint64(i), Command: mmio.CmdPoll})
	}
	for _, r := range results {
		select {
		case status := <-r:
			assert.Equal(t, mmio.StatusOK, status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for result")
		}
	}
	assert.Equal(t, int64(20), atomic.LoadInt64(&calls))
}

func TestNewRejectsZeroDepth(t *testing.T) {
	_, err := New(0, nil, nil, nil)
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	b, err := New(1, func(cmdengine.Snapshot) mmio.Status { return mmio.StatusOK }, nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.Error(t, b.Start(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	b, err := New(1, func(cmdengine.Snapshot) mmio.Status { return mmio.StatusOK }, nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	b.Stop()
	b.Stop()
}
