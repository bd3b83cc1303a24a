package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeCycle_PanicBecomesError(t *testing.T) {
	h := newHarness(t)
	h.o.tick = func(context.Context) error { panic("nil map") }

	err := h.o.safeCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
}

func TestScanLoop_SurvivesFailingCycles(t *testing.T) {
	h := newHarness(t)
	h.cfg.Orchestrator.ScanIntervalSeconds = 0
	h.cfg.Orchestrator.MinSleepMS = 1
	h.cfg.Orchestrator.ErrorBackoffMS = 1

	var calls atomic.Int32
	h.o.tick = func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("broker timeout")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.o.supervise(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	_, ok := h.repo.Heartbeat("test-1")
	assert.True(t, ok, "heartbeat written every cycle")
	assert.False(t, h.o.Status().LastHeartbeat.IsZero())
}
