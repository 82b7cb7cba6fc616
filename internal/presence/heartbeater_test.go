package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBeacon struct {
	beats    atomic.Int32
	offlines atomic.Int32
}

func (b *countingBeacon) Heartbeat(context.Context) error {
	b.beats.Add(1)
	return nil
}

func (b *countingBeacon) Offline(context.Context) error {
	b.offlines.Add(1)
	return nil
}

func TestHeartbeaterBeatsImmediatelyAndPeriodically(t *testing.T) {
	beacon := &countingBeacon{}
	h := NewHeartbeater(beacon, 10*time.Millisecond, nil)
	h.Start(context.Background())
	defer h.Stop()

	require.Eventually(t, func() bool { return beacon.beats.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeaterHiddenPausesWithoutOffline(t *testing.T) {
	beacon := &countingBeacon{}
	h := NewHeartbeater(beacon, 10*time.Millisecond, nil)
	h.Start(context.Background())
	require.Eventually(t, func() bool { return beacon.beats.Load() >= 1 }, time.Second, 5*time.Millisecond)

	h.SetVisible(false)
	// Let an in-flight beat settle before sampling.
	time.Sleep(15 * time.Millisecond)
	paused := beacon.beats.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, beacon.beats.Load())
	assert.Equal(t, int32(0), beacon.offlines.Load())

	h.SetVisible(true)
	require.Eventually(t, func() bool { return beacon.beats.Load() > paused }, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Wait()
}

func TestHeartbeaterStopSendsOneBeacon(t *testing.T) {
	beacon := &countingBeacon{}
	h := NewHeartbeater(beacon, 10*time.Millisecond, nil)
	h.Start(context.Background())
	require.Eventually(t, func() bool { return beacon.beats.Load() >= 1 }, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
	h.Wait()

	assert.Equal(t, int32(1), beacon.offlines.Load())
	time.Sleep(10 * time.Millisecond)
	stopped := beacon.beats.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, beacon.beats.Load())

	// A stopped heartbeater cannot be restarted.
	h.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, beacon.beats.Load())
}

// orderedBeacon records writes in arrival order. Its heartbeat blocks until
// released or cancelled.
type orderedBeacon struct {
	mu       sync.Mutex
	writes   []string
	inFlight chan struct{}
	release  chan struct{}
}

func (b *orderedBeacon) record(w string) {
	b.mu.Lock()
	b.writes = append(b.writes, w)
	b.mu.Unlock()
}

func (b *orderedBeacon) Heartbeat(ctx context.Context) error {
	select {
	case b.inFlight <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		b.record("heartbeat")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *orderedBeacon) Offline(context.Context) error {
	b.record("offline")
	return nil
}

func TestHeartbeaterStopCancelsInFlightBeat(t *testing.T) {
	beacon := &orderedBeacon{inFlight: make(chan struct{}, 1), release: make(chan struct{})}
	h := NewHeartbeater(beacon, time.Hour, nil)
	h.Start(context.Background())

	select {
	case <-beacon.inFlight:
	case <-time.After(time.Second):
		t.Fatal("heartbeat never started")
	}

	h.Stop()
	h.Wait()
	close(beacon.release)
	time.Sleep(10 * time.Millisecond)

	beacon.mu.Lock()
	defer beacon.mu.Unlock()
	assert.Equal(t, []string{"offline"}, beacon.writes)
}

func TestHeartbeaterStopBeforeStart(t *testing.T) {
	beacon := &countingBeacon{}
	h := NewHeartbeater(beacon, 10*time.Millisecond, nil)
	h.Stop()
	h.Wait()
	assert.Equal(t, int32(1), beacon.offlines.Load())
	assert.Zero(t, beacon.beats.Load())
}
