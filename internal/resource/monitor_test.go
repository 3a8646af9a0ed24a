package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/metrics"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func staticSampler(r Reading) Sampler {
	return SamplerFunc(func(context.Context) (Reading, error) { return r, nil })
}

func TestRecordDetectsSpikeAgainstWindow(t *testing.T) {
	m := NewMonitor(staticSampler(Reading{}), Config{Window: 4 * time.Second})

	var snap Snapshot
	for i, v := range []float64{10, 10, 10, 10, 90} {
		snap = m.Record(Reading{CPU: v}, epoch.Add(time.Duration(i)*time.Second))
	}

	cpu := snap.Get(CPU)
	assert.Equal(t, 90.0, cpu.Current)
	assert.InDelta(t, 10.0, cpu.Average, 1e-9)
	assert.True(t, cpu.Spike)

	spikes := snap.Spikes()
	require.Len(t, spikes, 1)
	assert.Equal(t, CPU, spikes[0].Resource)
}

func TestSpikeRequiresFloorAndBaseline(t *testing.T) {
	tests := []struct {
		name    string
		history []float64
		want    bool
	}{
		{"first sample has no baseline", []float64{95}, false},
		{"below floor", []float64{10, 10, 40}, false},
		{"not enough growth", []float64{40, 40, 70}, false},
		{"doubling above floor", []float64{30, 30, 61}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(staticSampler(Reading{}), Config{Window: 10 * time.Second})
			var snap Snapshot
			for i, v := range tt.history {
				snap = m.Record(Reading{Memory: v}, epoch.Add(time.Duration(i)*time.Second))
			}
			assert.Equal(t, tt.want, snap.Get(Memory).Spike)
		})
	}
}

func TestWindowExcludesOldSamples(t *testing.T) {
	m := NewMonitor(staticSampler(Reading{}), Config{Window: 2 * time.Second})

	m.Record(Reading{Disk: 90}, epoch)
	m.Record(Reading{Disk: 20}, epoch.Add(5*time.Second))
	m.Record(Reading{Disk: 20}, epoch.Add(6*time.Second))
	snap := m.Record(Reading{Disk: 30}, epoch.Add(7*time.Second))

	assert.InDelta(t, 20.0, snap.Get(Disk).Average, 1e-9)
	assert.InDelta(t, 70.0/3.0, m.Average(Disk, 0), 1e-9)
	assert.InDelta(t, 40.0, m.Average(Disk, time.Hour), 1e-9)
}

func TestHistoryIsBounded(t *testing.T) {
	m := NewMonitor(staticSampler(Reading{}), Config{HistorySize: 3})

	for i := 0; i < 5; i++ {
		m.Record(Reading{CPU: float64(i)}, epoch.Add(time.Duration(i)*time.Second))
	}

	h := m.History(CPU)
	require.Len(t, h, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{h[0].Value, h[1].Value, h[2].Value})
	assert.Equal(t, 3, m.history[CPU].len())
}

func TestSnapshotBeforeFirstSample(t *testing.T) {
	m := NewMonitor(staticSampler(Reading{}), Config{})

	_, ok := m.Snapshot()
	assert.False(t, ok)

	m.Record(Reading{CPU: 12}, epoch)
	snap, ok := m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 12.0, snap.Get(CPU).Current)
}

func TestStartStopSamplesAndJoins(t *testing.T) {
	var calls atomic.Int32
	sampler := SamplerFunc(func(context.Context) (Reading, error) {
		calls.Add(1)
		return Reading{CPU: 5, Memory: 6, Disk: 7}, nil
	})

	m := NewMonitor(sampler, Config{Interval: 5 * time.Millisecond})
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	m.Stop()
	assert.False(t, m.Running())
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "sampling continued after Stop")

	m.Stop()
}

func TestSuspendSkipsSampling(t *testing.T) {
	var calls atomic.Int32
	sampler := SamplerFunc(func(context.Context) (Reading, error) {
		calls.Add(1)
		return Reading{}, nil
	})

	m := NewMonitor(sampler, Config{Interval: 2 * time.Millisecond})
	m.Suspend()
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.True(t, m.Suspended())

	m.Unsuspend()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
}

func TestSampleOnceError(t *testing.T) {
	boom := errors.New("boom")
	m := NewMonitor(SamplerFunc(func(context.Context) (Reading, error) { return Reading{}, boom }), Config{})

	_, err := m.SampleOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	_, ok := m.Snapshot()
	assert.False(t, ok)
}

func TestSpikeReporting(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	require.NoError(t, err)

	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicResource, 4)

	m := NewMonitor(staticSampler(Reading{}), Config{Metrics: collector, Bus: bus})

	var mu sync.Mutex
	var hooked []Snapshot
	m.OnSample(func(s Snapshot) {
		mu.Lock()
		hooked = append(hooked, s)
		mu.Unlock()
	})

	m.Record(Reading{CPU: 20}, epoch)
	m.Record(Reading{CPU: 80}, epoch.Add(time.Second))

	select {
	case e := <-ch:
		spike, ok := e.(events.ResourceSpikeEvent)
		require.True(t, ok)
		assert.Equal(t, "cpu", spike.Resource)
		assert.Equal(t, 80.0, spike.Current)
	case <-time.After(time.Second):
		t.Fatal("no spike event published")
	}

	mu.Lock()
	assert.Len(t, hooked, 2)
	mu.Unlock()

	count, err := testutil.GatherAndCount(reg, "autopilot_resource_spikes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
