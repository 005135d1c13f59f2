package perf

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider advances by step on every Since call.
type mockTimeProvider struct {
	now  time.Time
	step time.Duration
}

func (m *mockTimeProvider) Now() time.Time { return m.now }

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	m.now = m.now.Add(m.step)
	return m.now.Sub(t)
}

func TestStopAccumulates(t *testing.T) {
	s := NewSet("test", []string{"convert"}, nil)
	tp := &mockTimeProvider{now: time.Unix(100, 0), step: 10 * time.Millisecond}
	s.SetTimeProvider(tp)

	start := s.Start()
	s.Stop("convert", start)
	tp.step = 30 * time.Millisecond
	start = s.Start()
	s.Stop("convert", start)

	st := s.Timer("convert")
	assert.Equal(t, uint64(2), st.Count)
	assert.Equal(t, 40*time.Millisecond, st.Total)
	assert.Equal(t, 30*time.Millisecond, st.Peak)
	assert.Equal(t, 20*time.Millisecond, st.Mean())
	assert.Equal(t, 12*time.Millisecond, st.Average)
}

func TestDisabledSkipsTimers(t *testing.T) {
	s := NewSet("test", []string{"send"}, []string{"frames"})
	s.SetEnabled(false)
	assert.False(t, s.Enabled())

	start := s.Start()
	assert.True(t, start.IsZero())
	s.Stop("send", start)
	s.Observe("send", time.Second)
	s.Add("frames", 3)

	assert.Equal(t, uint64(0), s.Timer("send").Count)
	assert.Equal(t, uint64(3), s.Counter("frames"), "counters always count")
}

func TestResetKeepsNames(t *testing.T) {
	s := NewSet("test", []string{"a"}, []string{"bytes"})
	s.Observe("a", time.Millisecond)
	s.Observe("b", time.Millisecond)
	s.Add("bytes", 10)

	s.Reset()
	snap := s.Snapshot()
	assert.Len(t, snap.Timers, 2)
	assert.Equal(t, TimerStats{}, snap.Timers["a"])
	assert.Equal(t, uint64(0), snap.Counters["bytes"])

	s.Observe("a", 2*time.Millisecond)
	assert.Equal(t, 2*time.Millisecond, s.Timer("a").Average)
}

func TestPrintDoesNotPanicOnEmpty(t *testing.T) {
	s := NewSet("test", []string{"idle"}, []string{"frames"})
	s.SetLogger(nil)
	assert.NotPanics(t, func() { s.Print("empty") })
}

func TestRegisterPrometheus(t *testing.T) {
	s := NewSet("encoder", []string{"convert"}, []string{"frames"})
	s.Observe("convert", 500*time.Millisecond)
	s.Add("frames", 4)

	reg := prometheus.NewRegistry()
	require.NoError(t, s.Register(reg, prometheus.Labels{"session": "abc"}))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			assert.Equal(t, "abc", labels["session"])
			assert.Equal(t, "encoder", labels["component"])
			values[mf.GetName()+"/"+labels["stage"]+labels["counter"]] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 0.5, values["framecodec_stage_seconds_total/convert"])
	assert.Equal(t, 1.0, values["framecodec_stage_calls_total/convert"])
	assert.Equal(t, 4.0, values["framecodec_counter_total/frames"])

	s.Reset()
	families, err = reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			assert.Zero(t, m.GetGauge().GetValue(), mf.GetName())
		}
	}

	err = s.Register(reg, prometheus.Labels{"session": "abc"})
	assert.Error(t, err, "duplicate registration is rejected")
}
