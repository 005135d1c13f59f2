// Package perf measures codec sessions.
//
// A Set holds named stage timers and counters. Timers accumulate total
// duration, call count, peak and an exponential moving average; they are
// only updated while the set is enabled. Counters always count.
//
// Timers are independent of any codec state: resetting or reopening a codec
// leaves them untouched, and Reset clears them without touching the codec.
//
//	set := perf.NewSet("encoder", []string{"convert", "send_frame"}, []string{"frames"})
//	start := set.Start()
//	convert()
//	set.Stop("convert", start)
//	set.Print("camera0")
package perf

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// emaAlpha weights the newest sample of the moving average.
const emaAlpha = 0.1

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// TimerStats is a point-in-time copy of one timer.
type TimerStats struct {
	Count   uint64
	Total   time.Duration
	Peak    time.Duration
	Average time.Duration // exponential moving average
}

// Mean returns Total divided by Count.
func (s TimerStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Snapshot is a copy of all timers and counters of a set.
type Snapshot struct {
	Timers   map[string]TimerStats
	Counters map[string]uint64
}

// Set is safe for concurrent use.
type Set struct {
	component string
	enabled   atomic.Bool

	mu           sync.RWMutex
	timers       map[string]*TimerStats
	timerOrder   []string
	counters     map[string]*atomic.Uint64
	counterOrder []string
	timeProvider TimeProvider
	logger       logrus.FieldLogger
}

// NewSet creates an enabled set with the given timers and counters declared
// up front. Undeclared names are created on first use.
func NewSet(component string, timers, counters []string) *Set {
	s := &Set{
		component: component,
		timers:    make(map[string]*TimerStats),
		counters:  make(map[string]*atomic.Uint64),
		logger:    logrus.StandardLogger(),
	}
	s.enabled.Store(true)
	for _, name := range timers {
		s.timerLocked(name)
	}
	for _, name := range counters {
		s.counterLocked(name)
	}
	return s
}

// SetTimeProvider sets the time provider for deterministic testing.
// If tp is nil, DefaultTimeProvider is used.
func (s *Set) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeProvider = tp
}

func (s *Set) getTimeProvider() TimeProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.timeProvider != nil {
		return s.timeProvider
	}
	return DefaultTimeProvider{}
}

// SetLogger replaces the logger used by Print.
func (s *Set) SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

// SetEnabled turns timing on or off.
func (s *Set) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Enabled reports whether timers are being updated.
func (s *Set) Enabled() bool {
	return s.enabled.Load()
}

// Start returns the start time of a measurement, or the zero time when the
// set is disabled.
func (s *Set) Start() time.Time {
	if !s.enabled.Load() {
		return time.Time{}
	}
	return s.getTimeProvider().Now()
}

// Stop records the time elapsed since start under name. A zero start is
// ignored.
func (s *Set) Stop(name string, start time.Time) {
	if start.IsZero() || !s.enabled.Load() {
		return
	}
	s.Observe(name, s.getTimeProvider().Since(start))
}

// Observe records one sample of d under name.
func (s *Set) Observe(name string, d time.Duration) {
	if !s.enabled.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.timerLocked(name)
	t.Count++
	t.Total += d
	if d > t.Peak {
		t.Peak = d
	}
	if t.Count == 1 {
		t.Average = d
	} else {
		t.Average = time.Duration(float64(t.Average)*(1-emaAlpha) + float64(d)*emaAlpha)
	}
}

// Add increments the counter name by n.
func (s *Set) Add(name string, n uint64) {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		c = s.counterLocked(name)
		s.mu.Unlock()
	}
	c.Add(n)
}

// Counter returns the value of the counter name.
func (s *Set) Counter(name string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Timer returns a copy of the timer name.
func (s *Set) Timer(name string) TimerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.timers[name]; ok {
		return *t
	}
	return TimerStats{}
}

// Snapshot copies every timer and counter.
func (s *Set) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Timers:   make(map[string]TimerStats, len(s.timers)),
		Counters: make(map[string]uint64, len(s.counters)),
	}
	for name, t := range s.timers {
		snap.Timers[name] = *t
	}
	for name, c := range s.counters {
		snap.Counters[name] = c.Load()
	}
	return snap
}

// Reset zeroes all timers and counters. Declared names stay declared.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.timers {
		*t = TimerStats{}
	}
	for _, c := range s.counters {
		c.Store(0)
	}

	s.logger.WithFields(logrus.Fields{
		"function":  "Reset",
		"component": s.component,
	}).Debug("Performance timers reset")
}

// Print logs one line per timer that has samples, then the counters.
func (s *Set) Print(prefix string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, name := range s.timerOrder {
		t := s.timers[name]
		if t.Count == 0 {
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"function":  "Print",
			"component": s.component,
			"prefix":    prefix,
			"stage":     name,
			"count":     t.Count,
			"total_ms":  milliseconds(t.Total),
			"mean_ms":   milliseconds(t.Mean()),
			"avg_ms":    milliseconds(t.Average),
			"peak_ms":   milliseconds(t.Peak),
		}).Info("Stage timer")
	}

	fields := logrus.Fields{
		"function":  "Print",
		"component": s.component,
		"prefix":    prefix,
	}
	for _, name := range s.counterOrder {
		fields[name] = s.counters[name].Load()
	}
	s.logger.WithFields(fields).Info("Counters")
}

func (s *Set) timerLocked(name string) *TimerStats {
	t, ok := s.timers[name]
	if !ok {
		t = &TimerStats{}
		s.timers[name] = t
		s.timerOrder = append(s.timerOrder, name)
	}
	return t
}

func (s *Set) counterLocked(name string) *atomic.Uint64 {
	c, ok := s.counters[name]
	if !ok {
		c = &atomic.Uint64{}
		s.counters[name] = c
		s.counterOrder = append(s.counterOrder, name)
	}
	return c
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
