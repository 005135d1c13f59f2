package perf

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "framecodec"

// Register exports every timer and counter declared so far as Prometheus
// gauges. labels are attached to every series, together with the set's
// component name. The values are read at scrape time, so Reset shows up as
// a drop to zero.
func (s *Set) Register(reg prometheus.Registerer, labels prometheus.Labels) error {
	s.mu.RLock()
	timers := append([]string(nil), s.timerOrder...)
	counters := append([]string(nil), s.counterOrder...)
	s.mu.RUnlock()

	for _, stage := range timers {
		stage := stage
		constLabels := s.constLabels(labels, "stage", stage)
		collectors := []prometheus.Collector{
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "stage_seconds_total",
				Help:        "Accumulated time spent in a codec stage",
				ConstLabels: constLabels,
			}, func() float64 { return s.Timer(stage).Total.Seconds() }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "stage_calls_total",
				Help:        "Number of timed executions of a codec stage",
				ConstLabels: constLabels,
			}, func() float64 { return float64(s.Timer(stage).Count) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "stage_peak_seconds",
				Help:        "Longest observed execution of a codec stage",
				ConstLabels: constLabels,
			}, func() float64 { return s.Timer(stage).Peak.Seconds() }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "stage_average_seconds",
				Help:        "Exponential moving average of a codec stage",
				ConstLabels: constLabels,
			}, func() float64 { return s.Timer(stage).Average.Seconds() }),
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return fmt.Errorf("register %s timer %s: %w", s.component, stage, err)
			}
		}
	}

	for _, name := range counters {
		name := name
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "counter_total",
			Help:        "Codec session counters",
			ConstLabels: s.constLabels(labels, "counter", name),
		}, func() float64 { return float64(s.Counter(name)) })
		if err := reg.Register(g); err != nil {
			return fmt.Errorf("register %s counter %s: %w", s.component, name, err)
		}
	}
	return nil
}

func (s *Set) constLabels(labels prometheus.Labels, key, value string) prometheus.Labels {
	out := prometheus.Labels{"component": s.component, key: value}
	for k, v := range labels {
		out[k] = v
	}
	return out
}
