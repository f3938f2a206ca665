/*
Copyright 2025 Slotwatch Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the monitor's Prometheus collectors, served on /metrics when
// the diagnostics server has metrics enabled.
type Metrics struct {
	ChecksTotal        prometheus.Counter
	CheckDuration      prometheus.Histogram
	CheckErrors        *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	TrackedSlots       prometheus.Gauge
	AvailableSlots     prometheus.Gauge
}

// NewMetrics registers the monitor collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChecksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "slotwatch",
			Name:      "checks_total",
			Help:      "Completed timetable checks.",
		}),
		CheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "slotwatch",
			Name:      "check_duration_seconds",
			Help:      "Duration of one fetch-process-notify tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		CheckErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotwatch",
			Name:      "check_errors_total",
			Help:      "Errors by category.",
		}, []string{"category"}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotwatch",
			Name:      "notifications_total",
			Help:      "Notification dispatches by delivery status.",
		}, []string{"status"}),
		TrackedSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotwatch",
			Name:      "tracked_slots",
			Help:      "Slots currently tracked.",
		}),
		AvailableSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotwatch",
			Name:      "available_slots",
			Help:      "Tracked slots whose status is available.",
		}),
	}
}
